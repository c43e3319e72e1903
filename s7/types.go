// Package s7 resolves Siemens S7 symbolic addresses and converts between raw
// controller bytes and typed values. It also provides a gos7-backed transport
// and a reachability probe for the surrounding application.
package s7

import (
	"fmt"
	"strings"
)

// Kind is the data kind of a tag.
type Kind int

const (
	KindBool   Kind = iota // 1 bit (stored as 1 byte)
	KindByte               // 8 bits unsigned
	KindInt16              // 16 bits signed
	KindDInt32             // 32 bits signed
	KindReal32             // 32 bits IEEE 754 float
)

// Size returns the byte width of the kind on the wire.
func (k Kind) Size() int {
	switch k {
	case KindBool, KindByte:
		return 1
	case KindInt16:
		return 2
	case KindDInt32, KindReal32:
		return 4
	default:
		return 0
	}
}

// Valid reports whether k is one of the five known kinds.
func (k Kind) Valid() bool {
	return k.Size() > 0
}

// String returns the kind name as used in tag tables.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "Bool"
	case KindByte:
		return "Byte"
	case KindInt16:
		return "Int"
	case KindDInt32:
		return "DInt"
	case KindReal32:
		return "Real"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind returns the kind for a given type name.
func ParseKind(name string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "BOOL":
		return KindBool, nil
	case "BYTE":
		return KindByte, nil
	case "INT", "INT16":
		return KindInt16, nil
	case "DINT", "DINT32":
		return KindDInt32, nil
	case "REAL", "REAL32", "FLOAT":
		return KindReal32, nil
	default:
		return 0, fmt.Errorf("unknown data type %q (want one of %s)", name, strings.Join(SupportedKindNames(), ", "))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// SupportedKindNames returns the canonical names for manual tag entry.
func SupportedKindNames() []string {
	return []string{"Bool", "Byte", "Int", "DInt", "Real"}
}
