package s7

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value is a decoded tag value tagged with its kind. Values are comparable;
// Real32 values compare by bit pattern.
type Value struct {
	kind Kind
	bits uint32 // Big-endian wire bits, zero-extended to 32 bits
}

// BoolValue returns a Bool value.
func BoolValue(b bool) Value {
	if b {
		return Value{kind: KindBool, bits: 1}
	}
	return Value{kind: KindBool}
}

// ByteValue returns a Byte value.
func ByteValue(b uint8) Value { return Value{kind: KindByte, bits: uint32(b)} }

// Int16Value returns an Int value.
func Int16Value(i int16) Value { return Value{kind: KindInt16, bits: uint32(uint16(i))} }

// DInt32Value returns a DInt value.
func DInt32Value(i int32) Value { return Value{kind: KindDInt32, bits: uint32(i)} }

// Real32Value returns a Real value.
func Real32Value(f float32) Value { return Value{kind: KindReal32, bits: math.Float32bits(f)} }

// Kind returns the value's data kind.
func (v Value) Kind() Kind { return v.kind }

// Bool returns the value as a boolean (non-zero is true).
func (v Value) Bool() bool { return v.bits != 0 }

// Byte returns the low 8 bits of the value.
func (v Value) Byte() uint8 { return uint8(v.bits) }

// Int returns the value as a signed 64-bit integer. Real values are truncated.
func (v Value) Int() int64 {
	switch v.kind {
	case KindInt16:
		return int64(int16(v.bits))
	case KindDInt32:
		return int64(int32(v.bits))
	case KindReal32:
		return int64(math.Float32frombits(v.bits))
	default:
		return int64(v.bits)
	}
}

// Float returns the value as a float64.
func (v Value) Float() float64 {
	if v.kind == KindReal32 {
		return float64(math.Float32frombits(v.bits))
	}
	return float64(v.Int())
}

// Interface returns the value as a native Go type:
// bool, uint8, int16, int32 or float32.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindBool:
		return v.bits != 0
	case KindByte:
		return uint8(v.bits)
	case KindInt16:
		return int16(v.bits)
	case KindDInt32:
		return int32(v.bits)
	case KindReal32:
		return math.Float32frombits(v.bits)
	default:
		return nil
	}
}

// String formats the value in decimal.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.bits != 0)
	case KindReal32:
		return strconv.FormatFloat(float64(math.Float32frombits(v.bits)), 'g', -1, 32)
	default:
		return strconv.FormatInt(v.Int(), 10)
	}
}

// MarshalJSON encodes the native value.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindReal32 {
		f := math.Float32frombits(v.bits)
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return json.Marshal(v.String())
		}
	}
	return json.Marshal(v.Interface())
}

// Decode converts raw controller bytes to a typed value. bit selects a single
// bit for Bool values; pass -1 for whole-byte access.
func Decode(data []byte, kind Kind, bit int) (Value, error) {
	size := kind.Size()
	if size == 0 {
		return Value{}, &CodecError{Kind: kind, Err: ErrTypeMismatch, Detail: "unsupported data kind"}
	}
	if len(data) < size {
		return Value{}, &CodecError{Kind: kind, Err: ErrShortBuffer, Detail: fmt.Sprintf("need %d bytes, got %d", size, len(data))}
	}

	switch kind {
	case KindBool:
		if bit > 7 {
			return Value{}, &CodecError{Kind: kind, Err: ErrValueOutOfRange, Detail: fmt.Sprintf("bit %d", bit)}
		}
		if bit >= 0 {
			return BoolValue(GetBit(data[0], uint8(bit))), nil
		}
		return BoolValue(data[0] != 0), nil
	case KindByte:
		return ByteValue(data[0]), nil
	case KindInt16:
		return Int16Value(int16(binary.BigEndian.Uint16(data))), nil
	case KindDInt32:
		return DInt32Value(int32(binary.BigEndian.Uint32(data))), nil
	default: // KindReal32
		return Value{kind: KindReal32, bits: binary.BigEndian.Uint32(data)}, nil
	}
}

// Encode converts v to the wire bytes of kind. v may be a Value, bool, any Go
// integer or float type, or a decimal string.
//
// Byte keeps only the low 8 bits of an integer input. Int and DInt reject
// inputs outside their range instead of wrapping.
//
// Bool with a bit number encodes the mask byte only (1<<bit or 0). Writers
// must merge it into the current byte with SetBit rather than write it as is.
func Encode(v interface{}, kind Kind, bit int) ([]byte, error) {
	s, ok := toScalar(v)
	if !ok {
		return nil, &CodecError{Kind: kind, Err: ErrTypeMismatch, Detail: fmt.Sprintf("cannot convert %T", v)}
	}

	switch kind {
	case KindBool:
		if bit > 7 {
			return nil, &CodecError{Kind: kind, Err: ErrValueOutOfRange, Detail: fmt.Sprintf("bit %d", bit)}
		}
		b, err := s.asBool(kind)
		if err != nil {
			return nil, err
		}
		if bit >= 0 {
			return []byte{SetBit(0, uint8(bit), b)}, nil
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case KindByte:
		i, err := s.asInt(kind)
		if err != nil {
			return nil, err
		}
		return []byte{byte(i)}, nil

	case KindInt16:
		i, err := s.asInt(kind)
		if err != nil {
			return nil, err
		}
		if i < math.MinInt16 || i > math.MaxInt16 {
			return nil, &CodecError{Kind: kind, Err: ErrValueOutOfRange, Detail: strconv.FormatInt(i, 10)}
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(int16(i)))
		return buf, nil

	case KindDInt32:
		i, err := s.asInt(kind)
		if err != nil {
			return nil, err
		}
		if i < math.MinInt32 || i > math.MaxInt32 {
			return nil, &CodecError{Kind: kind, Err: ErrValueOutOfRange, Detail: strconv.FormatInt(i, 10)}
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(int32(i)))
		return buf, nil

	case KindReal32:
		f, err := s.asFloat32(kind)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, math.Float32bits(f))
		return buf, nil

	default:
		return nil, &CodecError{Kind: kind, Err: ErrTypeMismatch, Detail: "unsupported data kind"}
	}
}

// scalarClass identifies which field of a scalar is populated.
type scalarClass int

const (
	classBool scalarClass = iota
	classInt
	classUint
	classFloat
	classReal32 // float32 carried bit-exact
)

type scalar struct {
	class scalarClass
	b     bool
	i     int64
	u     uint64
	f     float64
	f32   float32
}

func toScalar(v interface{}) (scalar, bool) {
	switch x := v.(type) {
	case Value:
		if x.kind == KindReal32 {
			return scalar{class: classReal32, f32: math.Float32frombits(x.bits)}, true
		}
		if !x.kind.Valid() {
			return scalar{}, false
		}
		return toScalar(x.Interface())
	case bool:
		return scalar{class: classBool, b: x}, true
	case int:
		return scalar{class: classInt, i: int64(x)}, true
	case int8:
		return scalar{class: classInt, i: int64(x)}, true
	case int16:
		return scalar{class: classInt, i: int64(x)}, true
	case int32:
		return scalar{class: classInt, i: int64(x)}, true
	case int64:
		return scalar{class: classInt, i: x}, true
	case uint:
		return scalar{class: classUint, u: uint64(x)}, true
	case uint8:
		return scalar{class: classUint, u: uint64(x)}, true
	case uint16:
		return scalar{class: classUint, u: uint64(x)}, true
	case uint32:
		return scalar{class: classUint, u: uint64(x)}, true
	case uint64:
		return scalar{class: classUint, u: x}, true
	case float32:
		return scalar{class: classReal32, f32: x}, true
	case float64:
		return scalar{class: classFloat, f: x}, true
	case json.Number:
		return toScalar(string(x))
	case string:
		return parseScalar(x)
	default:
		return scalar{}, false
	}
}

func parseScalar(text string) (scalar, bool) {
	t := strings.TrimSpace(text)
	if i, err := strconv.ParseInt(t, 10, 64); err == nil {
		return scalar{class: classInt, i: i}, true
	}
	if u, err := strconv.ParseUint(t, 10, 64); err == nil {
		return scalar{class: classUint, u: u}, true
	}
	if f, err := strconv.ParseFloat(t, 64); err == nil {
		return scalar{class: classFloat, f: f}, true
	}
	switch strings.ToLower(t) {
	case "true", "on":
		return scalar{class: classBool, b: true}, true
	case "false", "off":
		return scalar{class: classBool, b: false}, true
	}
	return scalar{}, false
}

func (s scalar) asBool(kind Kind) (bool, error) {
	switch s.class {
	case classBool:
		return s.b, nil
	case classInt:
		return s.i != 0, nil
	case classUint:
		return s.u != 0, nil
	case classFloat:
		return s.f != 0, nil
	default:
		return s.f32 != 0, nil
	}
}

func (s scalar) asInt(kind Kind) (int64, error) {
	switch s.class {
	case classBool:
		if s.b {
			return 1, nil
		}
		return 0, nil
	case classInt:
		return s.i, nil
	case classUint:
		if kind == KindByte {
			return int64(s.u & 0xFF), nil
		}
		if s.u > math.MaxInt64 {
			return 0, &CodecError{Kind: kind, Err: ErrValueOutOfRange, Detail: strconv.FormatUint(s.u, 10)}
		}
		return int64(s.u), nil
	default:
		f := s.f
		if s.class == classReal32 {
			f = float64(s.f32)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
			return 0, &CodecError{Kind: kind, Err: ErrTypeMismatch, Detail: fmt.Sprintf("%v is not an integer", f)}
		}
		if f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, &CodecError{Kind: kind, Err: ErrValueOutOfRange, Detail: fmt.Sprintf("%v", f)}
		}
		return int64(f), nil
	}
}

func (s scalar) asFloat32(kind Kind) (float32, error) {
	switch s.class {
	case classBool:
		return 0, &CodecError{Kind: kind, Err: ErrTypeMismatch, Detail: "cannot convert bool"}
	case classInt:
		return float32(s.i), nil
	case classUint:
		return float32(s.u), nil
	case classReal32:
		return s.f32, nil
	default:
		if !math.IsInf(s.f, 0) && !math.IsNaN(s.f) && math.Abs(s.f) > math.MaxFloat32 {
			return 0, &CodecError{Kind: kind, Err: ErrValueOutOfRange, Detail: fmt.Sprintf("%v", s.f)}
		}
		return float32(s.f), nil
	}
}

// Value formats understood by ParseValue and FormatValue.
const (
	FormatDec = "dec"
	FormatHex = "hex"
	FormatBin = "bin"
)

// ParseValue parses value text as stored in a tag table. format is the tag's
// sending format: "dec" (default), "hex" or "bin". Hex and binary text is the
// raw bit pattern of the kind's width, so "FFFF" as Int is -1.
func ParseValue(text string, kind Kind, format string) (Value, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatDec:
		data, err := Encode(text, kind, -1)
		if err != nil {
			return Value{}, err
		}
		return Decode(data, kind, -1)
	case FormatHex:
		return parseRaw(text, kind, 16, "0x")
	case FormatBin:
		return parseRaw(text, kind, 2, "0b")
	default:
		return Value{}, fmt.Errorf("unknown value format %q", format)
	}
}

func parseRaw(text string, kind Kind, base int, prefix string) (Value, error) {
	size := kind.Size()
	if size == 0 {
		return Value{}, &CodecError{Kind: kind, Err: ErrTypeMismatch, Detail: "unsupported data kind"}
	}
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimPrefix(t, prefix)
	t = strings.ReplaceAll(t, "_", "")
	raw, err := strconv.ParseUint(t, base, size*8)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return Value{}, &CodecError{Kind: kind, Err: ErrValueOutOfRange, Detail: text}
		}
		return Value{}, &CodecError{Kind: kind, Err: ErrTypeMismatch, Detail: fmt.Sprintf("invalid base-%d text %q", base, text)}
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(raw))
	return Decode(buf[4-size:], kind, -1)
}

// FormatValue renders v for display. format is the tag's display format:
// "dec" (default), "hex" or "bin". Hex and binary show the raw wire bits.
func FormatValue(v Value, format string) string {
	digits := v.kind.Size() * 2
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatHex:
		if v.kind == KindBool {
			return fmt.Sprintf("0x%X", v.bits)
		}
		return fmt.Sprintf("0x%0*X", digits, v.bits)
	case FormatBin:
		if v.kind == KindBool {
			return fmt.Sprintf("%b", v.bits)
		}
		return fmt.Sprintf("%0*b", digits*4, v.bits)
	default:
		return v.String()
	}
}
