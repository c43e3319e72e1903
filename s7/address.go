package s7

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Area represents an S7 memory area.
type Area int

const (
	AreaInput     Area = iota // Process image input (I)
	AreaOutput                // Process image output (Q)
	AreaMarker                // Merker/flag memory (M)
	AreaDataBlock             // Numbered data block (DB)
)

// String returns the area prefix used in address text.
func (a Area) String() string {
	switch a {
	case AreaInput:
		return "I"
	case AreaOutput:
		return "Q"
	case AreaMarker:
		return "M"
	case AreaDataBlock:
		return "DB"
	default:
		return fmt.Sprintf("Area(%d)", int(a))
	}
}

// Valid reports whether a is one of the four known areas.
func (a Area) Valid() bool {
	switch a {
	case AreaInput, AreaOutput, AreaMarker, AreaDataBlock:
		return true
	default:
		return false
	}
}

// Location is a resolved S7 address.
type Location struct {
	Area   Area // Memory area
	Block  int  // Data block number (AreaDataBlock only, 0 otherwise)
	Offset int  // Byte offset
	Bit    int  // Bit number 0-7, or -1 for whole-byte access
	Size   int  // Width in bytes implied by the address form
}

// HasBit reports whether the location selects a single bit.
func (l Location) HasBit() bool {
	return l.Bit >= 0
}

// HasBlock reports whether the location carries a data block number.
func (l Location) HasBlock() bool {
	return l.Area == AreaDataBlock
}

// String renders the canonical address text. Parse(l.String()) == l for
// every location produced by Parse.
func (l Location) String() string {
	switch l.Area {
	case AreaDataBlock:
		switch {
		case l.HasBit():
			return fmt.Sprintf("DB%d.DBX%d.%d", l.Block, l.Offset, l.Bit)
		case l.Size == 4:
			return fmt.Sprintf("DB%d.DBD%d", l.Block, l.Offset)
		default:
			return fmt.Sprintf("DB%d.DBB%d", l.Block, l.Offset)
		}
	case AreaInput, AreaOutput, AreaMarker:
		bit := l.Bit
		if bit < 0 {
			bit = 0
		}
		return fmt.Sprintf("%s%d.%d", l.Area, l.Offset, bit)
	default:
		return fmt.Sprintf("?%d.%d", l.Offset, l.Bit)
	}
}

// Regular expressions for the address body after the area prefix.
var (
	// Area prefix followed by the rest of the address.
	rePrefix = regexp.MustCompile(`^([A-Z]+)(.*)$`)

	// I/Q/M bit addresses: M0.0, I0.1, Q64.0
	reBitBody = regexp.MustCompile(`^(\d+)\.(\d+)$`)

	// DB addresses: DB1.DBD0, DB1.DBB0, DB1.DBX0.0
	reDBBody = regexp.MustCompile(`^(\d+)\.DB([DBX])(\d+)(?:\.(\d+))?$`)
)

// Parse parses an S7 address string into a Location.
// Supported formats:
//   - M<byte>.<bit>        - Marker bit
//   - I<byte>.<bit>        - Input bit
//   - Q<byte>.<bit>        - Output bit
//   - DB<n>.DBD<offset>    - Data block double word
//   - DB<n>.DBB<offset>    - Data block byte
//   - DB<n>.DBX<offset>.<bit> - Data block bit
//
// Parsing is ASCII-only, case-insensitive and ignores surrounding whitespace.
func Parse(text string) (Location, error) {
	addr := strings.TrimSpace(text)
	if addr == "" {
		return Location{}, malformed(text, "empty address")
	}
	for i := 0; i < len(addr); i++ {
		if addr[i] >= utf8.RuneSelf {
			return Location{}, malformed(text, "non-ASCII character")
		}
	}
	addr = strings.ToUpper(addr)

	m := rePrefix.FindStringSubmatch(addr)
	if m == nil {
		return Location{}, malformed(text, "missing area prefix")
	}
	prefix, body := m[1], m[2]
	if body == "" || body[0] < '0' || body[0] > '9' {
		return Location{}, malformed(text, "missing numeric offset")
	}

	// DB must be checked before the single-letter prefixes.
	switch prefix {
	case "DB":
		return parseDB(text, body)
	case "I":
		return parseBit(text, AreaInput, body)
	case "Q":
		return parseBit(text, AreaOutput, body)
	case "M":
		return parseBit(text, AreaMarker, body)
	default:
		return Location{}, &AddressError{Input: text, Err: ErrUnknownArea, Detail: prefix}
	}
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(text string) Location {
	loc, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return loc
}

// ValidateAddress checks if an address string is valid.
func ValidateAddress(text string) error {
	_, err := Parse(text)
	return err
}

func parseBit(text string, area Area, body string) (Location, error) {
	m := reBitBody.FindStringSubmatch(body)
	if m == nil {
		return Location{}, malformed(text, fmt.Sprintf("expected %s<byte>.<bit>", area))
	}
	offset, err := parseNumber(text, m[1])
	if err != nil {
		return Location{}, err
	}
	bit, err := parseBitNumber(text, m[2])
	if err != nil {
		return Location{}, err
	}
	return Location{Area: area, Offset: offset, Bit: bit, Size: 1}, nil
}

func parseDB(text, body string) (Location, error) {
	m := reDBBody.FindStringSubmatch(body)
	if m == nil {
		return Location{}, malformed(text, "expected DB<n>.DBD<offset>, DB<n>.DBB<offset> or DB<n>.DBX<offset>.<bit>")
	}
	block, err := parseNumber(text, m[1])
	if err != nil {
		return Location{}, err
	}
	offset, err := parseNumber(text, m[3])
	if err != nil {
		return Location{}, err
	}

	loc := Location{Area: AreaDataBlock, Block: block, Offset: offset, Bit: -1}
	switch m[2] {
	case "X":
		if m[4] == "" {
			return Location{}, malformed(text, "DBX requires bit number (e.g., DB1.DBX0.0)")
		}
		bit, err := parseBitNumber(text, m[4])
		if err != nil {
			return Location{}, err
		}
		loc.Bit = bit
		loc.Size = 1
	case "B":
		if m[4] != "" {
			return Location{}, malformed(text, "DBB takes no bit number")
		}
		loc.Size = 1
	case "D":
		if m[4] != "" {
			return Location{}, malformed(text, "DBD takes no bit number")
		}
		loc.Size = 4
	}
	return loc, nil
}

func parseNumber(text, digits string) (int, error) {
	n, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return 0, malformed(text, fmt.Sprintf("invalid number %q", digits))
	}
	return int(n), nil
}

func parseBitNumber(text, digits string) (int, error) {
	n, err := strconv.ParseUint(digits, 10, 32)
	if err != nil || n > 7 {
		return 0, &AddressError{Input: text, Err: ErrBitOutOfRange, Detail: fmt.Sprintf("bit number must be 0-7, got %s", digits)}
	}
	return int(n), nil
}

func malformed(text, detail string) error {
	return &AddressError{Input: text, Err: ErrMalformedAddress, Detail: detail}
}
