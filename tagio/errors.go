package tagio

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when tag I/O is attempted while the link is not
// in the Connected state. The transport is never touched in that case.
var ErrNotConnected = errors.New("not connected")

// TagError is returned by every IO operation. Err is an *s7.AddressError,
// *s7.CodecError, *s7.TransportError or ErrNotConnected; errors.Is and
// errors.As reach through it.
type TagError struct {
	Op      string // "read" or "write"
	Address string
	Err     error
}

func (e *TagError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.Err)
}

func (e *TagError) Unwrap() error { return e.Err }

func tagError(op, address string, err error) error {
	return &TagError{Op: op, Address: address, Err: err}
}
