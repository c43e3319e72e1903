package s7

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Address errors. Always a configuration mistake; never retried.
var (
	ErrMalformedAddress = errors.New("malformed address")
	ErrUnknownArea      = errors.New("unknown area")
	ErrBitOutOfRange    = errors.New("bit offset out of range")
)

// Codec errors. Indicate a type/address mismatch.
var (
	ErrShortBuffer     = errors.New("short buffer")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrTypeMismatch    = errors.New("type mismatch")
)

// Transport errors. Transient; retry policy belongs to the caller.
var (
	ErrUnreachable = errors.New("controller unreachable")
	ErrTimeout     = errors.New("transport timeout")
	ErrProtocol    = errors.New("protocol fault")
)

// AddressError reports a failure to parse address text.
type AddressError struct {
	Input  string // Address text as supplied
	Err    error  // ErrMalformedAddress, ErrUnknownArea or ErrBitOutOfRange
	Detail string
}

func (e *AddressError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("address %q: %v (%s)", e.Input, e.Err, e.Detail)
	}
	return fmt.Sprintf("address %q: %v", e.Input, e.Err)
}

func (e *AddressError) Unwrap() error { return e.Err }

// CodecError reports a failure converting between bytes and a typed value.
type CodecError struct {
	Kind   Kind
	Err    error // ErrShortBuffer, ErrValueOutOfRange or ErrTypeMismatch
	Detail string
}

func (e *CodecError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Kind, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// TransportError reports a failed byte-range operation against the controller.
type TransportError struct {
	Op     string // "read" or "write"
	Area   Area
	Block  int
	Offset int
	Length int
	Class  error // ErrUnreachable, ErrTimeout or ErrProtocol
	Err    error // Underlying cause
}

func (e *TransportError) Error() string {
	where := fmt.Sprintf("%s%d", e.Area, e.Offset)
	if e.Area == AreaDataBlock {
		where = fmt.Sprintf("DB%d+%d", e.Block, e.Offset)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s (%d bytes): %v: %v", e.Op, where, e.Length, e.Class, e.Err)
	}
	return fmt.Sprintf("%s %s (%d bytes): %v", e.Op, where, e.Length, e.Class)
}

// Unwrap exposes both the class sentinel and the underlying cause.
func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Class}
	}
	return []error{e.Class, e.Err}
}

// NewTransportError wraps err, classifying it as unreachable, timeout or
// protocol fault. An err that is already a *TransportError is returned as is.
func NewTransportError(op string, area Area, block, offset, length int, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	e := &TransportError{
		Op:     op,
		Area:   area,
		Block:  block,
		Offset: offset,
		Length: length,
		Class:  ClassifyTransportError(err),
		Err:    err,
	}
	if err == e.Class {
		e.Err = nil
	}
	return e
}

// ClassifyTransportError maps a raw transport error to ErrTimeout,
// ErrUnreachable or ErrProtocol.
func ClassifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	for _, class := range []error{ErrTimeout, ErrUnreachable, ErrProtocol} {
		if errors.Is(err, class) {
			return class
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return ErrTimeout
	}
	if IsConnectionError(err) {
		return ErrUnreachable
	}
	return ErrProtocol
}

// IsConnectionError checks if an error indicates the link to the controller
// is broken rather than a rejected request.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrUnreachable) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// gos7 reports most socket failures as plain strings
	errMsg := strings.ToLower(err.Error())
	connectionKeywords := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"use of closed network connection",
		"i/o timeout",
		"no route to host",
		"network is unreachable",
		"connection timed out",
		"eof",
		"forcibly closed",
		"socket closed",
		"not connected",
	}
	for _, keyword := range connectionKeywords {
		if strings.Contains(errMsg, keyword) {
			return true
		}
	}
	return false
}
