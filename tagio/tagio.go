// Package tagio reads and writes typed tags by symbolic address over a
// byte-range transport.
package tagio

import (
	"fmt"
	"sync"

	"s7link/logging"
	"s7link/s7"
)

// Transport moves raw bytes to and from controller memory. block is only
// meaningful for s7.AreaDataBlock.
type Transport interface {
	ReadRange(area s7.Area, block, offset, length int) ([]byte, error)
	WriteRange(area s7.Area, block, offset int, data []byte) error
}

// Gate reports whether I/O is permitted and receives link failures.
// *link.Machine satisfies it.
type Gate interface {
	Connected() bool
	Fail(reason error)
}

// Request names one tag to read.
type Request struct {
	Address string
	Kind    s7.Kind
}

// Result is the outcome of one Request. Exactly one of Value and Err is set.
type Result struct {
	Request
	Value s7.Value
	Err   error
}

// WriteRequest names one tag to write.
type WriteRequest struct {
	Address string
	Kind    s7.Kind
	Value   interface{}
}

// BitSample is one bit of a ReadBits sweep.
type BitSample struct {
	Address string `json:"address"` // Canonical bit address, e.g. "M3.5" or "DB1.DBX0.2"
	Offset  int    `json:"offset"`
	Bit     int    `json:"bit"`
	Value   bool   `json:"value"`
}

// IO performs tag operations against one connection. Every transport
// sequence runs under a single mutex so a bit read-modify-write can never
// interleave with another operation on the same connection.
type IO struct {
	transport Transport
	gate      Gate
	mu        sync.Mutex
}

// New returns an IO bound to t and gated by g. A nil gate allows every call.
func New(t Transport, g Gate) *IO {
	if g == nil {
		g = openGate{}
	}
	return &IO{transport: t, gate: g}
}

type openGate struct{}

func (openGate) Connected() bool { return true }
func (openGate) Fail(error)      {}

// ReadTag reads the tag at address as kind.
func (c *IO) ReadTag(address string, kind s7.Kind) (s7.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.readLocked(address, kind)
	if err != nil {
		return s7.Value{}, tagError("read", address, err)
	}
	return v, nil
}

// WriteTag writes value to the tag at address as kind. A Bool at a bit
// address is written by reading the containing byte, changing the one bit
// and writing the byte back. The controller sees two separate requests.
func (c *IO) WriteTag(address string, kind s7.Kind, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeLocked(address, kind, value); err != nil {
		return tagError("write", address, err)
	}
	return nil
}

// ReadMany reads each request in order. A failed request never stops the
// others; the result slice always matches reqs index for index.
func (c *IO) ReadMany(reqs []Request) []Result {
	results := make([]Result, len(reqs))
	for i, req := range reqs {
		results[i].Request = req
		results[i].Value, results[i].Err = c.ReadTag(req.Address, req.Kind)
	}
	return results
}

// WriteMany writes each request in order and returns the number of
// successful writes along with the errors of the failed ones.
func (c *IO) WriteMany(reqs []WriteRequest) (int, []error) {
	ok := 0
	var errs []error
	for _, req := range reqs {
		if err := c.WriteTag(req.Address, req.Kind, req.Value); err != nil {
			errs = append(errs, err)
			continue
		}
		ok++
	}
	return ok, errs
}

// ReadBits reads length bytes from an area and returns every bit, least
// significant first within each byte.
func (c *IO) ReadBits(area s7.Area, block, offset, length int) ([]BitSample, error) {
	base := s7.Location{Area: area, Block: block, Offset: offset, Bit: 0, Size: 1}
	if area != s7.AreaDataBlock {
		base.Block = 0
	}
	name := base.String()

	if !area.Valid() {
		return nil, tagError("read", name, &s7.AddressError{Input: name, Err: s7.ErrUnknownArea})
	}
	if length <= 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.gate.Connected() {
		return nil, tagError("read", name, ErrNotConnected)
	}
	data, err := c.readRange(base, length)
	if err != nil {
		return nil, tagError("read", name, err)
	}
	if len(data) < length {
		return nil, tagError("read", name, &s7.CodecError{Kind: s7.KindByte, Err: s7.ErrShortBuffer,
			Detail: fmt.Sprintf("need %d bytes, got %d", length, len(data))})
	}

	samples := make([]BitSample, 0, length*8)
	for i := 0; i < length; i++ {
		for bit := 0; bit < 8; bit++ {
			loc := base
			loc.Offset = offset + i
			loc.Bit = bit
			samples = append(samples, BitSample{
				Address: loc.String(),
				Offset:  loc.Offset,
				Bit:     bit,
				Value:   s7.GetBit(data[i], uint8(bit)),
			})
		}
	}
	return samples, nil
}

// resolve parses address and checks kind. Any kind may use a bit-form
// address: the range read or written starts at its byte offset and the bit
// only selects within the byte for Bool.
func resolve(address string, kind s7.Kind) (s7.Location, error) {
	loc, err := s7.Parse(address)
	if err != nil {
		return s7.Location{}, err
	}
	if !kind.Valid() {
		return s7.Location{}, &s7.CodecError{Kind: kind, Err: s7.ErrTypeMismatch, Detail: "unsupported data kind"}
	}
	return loc, nil
}

func (c *IO) readLocked(address string, kind s7.Kind) (s7.Value, error) {
	if !c.gate.Connected() {
		return s7.Value{}, ErrNotConnected
	}
	loc, err := resolve(address, kind)
	if err != nil {
		return s7.Value{}, err
	}
	data, err := c.readRange(loc, kind.Size())
	if err != nil {
		return s7.Value{}, err
	}
	return s7.Decode(data, kind, loc.Bit)
}

func (c *IO) writeLocked(address string, kind s7.Kind, value interface{}) error {
	if !c.gate.Connected() {
		return ErrNotConnected
	}
	loc, err := resolve(address, kind)
	if err != nil {
		return err
	}
	data, err := s7.Encode(value, kind, loc.Bit)
	if err != nil {
		return err
	}

	if kind == s7.KindBool && loc.HasBit() {
		current, err := c.readRange(loc, 1)
		if err != nil {
			return err
		}
		if len(current) < 1 {
			return &s7.CodecError{Kind: kind, Err: s7.ErrShortBuffer, Detail: "need 1 byte, got 0"}
		}
		data = []byte{s7.SetBit(current[0], uint8(loc.Bit), data[0] != 0)}
		logging.DebugLog("tagio", "%s: %08b -> %08b", loc, current[0], data[0])
	}

	return c.writeRange(loc, data)
}

func (c *IO) readRange(loc s7.Location, length int) ([]byte, error) {
	data, err := c.transport.ReadRange(loc.Area, loc.Block, loc.Offset, length)
	if err != nil {
		return nil, c.transportFailure("read", loc, length, err)
	}
	return data, nil
}

func (c *IO) writeRange(loc s7.Location, data []byte) error {
	if err := c.transport.WriteRange(loc.Area, loc.Block, loc.Offset, data); err != nil {
		return c.transportFailure("write", loc, len(data), err)
	}
	return nil
}

// transportFailure classifies err and fails the link. Every transport error
// fails it, protocol faults included; the owner resets and reconnects.
func (c *IO) transportFailure(op string, loc s7.Location, length int, err error) error {
	terr := s7.NewTransportError(op, loc.Area, loc.Block, loc.Offset, length, err)
	logging.DebugError("tagio", fmt.Sprintf("%s %s", op, loc), terr)
	c.gate.Fail(terr)
	return terr
}
