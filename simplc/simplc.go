// Package simplc is an in-memory S7 controller image. It satisfies
// tagio.Transport and backs tests and the CLI's -sim mode.
package simplc

import (
	"fmt"
	"sync"

	"s7link/s7"
)

// DefaultAreaSize is the size of the I, Q and M images unless overridden.
const DefaultAreaSize = 256

// PLC holds the memory image of one simulated controller.
// Safe for concurrent use.
type PLC struct {
	mu      sync.Mutex
	areas   map[s7.Area][]byte
	blocks  map[int][]byte
	fault   error
	reads   int
	writes  int
	onWrite func(area s7.Area, block, offset int, data []byte)
}

// Option configures a PLC.
type Option func(*PLC)

// WithAreaSize sets the byte size of the I, Q and M images.
func WithAreaSize(n int) Option {
	return func(p *PLC) {
		for _, a := range []s7.Area{s7.AreaInput, s7.AreaOutput, s7.AreaMarker} {
			p.areas[a] = make([]byte, n)
		}
	}
}

// WithDataBlock adds data block number with size bytes.
func WithDataBlock(number, size int) Option {
	return func(p *PLC) {
		p.blocks[number] = make([]byte, size)
	}
}

// New returns a simulated controller. Without WithDataBlock it has no data
// blocks, so DB access fails like it would on an empty CPU.
func New(opts ...Option) *PLC {
	p := &PLC{
		areas:  make(map[s7.Area][]byte),
		blocks: make(map[int][]byte),
	}
	WithAreaSize(DefaultAreaSize)(p)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetFault makes every subsequent transfer fail with err. nil clears it.
func (p *PLC) SetFault(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fault = err
}

// OnWrite registers fn to observe every successful write. Used by tests to
// check ordering of transport calls.
func (p *PLC) OnWrite(fn func(area s7.Area, block, offset int, data []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWrite = fn
}

// Stats returns the number of successful reads and writes so far.
func (p *PLC) Stats() (reads, writes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads, p.writes
}

// ReadRange implements tagio.Transport.
func (p *PLC) ReadRange(area s7.Area, block, offset, length int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fault != nil {
		return nil, p.fault
	}
	mem, err := p.region(area, block, offset, length)
	if err != nil {
		return nil, err
	}
	p.reads++
	out := make([]byte, length)
	copy(out, mem)
	return out, nil
}

// WriteRange implements tagio.Transport.
func (p *PLC) WriteRange(area s7.Area, block, offset int, data []byte) error {
	p.mu.Lock()
	if p.fault != nil {
		err := p.fault
		p.mu.Unlock()
		return err
	}
	mem, err := p.region(area, block, offset, len(data))
	if err != nil {
		p.mu.Unlock()
		return err
	}
	copy(mem, data)
	p.writes++
	fn := p.onWrite
	p.mu.Unlock()

	if fn != nil {
		fn(area, block, offset, append([]byte(nil), data...))
	}
	return nil
}

// ConnectionMode describes the simulated link.
func (p *PLC) ConnectionMode() string { return "Simulated" }

// GetCPUInfo reports a fixed simulated CPU identity. A pending fault is
// returned instead.
func (p *PLC) GetCPUInfo() (*s7.CPUInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fault != nil {
		return nil, p.fault
	}
	return &s7.CPUInfo{
		ModuleTypeName: "CPU 1511-1 PN (simulated)",
		SerialNumber:   "S SIM-00000001",
		ModuleName:     "simplc",
	}, nil
}

// Close implements session.Conn. The image survives; a later dial sees the
// same memory.
func (p *PLC) Close() error { return nil }

// Poke sets raw bytes directly, bypassing faults and counters.
func (p *PLC) Poke(area s7.Area, block, offset int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	mem, err := p.region(area, block, offset, len(data))
	if err != nil {
		return err
	}
	copy(mem, data)
	return nil
}

// Peek returns a copy of raw bytes, bypassing faults and counters.
func (p *PLC) Peek(area s7.Area, block, offset, length int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mem, err := p.region(area, block, offset, length)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), mem...), nil
}

// region returns the slice of memory addressed. Must be called with p.mu held.
func (p *PLC) region(area s7.Area, block, offset, length int) ([]byte, error) {
	var mem []byte
	switch area {
	case s7.AreaInput, s7.AreaOutput, s7.AreaMarker:
		mem = p.areas[area]
	case s7.AreaDataBlock:
		b, ok := p.blocks[block]
		if !ok {
			return nil, fmt.Errorf("%w: DB%d does not exist", s7.ErrProtocol, block)
		}
		mem = b
	default:
		return nil, fmt.Errorf("%w: unsupported area %v", s7.ErrProtocol, area)
	}
	if offset < 0 || length < 0 || offset+length > len(mem) {
		return nil, fmt.Errorf("%w: %s offset %d length %d outside %d byte image",
			s7.ErrProtocol, area, offset, length, len(mem))
	}
	return mem[offset : offset+length], nil
}
