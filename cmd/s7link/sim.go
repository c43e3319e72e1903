package main

import (
	"sync"
	"time"

	"s7link/config"
	"s7link/s7"
	"s7link/session"
	"s7link/simplc"
)

// minSimBlock is the smallest data block the simulator creates.
const minSimBlock = 64

// simNetwork hands out one in-memory controller per station. Every data
// block a station's tags reference is created large enough to hold them.
type simNetwork struct {
	mu   sync.Mutex
	plcs map[string]*simplc.PLC
}

func newSimNetwork() *simNetwork {
	return &simNetwork{plcs: make(map[string]*simplc.PLC)}
}

// Probe always succeeds.
func (n *simNetwork) Probe(string, time.Duration) bool { return true }

// Dial implements session.Dialer. Reconnects reuse the same image.
func (n *simNetwork) Dial(st config.Station) (session.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if plc, ok := n.plcs[st.Name]; ok {
		return plc, nil
	}
	plc := simplc.New(simBlocks(st)...)
	n.plcs[st.Name] = plc
	return plc, nil
}

func (n *simNetwork) options() []session.Option {
	return []session.Option{session.WithProber(n), session.WithDialer(n.Dial)}
}

func simBlocks(st config.Station) []simplc.Option {
	sizes := make(map[int]int)
	tags := make([]config.Tag, 0, len(st.Tags)+1)
	for _, t := range st.Tags {
		tags = append(tags, t)
	}
	if st.DisconnectMarker != nil {
		tags = append(tags, *st.DisconnectMarker)
	}
	for _, t := range tags {
		loc, err := s7.Parse(t.Address)
		if err != nil || loc.Area != s7.AreaDataBlock {
			continue
		}
		end := loc.Offset + loc.Size
		if kind, err := t.Kind(); err == nil && kind.Size() > loc.Size {
			end = loc.Offset + kind.Size()
		}
		if end < minSimBlock {
			end = minSimBlock
		}
		if end > sizes[loc.Block] {
			sizes[loc.Block] = end
		}
	}

	opts := make([]simplc.Option, 0, len(sizes))
	for db, size := range sizes {
		opts = append(opts, simplc.WithDataBlock(db, size))
	}
	return opts
}
