package stream

import (
	"sync"
	"time"
)

// DefaultBufferSize is the replay depth when none is configured.
const DefaultBufferSize = 10000

type ringEntry struct {
	data      []byte
	timestamp time.Time
}

// RingBuffer is a fixed-size circular buffer of encoded events.
type RingBuffer struct {
	mu      sync.Mutex
	entries []ringEntry
	head    int
	count   int
}

// NewRingBuffer creates a ring buffer holding up to size events.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &RingBuffer{entries: make([]ringEntry, size)}
}

// Add stores a copy of data, overwriting the oldest entry when full.
func (r *RingBuffer) Add(data []byte, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := len(r.entries)
	idx := (r.head + r.count) % size
	if r.count == size {
		idx = r.head
		r.head = (r.head + 1) % size
	} else {
		r.count++
	}
	r.entries[idx] = ringEntry{data: append([]byte(nil), data...), timestamp: ts}
}

// Since returns the entries stamped strictly after ts, oldest first.
func (r *RingBuffer) Since(ts time.Time) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out [][]byte
	for i := 0; i < r.count; i++ {
		e := r.entries[(r.head+i)%len(r.entries)]
		if e.timestamp.After(ts) {
			out = append(out, e.data)
		}
	}
	return out
}

// Len returns the number of buffered entries.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
