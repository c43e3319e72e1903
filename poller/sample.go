package poller

import (
	"errors"
	"time"

	"s7link/s7"
	"s7link/tagio"
)

// Sample is the latest known state of one tag.
type Sample struct {
	Station   string    `json:"station"`
	Tag       string    `json:"tag"`
	Address   string    `json:"address"`
	Type      string    `json:"type"`
	Value     *s7.Value `json:"value"`          // nil until the first good read
	Text      string    `json:"text,omitempty"` // Value rendered in the tag's display format
	Error     string    `json:"error,omitempty"`
	Stale     bool      `json:"stale,omitempty"` // Value is from an earlier sweep
	Timestamp time.Time `json:"timestamp"`       // Time of the last good read

	Err error `json:"-"`
}

// HasValue reports whether the sample carries a value.
func (s Sample) HasValue() bool { return s.Value != nil }

// markStale keeps the last known value but records why it was not refreshed.
func (s *Sample) markStale(err error) {
	s.Err = err
	s.Stale = s.Value != nil
	if err != nil {
		s.Error = err.Error()
	}
}

// linkDown reports whether err means the controller could not be reached at
// all, as opposed to a problem with one tag.
func linkDown(err error) bool {
	return errors.Is(err, tagio.ErrNotConnected) ||
		errors.Is(err, s7.ErrUnreachable) ||
		errors.Is(err, s7.ErrTimeout)
}
