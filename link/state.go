// Package link tracks the lifecycle of a controller connection.
//
//	Disconnected -> Reachable -> Connected -> Disconnected
//	any          -> Failed(reason)
//	Failed       -> Disconnected (Reset)
//
// Tag I/O is only permitted while Connected.
package link

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"s7link/logging"
)

// Status is the coarse connection state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusReachable
	StatusConnected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusReachable:
		return "Reachable"
	case StatusConnected:
		return "Connected"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is a status plus the reason for a failure.
type State struct {
	Status Status
	Reason error // Set only when Status is StatusFailed
}

func (s State) String() string {
	if s.Status == StatusFailed && s.Reason != nil {
		return fmt.Sprintf("Failed(%v)", s.Reason)
	}
	return s.Status.String()
}

// ErrUnspecified is recorded when Fail is called with a nil reason.
var ErrUnspecified = errors.New("unspecified failure")

// TransitionError reports a transition not allowed from the current state.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// ListenerID identifies a registered change listener.
type ListenerID uint64

type listener struct {
	id ListenerID
	fn func(from, to State)
}

// Machine holds a connection state. The zero value is Disconnected and ready
// to use. Safe for concurrent use.
type Machine struct {
	name      string
	mu        sync.RWMutex
	state     State
	listeners []listener
	nextID    uint64
}

// NewMachine returns a Disconnected machine. name is used in debug logs.
func NewMachine(name string) *Machine {
	return &Machine{name: name}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Connected reports whether tag I/O is permitted.
func (m *Machine) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Status == StatusConnected
}

// MarkReachable records a successful reachability probe.
func (m *Machine) MarkReachable() error {
	return m.transition(StatusReachable, nil, StatusDisconnected)
}

// MarkConnected records a successful session establishment.
func (m *Machine) MarkConnected() error {
	return m.transition(StatusConnected, nil, StatusReachable)
}

// Disconnect records an explicit disconnect. It is a no-op when already
// Disconnected; a Failed link must be Reset instead.
func (m *Machine) Disconnect() error {
	if m.Current().Status == StatusDisconnected {
		return nil
	}
	return m.transition(StatusDisconnected, nil, StatusConnected, StatusReachable)
}

// Fail moves the machine to Failed from any state.
func (m *Machine) Fail(reason error) {
	if reason == nil {
		reason = ErrUnspecified
	}
	m.transition(StatusFailed, reason, StatusDisconnected, StatusReachable, StatusConnected, StatusFailed)
}

// Reset clears a failure, returning to Disconnected.
func (m *Machine) Reset() error {
	return m.transition(StatusDisconnected, nil, StatusFailed)
}

// OnChange registers fn to be called after every transition. Listeners run
// synchronously on the goroutine that made the transition, after the
// machine's lock is released, in registration order.
func (m *Machine) OnChange(fn func(from, to State)) ListenerID {
	id := ListenerID(atomic.AddUint64(&m.nextID, 1))
	m.mu.Lock()
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	m.mu.Unlock()
	return id
}

// RemoveListener unregisters a listener. Unknown IDs are ignored.
func (m *Machine) RemoveListener(id ListenerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.listeners {
		if l.id == id {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Machine) transition(to Status, reason error, allowed ...Status) error {
	m.mu.Lock()
	from := m.state
	ok := false
	for _, s := range allowed {
		if from.Status == s {
			ok = true
			break
		}
	}
	if !ok {
		m.mu.Unlock()
		return &TransitionError{From: from.Status, To: to}
	}
	next := State{Status: to, Reason: reason}
	m.state = next
	listeners := append([]listener(nil), m.listeners...)
	m.mu.Unlock()

	logging.DebugLog("link", "%s: %s -> %s", m.name, from, next)
	for _, l := range listeners {
		l.fn(from, next)
	}
	return nil
}
