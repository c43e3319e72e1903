// Package session binds a configured station to its connection state,
// transport and tag I/O.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"s7link/config"
	"s7link/link"
	"s7link/logging"
	"s7link/s7"
	"s7link/tagio"
)

// Prober checks whether a host answers before a session is opened.
type Prober interface {
	Probe(host string, timeout time.Duration) bool
}

// Conn is an open transport to a controller.
type Conn interface {
	tagio.Transport
	Close() error
}

// Describer is implemented by connections that can report their mode and
// identify the CPU behind them. *s7.Client and *simplc.PLC implement it.
type Describer interface {
	ConnectionMode() string
	GetCPUInfo() (*s7.CPUInfo, error)
}

// liveness is implemented by connections that notice a dropped socket.
type liveness interface {
	IsConnected() bool
}

// Dialer opens a transport to st.
type Dialer func(st config.Station) (Conn, error)

// DialS7 opens an ISO-on-TCP session with the gos7 client.
func DialS7(st config.Station) (Conn, error) {
	client, err := s7.Connect(st.Address,
		s7.WithRackSlot(st.Rack, st.SlotNumber()),
		s7.WithPort(st.Port),
		s7.WithTimeout(st.Timeout),
	)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Option configures a Session.
type Option func(*Session)

// WithProber replaces the default TCP probe.
func WithProber(p Prober) Option {
	return func(s *Session) { s.prober = p }
}

// WithDialer replaces the default gos7 dialer.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// Session is one station's connection. The IO returned by IO() stays valid
// across reconnects.
type Session struct {
	station config.Station
	prober  Prober
	dialer  Dialer
	machine *link.Machine
	io      *tagio.IO

	opMu   sync.Mutex // Serialises Connect, Disconnect and Reset
	connMu sync.RWMutex
	conn   Conn
	cpu    *s7.CPUInfo
}

// New creates a disconnected session for st.
func New(st config.Station, opts ...Option) *Session {
	s := &Session{
		station: st,
		prober:  s7.TCPProbe{Port: st.Port},
		dialer:  DialS7,
		machine: link.NewMachine(st.Name),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.io = tagio.New(sessionTransport{s}, s.machine)
	s.machine.OnChange(func(from, to link.State) {
		if to.Status == link.StatusFailed {
			logging.Logf("station %s: %s", st.Name, to)
		}
	})
	return s
}

// Name returns the station name.
func (s *Session) Name() string { return s.station.Name }

// Station returns the station configuration.
func (s *Session) Station() config.Station { return s.station }

// State returns the current connection state.
func (s *Session) State() link.State { return s.machine.Current() }

// Link exposes the state machine for listeners.
func (s *Session) Link() *link.Machine { return s.machine }

// IO returns the tag I/O bound to this session.
func (s *Session) IO() *tagio.IO { return s.io }

// Probe checks reachability and moves Disconnected to Reachable. On failure
// the state is unchanged and the error wraps s7.ErrUnreachable.
func (s *Session) Probe() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.probeLocked()
}

func (s *Session) probeLocked() error {
	if !s.prober.Probe(s.station.Address, s.station.Timeout) {
		logging.DebugLog("session", "%s: probe of %s failed", s.station.Name, s.station.Address)
		return fmt.Errorf("station %s: %w", s.station.Name, s7.ErrUnreachable)
	}
	return s.machine.MarkReachable()
}

// Connect probes the station if needed and opens the transport. A dial
// failure moves the session to Failed. Connecting a connected session is a
// no-op.
func (s *Session) Connect() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	switch s.machine.Current().Status {
	case link.StatusConnected:
		return nil
	case link.StatusDisconnected:
		if err := s.probeLocked(); err != nil {
			return err
		}
	case link.StatusFailed:
		return fmt.Errorf("station %s: %w", s.station.Name,
			&link.TransitionError{From: link.StatusFailed, To: link.StatusConnected})
	}

	logging.DebugConnect("session", s.station.Address)
	conn, err := s.dialer(s.station)
	if err != nil {
		logging.DebugConnectError("session", s.station.Address, err)
		class := s7.ClassifyTransportError(err)
		err = fmt.Errorf("station %s: %w: %w", s.station.Name, class, err)
		s.machine.Fail(err)
		return err
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	if err := s.machine.MarkConnected(); err != nil {
		s.closeConn()
		return err
	}
	logging.DebugConnectSuccess("session", s.station.Address, s.station.Name)
	s.identify(conn)
	return nil
}

// identify records the CPU identity when the connection can report it. A
// failure is logged only; tag I/O does not depend on it.
func (s *Session) identify(conn Conn) {
	d, ok := conn.(Describer)
	if !ok {
		return
	}
	info, err := d.GetCPUInfo()
	if err != nil {
		logging.DebugError("session", "cpu info "+s.station.Name, err)
		return
	}
	s.connMu.Lock()
	s.cpu = info
	s.connMu.Unlock()
	logging.Logf("station %s: %s (%s)", s.station.Name, info.ModuleTypeName, info.SerialNumber)
}

// CPUInfo returns the identity read on the last successful connect, or nil.
func (s *Session) CPUInfo() *s7.CPUInfo {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.cpu
}

// Mode describes the open connection, or "" when none is open.
func (s *Session) Mode() string {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	if d, ok := s.conn.(Describer); ok {
		return d.ConnectionMode()
	}
	return ""
}

// Disconnect writes the station's disconnect marker when connected, closes
// the transport and moves to Disconnected. A marker write failure is logged
// and does not stop the teardown.
func (s *Session) Disconnect() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.machine.Current().Status == link.StatusFailed {
		return s.machine.Disconnect()
	}

	if s.machine.Connected() && s.station.DisconnectMarker != nil {
		if err := s.writeMarker(*s.station.DisconnectMarker); err != nil {
			logging.Logf("station %s: disconnect marker: %v", s.station.Name, err)
		}
	}

	s.closeConn()
	// A failed marker write may have failed the link on the way out.
	if s.machine.Current().Status == link.StatusFailed {
		if err := s.machine.Reset(); err != nil {
			return err
		}
	} else if err := s.machine.Disconnect(); err != nil {
		return err
	}
	logging.DebugDisconnect("session", s.station.Address, "requested")
	return nil
}

func (s *Session) writeMarker(marker config.Tag) error {
	kind, err := marker.Kind()
	if err != nil {
		return err
	}
	value, err := s7.ParseValue(marker.Value, kind, marker.SendingFormat)
	if err != nil {
		return err
	}
	return s.io.WriteTag(marker.Address, kind, value)
}

// Reset clears a failure, closing any transport left open.
func (s *Session) Reset() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.closeConn()
	return s.machine.Reset()
}

// Close tears the session down from any state.
func (s *Session) Close() error {
	if s.State().Status == link.StatusFailed {
		return s.Reset()
	}
	return s.Disconnect()
}

func (s *Session) closeConn() {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			logging.DebugError("session", "close "+s.station.Name, err)
		}
	}
}

var (
	errNoConn      = errors.New("no open transport")
	errConnDropped = errors.New("connection dropped")
)

// sessionTransport routes tagio calls to the session's current connection.
type sessionTransport struct{ s *Session }

func (t sessionTransport) current() (Conn, error) {
	t.s.connMu.RLock()
	defer t.s.connMu.RUnlock()
	if t.s.conn == nil {
		return nil, fmt.Errorf("%w: %w", s7.ErrUnreachable, errNoConn)
	}
	if l, ok := t.s.conn.(liveness); ok && !l.IsConnected() {
		return nil, fmt.Errorf("%w: %w", s7.ErrUnreachable, errConnDropped)
	}
	return t.s.conn, nil
}

func (t sessionTransport) ReadRange(area s7.Area, block, offset, length int) ([]byte, error) {
	conn, err := t.current()
	if err != nil {
		return nil, err
	}
	return conn.ReadRange(area, block, offset, length)
}

func (t sessionTransport) WriteRange(area s7.Area, block, offset int, data []byte) error {
	conn, err := t.current()
	if err != nil {
		return err
	}
	return conn.WriteRange(area, block, offset, data)
}

// Status is a JSON-friendly summary of a session.
type Status struct {
	Name    string      `json:"name"`
	Address string      `json:"address"`
	Rack    int         `json:"rack"`
	Slot    int         `json:"slot"`
	State   string      `json:"state"`
	Reason  string      `json:"reason,omitempty"`
	Tags    int         `json:"tags"`
	Mode    string      `json:"mode,omitempty"`
	CPU     *s7.CPUInfo `json:"cpu,omitempty"`
}

// Status returns a summary of the session.
func (s *Session) Status() Status {
	st := s.machine.Current()
	out := Status{
		Name:    s.station.Name,
		Address: s.station.Address,
		Rack:    s.station.Rack,
		Slot:    s.station.SlotNumber(),
		State:   st.Status.String(),
		Tags:    len(s.station.Tags),
		Mode:    s.Mode(),
		CPU:     s.CPUInfo(),
	}
	if st.Reason != nil {
		out.Reason = st.Reason.Error()
	}
	return out
}
