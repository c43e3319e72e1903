package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"s7link/config"
	"s7link/link"
	"s7link/logging"
	"s7link/poller"
	"s7link/s7"
)

var (
	// ErrUnknownStation is returned for a station name not in the registry.
	ErrUnknownStation = errors.New("unknown station")
	// ErrUnknownTag is returned for a tag name not in a station's table.
	ErrUnknownTag = errors.New("unknown tag")
)

// Manager holds one session per configured station and, once polling is
// started, one poller per session.
type Manager struct {
	mu       sync.RWMutex
	order    []string // Lower-cased names in config order
	sessions map[string]*Session
	pollers  map[string]*poller.Poller
	pollRate time.Duration
}

// NewManager creates sessions for every station in cfg. opts apply to every
// session.
func NewManager(cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session, len(cfg.Stations)),
		pollers:  make(map[string]*poller.Poller),
		pollRate: cfg.PollRate,
	}
	for _, st := range cfg.Stations {
		key := strings.ToLower(st.Name)
		if _, dup := m.sessions[key]; dup {
			continue
		}
		m.order = append(m.order, key)
		m.sessions[key] = New(st, opts...)
	}
	return m
}

// PollRate returns the global poll rate.
func (m *Manager) PollRate() time.Duration { return m.pollRate }

// Get returns the named session. Names are matched case-insensitively.
func (m *Manager) Get(name string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStation, name)
	}
	return s, nil
}

// List returns all sessions in config order.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, m.sessions[key])
	}
	return out
}

// ConnectAll connects every session concurrently and returns the combined
// errors of the ones that failed.
func (m *Manager) ConnectAll() error {
	sessions := m.List()
	errs := make([]error, len(sessions))

	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			if err := s.Connect(); err != nil {
				logging.Logf("station %s: connect: %v", s.Name(), err)
				errs[i] = err
			}
		}(i, s)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Recover resets every Failed session and tries to connect it again.
// Sessions that were disconnected on request are left alone.
func (m *Manager) Recover() error {
	var errs []error
	for _, s := range m.List() {
		if s.State().Status != link.StatusFailed {
			continue
		}
		if err := s.Reset(); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.Connect(); err != nil {
			errs = append(errs, err)
			continue
		}
		logging.Logf("station %s: reconnected", s.Name())
	}
	return errors.Join(errs...)
}

// Supervise calls Recover every interval until ctx is done.
func (m *Manager) Supervise(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Recover(); err != nil {
				logging.DebugLog("session", "recover: %v", err)
			}
		}
	}
}

// StartPolling starts a poller per session, publishing changes to sinks.
// Calling it again is a no-op.
func (m *Manager) StartPolling(sinks []poller.Sink, opts ...poller.Option) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pollers) > 0 {
		return
	}
	for _, key := range m.order {
		s := m.sessions[key]
		st := s.Station()
		popts := append([]poller.Option{
			poller.WithRate(st.EffectivePollRate(m.pollRate)),
			poller.WithSinks(sinks...),
		}, opts...)
		p := poller.New(st.Name, s.IO(), st.Tags, popts...)
		m.pollers[key] = p
		p.Start()
	}
}

// Poller returns the named station's poller, or nil when polling has not
// been started.
func (m *Manager) Poller(name string) *poller.Poller {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pollers[strings.ToLower(name)]
}

// Names returns the station names in config order.
func (m *Manager) Names() []string {
	list := m.List()
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.Name()
	}
	return out
}

// Values returns every poller's samples, stations in config order. It is
// empty until polling starts.
func (m *Manager) Values() []poller.Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []poller.Sample
	for _, key := range m.order {
		if p := m.pollers[key]; p != nil {
			out = append(out, p.Values()...)
		}
	}
	return out
}

// StopPolling stops every poller.
func (m *Manager) StopPolling() {
	m.mu.Lock()
	pollers := m.pollers
	m.pollers = make(map[string]*poller.Poller)
	m.mu.Unlock()

	for _, p := range pollers {
		p.Stop()
	}
}

// CloseAll stops polling and tears down every session.
func (m *Manager) CloseAll() error {
	m.StopPolling()

	var errs []error
	for _, s := range m.List() {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("station %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// WriteTag writes value to a tag of the named station's table. String
// values are parsed in the tag's sending format.
func (m *Manager) WriteTag(station, tag string, value interface{}) error {
	s, err := m.Get(station)
	if err != nil {
		return err
	}
	t, ok := s.Station().Tags[tag]
	if !ok {
		return fmt.Errorf("station %s: %w %q", s.Name(), ErrUnknownTag, tag)
	}
	kind, err := t.Kind()
	if err != nil {
		return err
	}
	if text, isText := value.(string); isText {
		v, err := s7.ParseValue(text, kind, t.SendingFormat)
		if err != nil {
			return err
		}
		value = v
	}
	return s.IO().WriteTag(t.Address, kind, value)
}
