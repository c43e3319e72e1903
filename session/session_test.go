package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s7link/config"
	"s7link/link"
	"s7link/s7"
	"s7link/simplc"
)

type stubProber bool

func (p stubProber) Probe(host string, timeout time.Duration) bool { return bool(p) }

// trackedConn records the order of writes and the close.
type trackedConn struct {
	*simplc.PLC
	mu     sync.Mutex
	events []string
}

func (c *trackedConn) WriteRange(area s7.Area, block, offset int, data []byte) error {
	c.mu.Lock()
	c.events = append(c.events, "write")
	c.mu.Unlock()
	return c.PLC.WriteRange(area, block, offset, data)
}

func (c *trackedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, "close")
	return nil
}

func (c *trackedConn) log() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func testStation() config.Station {
	return config.Station{
		Name:             "Module01",
		Address:          "192.0.2.10",
		Timeout:          time.Second,
		DisconnectMarker: &config.Tag{Address: "M0.0", Type: "Bool", Value: "true"},
		Tags: map[string]config.Tag{
			"speed": {Address: "DB1.DBD0", Type: "Real"},
		},
	}
}

func newTestSession(t *testing.T, reachable bool) (*Session, *trackedConn) {
	t.Helper()
	conn := &trackedConn{PLC: simplc.New(simplc.WithDataBlock(1, 8))}
	s := New(testStation(),
		WithProber(stubProber(reachable)),
		WithDialer(func(config.Station) (Conn, error) { return conn, nil }),
	)
	return s, conn
}

func TestProbe(t *testing.T) {
	s, _ := newTestSession(t, true)
	require.NoError(t, s.Probe())
	assert.Equal(t, link.StatusReachable, s.State().Status)

	down, _ := newTestSession(t, false)
	err := down.Probe()
	assert.ErrorIs(t, err, s7.ErrUnreachable)
	assert.Equal(t, link.StatusDisconnected, down.State().Status, "failed probe leaves state unchanged")
}

func TestConnectAndIO(t *testing.T) {
	s, conn := newTestSession(t, true)

	_, err := s.IO().ReadTag("DB1.DBD0", s7.KindReal32)
	require.Error(t, err, "no I/O before connect")

	require.NoError(t, s.Connect())
	assert.True(t, s.State().Status == link.StatusConnected)
	require.NoError(t, s.Connect(), "connect is idempotent")

	require.NoError(t, s.IO().WriteTag("DB1.DBD0", s7.KindReal32, 12.5))
	raw, err := conn.Peek(s7.AreaDataBlock, 1, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x41, 0x48, 0x00, 0x00}, raw)

	v, err := s.IO().ReadTag("DB1.DBD0", s7.KindReal32)
	require.NoError(t, err)
	assert.Equal(t, s7.Real32Value(12.5), v)
}

func TestStatusReportsModeAndCPU(t *testing.T) {
	s, _ := newTestSession(t, true)

	st := s.Status()
	assert.Equal(t, "Disconnected", st.State)
	assert.Empty(t, st.Mode)
	assert.Nil(t, st.CPU)

	require.NoError(t, s.Connect())
	st = s.Status()
	assert.Equal(t, "Connected", st.State)
	assert.Equal(t, "Simulated", st.Mode)
	require.NotNil(t, st.CPU)
	assert.Equal(t, "simplc", st.CPU.ModuleName)

	require.NoError(t, s.Disconnect())
	st = s.Status()
	assert.Empty(t, st.Mode, "no mode without an open connection")
	assert.NotNil(t, st.CPU, "identity from the last connect is kept")
}

// droppableConn reports a dropped socket the way the gos7 client does after
// a failed request.
type droppableConn struct {
	*simplc.PLC
	up bool
}

func (c *droppableConn) IsConnected() bool { return c.up }

func TestDroppedConnectionFailsLink(t *testing.T) {
	conn := &droppableConn{PLC: simplc.New(simplc.WithDataBlock(1, 8)), up: true}
	s := New(testStation(),
		WithProber(stubProber(true)),
		WithDialer(func(config.Station) (Conn, error) { return conn, nil }),
	)
	require.NoError(t, s.Connect())
	_, err := s.IO().ReadTag("DB1.DBB0", s7.KindByte)
	require.NoError(t, err)

	conn.up = false
	_, err = s.IO().ReadTag("DB1.DBB0", s7.KindByte)
	assert.ErrorIs(t, err, s7.ErrUnreachable)
	assert.Equal(t, link.StatusFailed, s.State().Status)

	reads, _ := conn.Stats()
	assert.Equal(t, 1, reads, "dropped connection is not used")
}

func TestConnectUnreachable(t *testing.T) {
	s, _ := newTestSession(t, false)
	assert.ErrorIs(t, s.Connect(), s7.ErrUnreachable)
	assert.Equal(t, link.StatusDisconnected, s.State().Status)
}

func TestConnectDialFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	s := New(testStation(),
		WithProber(stubProber(true)),
		WithDialer(func(config.Station) (Conn, error) { return nil, dialErr }),
	)

	err := s.Connect()
	require.Error(t, err)
	assert.ErrorIs(t, err, dialErr)
	assert.ErrorIs(t, err, s7.ErrUnreachable)

	st := s.State()
	assert.Equal(t, link.StatusFailed, st.Status)
	assert.ErrorIs(t, st.Reason, dialErr)

	var terr *link.TransitionError
	assert.ErrorAs(t, s.Connect(), &terr, "failed session needs a reset")

	require.NoError(t, s.Reset())
	assert.Equal(t, link.StatusDisconnected, s.State().Status)
}

func TestDisconnectWritesMarkerBeforeClose(t *testing.T) {
	s, conn := newTestSession(t, true)
	require.NoError(t, s.Connect())

	require.NoError(t, s.Disconnect())
	assert.Equal(t, link.StatusDisconnected, s.State().Status)
	assert.Equal(t, []string{"write", "close"}, conn.log())

	raw, err := conn.Peek(s7.AreaMarker, 0, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), raw[0])

	require.NoError(t, s.Disconnect(), "second disconnect is a no-op")
	assert.Equal(t, []string{"write", "close"}, conn.log())
}

func TestDisconnectMarkerFailureStillTearsDown(t *testing.T) {
	s, conn := newTestSession(t, true)
	require.NoError(t, s.Connect())

	conn.SetFault(s7.ErrTimeout)
	require.NoError(t, s.Disconnect())
	assert.Equal(t, link.StatusDisconnected, s.State().Status)
	assert.Contains(t, conn.log(), "close")
}

func TestTransportFailureFailsLink(t *testing.T) {
	s, conn := newTestSession(t, true)
	require.NoError(t, s.Connect())

	conn.SetFault(s7.ErrUnreachable)
	_, err := s.IO().ReadTag("DB1.DBD0", s7.KindReal32)
	assert.ErrorIs(t, err, s7.ErrUnreachable)
	assert.Equal(t, link.StatusFailed, s.State().Status)

	assert.Equal(t, "Failed", s.Status().State)
	assert.NotEmpty(t, s.Status().Reason)

	require.NoError(t, s.Close())
	assert.Equal(t, link.StatusDisconnected, s.State().Status)
}

func TestManager(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.PollRate = time.Hour
	cfg.Stations = []config.Station{
		testStation(),
		{Name: "Module02", Address: "192.0.2.11"},
		{Name: "module02", Address: "192.0.2.12"},
	}
	plc := simplc.New(simplc.WithDataBlock(1, 8))
	m := NewManager(cfg,
		WithProber(stubProber(true)),
		WithDialer(func(config.Station) (Conn, error) { return plc, nil }),
	)

	list := m.List()
	require.Len(t, list, 2, "duplicate names are skipped")
	assert.Equal(t, "Module01", list[0].Name())
	assert.Equal(t, "Module02", list[1].Name())

	s, err := m.Get("MODULE01")
	require.NoError(t, err)
	assert.Equal(t, "Module01", s.Name())

	_, err = m.Get("Module99")
	assert.ErrorIs(t, err, ErrUnknownStation)

	require.NoError(t, m.ConnectAll())
	for _, s := range m.List() {
		assert.Equal(t, link.StatusConnected, s.State().Status)
	}

	require.NoError(t, m.WriteTag("module01", "speed", "2.5"))
	raw, err := plc.Peek(s7.AreaDataBlock, 1, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x40, 0x20, 0x00, 0x00}, raw)
	assert.ErrorIs(t, m.WriteTag("Module01", "nope", 1), ErrUnknownTag)
	assert.ErrorIs(t, m.WriteTag("Module09", "speed", 1), ErrUnknownStation)

	assert.Equal(t, []string{"Module01", "Module02"}, m.Names())
	assert.Empty(t, m.Values())

	assert.Nil(t, m.Poller("Module01"))
	m.StartPolling(nil)
	p := m.Poller("module01")
	require.NotNil(t, p)
	assert.Equal(t, "Module01", p.Station())
	p.PollOnce(context.Background())
	values := m.Values()
	require.Len(t, values, 1)
	assert.Equal(t, "speed", values[0].Tag)

	require.NoError(t, m.CloseAll())
	assert.Nil(t, m.Poller("Module01"))
	for _, s := range m.List() {
		assert.Equal(t, link.StatusDisconnected, s.State().Status)
	}
}

func TestManagerRecover(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Stations = []config.Station{
		testStation(),
		{Name: "Module02", Address: "192.0.2.11"},
	}
	plc := simplc.New(simplc.WithDataBlock(1, 8))
	m := NewManager(cfg,
		WithProber(stubProber(true)),
		WithDialer(func(config.Station) (Conn, error) { return plc, nil }),
	)

	s1, err := m.Get("Module01")
	require.NoError(t, err)
	require.NoError(t, s1.Connect())

	plc.SetFault(s7.ErrUnreachable)
	_, err = s1.IO().ReadTag("DB1.DBD0", s7.KindReal32)
	require.Error(t, err)
	require.Equal(t, link.StatusFailed, s1.State().Status)
	plc.SetFault(nil)

	require.NoError(t, m.Recover())
	assert.Equal(t, link.StatusConnected, s1.State().Status)

	s2, err := m.Get("Module02")
	require.NoError(t, err)
	assert.Equal(t, link.StatusDisconnected, s2.State().Status, "disconnected sessions are left alone")

	require.NoError(t, m.CloseAll())
}
