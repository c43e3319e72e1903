package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s7link/link"
	"s7link/poller"
	"s7link/s7"
)

type staticSource []poller.Sample

func (s staticSource) Names() []string { return []string{"Module01"} }

func (s staticSource) Values() []poller.Sample { return s }

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(3)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rb.Add([]byte{byte(i)}, base.Add(time.Duration(i)*time.Second))
	}
	assert.Equal(t, 3, rb.Len())
	assert.Equal(t, [][]byte{{2}, {3}, {4}}, rb.Since(base))
	assert.Equal(t, [][]byte{{4}}, rb.Since(base.Add(3*time.Second)))
	assert.Empty(t, rb.Since(base.Add(time.Hour)))
}

func TestRingBufferCopiesData(t *testing.T) {
	rb := NewRingBuffer(0)
	data := []byte("a")
	rb.Add(data, time.Now())
	data[0] = 'b'
	assert.Equal(t, [][]byte{[]byte("a")}, rb.Since(time.Time{}))
}

type testClient struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func dial(t *testing.T, s *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn, scanner: bufio.NewScanner(conn)}
}

func (c *testClient) next(t *testing.T) map[string]interface{} {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.True(t, c.scanner.Scan(), "no event: %v", c.scanner.Err())
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(c.scanner.Bytes(), &msg))
	return msg
}

func (c *testClient) send(t *testing.T, req request) {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = c.conn.Write(append(data, '\n'))
	require.NoError(t, err)
}

func startServer(t *testing.T, source Source) *Server {
	t.Helper()
	s := NewServer(source, "s7link")
	require.NoError(t, s.Start("127.0.0.1:0", 100))
	t.Cleanup(s.Stop)
	return s
}

func TestWelcomeAndQueries(t *testing.T) {
	v := s7.Real32Value(12.5)
	s := startServer(t, staticSource{{Station: "Module01", Tag: "speed", Address: "DB1.DBD0", Type: "Real", Value: &v}})

	c := dial(t, s)
	cfg := c.next(t)
	assert.Equal(t, TypeConfig, cfg["type"])
	assert.Equal(t, "s7link", cfg["namespace"])
	assert.Equal(t, []interface{}{"Module01"}, cfg["stations"])

	snap := c.next(t)
	assert.Equal(t, TypeSnapshot, snap["type"])
	tags := snap["tags"].([]interface{})
	require.Len(t, tags, 1)
	tag := tags[0].(map[string]interface{})
	assert.Equal(t, "speed", tag["tag"])
	assert.Equal(t, 12.5, tag["value"])

	c.send(t, request{Type: RequestListTags})
	list := c.next(t)
	assert.Equal(t, TypeTagList, list["type"])
	assert.Equal(t, []interface{}{"Module01"}, list["stations"])

	c.send(t, request{Type: RequestGetConfig})
	assert.Equal(t, TypeConfig, c.next(t)["type"])
}

func TestBroadcastAndReplay(t *testing.T) {
	s := startServer(t, nil)
	before := time.Now().Add(-time.Second).UTC().Format(time.RFC3339Nano)

	c := dial(t, s)
	assert.Equal(t, TypeConfig, c.next(t)["type"])
	require.Eventually(t, s.HasClients, time.Second, 10*time.Millisecond)

	v := s7.ByteValue(0x0F)
	require.NoError(t, s.Publish(context.Background(), "Module01", []poller.Sample{{Tag: "status", Type: "Byte", Value: &v, Text: "0x0F"}}))
	ev := c.next(t)
	assert.Equal(t, TypeTag, ev["type"])
	assert.Equal(t, "Module01", ev["station"])
	assert.Equal(t, "status", ev["tag"])
	assert.Equal(t, float64(15), ev["value"])
	assert.NotEmpty(t, ev["ts"])

	s.LinkChanged("Module01")(
		link.State{Status: link.StatusConnected},
		link.State{Status: link.StatusFailed, Reason: errors.New("connection reset")},
	)
	health := c.next(t)
	assert.Equal(t, TypeHealth, health["type"])
	assert.Equal(t, false, health["online"])
	assert.Equal(t, "Failed", health["status"])
	assert.Equal(t, "connection reset", health["error"])

	c.send(t, request{Type: RequestReplay, Since: before})
	assert.Equal(t, TypeTag, c.next(t)["type"])
	assert.Equal(t, TypeHealth, c.next(t)["type"])
}

func TestStop(t *testing.T) {
	s := NewServer(nil, "")
	require.NoError(t, s.Start("127.0.0.1:0", 0))
	c := dial(t, s)
	c.next(t)

	s.Stop()
	assert.Empty(t, s.Addr())
	assert.False(t, s.HasClients())
	s.Stop()

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	assert.False(t, c.scanner.Scan(), "connection closed on stop")
}
