package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"s7link/config"
	"s7link/link"
	"s7link/poller"
	"s7link/s7"
	"s7link/session"
	"s7link/simplc"
)

type stubProber bool

func (p stubProber) Probe(string, time.Duration) bool { return bool(p) }

type fixture struct {
	plc     *simplc.PLC
	manager *session.Manager
	server  *httptest.Server
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.PollRate = time.Hour
	cfg.Stations = []config.Station{{
		Name:    "Module01",
		Address: "192.0.2.10",
		Tags: map[string]config.Tag{
			"speed":  {Address: "DB1.DBD0", Type: "Real"},
			"status": {Address: "DB1.DBB4", Type: "Byte", DisplayFormat: "hex", SendingFormat: "hex"},
			"run":    {Address: "M0.1", Type: "Bool"},
		},
	}}
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config, connect bool) *fixture {
	t.Helper()
	plc := simplc.New(simplc.WithDataBlock(1, 16))
	m := session.NewManager(cfg,
		session.WithProber(stubProber(true)),
		session.WithDialer(func(config.Station) (session.Conn, error) { return plc, nil }),
	)
	if connect {
		require.NoError(t, m.ConnectAll())
	}
	srv := httptest.NewServer(NewRouter(m, cfg.API, NewHub()))
	t.Cleanup(func() {
		srv.Close()
		m.CloseAll()
	})
	return &fixture{plc: plc, manager: m, server: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	json.Unmarshal(data, &out)
	return resp, out
}

func TestStatusFor(t *testing.T) {
	_, addrErr := s7.Parse("X1.0")
	_, codecErr := s7.Decode(nil, s7.KindInt16, -1)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown station", session.ErrUnknownStation, http.StatusNotFound},
		{"address", addrErr, http.StatusBadRequest},
		{"codec", codecErr, http.StatusUnprocessableEntity},
		{"transport", s7.NewTransportError("read", s7.AreaMarker, 0, 0, 1, s7.ErrTimeout), http.StatusBadGateway},
		{"transition", &link.TransitionError{From: link.StatusFailed, To: link.StatusConnected}, http.StatusConflict},
		{"other", io.ErrClosedPipe, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestListAndLifecycle(t *testing.T) {
	f := newFixture(t, testConfig(), false)

	resp, err := http.Get(f.server.URL + "/stations")
	require.NoError(t, err)
	var list []StationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list, 1)
	assert.Equal(t, "Module01", list[0].Name)
	assert.Equal(t, "Disconnected", list[0].State)
	assert.Equal(t, 3, list[0].Tags)

	r, body := f.do(t, http.MethodPost, "/stations/module01/connect", "")
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, "Connected", body["state"])

	r, body = f.do(t, http.MethodPost, "/stations/Module01/disconnect", "")
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, "Disconnected", body["state"])

	r, _ = f.do(t, http.MethodPost, "/stations/Module01/reset", "")
	assert.Equal(t, http.StatusConflict, r.StatusCode, "reset needs a failed link")

	r, body = f.do(t, http.MethodGet, "/stations/Nope", "")
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
	assert.Contains(t, body["error"], "unknown station")
}

func TestReadWrite(t *testing.T) {
	f := newFixture(t, testConfig(), true)

	r, body := f.do(t, http.MethodPost, "/stations/Module01/write", `{"address":"DB1.DBD0","type":"Real","value":12.5}`)
	require.Equal(t, http.StatusOK, r.StatusCode, body)
	assert.Equal(t, true, body["success"])

	r, body = f.do(t, http.MethodGet, "/stations/Module01/read?address=DB1.DBD0&type=Real", "")
	require.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, 12.5, body["value"])

	r, body = f.do(t, http.MethodPost, "/stations/Module01/write", `{"tag":"status","value":"0F"}`)
	require.Equal(t, http.StatusOK, r.StatusCode, body)
	raw, err := f.plc.Peek(s7.AreaDataBlock, 1, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0x0F), raw[0])

	r, _ = f.do(t, http.MethodPost, "/stations/Module01/write", `{"tag":"run","value":true}`)
	require.Equal(t, http.StatusOK, r.StatusCode)
	raw, err = f.plc.Peek(s7.AreaMarker, 0, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0x02), raw[0])

	r, body = f.do(t, http.MethodGet, "/stations/Module01/read?address=DB1.DBB4&type=Byte&format=hex", "")
	require.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, "0x0F", body["text"])

	r, body = f.do(t, http.MethodPost, "/stations/Module01/write", `{"address":"Q64.0","type":"Byte","value":200}`)
	require.Equal(t, http.StatusOK, r.StatusCode, body)
	raw, err = f.plc.Peek(s7.AreaOutput, 0, 64, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(200), raw[0])

	r, body = f.do(t, http.MethodGet, "/stations/Module01/read?address=Q64.0&type=Byte", "")
	require.Equal(t, http.StatusOK, r.StatusCode, body)
	assert.Equal(t, float64(200), body["value"])
}

func TestBatchWrite(t *testing.T) {
	f := newFixture(t, testConfig(), true)

	r, body := f.do(t, http.MethodPost, "/stations/Module01/write", `[
		{"tag":"status","value":"A5"},
		{"address":"DB1.DBW6","type":"Int","value":-300},
		{"tag":"run","value":true}
	]`)
	require.Equal(t, http.StatusOK, r.StatusCode, body)
	assert.Equal(t, float64(3), body["written"])
	assert.Equal(t, float64(0), body["failed"])

	raw, err := f.plc.Peek(s7.AreaDataBlock, 1, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xA5, 0x00, 0xFE, 0xD4}, raw)
	raw, err = f.plc.Peek(s7.AreaMarker, 0, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0x02), raw[0])

	r, body = f.do(t, http.MethodPost, "/stations/Module01/write", `[
		{"address":"DB1.DBB8","type":"Byte","value":7},
		{"tag":"nope","value":1},
		{"address":"DB1.DBW10","type":"Int","value":40000},
		{"address":"DB1.DBB9","type":"Byte","value":8}
	]`)
	require.Equal(t, http.StatusMultiStatus, r.StatusCode, body)
	assert.Equal(t, float64(2), body["written"])
	assert.Equal(t, float64(2), body["failed"])
	errs, ok := body["errors"].([]interface{})
	require.True(t, ok)
	require.Len(t, errs, 2)
	assert.Equal(t, "nope", errs[0].(map[string]interface{})["address"])
	assert.Equal(t, "DB1.DBW10", errs[1].(map[string]interface{})["address"])

	raw, err = f.plc.Peek(s7.AreaDataBlock, 1, 8, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 8}, raw)

	r, _ = f.do(t, http.MethodPost, "/stations/Module01/write", `[]`)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
	r, _ = f.do(t, http.MethodPost, "/stations/Module01/write", `[{"address":"DB1.DBB0"`)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, testConfig(), true)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed address", http.MethodGet, "/stations/Module01/read?address=DB1.DBQ0&type=Byte", "", http.StatusBadRequest},
		{"unknown type", http.MethodGet, "/stations/Module01/read?address=DB1.DBB0&type=Word", "", http.StatusBadRequest},
		{"missing address", http.MethodGet, "/stations/Module01/read?type=Byte", "", http.StatusBadRequest},
		{"type mismatch", http.MethodPost, "/stations/Module01/write", `{"address":"DB1.DBD0","type":"Real","value":"hot"}`, http.StatusUnprocessableEntity},
		{"value out of range", http.MethodPost, "/stations/Module01/write", `{"address":"DB1.DBW0","type":"Int","value":40000}`, http.StatusUnprocessableEntity},
		{"missing db", http.MethodGet, "/stations/Module01/read?address=DB9.DBB0&type=Byte", "", http.StatusBadGateway},
		{"bad json", http.MethodPost, "/stations/Module01/write", `{`, http.StatusBadRequest},
		{"unknown tag", http.MethodPost, "/stations/Module01/write", `{"tag":"nope","value":1}`, http.StatusNotFound},
		{"unknown station", http.MethodGet, "/stations/Module09/read?address=M0.0&type=Bool", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, body := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, r.StatusCode, body)
			assert.NotEmpty(t, body["error"])
		})
	}

	// The missing data block failed the link.
	r, body := f.do(t, http.MethodGet, "/stations/Module01", "")
	require.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, "Failed", body["state"])
	r, _ = f.do(t, http.MethodGet, "/stations/Module01/read?address=DB1.DBB0&type=Byte", "")
	assert.Equal(t, http.StatusConflict, r.StatusCode)
}

func TestNotConnected(t *testing.T) {
	f := newFixture(t, testConfig(), false)

	r, _ := f.do(t, http.MethodGet, "/stations/Module01/read?address=M0.0&type=Bool", "")
	assert.Equal(t, http.StatusConflict, r.StatusCode)

	r, _ = f.do(t, http.MethodGet, "/stations/Module01/tags", "")
	assert.Equal(t, http.StatusConflict, r.StatusCode)

	reads, writes := f.plc.Stats()
	assert.Zero(t, reads)
	assert.Zero(t, writes)
}

func TestTagsValuesAndBits(t *testing.T) {
	f := newFixture(t, testConfig(), true)
	require.NoError(t, f.plc.Poke(s7.AreaDataBlock, 1, 4, []byte{0xA5}))
	require.NoError(t, f.plc.Poke(s7.AreaMarker, 0, 0, []byte{0x02}))

	resp, err := http.Get(f.server.URL + "/stations/Module01/tags")
	require.NoError(t, err)
	var tags []TagResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tags))
	resp.Body.Close()
	require.Len(t, tags, 3)
	assert.Equal(t, "run", tags[0].Name)
	assert.Equal(t, "status", tags[2].Name)
	assert.Equal(t, "0xA5", tags[2].Text)

	r, _ := f.do(t, http.MethodGet, "/stations/Module01/values", "")
	assert.Equal(t, http.StatusServiceUnavailable, r.StatusCode)

	f.manager.StartPolling(nil)
	f.manager.Poller("Module01").PollOnce(context.Background())

	resp, err = http.Get(f.server.URL + "/stations/Module01/values")
	require.NoError(t, err)
	var samples []poller.Sample
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&samples))
	resp.Body.Close()
	assert.Len(t, samples, 3)

	resp, err = http.Get(f.server.URL + "/stations/Module01/bits?address=MB0")
	require.NoError(t, err)
	var bits []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&bits))
	resp.Body.Close()
	require.Len(t, bits, 8)
	assert.Equal(t, "M0.1", bits[1]["address"])
	assert.Equal(t, true, bits[1]["value"])
	assert.Equal(t, false, bits[0]["value"])
}

func TestBasicAuth(t *testing.T) {
	adminHash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	viewerHash, err := bcrypt.GenerateFromPassword([]byte("look"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.API.Users = []config.APIUser{
		{Username: "ops", PasswordHash: string(adminHash), Role: config.RoleAdmin},
		{Username: "guest", PasswordHash: string(viewerHash), Role: config.RoleViewer},
	}
	f := newFixture(t, cfg, false)

	call := func(method, path, user, pass string) int {
		req, err := http.NewRequest(method, f.server.URL+path, nil)
		require.NoError(t, err)
		if user != "" {
			req.SetBasicAuth(user, pass)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/stations", "", ""))
	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/stations", "ops", "wrong"))
	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/stations", "nobody", "secret"))
	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/stations", "ops", "secret"))
	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/stations", "guest", "look"))
	assert.Equal(t, http.StatusForbidden, call(http.MethodPost, "/stations/Module01/connect", "guest", "look"))
	assert.Equal(t, http.StatusOK, call(http.MethodPost, "/stations/Module01/connect", "ops", "secret"))
}

func TestEventsStream(t *testing.T) {
	cfg := testConfig()
	plc := simplc.New(simplc.WithDataBlock(1, 16))
	m := session.NewManager(cfg,
		session.WithProber(stubProber(true)),
		session.WithDialer(func(config.Station) (session.Conn, error) { return plc, nil }),
	)
	hub := NewHub()
	srv := httptest.NewServer(NewRouter(m, cfg.API, hub))
	defer srv.Close()
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stations/Module01/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: connected\n", line)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	v := s7.ByteValue(7)
	require.NoError(t, hub.Publish(context.Background(), "Other", []poller.Sample{{Tag: "x", Value: &v}}))
	require.NoError(t, hub.Publish(context.Background(), "Module01", []poller.Sample{{Station: "Module01", Tag: "status", Value: &v}}))

	var event, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: ") && !strings.Contains(line, "connected"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: ") && event != "":
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	assert.Equal(t, eventValueChange, event)
	assert.Contains(t, data, `"tag":"status"`, "samples for other stations are filtered out")
}

func TestServerStartStop(t *testing.T) {
	cfg := testConfig()
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = 0
	m := session.NewManager(cfg)

	s := NewServer(m, cfg.API, nil)
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())

	resp, err := http.Get(s.Address() + "/stations")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.NoError(t, s.Stop())
}
