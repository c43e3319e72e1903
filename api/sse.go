package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"s7link/link"
	"s7link/logging"
	"s7link/poller"
)

// SSE event types.
const (
	eventValueChange  = "value-change"
	eventStatusChange = "status-change"
)

type sseEvent struct {
	Type    string
	Station string
	Data    interface{}
}

type statusUpdate struct {
	Station string `json:"station"`
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason,omitempty"`
}

type sseClient struct {
	id      string
	station string // Empty = all stations
	events  chan sseEvent
}

// Hub fans poll changes and link transitions out to SSE clients. It
// implements poller.Sink.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*sseClient
	nextID  uint64
	closed  bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*sseClient)}
}

// Name implements poller.Sink.
func (h *Hub) Name() string { return "sse" }

// Publish implements poller.Sink. Slow clients drop events.
func (h *Hub) Publish(ctx context.Context, station string, samples []poller.Sample) error {
	for _, s := range samples {
		h.broadcast(sseEvent{Type: eventValueChange, Station: station, Data: s})
	}
	return nil
}

// LinkChanged forwards a link transition. Register it with
// link.Machine.OnChange.
func (h *Hub) LinkChanged(station string) func(from, to link.State) {
	return func(from, to link.State) {
		u := statusUpdate{Station: station, From: from.Status.String(), To: to.Status.String()}
		if to.Reason != nil {
			u.Reason = to.Reason.Error()
		}
		h.broadcast(sseEvent{Type: eventStatusChange, Station: station, Data: u})
	}
}

func (h *Hub) broadcast(ev sseEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.station != "" && !strings.EqualFold(c.station, ev.Station) {
			continue
		}
		select {
		case c.events <- ev:
		default:
			logging.DebugLog("api", "sse client %s buffer full, dropping %s", c.id, ev.Type)
		}
	}
}

func (h *Hub) register(station string) *sseClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	c := &sseClient{
		id:      fmt.Sprintf("sse-%d", h.nextID),
		station: station,
		events:  make(chan sseEvent, 64),
	}
	if h.closed {
		close(c.events)
		return c
	}
	h.clients[c.id] = c
	return c
}

func (h *Hub) unregister(c *sseClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.events)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.clients {
		close(c.events)
		delete(h.clients, id)
	}
}

// serve streams events to one client until it goes away.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, station string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	c := h.register(station)
	defer h.unregister(c)

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", c.id)
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
