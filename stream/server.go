// Package stream serves tag changes and link health to TCP clients as
// newline-delimited JSON. Clients receive a snapshot on connect and may ask
// for the tag list, the server config, or a replay of buffered events.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"s7link/link"
	"s7link/logging"
	"s7link/poller"
	"s7link/s7"
)

// Event types sent to clients.
const (
	TypeTag      = "tag"
	TypeHealth   = "health"
	TypeConfig   = "config"
	TypeSnapshot = "snapshot"
	TypeTagList  = "tag_list"
)

// Request types accepted from clients.
const (
	RequestListTags  = "list_tags"
	RequestGetConfig = "get_config"
	RequestReplay    = "replay"
)

// Source supplies the current values for snapshots and queries.
// session.Manager implements it.
type Source interface {
	Names() []string
	Values() []poller.Sample
}

// TagEvent is one tag value. It is both a streamed event and an element of
// snapshots and tag lists.
type TagEvent struct {
	Type     string    `json:"type,omitempty"`
	Station  string    `json:"station"`
	Tag      string    `json:"tag"`
	Address  string    `json:"address,omitempty"`
	DataType string    `json:"data_type,omitempty"`
	Value    *s7.Value `json:"value"`
	Text     string    `json:"text,omitempty"`
	Stale    bool      `json:"stale,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     string    `json:"ts,omitempty"`
}

// HealthEvent reports a link transition.
type HealthEvent struct {
	Type    string `json:"type"`
	Station string `json:"station"`
	Online  bool   `json:"online"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Time    string `json:"ts"`
}

type configEvent struct {
	Type      string   `json:"type"`
	Namespace string   `json:"namespace"`
	Stations  []string `json:"stations"`
}

type listEvent struct {
	Type     string     `json:"type"`
	Stations []string   `json:"stations,omitempty"`
	Tags     []TagEvent `json:"tags"`
}

type request struct {
	Type  string `json:"type"`
	Since string `json:"since,omitempty"`
}

// Server accepts TCP clients and fans events out to them.
type Server struct {
	mu         sync.RWMutex
	listener   net.Listener
	clients    map[uint64]*client
	nextID     uint64
	ringBuffer *RingBuffer
	running    bool
	stopChan   chan struct{}
	wg         sync.WaitGroup

	source    Source
	namespace string

	clientCount atomic.Int64
}

type client struct {
	id   uint64
	conn net.Conn
	send chan []byte
}

// NewServer creates a server (not yet listening). source may be nil, which
// disables snapshots and tag lists.
func NewServer(source Source, namespace string) *Server {
	return &Server{
		clients:   make(map[uint64]*client),
		source:    source,
		namespace: namespace,
	}
}

// Name implements poller.Sink.
func (s *Server) Name() string { return "stream" }

// HasClients reports whether at least one client is connected.
func (s *Server) HasClients() bool {
	return s.clientCount.Load() > 0
}

// Addr returns the listening address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start begins accepting connections on listenAddr, keeping the last
// bufferSize events for replay.
func (s *Server) Start(listenAddr string, bufferSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("stream listen: %w", err)
	}
	s.listener = ln
	s.running = true
	s.stopChan = make(chan struct{})
	s.ringBuffer = NewRingBuffer(bufferSize)

	logging.Logf("event stream listening on %s", ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop(ln, s.stopChan)
	return nil
}

// Stop closes the listener and disconnects every client.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.listener.Close()
	s.listener = nil

	for id, c := range s.clients {
		close(c.send)
		c.conn.Close()
		delete(s.clients, id)
	}
	s.clientCount.Store(0)
	s.mu.Unlock()

	s.wg.Wait()
	logging.DebugLog("stream", "stopped")
}

// Publish implements poller.Sink.
func (s *Server) Publish(ctx context.Context, station string, samples []poller.Sample) error {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	for _, sample := range samples {
		ev := tagEvent(sample)
		ev.Type = TypeTag
		ev.Station = station
		ev.Time = ts
		s.broadcast(ev)
	}
	return nil
}

// LinkChanged returns a link.Machine listener that broadcasts health events
// for station.
func (s *Server) LinkChanged(station string) func(from, to link.State) {
	return func(_, to link.State) {
		ev := HealthEvent{
			Type:    TypeHealth,
			Station: station,
			Online:  to.Status == link.StatusConnected,
			Status:  to.Status.String(),
			Time:    time.Now().UTC().Format(time.RFC3339Nano),
		}
		if to.Reason != nil {
			ev.Error = to.Reason.Error()
		}
		s.broadcast(ev)
	}
}

func tagEvent(sample poller.Sample) TagEvent {
	return TagEvent{
		Station:  sample.Station,
		Tag:      sample.Tag,
		Address:  sample.Address,
		DataType: sample.Type,
		Value:    sample.Value,
		Text:     sample.Text,
		Stale:    sample.Stale,
		Error:    sample.Error,
	}
}

func encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// broadcast buffers an event and queues it for every client. Slow clients
// drop events.
func (s *Server) broadcast(v interface{}) {
	data, err := encode(v)
	if err != nil {
		logging.DebugError("stream", "encode", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ringBuffer != nil {
		s.ringBuffer.Add(data, time.Now())
	}
	for _, c := range s.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

func (s *Server) acceptLoop(ln net.Listener, stop chan struct{}) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
				logging.DebugError("stream", "accept", err)
				continue
			}
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		c := &client{id: s.nextID, conn: conn, send: make(chan []byte, 256)}
		s.nextID++
		s.clients[c.id] = c
		s.clientCount.Add(1)
		s.mu.Unlock()

		logging.DebugLog("stream", "client %d connected from %s", c.id, conn.RemoteAddr())

		s.wg.Add(2)
		go s.clientWriter(c)
		go s.clientReader(c)

		s.sendConfig(c)
		s.sendTags(c, TypeSnapshot)
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.id]; ok {
		delete(s.clients, c.id)
		s.clientCount.Add(-1)
		close(c.send)
		c.conn.Close()
		logging.DebugLog("stream", "client %d disconnected", c.id)
	}
}

func (s *Server) clientWriter(c *client) {
	defer s.wg.Done()

	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := c.conn.Write(data); err != nil {
			s.removeClient(c)
			return
		}
	}
}

func (s *Server) clientReader(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		switch req.Type {
		case RequestListTags:
			s.sendTags(c, TypeTagList)
		case RequestGetConfig:
			s.sendConfig(c)
		case RequestReplay:
			s.replay(c, req.Since)
		}
	}
}

func (s *Server) stations() []string {
	if s.source == nil {
		return nil
	}
	return s.source.Names()
}

func (s *Server) sendConfig(c *client) {
	s.sendToClient(c, configEvent{Type: TypeConfig, Namespace: s.namespace, Stations: s.stations()})
}

// sendTags sends every current value as one snapshot or tag_list message.
func (s *Server) sendTags(c *client, typ string) {
	if s.source == nil {
		return
	}
	values := s.source.Values()
	tags := make([]TagEvent, 0, len(values))
	for _, v := range values {
		tags = append(tags, tagEvent(v))
	}
	ev := listEvent{Type: typ, Tags: tags}
	if typ == TypeTagList {
		ev.Stations = s.stations()
	}
	s.sendToClient(c, ev)
}

// replay sends buffered events stamped after since (RFC 3339).
func (s *Server) replay(c *client, since string) {
	ts, err := time.Parse(time.RFC3339Nano, since)
	if err != nil {
		logging.DebugLog("stream", "client %d: bad replay time %q", c.id, since)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.clients[c.id]; !ok || s.ringBuffer == nil {
		return
	}
	for _, data := range s.ringBuffer.Since(ts) {
		select {
		case c.send <- data:
		default:
			return
		}
	}
}

// sendToClient queues one message for c unless it has gone away.
func (s *Server) sendToClient(c *client, v interface{}) {
	data, err := encode(v)
	if err != nil {
		logging.DebugError("stream", "encode", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
