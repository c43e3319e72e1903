// Package mqtt publishes polled tag values to an MQTT broker and accepts
// write requests on a per-station topic.
package mqtt

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"s7link/config"
	"s7link/logging"
	"s7link/namespace"
	"s7link/poller"
)

// DefaultRootTopic is used when the config leaves root_topic empty.
const DefaultRootTopic = namespace.Default

// MaxWriteWorkers is the number of goroutines serving write requests.
const MaxWriteWorkers = 5

// MaxWriteQueueSize is the maximum number of pending write requests.
const MaxWriteQueueSize = 100

// ErrNotRunning is returned by Publish before Start or after Stop.
var ErrNotRunning = errors.New("mqtt publisher not running")

// TagMessage is the retained JSON payload for one tag.
type TagMessage struct {
	Station   string      `json:"station"`
	Tag       string      `json:"tag"`
	Address   string      `json:"address"`
	Type      string      `json:"type"`
	Value     interface{} `json:"value"`
	Text      string      `json:"text,omitempty"`
	Error     string      `json:"error,omitempty"`
	Stale     bool        `json:"stale,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteRequest is the JSON payload accepted on <root>/<station>/write.
type WriteRequest struct {
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// WriteResponse is published to <root>/<station>/write/response.
type WriteResponse struct {
	Station   string      `json:"station"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteHandler writes value to a registry tag of station.
type WriteHandler func(station, tag string, value interface{}) error

type writeJob struct {
	client  pahomqtt.Client
	station string
	req     WriteRequest
}

// Publisher holds one broker connection.
type Publisher struct {
	config  config.MQTTConfig
	paths   *namespace.Builder
	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex

	writeHandler WriteHandler
	stations     []string // Stations to accept writes for

	writeQueue chan writeJob
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// NewPublisher creates a publisher for cfg. Call Start to connect.
func NewPublisher(cfg config.MQTTConfig) *Publisher {
	if cfg.RootTopic == "" {
		cfg.RootTopic = DefaultRootTopic
	}
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	return &Publisher{
		config:     cfg,
		paths:      namespace.New(cfg.RootTopic),
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Name returns the publisher name.
func (p *Publisher) Name() string { return "mqtt/" + p.config.Name }

// Address returns the broker URL.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// IsRunning reports whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// SetWriteHandler enables write requests for stations. Must be called
// before Start.
func (p *Publisher) SetWriteHandler(handler WriteHandler, stations []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
	p.stations = stations
}

// Start connects to the broker.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	logging.DebugConnect("mqtt", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		err := fmt.Errorf("connect %s: timeout", p.Address())
		logging.DebugConnectError("mqtt", p.Address(), err)
		return err
	}
	if err := token.Error(); err != nil {
		logging.DebugConnectError("mqtt", p.Address(), err)
		return fmt.Errorf("connect %s: %w", p.Address(), err)
	}
	logging.DebugConnectSuccess("mqtt", p.Address(), p.config.ClientID)

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker()
	}
	p.subscribeWriteTopics()
	return nil
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil
	oldStop := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStop)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("mqtt", "timeout waiting for write workers")
	}

	client.Disconnect(500)
	logging.DebugDisconnect("mqtt", p.Address(), "stopped")
}

// BuildTopic returns <root>/<station>/<tag>.
func (p *Publisher) BuildTopic(station, tag string) string {
	return p.paths.MQTTTagTopic(station, tag)
}

// NewTagMessage converts a poll sample into its published form.
func NewTagMessage(s poller.Sample) TagMessage {
	msg := TagMessage{
		Station:   s.Station,
		Tag:       s.Tag,
		Address:   s.Address,
		Type:      s.Type,
		Text:      s.Text,
		Error:     s.Error,
		Stale:     s.Stale,
		Timestamp: s.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if s.Value != nil {
		msg.Value = *s.Value
	}
	return msg
}

// Publish implements poller.Sink. Every sample is published retained at
// QoS 1; the first failure is returned after the rest have been tried.
func (p *Publisher) Publish(ctx context.Context, station string, samples []poller.Sample) error {
	p.mu.RLock()
	client := p.client
	running := p.running
	p.mu.RUnlock()
	if !running || client == nil {
		return ErrNotRunning
	}

	var firstErr error
	for _, s := range samples {
		payload, err := json.Marshal(NewTagMessage(s))
		if err != nil {
			firstErr = firstError(firstErr, err)
			continue
		}
		topic := p.BuildTopic(station, s.Tag)
		token := client.Publish(topic, 1, true, payload)
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				firstErr = firstError(firstErr, fmt.Errorf("publish %s: %w", topic, err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return firstErr
}

func firstError(first, err error) error {
	if first != nil {
		return first
	}
	return err
}

func (p *Publisher) subscribeWriteTopics() {
	p.mu.RLock()
	client := p.client
	handler := p.writeHandler
	stations := p.stations
	p.mu.RUnlock()

	if client == nil || handler == nil {
		return
	}
	for _, station := range stations {
		station := station
		topic := p.paths.MQTTWriteTopic(station)
		token := client.Subscribe(topic, 1, func(c pahomqtt.Client, msg pahomqtt.Message) {
			p.handleWriteMessage(c, station, msg.Payload())
		})
		if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
			logging.Logf("mqtt %s: subscribe %s failed: %v", p.config.Name, topic, token.Error())
			continue
		}
		logging.DebugLog("mqtt", "subscribed to %s", topic)
	}
}

// DecodeWriteRequest parses a write request payload.
func DecodeWriteRequest(payload []byte) (WriteRequest, error) {
	var req WriteRequest
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("invalid write request: %w", err)
	}
	if req.Tag == "" {
		return req, errors.New("invalid write request: tag is required")
	}
	if req.Value == nil {
		return req, errors.New("invalid write request: value is required")
	}
	return req, nil
}

func (p *Publisher) handleWriteMessage(client pahomqtt.Client, station string, payload []byte) {
	req, err := DecodeWriteRequest(payload)
	if err != nil {
		p.publishWriteResponse(client, station, req, err)
		return
	}

	p.mu.RLock()
	queue := p.writeQueue
	p.mu.RUnlock()

	select {
	case queue <- writeJob{client: client, station: station, req: req}:
	default:
		p.publishWriteResponse(client, station, req, errors.New("write queue full"))
	}
}

func (p *Publisher) writeWorker() {
	defer p.wg.Done()

	p.mu.RLock()
	stop := p.stopChan
	queue := p.writeQueue
	handler := p.writeHandler
	p.mu.RUnlock()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			logging.DebugLog("mqtt", "write %s/%s = %v", job.station, job.req.Tag, job.req.Value)
			err := handler(job.station, job.req.Tag, job.req.Value)
			p.publishWriteResponse(job.client, job.station, job.req, err)
		}
	}
}

func (p *Publisher) publishWriteResponse(client pahomqtt.Client, station string, req WriteRequest, err error) {
	resp := WriteResponse{
		Station:   station,
		Tag:       req.Tag,
		Value:     req.Value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	payload, _ := json.Marshal(resp)
	topic := p.paths.MQTTWriteResponseTopic(station)
	token := client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		logging.DebugLog("mqtt", "write response to %s timed out", topic)
	}
}
