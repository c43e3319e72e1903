// Package valkey stores polled tag values in Valkey/Redis and announces
// changes over Pub/Sub.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"s7link/config"
	"s7link/link"
	"s7link/logging"
	"s7link/namespace"
	"s7link/poller"
)

// DefaultNamespace prefixes every key when the config leaves it empty.
const DefaultNamespace = namespace.Default

// ErrNotRunning is returned by Publish before Start or after Stop.
var ErrNotRunning = errors.New("valkey publisher not running")

// TagMessage is the JSON stored under a tag key.
type TagMessage struct {
	Namespace string      `json:"namespace"`
	Station   string      `json:"station"`
	Tag       string      `json:"tag"`
	Address   string      `json:"address"`
	Type      string      `json:"type"`
	Value     interface{} `json:"value"`
	Error     string      `json:"error,omitempty"`
	Stale     bool        `json:"stale,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// HealthMessage is the JSON stored under <ns>:<station>:health.
type HealthMessage struct {
	Namespace string    `json:"namespace"`
	Station   string    `json:"station"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher holds one Valkey connection.
type Publisher struct {
	config  config.ValkeyConfig
	paths   *namespace.Builder
	client  *redis.Client
	running bool
	mu      sync.RWMutex
}

// NewPublisher creates a publisher for cfg. Call Start to connect.
func NewPublisher(cfg config.ValkeyConfig) *Publisher {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	return &Publisher{config: cfg, paths: namespace.New(cfg.Namespace)}
}

// Name returns the publisher name.
func (p *Publisher) Name() string { return "valkey/" + p.config.Name }

// Address returns the server URL.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// IsRunning reports whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// TagKey returns <ns>:<station>:<tag>.
func (p *Publisher) TagKey(station, tag string) string {
	return p.paths.ValkeyTagKey(station, tag)
}

// ChangesChannel returns <ns>:<station>:changes.
func (p *Publisher) ChangesChannel(station string) string {
	return p.paths.ValkeyChangesChannel(station)
}

// HealthKey returns <ns>:<station>:health.
func (p *Publisher) HealthKey(station string) string {
	return p.paths.ValkeyHealthKey(station)
}

// Start connects and pings the server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	logging.DebugConnect("valkey", p.Address())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logging.DebugConnectError("valkey", p.Address(), err)
		client.Close()
		return fmt.Errorf("connect %s: %w", p.Address(), err)
	}
	logging.DebugConnectSuccess("valkey", p.Address(), fmt.Sprintf("db %d", p.config.Database))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	return nil
}

// Stop closes the connection.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	logging.DebugDisconnect("valkey", p.Address(), "stopped")
	return client.Close()
}

// NewTagMessage converts a poll sample into its stored form.
func (p *Publisher) NewTagMessage(s poller.Sample) TagMessage {
	msg := TagMessage{
		Namespace: p.config.Namespace,
		Station:   s.Station,
		Tag:       s.Tag,
		Address:   s.Address,
		Type:      s.Type,
		Error:     s.Error,
		Stale:     s.Stale,
		Timestamp: s.Timestamp.UTC(),
	}
	if s.Value != nil {
		msg.Value = *s.Value
	}
	return msg
}

func (p *Publisher) activeClient() (*redis.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running || p.client == nil {
		return nil, ErrNotRunning
	}
	return p.client, nil
}

// Publish implements poller.Sink. All samples go out in one pipeline.
func (p *Publisher) Publish(ctx context.Context, station string, samples []poller.Sample) error {
	client, err := p.activeClient()
	if err != nil {
		return err
	}

	pipe := client.Pipeline()
	for _, s := range samples {
		data, err := json.Marshal(p.NewTagMessage(s))
		if err != nil {
			return fmt.Errorf("marshal %s: %w", s.Tag, err)
		}
		pipe.Set(ctx, p.TagKey(station, s.Tag), data, p.config.KeyTTL)
		if p.config.PublishChanges {
			pipe.Publish(ctx, p.ChangesChannel(station), data)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logging.DebugError("valkey", "publish "+station, err)
		return fmt.Errorf("valkey publish %s: %w", station, err)
	}
	logging.DebugLog("valkey", "%s: stored %d tags", station, len(samples))
	return nil
}

// PublishHealth stores the station's connection state.
func (p *Publisher) PublishHealth(ctx context.Context, station string, state link.State) error {
	client, err := p.activeClient()
	if err != nil {
		return err
	}

	msg := HealthMessage{
		Namespace: p.config.Namespace,
		Station:   station,
		Online:    state.Status == link.StatusConnected,
		Status:    state.Status.String(),
		Timestamp: time.Now().UTC(),
	}
	if state.Reason != nil {
		msg.Error = state.Reason.Error()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := client.Set(ctx, p.HealthKey(station), data, p.config.KeyTTL).Err(); err != nil {
		return fmt.Errorf("valkey health %s: %w", station, err)
	}
	return nil
}
