// Package kafka produces one message per changed tag to a Kafka topic.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"s7link/config"
	"s7link/logging"
	"s7link/namespace"
	"s7link/poller"
)

// SASL mechanisms accepted in config.
const (
	SASLPlain       = "PLAIN"
	SASLSCRAMSHA256 = "SCRAM-SHA-256"
	SASLSCRAMSHA512 = "SCRAM-SHA-512"
)

// ErrNotConnected is returned by Publish before Connect or after Close.
var ErrNotConnected = errors.New("kafka producer not connected")

// messageWriter is the part of kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// TagMessage is the JSON value of each record.
type TagMessage struct {
	Station   string      `json:"station"`
	Tag       string      `json:"tag"`
	Address   string      `json:"address"`
	Type      string      `json:"type"`
	Value     interface{} `json:"value"`
	Error     string      `json:"error,omitempty"`
	Stale     bool        `json:"stale,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Producer writes tag changes to one topic.
type Producer struct {
	config config.KafkaConfig
	writer messageWriter
	mu     sync.RWMutex

	sent    int64
	failed  int64
	lastErr error
}

// NewProducer creates a producer for cfg. Call Connect before Publish.
func NewProducer(cfg config.KafkaConfig) *Producer {
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = int(kafka.RequireAll)
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	return &Producer{config: cfg}
}

// Name returns the producer name.
func (p *Producer) Name() string { return "kafka/" + p.config.Name }

// MessageKey returns the record key for a tag: station/tag.
func MessageKey(station, tag string) []byte {
	return []byte(namespace.KafkaMessageKey(station, tag))
}

// Connect checks that a broker answers and creates the topic writer.
func (p *Producer) Connect(ctx context.Context) error {
	if len(p.config.Brokers) == 0 {
		return errors.New("kafka: no brokers configured")
	}
	mechanism, err := p.saslMechanism()
	if err != nil {
		return err
	}

	dialer := &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		TLS:           p.tlsConfig(),
		SASLMechanism: mechanism,
	}
	logging.DebugConnect("kafka", strings.Join(p.config.Brokers, ","))

	var conn *kafka.Conn
	for _, broker := range p.config.Brokers {
		conn, err = dialer.DialContext(ctx, "tcp", broker)
		if err == nil {
			break
		}
	}
	if err != nil {
		logging.DebugConnectError("kafka", strings.Join(p.config.Brokers, ","), err)
		return fmt.Errorf("kafka connect: %w", err)
	}
	conn.Close()

	w := &kafka.Writer{
		Addr:     kafka.TCP(p.config.Brokers...),
		Topic:    p.config.Topic,
		Balancer: &kafka.Hash{},
		Transport: &kafka.Transport{
			DialTimeout: 10 * time.Second,
			TLS:         p.tlsConfig(),
			SASL:        mechanism,
		},
		RequiredAcks:           kafka.RequiredAcks(p.config.RequiredAcks),
		BatchSize:              100,
		BatchTimeout:           p.config.BatchTimeout,
		AllowAutoTopicCreation: true,
	}

	p.mu.Lock()
	old := p.writer
	p.writer = w
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}

	logging.DebugConnectSuccess("kafka", strings.Join(p.config.Brokers, ","), "topic "+p.config.Topic)
	return nil
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	p.mu.Lock()
	w := p.writer
	p.writer = nil
	p.mu.Unlock()
	if w == nil {
		return nil
	}
	logging.DebugDisconnect("kafka", p.config.Topic, "closed")
	return w.Close()
}

func (p *Producer) tlsConfig() *tls.Config {
	if !p.config.UseTLS {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: p.config.TLSSkipVerify,
	}
}

func (p *Producer) saslMechanism() (sasl.Mechanism, error) {
	if p.config.Username == "" {
		return nil, nil
	}
	switch strings.ToUpper(p.config.SASLMechanism) {
	case "", SASLPlain:
		return plain.Mechanism{Username: p.config.Username, Password: p.config.Password}, nil
	case SASLSCRAMSHA256:
		return scram.Mechanism(scram.SHA256, p.config.Username, p.config.Password)
	case SASLSCRAMSHA512:
		return scram.Mechanism(scram.SHA512, p.config.Username, p.config.Password)
	default:
		return nil, fmt.Errorf("kafka: unknown SASL mechanism %q", p.config.SASLMechanism)
	}
}

// BuildMessages converts samples into records keyed station/tag.
func BuildMessages(station string, samples []poller.Sample) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(samples))
	for _, s := range samples {
		tm := TagMessage{
			Station:   station,
			Tag:       s.Tag,
			Address:   s.Address,
			Type:      s.Type,
			Error:     s.Error,
			Stale:     s.Stale,
			Timestamp: s.Timestamp.UTC(),
		}
		if s.Value != nil {
			tm.Value = *s.Value
		}
		data, err := json.Marshal(tm)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", s.Tag, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   MessageKey(station, s.Tag),
			Value: data,
			Time:  s.Timestamp,
		})
	}
	return msgs, nil
}

// Publish implements poller.Sink.
func (p *Producer) Publish(ctx context.Context, station string, samples []poller.Sample) error {
	p.mu.RLock()
	w := p.writer
	p.mu.RUnlock()
	if w == nil {
		return ErrNotConnected
	}

	msgs, err := BuildMessages(station, samples)
	if err != nil {
		return err
	}
	err = w.WriteMessages(ctx, msgs...)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.failed += int64(len(msgs))
		p.lastErr = err
		logging.DebugError("kafka", "produce "+station, err)
		return fmt.Errorf("kafka produce: %w", err)
	}
	p.sent += int64(len(msgs))
	p.lastErr = nil
	return nil
}

// Stats returns counters of produced and failed records.
func (p *Producer) Stats() (sent, failed int64, lastErr error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sent, p.failed, p.lastErr
}
