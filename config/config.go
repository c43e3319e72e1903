// Package config handles the station and tag registry for s7link.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"s7link/s7"
)

// Defaults applied by Load when a field is absent.
const (
	DefaultRack     = 0
	DefaultSlot     = 1
	DefaultTimeout  = 5 * time.Second
	DefaultPollRate = time.Second
	DefaultAPIPort  = 8080
)

// Config holds the complete application configuration.
type Config struct {
	PollRate time.Duration  `yaml:"poll_rate"`
	Stations []Station      `yaml:"stations"`
	API      APIConfig      `yaml:"api"`
	MQTT     []MQTTConfig   `yaml:"mqtt,omitempty"`
	Valkey   []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka    []KafkaConfig  `yaml:"kafka,omitempty"`
	Stream   StreamConfig   `yaml:"stream,omitempty"`
	Log      LogConfig      `yaml:"log,omitempty"`

	// dataMu guards marshalling against concurrent edits.
	dataMu sync.Mutex `yaml:"-"`
}

// Station is one controller and its tag table.
type Station struct {
	Name             string         `yaml:"name"`
	Address          string         `yaml:"address"` // host or host:port
	Rack             int            `yaml:"rack"`
	Slot             *int           `yaml:"slot,omitempty"` // nil = DefaultSlot; 0 is valid on S7-1500
	Port             int            `yaml:"port,omitempty"`
	Timeout          time.Duration  `yaml:"timeout,omitempty"`
	PollRate         time.Duration  `yaml:"poll_rate,omitempty"` // Overrides the global rate
	DisconnectMarker *Tag           `yaml:"disconnect_marker,omitempty"`
	Tags             map[string]Tag `yaml:"tags"`
}

// Tag is one entry of a station's tag table.
type Tag struct {
	Address       string `yaml:"address" json:"address"`
	Type          string `yaml:"type" json:"type"`
	Value         string `yaml:"value,omitempty" json:"value,omitempty"` // Last known or value to send
	DisplayFormat string `yaml:"display_format,omitempty" json:"display_format,omitempty"`
	SendingFormat string `yaml:"sending_format,omitempty" json:"sending_format,omitempty"`
}

// APIConfig holds REST API server configuration.
type APIConfig struct {
	Enabled bool      `yaml:"enabled"`
	Host    string    `yaml:"host"`
	Port    int       `yaml:"port"`
	Users   []APIUser `yaml:"users,omitempty"` // Empty = no authentication
}

// APIUser is an HTTP basic auth account.
type APIUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	Role         string `yaml:"role"`          // "admin" or "viewer"
}

// API user roles
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name      string `yaml:"name"`
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"`
	Port      int    `yaml:"port"`
	ClientID  string `yaml:"client_id"`
	RootTopic string `yaml:"root_topic,omitempty"` // Default "s7link"
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	UseTLS    bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`
	Namespace      string        `yaml:"namespace,omitempty"` // Default "s7link"
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"`   // 0 = no expiry
	PublishChanges bool          `yaml:"publish_changes,omitempty"`
	UseTLS         bool          `yaml:"use_tls,omitempty"`
}

// KafkaConfig holds Kafka producer configuration.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1 or unset=all, 1=leader
	BatchTimeout  time.Duration `yaml:"batch_timeout,omitempty"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
}

// StreamConfig holds the TCP event stream configuration.
type StreamConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Listen     string `yaml:"listen"`                // host:port
	BufferSize int    `yaml:"buffer_size,omitempty"` // Replay depth, default 10000
}

// LogConfig holds log file locations.
type LogConfig struct {
	Path        string `yaml:"path,omitempty"`
	Debug       bool   `yaml:"debug,omitempty"`
	DebugPath   string `yaml:"debug_path,omitempty"`
	DebugFilter string `yaml:"debug_filter,omitempty"` // Comma-separated protocols
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollRate: DefaultPollRate,
		Stations: []Station{},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    DefaultAPIPort,
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "s7link.yaml"
	}
	return filepath.Join(home, ".s7link", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, which are written back to path on a best-effort basis.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg.Save(path) // Best-effort save
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PollRate <= 0 {
		c.PollRate = DefaultPollRate
	}
	if c.API.Port == 0 {
		c.API.Port = DefaultAPIPort
	}
	for i := range c.Stations {
		st := &c.Stations[i]
		if st.Slot == nil {
			slot := DefaultSlot
			st.Slot = &slot
		}
		if st.Port == 0 {
			st.Port = s7.DefaultPort
		}
		if st.Timeout <= 0 {
			st.Timeout = DefaultTimeout
		}
		if st.Tags == nil {
			st.Tags = map[string]Tag{}
		}
	}
}

// Save marshals the configuration and writes it to path.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// FindStation returns the station with the given name, or nil if not found.
// Names are matched case-insensitively.
func (c *Config) FindStation(name string) *Station {
	for i := range c.Stations {
		if strings.EqualFold(c.Stations[i].Name, name) {
			return &c.Stations[i]
		}
	}
	return nil
}

// FindUser returns the API user with the given username, or nil.
func (c *Config) FindUser(username string) *APIUser {
	for i := range c.API.Users {
		if c.API.Users[i].Username == username {
			return &c.API.Users[i]
		}
	}
	return nil
}

// SlotNumber returns the configured slot or DefaultSlot.
func (s *Station) SlotNumber() int {
	if s.Slot == nil {
		return DefaultSlot
	}
	return *s.Slot
}

// TagNames returns the station's tag names in sorted order.
func (s *Station) TagNames() []string {
	names := make([]string, 0, len(s.Tags))
	for name := range s.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EffectivePollRate returns the station override or the global rate.
func (s *Station) EffectivePollRate(global time.Duration) time.Duration {
	if s.PollRate > 0 {
		return s.PollRate
	}
	return global
}

// Kind parses the tag's type name.
func (t Tag) Kind() (s7.Kind, error) {
	return s7.ParseKind(t.Type)
}

// Validate checks the tag's address, type and formats.
func (t Tag) Validate() error {
	if err := s7.ValidateAddress(t.Address); err != nil {
		return err
	}
	kind, err := t.Kind()
	if err != nil {
		return err
	}
	for _, f := range []string{t.DisplayFormat, t.SendingFormat} {
		switch strings.ToLower(f) {
		case "", s7.FormatDec, s7.FormatHex, s7.FormatBin:
		default:
			return fmt.Errorf("unknown format %q", f)
		}
	}
	if t.Value != "" {
		if _, err := s7.ParseValue(t.Value, kind, t.SendingFormat); err != nil {
			return fmt.Errorf("value %q: %w", t.Value, err)
		}
	}
	return nil
}

// Validate checks the configuration for errors. All problems are reported.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool)

	for i := range c.Stations {
		st := &c.Stations[i]
		if st.Name == "" {
			errs = append(errs, fmt.Errorf("station %d: name is required", i))
		} else if key := strings.ToLower(st.Name); seen[key] {
			errs = append(errs, fmt.Errorf("station %q: duplicate name", st.Name))
		} else {
			seen[key] = true
		}
		if st.Address == "" {
			errs = append(errs, fmt.Errorf("station %q: address is required", st.Name))
		}
		if st.Rack < 0 || st.Rack > 7 {
			errs = append(errs, fmt.Errorf("station %q: rack %d out of range 0-7", st.Name, st.Rack))
		}
		if slot := st.SlotNumber(); slot < 0 || slot > 31 {
			errs = append(errs, fmt.Errorf("station %q: slot %d out of range 0-31", st.Name, slot))
		}
		if st.DisconnectMarker != nil {
			if err := st.DisconnectMarker.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("station %q: disconnect marker: %w", st.Name, err))
			}
		}
		for _, name := range st.TagNames() {
			if err := st.Tags[name].Validate(); err != nil {
				errs = append(errs, fmt.Errorf("station %q: tag %q: %w", st.Name, name, err))
			}
		}
	}

	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		errs = append(errs, fmt.Errorf("api: port %d out of range", c.API.Port))
	}
	for _, k := range c.Kafka {
		if k.Enabled && (len(k.Brokers) == 0 || k.Topic == "") {
			errs = append(errs, fmt.Errorf("kafka %q: brokers and topic are required", k.Name))
		}
	}
	if c.Stream.Enabled && c.Stream.Listen == "" {
		errs = append(errs, errors.New("stream: listen address is required"))
	}
	for _, u := range c.API.Users {
		if u.Role != RoleAdmin && u.Role != RoleViewer {
			errs = append(errs, fmt.Errorf("api user %q: unknown role %q", u.Username, u.Role))
		}
	}

	return errors.Join(errs...)
}
