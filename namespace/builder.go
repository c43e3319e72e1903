// Package namespace builds the topic and key paths every publisher uses, so
// MQTT, Valkey and Kafka name a station's tags the same way.
package namespace

import "strings"

// Default prefixes every path when none is configured.
const Default = "s7link"

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
}

// New creates a builder. An empty namespace uses Default.
func New(namespace string) *Builder {
	if namespace == "" {
		namespace = Default
	}
	return &Builder{namespace: namespace}
}

// Namespace returns the configured prefix.
func (b *Builder) Namespace() string {
	return b.namespace
}

// --- MQTT (delimiter: /) ---

// MQTTTagTopic returns the topic for a tag value: {ns}/{station}/{tag}
func (b *Builder) MQTTTagTopic(station, tag string) string {
	return Join("/", b.namespace, station, tag)
}

// MQTTWriteTopic returns the topic for write requests: {ns}/{station}/write
func (b *Builder) MQTTWriteTopic(station string) string {
	return Join("/", b.namespace, station, "write")
}

// MQTTWriteResponseTopic returns the topic for write responses: {ns}/{station}/write/response
func (b *Builder) MQTTWriteResponseTopic(station string) string {
	return Join("/", b.namespace, station, "write", "response")
}

// --- Valkey (delimiter: :) ---

// ValkeyTagKey returns the key for a tag value: {ns}:{station}:{tag}
func (b *Builder) ValkeyTagKey(station, tag string) string {
	return Join(":", b.namespace, station, tag)
}

// ValkeyChangesChannel returns the channel for station changes: {ns}:{station}:changes
func (b *Builder) ValkeyChangesChannel(station string) string {
	return Join(":", b.namespace, station, "changes")
}

// ValkeyHealthKey returns the key for link health: {ns}:{station}:health
func (b *Builder) ValkeyHealthKey(station string) string {
	return Join(":", b.namespace, station, "health")
}

// --- Kafka ---

// KafkaMessageKey returns the record key for a tag: {station}/{tag}. The
// topic is configured per cluster, so the namespace is not part of the key.
func KafkaMessageKey(station, tag string) string {
	return station + "/" + tag
}

// Join joins segments with sep, trimming sep from each segment's edges and
// dropping segments left empty.
func Join(sep string, segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s = strings.Trim(s, sep); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep)
}
