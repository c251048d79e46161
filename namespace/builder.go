// Package namespace provides utilities for constructing topic and key paths
// with consistent namespace prefixing across all sinks (MQTT, Valkey, Kafka).
package namespace

import "strings"

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
	selector  string
}

// New creates a new namespace builder. selector is an optional
// sub-namespace and may be empty.
func New(namespace, selector string) *Builder {
	return &Builder{
		namespace: namespace,
		selector:  selector,
	}
}

// --- MQTT (delimiter: /) ---

// MQTT reserves + and # as wildcards; / inside a name would add a level.
var topicEscaper = strings.NewReplacer("+", "_", "#", "_", "/", "_")

// MQTTReadingTopic returns the topic for one tag reading: {ns}[/{sel}]/{target}/{tag}
func (b *Builder) MQTTReadingTopic(target, tag string) string {
	return b.MQTTBase() + "/" + topicEscaper.Replace(target) + "/" + topicEscaper.Replace(tag)
}

// MQTTBase returns the base topic: {ns}[/{sel}]
func (b *Builder) MQTTBase() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// --- Valkey (delimiter: :) ---

// JoinKey joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts (e.g., "foo::bar" or ":foo:bar:").
func JoinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// ValkeyReadingKey returns the key for one tag reading: {ns}[:{sel}]:{target}:{tag}
func (b *Builder) ValkeyReadingKey(target, tag string) string {
	return JoinKey(b.namespace, b.selector, target, tag)
}

// ValkeyChangesChannel returns the channel for a target's changes: {ns}[:{sel}]:{target}:changes
func (b *Builder) ValkeyChangesChannel(target string) string {
	return JoinKey(b.namespace, b.selector, target, "changes")
}

// --- Kafka (delimiter: -) ---

// KafkaReadingsTopic returns the topic for readings: {ns}[-{sel}]-readings
func (b *Builder) KafkaReadingsTopic() string {
	if b.selector != "" {
		return b.namespace + "-" + b.selector + "-readings"
	}
	return b.namespace + "-readings"
}
