// Package config handles configuration persistence for cipctl.
package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"cipmsg/cip"
	"cipmsg/report"
)

// Config holds the complete application configuration.
type Config struct {
	Namespace string         `yaml:"namespace"` // Topic/key root for published readings
	Target    TargetConfig   `yaml:"target"`
	Tags      []string       `yaml:"tags"`
	PollRate  time.Duration  `yaml:"poll_rate"`
	PollBurst int            `yaml:"poll_burst,omitempty"`
	Debug     DebugConfig    `yaml:"debug,omitempty"`
	LogFile   string         `yaml:"log_file,omitempty"`
	MQTT      []MQTTConfig   `yaml:"mqtt,omitempty"`
	Valkey    []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig  `yaml:"kafka,omitempty"`

	// Protects all fields while marshalling.
	dataMu sync.Mutex `yaml:"-"`
}

// TargetConfig describes the device explicit messages are sent to.
type TargetConfig struct {
	Name    string        `yaml:"name"` // Used in topics and keys; defaults to the address
	Address string        `yaml:"address"`
	Port    uint16        `yaml:"port,omitempty"`    // default 44818
	Timeout time.Duration `yaml:"timeout,omitempty"` // per exchange, default 5s

	// Route from the target's Ethernet port to the message router that
	// should handle requests. Slot is shorthand for a single backplane hop.
	Route []RouteHop `yaml:"route,omitempty"`
	Slot  *int       `yaml:"slot,omitempty"`

	PriorityTicks byte `yaml:"priority_ticks,omitempty"`
	TimeoutTicks  byte `yaml:"timeout_ticks,omitempty"`

	// Connected sends reads over a Forward Open connection instead of
	// unconnected sends.
	Connected      bool   `yaml:"connected,omitempty"`
	ConnectionSize uint16 `yaml:"connection_size,omitempty"`
}

// RouteHop is one port segment. Link is a slot/node number ("0") or a
// network address ("192.168.1.20").
type RouteHop struct {
	Port uint16 `yaml:"port"`
	Link string `yaml:"link"`
}

// DebugConfig enables the protocol debug log.
type DebugConfig struct {
	Path   string `yaml:"path,omitempty"`
	Filter string `yaml:"filter,omitempty"` // comma-separated protocols, empty = all
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
	QoS      byte   `yaml:"qos,omitempty"`
	Retain   bool   `yaml:"retain,omitempty"`
	Format   string `yaml:"format,omitempty"` // json (default) or msgpack
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port format
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`           // Redis DB number (default 0)
	Selector       string        `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"`         // TTL for keys (0 = no expiry)
	PublishChanges bool          `yaml:"publish_changes,omitempty"` // Also PUBLISH each reading
	Format         string        `yaml:"format,omitempty"`          // json (default) or msgpack
}

// KafkaConfig holds Kafka cluster configuration.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic,omitempty"` // default <namespace>-readings
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`
	Selector      string        `yaml:"selector,omitempty"` // Optional sub-namespace
	Format        string        `yaml:"format,omitempty"`   // json (default) or msgpack
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "cipmsg",
		Target: TargetConfig{
			Port:    44818,
			Timeout: 5 * time.Second,
		},
		PollRate:  time.Second,
		PollBurst: 1,
		MQTT:      []MQTTConfig{},
		Valkey:    []ValkeyConfig{},
		Kafka:     []KafkaConfig{},
	}
}

// DefaultPath returns the default configuration file path (~/.cipmsg/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".cipmsg", "config.yaml")
}

// Load reads configuration from a YAML file. Fields missing from the file
// keep their defaults. A missing file is an error: there is no useful target
// to default to.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save marshals the config and writes it to path, creating the directory.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock() // Release lock after marshal, before I/O

	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// TargetName is the name readings are published under.
func (t TargetConfig) TargetName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Address
}

// Ticks returns the unconnected send ticks, substituting defaults for zero.
func (t TargetConfig) Ticks() (priority, timeout byte) {
	priority, timeout = t.PriorityTicks, t.TimeoutTicks
	if priority == 0 {
		priority = cip.DefaultPriorityTicks
	}
	if timeout == 0 {
		timeout = cip.DefaultTimeoutTicks
	}
	return priority, timeout
}

// RoutePath encodes Route (or Slot) as a padded EPATH. An empty route
// addresses the message router of the device at Address.
func (t TargetConfig) RoutePath() (cip.Path, error) {
	b := cip.EPath()
	if t.Slot != nil {
		if *t.Slot < 0 || *t.Slot > math.MaxUint8 {
			return nil, fmt.Errorf("slot %d out of range 0-255", *t.Slot)
		}
		b = b.Slot(byte(*t.Slot))
	}
	for i, hop := range t.Route {
		link, err := hop.linkBytes()
		if err != nil {
			return nil, fmt.Errorf("route hop %d: %w", i, err)
		}
		b = b.Port(hop.Port, link)
	}
	path, err := b.Build()
	if err != nil {
		return nil, err
	}
	if len(path) > math.MaxUint8 {
		return nil, fmt.Errorf("route is %d bytes, max %d", len(path), math.MaxUint8)
	}
	return path, nil
}

// linkBytes returns a one-byte link for numeric links and the ASCII address
// for IP links.
func (h RouteHop) linkBytes() ([]byte, error) {
	if h.Link == "" {
		return nil, errors.New("empty link")
	}
	if n, err := strconv.Atoi(h.Link); err == nil {
		if n < 0 || n > math.MaxUint8 {
			return nil, fmt.Errorf("link %d out of range 0-255", n)
		}
		return []byte{byte(n)}, nil
	}
	if net.ParseIP(h.Link) == nil {
		return nil, fmt.Errorf("link %q is neither a node number nor an IP address", h.Link)
	}
	return []byte(h.Link), nil
}

// ForwardOpenConfig returns the connection parameters for connected
// messaging: the route followed by the message router.
func (t TargetConfig) ForwardOpenConfig() (cip.ForwardOpenConfig, error) {
	route, err := t.RoutePath()
	if err != nil {
		return cip.ForwardOpenConfig{}, err
	}
	fo := cip.DefaultForwardOpenConfig()
	if t.ConnectionSize != 0 {
		fo.ConnectionSize = t.ConnectionSize
	}
	fo.ConnectionPath = append(route, cip.MessageRouterPath()...)
	return fo, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		errs = append(errs, fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, underscores, and dots"))
	}

	t := c.Target
	if t.Address == "" {
		errs = append(errs, errors.New("target.address is required"))
	}
	if t.Port == 0 {
		errs = append(errs, errors.New("target.port must be nonzero"))
	}
	if t.Timeout < 0 {
		errs = append(errs, errors.New("target.timeout must not be negative"))
	}
	if _, err := t.RoutePath(); err != nil {
		errs = append(errs, fmt.Errorf("target.route: %w", err))
	}
	if t.ConnectionSize > cip.ConnectionSizeLarge {
		errs = append(errs, fmt.Errorf("target.connection_size %d exceeds %d", t.ConnectionSize, cip.ConnectionSizeLarge))
	}
	if c.PollRate < 0 {
		errs = append(errs, errors.New("poll_rate must not be negative"))
	}
	if c.PollBurst < 0 {
		errs = append(errs, errors.New("poll_burst must not be negative"))
	}

	seen := make(map[string]bool)
	sink := func(kind, name, format string) {
		if _, err := report.NewCodec(format); err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", kind, name, err))
		}
		if name == "" {
			errs = append(errs, fmt.Errorf("%s sink without a name", kind))
			return
		}
		key := kind + "/" + name
		if seen[key] {
			errs = append(errs, fmt.Errorf("duplicate %s sink %q", kind, name))
		}
		seen[key] = true
	}
	for _, m := range c.MQTT {
		sink("mqtt", m.Name, m.Format)
		if m.Enabled && m.Broker == "" {
			errs = append(errs, fmt.Errorf("mqtt %q: broker is required", m.Name))
		}
		if m.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt %q: qos %d out of range 0-2", m.Name, m.QoS))
		}
	}
	for _, v := range c.Valkey {
		sink("valkey", v.Name, v.Format)
		if v.Enabled && v.Address == "" {
			errs = append(errs, fmt.Errorf("valkey %q: address is required", v.Name))
		}
	}
	for _, k := range c.Kafka {
		sink("kafka", k.Name, k.Format)
		if k.Enabled && len(k.Brokers) == 0 {
			errs = append(errs, fmt.Errorf("kafka %q: at least one broker is required", k.Name))
		}
	}

	return errors.Join(errs...)
}

// RequireTags reports an error when there is nothing to read.
func (c *Config) RequireTags() error {
	if len(c.Tags) == 0 {
		return errors.New("no tags configured")
	}
	for i, tag := range c.Tags {
		if tag == "" {
			return fmt.Errorf("tags[%d] is empty", i)
		}
	}
	return nil
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
