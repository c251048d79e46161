// Package kafka produces tag readings to a Kafka topic.
package kafka

import (
	"crypto/tls"
	"strings"

	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"cipmsg/config"
	ns "cipmsg/namespace"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// Producer defaults applied when the config leaves them zero.
const (
	defaultRequiredAcks = -1 // All replicas must acknowledge
	defaultMaxRetries   = 3
)

// TopicName returns the configured topic, or <namespace>-readings.
func TopicName(cfg *config.KafkaConfig, namespace string) string {
	if cfg.Topic != "" {
		return cfg.Topic
	}
	return ns.New(namespace, cfg.Selector).KafkaReadingsTopic()
}

// tlsConfig returns a TLS configuration if TLS is enabled.
func tlsConfig(cfg *config.KafkaConfig) *tls.Config {
	if !cfg.UseTLS {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLSSkipVerify,
	}
}

// saslMechanism returns the configured SASL mechanism, or nil when no
// credentials are set.
func saslMechanism(cfg *config.KafkaConfig) (sasl.Mechanism, error) {
	if cfg.Username == "" {
		return nil, nil
	}

	switch SASLMechanism(strings.ToUpper(cfg.SASLMechanism)) {
	case SASLPlain, SASLNone:
		return plain.Mechanism{
			Username: cfg.Username,
			Password: cfg.Password,
		}, nil
	case SASLSCRAMSHA256:
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case SASLSCRAMSHA512:
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	default:
		return nil, &unsupportedMechanismError{cfg.SASLMechanism}
	}
}

type unsupportedMechanismError struct{ name string }

func (e *unsupportedMechanismError) Error() string {
	return "unsupported SASL mechanism " + e.name
}
