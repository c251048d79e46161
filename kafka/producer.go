package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"cipmsg/config"
	"cipmsg/logging"
	"cipmsg/report"
)

// ConnectionStatus represents the state of a Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes changed readings to one topic, one message per reading
// keyed by "<target>.<tag>" so each tag stays on one partition.
type Producer struct {
	config    *config.KafkaConfig
	namespace string
	topic     string
	writer    messageWriter
	status    ConnectionStatus
	lastErr   error
	mu        sync.RWMutex
	changes   *report.ChangeTracker
	codec     report.Codec

	// Stats
	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

var _ report.Sink = (*Producer)(nil)

// NewProducer creates a new Kafka producer.
func NewProducer(cfg *config.KafkaConfig, namespace string) *Producer {
	return &Producer{
		config:    cfg,
		namespace: namespace,
		topic:     TopicName(cfg, namespace),
		status:    StatusDisconnected,
		changes:   report.NewChangeTracker(),
		codec:     report.CodecFor(cfg.Format),
	}
}

func (p *Producer) Name() string  { return "kafka/" + p.config.Name }
func (p *Producer) Topic() string { return p.topic }

// GetStatus returns the current connection status.
func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Producer) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() (sent, errors int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

// Connect checks that a broker is reachable and prepares the topic writer.
func (p *Producer) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	p.mu.Unlock()

	logging.DebugLog("Kafka", "CONNECT %s: connecting to brokers %v", p.config.Name, p.config.Brokers)

	fail := func(err error) error {
		p.mu.Lock()
		p.status = StatusError
		p.lastErr = err
		p.mu.Unlock()
		logging.DebugLog("Kafka", "CONNECT %s: FAILED - %v", p.config.Name, err)
		return err
	}

	if len(p.config.Brokers) == 0 {
		return fail(errors.New("no brokers configured"))
	}
	mechanism, err := saslMechanism(p.config)
	if err != nil {
		return fail(err)
	}

	dialer := &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		TLS:           tlsConfig(p.config),
		SASLMechanism: mechanism,
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var conn *kafka.Conn
	for _, broker := range p.config.Brokers {
		conn, err = dialer.DialContext(ctx, "tcp", broker)
		if err == nil {
			break
		}
	}
	if err != nil {
		return fail(fmt.Errorf("failed to connect: %w", err))
	}
	conn.Close()

	acks := p.config.RequiredAcks
	if acks == 0 {
		acks = defaultRequiredAcks
	}
	retries := p.config.MaxRetries
	if retries == 0 {
		retries = defaultMaxRetries
	}

	writer := &kafka.Writer{
		Addr:     kafka.TCP(p.config.Brokers...),
		Topic:    p.topic,
		Balancer: &kafka.Hash{},
		Transport: &kafka.Transport{
			DialTimeout: 10 * time.Second,
			TLS:         tlsConfig(p.config),
			SASL:        mechanism,
		},

		// Delivery guarantees
		RequiredAcks:    kafka.RequiredAcks(acks),
		Async:           false,
		MaxAttempts:     retries,
		WriteBackoffMin: p.config.RetryBackoff,

		// One poll is one batch.
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: true,
	}

	p.mu.Lock()
	p.writer = writer
	p.status = StatusConnected
	p.mu.Unlock()
	p.changes.Reset()

	logging.DebugLog("Kafka", "CONNECT %s: connected, topic '%s'", p.config.Name, p.topic)
	return nil
}

// Close closes the writer.
func (p *Producer) Close() error {
	p.mu.Lock()
	writer := p.writer
	p.writer = nil
	p.status = StatusDisconnected
	p.lastErr = nil
	p.mu.Unlock()

	if writer == nil {
		return nil
	}
	logging.DebugLog("Kafka", "DISCONNECT %s: closing topic writer", p.config.Name)
	return writer.Close()
}

// MessageKey is the partitioning key of a reading.
func MessageKey(r report.Reading) []byte {
	return []byte(r.Target + "." + r.Tag)
}

// Publish writes changed readings in one synchronous batch. Publishing while
// not connected is a no-op.
func (p *Producer) Publish(ctx context.Context, readings []report.Reading) error {
	p.mu.RLock()
	writer := p.writer
	p.mu.RUnlock()
	if writer == nil {
		return nil
	}

	changed := p.changes.Changed(readings, false)
	if len(changed) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(changed))
	for _, r := range changed {
		value, err := p.codec.Encode(r)
		if err != nil {
			p.changes.Forget(r)
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:     MessageKey(r),
			Value:   value,
			Time:    r.Timestamp,
			Headers: []kafka.Header{{Key: "content-type", Value: []byte(p.codec.ContentType())}},
		})
	}

	start := time.Now()
	err := writer.WriteMessages(ctx, msgs...)
	if err != nil {
		for _, r := range changed {
			p.changes.Forget(r)
		}
		p.mu.Lock()
		p.messagesError += int64(len(msgs))
		p.lastErr = err
		p.mu.Unlock()
		logging.DebugLog("Kafka", "PRODUCE_BATCH %s: FAILED topic '%s' (%d msgs) after %v: %v",
			p.config.Name, p.topic, len(msgs), time.Since(start), err)
		return fmt.Errorf("kafka batch produce failed: %w", err)
	}

	p.mu.Lock()
	p.messagesSent += int64(len(msgs))
	p.lastSendTime = time.Now()
	p.lastErr = nil
	p.mu.Unlock()

	logging.DebugLog("Kafka", "PRODUCE_BATCH %s: topic '%s' sent %d msgs in %v",
		p.config.Name, p.topic, len(msgs), time.Since(start))
	return nil
}
