// Package mqtt publishes tag readings to an MQTT broker.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"cipmsg/config"
	"cipmsg/logging"
	ns "cipmsg/namespace"
	"cipmsg/report"
)

const publishTimeout = 2 * time.Second

// Publisher handles the connection to a single broker. Readings go to
// <namespace>[/<selector>]/<target>/<tag> with the configured QoS and retain
// flag, and only when their value changed since the last publish.
type Publisher struct {
	config    *config.MQTTConfig
	namespace string
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex
	changes   *report.ChangeTracker
	codec     report.Codec

	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
}

var _ report.Sink = (*Publisher)(nil)

// NewPublisher creates a new MQTT publisher for a single broker.
func NewPublisher(cfg *config.MQTTConfig, namespace string) *Publisher {
	return &Publisher{
		config:    cfg,
		namespace: namespace,
		changes:   report.NewChangeTracker(),
		codec:     report.CodecFor(cfg.Format),
		newClient: pahomqtt.NewClient,
	}
}

func (p *Publisher) Name() string { return "mqtt/" + p.config.Name }

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

func (p *Publisher) options() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	clientID := p.config.ClientID
	if clientID == "" {
		clientID = "cipctl-" + uuid.NewString()[:8]
	}
	opts.SetClientID(clientID)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		// Republish everything after a reconnect; retained state may be stale.
		p.changes.Reset()
		logging.DebugLog("MQTT", "connected to %s", p.Address())
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logging.DebugLog("MQTT", "connection to %s lost: %v", p.Address(), err)
	})
	return opts
}

// Start connects to the broker.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Create client and connect WITHOUT holding the lock
	client := p.newClient(p.options())
	logging.DebugLog("MQTT", "Attempting to connect to MQTT broker %s", p.Address())

	if err := wait(ctx, client.Connect(), 5*time.Second); err != nil {
		logging.DebugLog("MQTT", "MQTT connection error: %v", err)
		return fmt.Errorf("mqtt %s: connect: %w", p.config.Name, err)
	}

	p.mu.Lock()
	// Double-check we're not already running (race condition check)
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	p.changes.Reset()
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// Disconnect OUTSIDE the lock to prevent blocking
	client.Disconnect(500)
	return nil
}

// BuildTopic constructs the full topic path. Wildcard characters and
// slashes inside target or tag names are replaced.
func (p *Publisher) BuildTopic(target, tag string) string {
	return ns.New(p.namespace, p.config.Selector).MQTTReadingTopic(target, tag)
}

// Publish sends readings whose value changed. Failed readings are forgotten
// so the next batch retries them.
func (p *Publisher) Publish(ctx context.Context, readings []report.Reading) error {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return nil
	}

	var errs []error
	for _, r := range p.changes.Changed(readings, false) {
		payload, err := p.codec.Encode(r)
		if err != nil {
			p.changes.Forget(r)
			errs = append(errs, fmt.Errorf("marshal %s: %w", r.Key(), err))
			continue
		}
		topic := p.BuildTopic(r.Target, r.Tag)
		if err := wait(ctx, client.Publish(topic, p.config.QoS, p.config.Retain, payload), publishTimeout); err != nil {
			p.changes.Forget(r)
			errs = append(errs, fmt.Errorf("publish %s: %w", topic, err))
			continue
		}
		logging.DebugLog("MQTT", "published %s (%d bytes)", topic, len(payload))
	}
	return errors.Join(errs...)
}

// wait blocks until token completes, ctx is done or timeout passes.
func wait(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("timeout")
	}
}
