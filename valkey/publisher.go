// Package valkey stores tag readings in Valkey/Redis.
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"cipmsg/config"
	"cipmsg/logging"
	ns "cipmsg/namespace"
	"cipmsg/report"
)

// Publisher stores each reading under <namespace>[:<selector>]:<target>:<tag>
// and, with PublishChanges, announces changed readings on
// <namespace>[:<selector>]:<target>:changes.
type Publisher struct {
	config    *config.ValkeyConfig
	namespace string
	client    *redis.Client
	running   bool
	mu        sync.RWMutex
	changes   *report.ChangeTracker
	codec     report.Codec
}

var _ report.Sink = (*Publisher)(nil)

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig, namespace string) *Publisher {
	return &Publisher{
		config:    cfg,
		namespace: namespace,
		changes:   report.NewChangeTracker(),
		codec:     report.CodecFor(cfg.Format),
	}
}

func (p *Publisher) Name() string { return "valkey/" + p.config.Name }

// Start connects to the Valkey server.
func (p *Publisher) Start(ctx context.Context) error {
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
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Create client and test connection WITHOUT holding the lock
	client := redis.NewClient(opts)

	logging.DebugLog("VALKEY", "Attempting to connect to Valkey at %s (DB: %d, TLS: %v)",
		p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logging.DebugLog("VALKEY", "Valkey connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	logging.DebugLog("VALKEY", "Successfully connected to Valkey at %s", p.config.Address)

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check we're not already running (race condition check)
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	p.changes.Reset()
	return nil
}

// Close disconnects from the Valkey server.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// Key returns the key a reading is stored under.
func (p *Publisher) Key(target, tag string) string {
	return ns.New(p.namespace, p.config.Selector).ValkeyReadingKey(target, tag)
}

// Channel returns the Pub/Sub channel for a target's changes.
func (p *Publisher) Channel(target string) string {
	return ns.New(p.namespace, p.config.Selector).ValkeyChangesChannel(target)
}

// Publish stores every reading in one pipeline. Publishing while not
// connected is a no-op.
func (p *Publisher) Publish(ctx context.Context, readings []report.Reading) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	changed := map[string]bool{}
	if cfg.PublishChanges {
		for _, r := range p.changes.Changed(readings, false) {
			changed[r.Key()] = true
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, r := range readings {
			data, err := p.codec.Encode(r)
			if err != nil {
				return fmt.Errorf("failed to marshal reading %s: %w", r.Key(), err)
			}
			pipe.Set(ctx, p.Key(r.Target, r.Tag), data, cfg.KeyTTL)
			if changed[r.Key()] {
				pipe.Publish(ctx, p.Channel(r.Target), data)
			}
		}
		return nil
	})
	if err != nil {
		logging.DebugLog("VALKEY", "pipeline to %s failed: %v", cfg.Address, err)
		return fmt.Errorf("valkey %s: %w", cfg.Name, err)
	}
	logging.DebugLog("VALKEY", "stored %d readings (%d changed) on %s", len(readings), len(changed), cfg.Address)
	return nil
}
