// Package plcman keeps one CIP target connected and polls its tags in
// multiple-service batches.
package plcman

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cipmsg/cip"
	"cipmsg/config"
	"cipmsg/logging"
	"cipmsg/report"
)

// ConnectionStatus represents the state of the target connection.
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

// DefaultHeartbeatInterval is how often an idle poller sends a keep-alive
// while it waits for the next poll slot.
const DefaultHeartbeatInterval = 10 * time.Second

// PollStats tracks polling statistics.
type PollStats struct {
	LastPollTime time.Time
	Polls        int
	TagsPolled   int
	TagErrors    int
	Published    int
	LastError    error
}

// router is what both cip.UnconnectedRouter and cip.ConnectedRouter offer.
type router interface {
	cip.MessageService
	MultipleService() *cip.MultipleServicePacket
}

// Manager owns the session to one target. Connect picks connected or
// unconnected messaging from the target config; Poll reads every tag in one
// batch and hands the readings to the sink.
type Manager struct {
	svc    cip.Service
	target config.TargetConfig
	tags   []string
	sink   report.Sink
	log    *logging.FileLogger

	limiter   *rate.Limiter
	heartbeat time.Duration

	// Serializes exchanges on svc.
	ioMu sync.Mutex

	mu        sync.RWMutex
	status    ConnectionStatus
	lastError error
	router    router
	conn      *cip.Connection
	connPath  cip.Path

	statsMu sync.RWMutex
	stats   PollStats
}

// NewManager polls tags on target through svc. sink may be nil.
func NewManager(svc cip.Service, target config.TargetConfig, tags []string, sink report.Sink) *Manager {
	return &Manager{
		svc:       svc,
		target:    target,
		tags:      append([]string(nil), tags...),
		sink:      sink,
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
		heartbeat: DefaultHeartbeatInterval,
	}
}

// SetPollRate paces Run at one poll per every, allowing burst polls to catch
// up after a slow exchange.
func (m *Manager) SetPollRate(every time.Duration, burst int) {
	if every <= 0 {
		every = time.Second
	}
	if burst < 1 {
		burst = 1
	}
	m.limiter.SetLimit(rate.Every(every))
	m.limiter.SetBurst(burst)
}

func (m *Manager) SetHeartbeatInterval(d time.Duration) {
	if d > 0 {
		m.heartbeat = d
	}
}

// SetLogger sets the operational log for status transitions.
func (m *Manager) SetLogger(l *logging.FileLogger) { m.log = l }

// GetStatus returns the current connection status thread-safely.
func (m *Manager) GetStatus() ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// GetError returns the last error thread-safely.
func (m *Manager) GetError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// GetConnectionMode returns a human-readable string describing the connection mode.
func (m *Manager) GetConnectionMode() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch {
	case m.router == nil:
		return "Not connected"
	case m.conn != nil:
		return fmt.Sprintf("Connected messaging (%d bytes)", m.conn.Size)
	default:
		return "Unconnected messaging"
	}
}

func (m *Manager) GetPollStats() PollStats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.stats
}

func (m *Manager) setStatus(status ConnectionStatus, err error) {
	m.mu.Lock()
	changed := m.status != status
	m.status = status
	m.lastError = err
	m.mu.Unlock()

	if !changed {
		return
	}
	name := m.target.TargetName()
	if err != nil {
		m.log.Log("%s: %s: %v", name, status, err)
	} else {
		m.log.Log("%s: %s", name, status)
	}
}

func (m *Manager) fail(err error) error {
	m.setStatus(StatusError, err)
	return err
}

// Connect opens the session and, for connected targets, the CIP connection.
// It is a no-op when already connected.
func (m *Manager) Connect(ctx context.Context) error {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()
	return m.connectLocked(ctx)
}

func (m *Manager) connectLocked(ctx context.Context) error {
	if m.GetStatus() == StatusConnected {
		return nil
	}
	m.setStatus(StatusConnecting, nil)

	route, err := m.target.RoutePath()
	if err != nil {
		return m.fail(fmt.Errorf("Connect: route: %w", err))
	}
	if err := m.svc.Open(ctx); err != nil {
		return m.fail(fmt.Errorf("Connect: %w", err))
	}

	if !m.target.Connected {
		r := cip.NewUnconnectedRouter(m.svc, route)
		r.PriorityTicks, r.TimeoutTicks = m.target.Ticks()
		m.mu.Lock()
		m.router, m.conn, m.connPath = r, nil, nil
		m.mu.Unlock()
		m.setStatus(StatusConnected, nil)
		return nil
	}

	foCfg, err := m.target.ForwardOpenConfig()
	if err != nil {
		_ = m.svc.Close(ctx)
		return m.fail(fmt.Errorf("Connect: %w", err))
	}
	req := cip.NewForwardOpenRequest(foCfg)
	reply, err := m.svc.ForwardOpen(ctx, req)
	if err != nil {
		_ = m.svc.Close(ctx)
		return m.fail(fmt.Errorf("Connect: %w", err))
	}
	conn := reply.Connection(req)
	logging.DebugLog("CIPCTL", "%s: connection O->T 0x%08X T->O 0x%08X size %d",
		m.target.TargetName(), conn.OTConnID, conn.TOConnID, conn.Size)

	m.mu.Lock()
	m.router = &cip.ConnectedRouter{Service: m.svc, Conn: conn}
	m.conn, m.connPath = conn, foCfg.ConnectionPath
	m.mu.Unlock()
	m.setStatus(StatusConnected, nil)
	return nil
}

// Disconnect closes the CIP connection, if any, and the session. Teardown
// errors are logged; the manager always ends disconnected.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()
	m.disconnectLocked(ctx)
	m.setStatus(StatusDisconnected, nil)
	return nil
}

func (m *Manager) disconnectLocked(ctx context.Context) {
	m.mu.Lock()
	conn, path := m.conn, m.connPath
	m.router, m.conn, m.connPath = nil, nil, nil
	m.mu.Unlock()

	if conn != nil {
		if _, err := m.svc.ForwardClose(ctx, conn.CloseRequest(path)); err != nil {
			logging.DebugError("CIPCTL", "ForwardClose", err)
		}
	}
	if err := m.svc.Close(ctx); err != nil {
		logging.DebugError("CIPCTL", "Close", err)
	}
}

// Read reads every tag in one multiple-service batch. Tags whose request
// cannot be built get an error reading without being sent. The returned
// error is for the batch exchange as a whole; per-tag failures are in the
// readings.
func (m *Manager) Read(ctx context.Context) ([]report.Reading, error) {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()
	return m.readLocked(ctx)
}

func (m *Manager) readLocked(ctx context.Context) ([]report.Reading, error) {
	m.mu.RLock()
	r := m.router
	m.mu.RUnlock()
	if r == nil {
		return nil, errors.New("Read: not connected")
	}

	now := time.Now()
	target := m.target.TargetName()
	readings := make([]report.Reading, len(m.tags))
	batch := r.MultipleService()
	var sent []string
	var slots []int
	for i, tag := range m.tags {
		req, err := cip.ReadTag(tag, 1)
		if err != nil {
			readings[i] = report.Reading{Target: target, Tag: tag, Error: err.Error(), Timestamp: now}
			continue
		}
		batch.Push(req)
		sent = append(sent, tag)
		slots = append(slots, i)
	}

	logging.DebugLog("CIPCTL", "%s: reading %d tags", target, len(sent))
	it, err := batch.Call(ctx)
	if err != nil {
		return nil, fmt.Errorf("Read: %w", err)
	}
	for j, rd := range report.Collect(target, sent, it, now) {
		readings[slots[j]] = rd
	}
	return readings, nil
}

// Poll reads all tags and publishes the readings. A failed exchange marks
// the manager as errored so the next Run iteration reconnects.
func (m *Manager) Poll(ctx context.Context) ([]report.Reading, error) {
	m.ioMu.Lock()
	readings, err := m.readLocked(ctx)
	if err != nil {
		m.disconnectLocked(ctx)
	}
	m.ioMu.Unlock()

	m.statsMu.Lock()
	m.stats.LastPollTime = time.Now()
	m.stats.Polls++
	m.stats.TagsPolled = len(m.tags)
	m.stats.LastError = err
	m.stats.TagErrors = 0
	for _, r := range readings {
		if !r.OK() {
			m.stats.TagErrors++
		}
	}
	m.statsMu.Unlock()

	if err != nil {
		return nil, m.fail(err)
	}

	if m.sink != nil {
		if perr := m.sink.Publish(ctx, readings); perr != nil {
			logging.DebugLog("CIPCTL", "publish: %v", perr)
			m.log.Log("%s: publish: %v", m.target.TargetName(), perr)
		} else {
			m.statsMu.Lock()
			m.stats.Published += len(readings)
			m.statsMu.Unlock()
		}
	}
	return readings, nil
}

// Heartbeat sends a keep-alive on the session while no poll is running.
func (m *Manager) Heartbeat(ctx context.Context) error {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()
	if m.GetStatus() != StatusConnected {
		return nil
	}
	if err := m.svc.Heartbeat(ctx); err != nil {
		m.disconnectLocked(ctx)
		return m.fail(err)
	}
	return nil
}

func (m *Manager) checkAutoReconnect(ctx context.Context) {
	switch m.GetStatus() {
	case StatusConnected, StatusConnecting:
		return
	}
	if err := m.Connect(ctx); err != nil {
		logging.DebugLog("CIPCTL", "%s: reconnect failed: %v", m.target.TargetName(), err)
	}
}

// Run polls until ctx is done, reconnecting before a poll when the
// connection is down and sending heartbeats while it waits for the next
// poll slot. It disconnects before returning.
func (m *Manager) Run(ctx context.Context) error {
	hb := time.NewTicker(m.heartbeat)
	defer hb.Stop()
	defer m.Disconnect(context.WithoutCancel(ctx))

	for {
		res := m.limiter.Reserve()
		next := time.NewTimer(res.Delay())
	wait:
		for {
			select {
			case <-ctx.Done():
				next.Stop()
				res.Cancel()
				return nil
			case <-hb.C:
				if err := m.Heartbeat(ctx); err != nil {
					logging.DebugError("CIPCTL", "Heartbeat", err)
				}
			case <-next.C:
				break wait
			}
		}

		m.checkAutoReconnect(ctx)
		if m.GetStatus() != StatusConnected {
			continue
		}
		if _, err := m.Poll(ctx); err != nil && ctx.Err() == nil {
			logging.DebugLog("CIPCTL", "%s: poll failed: %v", m.target.TargetName(), err)
		}
	}
}
