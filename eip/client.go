package eip

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"cipmsg/cip"
	"cipmsg/logging"
)

// DefaultPort is the EtherNet/IP explicit messaging TCP port.
const DefaultPort uint16 = 44818

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Client is an EtherNet/IP encapsulation session over TCP. It implements
// cip.Transport and cip.Heartbeater; each exchange holds the client lock for
// its whole write-then-read round trip.
type Client struct {
	ipAddr  string
	port    uint16
	conn    net.Conn
	session uint32
	timeout time.Duration
	dial    dialFunc
	mu      sync.Mutex
}

var (
	_ cip.Transport   = (*Client)(nil)
	_ cip.Heartbeater = (*Client)(nil)
)

// NewClient uses the default port of 44818.
func NewClient(ipaddr string) *Client {
	return NewClientWithPort(ipaddr, DefaultPort)
}

// Allow for custom ports if needed.
func NewClientWithPort(ipaddr string, port uint16) *Client {
	d := &net.Dialer{}
	return &Client{
		ipAddr:  ipaddr,
		port:    port,
		timeout: time.Second * 5, // 5 seconds matches pylogix default
		dial:    d.DialContext,
	}
}

// NewSession returns a cip.Session running over a new client for ipaddr.
func NewSession(ipaddr string, port uint16, timeout time.Duration) (*cip.Session, *Client) {
	c := NewClientWithPort(ipaddr, port)
	if timeout > 0 {
		c.timeout = timeout
	}
	return cip.NewSession(c), c
}

func (e *Client) GetAddr() string {
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ipAddr
}

func (e *Client) GetTimeout() time.Duration {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeout
}

func (e *Client) GetSession() uint32 {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *Client) SetTimeout(dur time.Duration) error {
	if e == nil {
		return fmt.Errorf("SetTimeout: nil client")
	}
	e.mu.Lock()
	e.timeout = dur
	e.mu.Unlock()
	return nil
}

func (e *Client) IsConnected() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil
}

// RegisterSession dials the target if needed and registers a session.
func (e *Client) RegisterSession(ctx context.Context) error {
	if e == nil {
		return fmt.Errorf("RegisterSession: nil client")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil && e.session != 0 {
		return nil
	}

	// Build the connection string.
	connString := net.JoinHostPort(e.ipAddr, strconv.Itoa(int(e.port)))
	if e.conn == nil {
		logging.DebugConnect("EIP", connString)

		dctx, cancel := context.WithTimeout(ctx, e.timeout)
		conn, err := e.dial(dctx, "tcp", connString)
		cancel()
		if err != nil {
			logging.DebugConnectError("EIP", connString, err)
			return fmt.Errorf("RegisterSession: dial %s: %w", connString, err)
		}

		logging.DebugLog("EIP", "TCP connection established to %s", connString)

		// Set up a keep-alive.
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(30 * time.Second)
		}
		e.conn = conn
	}

	// Protocol version 1, no options.
	resp, err := e.transactEncap(ctx, newEncap(RegisterSession, 0, []byte{1, 0, 0, 0}))
	if err != nil {
		e.dropConn()
		logging.DebugError("EIP", "RegisterSession", err)
		return fmt.Errorf("RegisterSession: %w", err)
	}

	// The PLC may throw a response error, check to make sure it's set to 0.
	if resp.status != 0 {
		e.dropConn()
		return fmt.Errorf("RegisterSession: encapsulation status 0x%08x", resp.status)
	}

	// If we didn't get a session for some reason, this failed.
	if resp.sessionHandle == 0 {
		e.dropConn()
		return fmt.Errorf("RegisterSession: got session handle 0")
	}

	e.session = resp.sessionHandle
	logging.DebugConnectSuccess("EIP", connString, fmt.Sprintf("session=0x%08X", e.session))
	return nil
}

// UnregisterSession is best-effort: the unregister frame is sent without
// waiting for a reply and the socket is closed either way.
func (e *Client) UnregisterSession(ctx context.Context) error {

	// Treat nil client as a no-operation (no error).
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		e.session = 0
		return nil
	}

	logging.DebugDisconnect("EIP", e.ipAddr, "client disconnect requested")

	var err error
	if e.session != 0 {
		stop := e.bindContext(ctx)
		err = e.sendEncap(newEncap(UnRegisterSession, e.session, nil))
		stop()
	}

	closeErr := e.conn.Close()
	e.conn = nil
	e.session = 0

	if err != nil {
		return fmt.Errorf("UnregisterSession: %w", err)
	}
	return closeErr
}

// Nop implements the EIP No-Op command (0x00). The target sends no reply.
func (e *Client) Nop(ctx context.Context) error {
	if e == nil {
		return fmt.Errorf("Nop: nil client")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return fmt.Errorf("Nop: not connected")
	}

	stop := e.bindContext(ctx)
	defer stop()

	if err := e.sendEncap(newEncap(NOP, e.session, nil)); err != nil {
		return fmt.Errorf("Nop: failed to transmit message: %w", err)
	}
	return nil
}

// RequestReply sends an unconnected explicit message (SendRRData) and returns
// the reply's common packet.
func (e *Client) RequestReply(ctx context.Context, data []byte) (cip.CommonPacket, error) {
	cpf, err := e.sendCommand(ctx, SendRRData, unconnectedPacket(data))
	if err != nil {
		return nil, fmt.Errorf("SendRRData: %w", err)
	}
	return cpf, nil
}

// UnitData sends a connected explicit message (SendUnitData) and returns the
// reply's common packet.
func (e *Client) UnitData(ctx context.Context, connID uint32, seq uint16, data []byte) (cip.CommonPacket, error) {
	cpf, err := e.sendCommand(ctx, SendUnitData, connectedPacket(connID, seq, data))
	if err != nil {
		return nil, fmt.Errorf("SendUnitData: %w", err)
	}
	return cpf, nil
}

func (e *Client) sendCommand(ctx context.Context, command uint16, packet cip.CommonPacket) (cip.CommonPacket, error) {
	if e == nil {
		return nil, fmt.Errorf("nil client")
	}

	// Force atomic transaction
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil, fmt.Errorf("not connected (call Open first)")
	}
	if e.session == 0 {
		return nil, fmt.Errorf("session handle is 0 (call Open first)")
	}

	req, err := newCommandEncap(command, e.session, EncodeCommonPacket(packet))
	if err != nil {
		return nil, err
	}
	resp, err := e.transactEncap(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.command != command {
		return nil, fmt.Errorf("reply command 0x%04X, want 0x%04X", resp.command, command)
	}
	if resp.status != 0 {
		return nil, fmt.Errorf("encapsulation status=0x%08x", resp.status)
	}

	cdata, err := ParseEipCommandData(resp.data)
	if err != nil {
		return nil, err
	}
	return ParseCommonPacket(cdata.packet)
}

// dropConn closes the socket after a failed registration. Must hold e.mu.
func (e *Client) dropConn() {
	if e.conn != nil {
		_ = e.conn.Close()
	}
	e.conn = nil
	e.session = 0
}

// bindContext applies the client timeout (or the earlier context deadline) to
// the socket and aborts blocked I/O when ctx is cancelled. Must hold e.mu.
func (e *Client) bindContext(ctx context.Context) (stop func()) {
	conn := e.conn
	deadline := time.Now().Add(e.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	cancel := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		cancel()
		_ = conn.SetDeadline(time.Time{})
	}
}

// Atomic transaction. Must hold e.mu.
func (e *Client) transactEncap(ctx context.Context, msg EipEncap) (*EipEncap, error) {
	if e.conn == nil {
		return nil, fmt.Errorf("transactEncap: not connected")
	}

	stop := e.bindContext(ctx)
	defer stop()

	if err := e.sendEncap(msg); err != nil {
		return nil, fmt.Errorf("transactEncap: failed to send message: %w", err)
	}

	resp, err := e.recvEncap()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("transactEncap: %w", ctx.Err())
		}
		return nil, fmt.Errorf("transactEncap: failed to read response: %w", err)
	}

	return resp, nil
}

// Send an EIP Encapsulated message. Must hold e.mu.
func (e *Client) sendEncap(msg EipEncap) error {
	if e.conn == nil {
		return fmt.Errorf("sendEncap: not connected")
	}
	data := msg.Bytes()
	logging.DebugTX("EIP", data)
	_, err := e.conn.Write(data)
	if err != nil {
		logging.DebugError("EIP", "sendEncap write", err)
	}
	return err
}

// Receives an EIP Encapsulated message. Must hold e.mu.
func (e *Client) recvEncap() (*EipEncap, error) {
	if e.conn == nil {
		return nil, fmt.Errorf("recvEncap: not connected")
	}
	// Read the response encapsulation header.
	header := make([]byte, EncapHeaderLen)
	if _, err := io.ReadFull(e.conn, header); err != nil {
		logging.DebugError("EIP", "recvEncap read header", err)
		return nil, fmt.Errorf("recvEncap: error reading header: %w", err)
	}

	resp, err := parseEncapHeader(header)
	if err != nil {
		return nil, err
	}

	// Sanity checks before proceeding.
	if resp.length > maxEncapPayload {
		logging.DebugLog("EIP", "RX excessive payload length: %d", resp.length)
		return nil, fmt.Errorf("recvEncap: payload excessive: %d bytes", resp.length)
	}
	// Session handle validation:
	// - Session 0 in response is always valid (used by ListIdentity, etc.)
	// - Otherwise, response session must match our session
	if resp.sessionHandle != 0 && e.session != 0 && resp.sessionHandle != e.session {
		logging.DebugLog("EIP", "RX session mismatch: expected 0x%08X, got 0x%08X", e.session, resp.sessionHandle)
		return nil, fmt.Errorf("recvEncap: session mismatch: need 0x%08X, got 0x%08X", e.session, resp.sessionHandle)
	}

	// Read the encap data payload.
	payload := make([]byte, resp.length)
	if _, err := io.ReadFull(e.conn, payload); err != nil {
		logging.DebugError("EIP", "recvEncap read payload", err)
		return nil, fmt.Errorf("recvEncap: failed to read payload: %w", err)
	}

	// Log the complete received packet
	logging.DebugRX("EIP", append(header, payload...))

	resp.data = payload
	return &resp, nil
}
