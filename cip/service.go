package cip

import (
	"context"
	"fmt"
	"sync"

	"cipmsg/logging"
)

// Service is the contract every CIP transport adapter provides: a session
// lifecycle plus the four explicit messaging primitives.
//
// Calls on one Service must be serialized by the caller; each send is a single
// write-then-read round trip.
type Service interface {
	IsOpen() bool
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Heartbeat(ctx context.Context) error

	UnconnectedSend(ctx context.Context, req UnconnectedSend) (MessageReply[Bytes], error)
	ConnectedSend(ctx context.Context, connID uint32, seq uint16, req MessageRequest) (MessageReply[Bytes], error)
	ForwardOpen(ctx context.Context, req ForwardOpenRequest) (ForwardOpenReply, error)
	ForwardClose(ctx context.Context, req ForwardCloseRequest) (ForwardCloseReply, error)
}

// Transport is the encapsulation layer a Session runs on. RequestReply and
// UnitData return the common packet of the reply.
type Transport interface {
	RegisterSession(ctx context.Context) error
	UnregisterSession(ctx context.Context) error
	RequestReply(ctx context.Context, data []byte) (CommonPacket, error)
	UnitData(ctx context.Context, connID uint32, seq uint16, data []byte) (CommonPacket, error)
}

// Heartbeater is implemented by transports with a keep-alive frame.
type Heartbeater interface {
	Nop(ctx context.Context) error
}

// Session implements Service on top of a Transport.
type Session struct {
	transport Transport

	mu   sync.Mutex
	open bool
}

var _ Service = (*Session)(nil)

func NewSession(t Transport) *Session {
	return &Session{transport: t}
}

func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Open registers a session with the target. It is a no-op when already open
// and leaves the session closed on failure.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil
	}
	if err := s.transport.RegisterSession(ctx); err != nil {
		logging.DebugError("CIP", "Open", err)
		return fmt.Errorf("Open: %w", err)
	}
	s.open = true
	logging.DebugLog("CIP", "session open")
	return nil
}

// Close unregisters the session. It is a no-op when closed, and always ends
// closed: teardown errors are logged, not returned.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	if err := s.transport.UnregisterSession(ctx); err != nil {
		logging.DebugError("CIP", "Close", err)
	}
	s.open = false
	logging.DebugLog("CIP", "session closed")
	return nil
}

// Heartbeat sends the transport's keep-alive frame, if it has one.
func (s *Session) Heartbeat(ctx context.Context) error {
	hb, ok := s.transport.(Heartbeater)
	if !ok {
		return nil
	}
	if err := hb.Nop(ctx); err != nil {
		return fmt.Errorf("Heartbeat: %w", err)
	}
	return nil
}

func (s *Session) UnconnectedSend(ctx context.Context, req UnconnectedSend) (MessageReply[Bytes], error) {
	service := req.Request.Service
	frame := req.Envelope().Bytes()

	cpf, err := s.transport.RequestReply(ctx, frame)
	if err != nil {
		return MessageReply[Bytes]{}, fmt.Errorf("UnconnectedSend: %w", err)
	}
	reply, err := AsUnconnectedSendReply(cpf)
	if err != nil {
		return MessageReply[Bytes]{}, fmt.Errorf("UnconnectedSend: %w", err)
	}
	if err := CheckReplyService(service, reply.ReplyService); err != nil {
		logging.DebugLog("CIP", "UnconnectedSend: %v", err)
		return MessageReply[Bytes]{}, fmt.Errorf("UnconnectedSend: %w", err)
	}
	return reply, nil
}

func (s *Session) ConnectedSend(ctx context.Context, connID uint32, seq uint16, req MessageRequest) (MessageReply[Bytes], error) {
	cpf, err := s.transport.UnitData(ctx, connID, seq, req.Bytes())
	if err != nil {
		return MessageReply[Bytes]{}, fmt.Errorf("ConnectedSend: %w", err)
	}
	gotSeq, reply, err := AsConnectedSendReply(cpf)
	if err != nil {
		return MessageReply[Bytes]{}, fmt.Errorf("ConnectedSend: %w", err)
	}
	if gotSeq != seq {
		logging.DebugLog("CIP", "ConnectedSend: sequence count %d in reply to %d", gotSeq, seq)
	}
	if err := CheckReplyService(req.Service, reply.ReplyService); err != nil {
		logging.DebugLog("CIP", "ConnectedSend: %v", err)
		return MessageReply[Bytes]{}, fmt.Errorf("ConnectedSend: %w", err)
	}
	return reply, nil
}

// ForwardOpen opens a CIP connection. Forward Open is sent directly to the
// local Connection Manager; the route lives in the request's connection path.
func (s *Session) ForwardOpen(ctx context.Context, req ForwardOpenRequest) (ForwardOpenReply, error) {
	reply, err := s.connectionManager(ctx, req.Service(), req)
	if err != nil {
		return ForwardOpenReply{}, fmt.Errorf("ForwardOpen (size=%d): %w", req.ConnectionSize, err)
	}
	var out ForwardOpenReply
	if err := out.DecodeCIP(reply.Data); err != nil {
		return ForwardOpenReply{}, fmt.Errorf("ForwardOpen: %w", err)
	}
	logging.DebugLog("CIP", "ForwardOpen: O->T 0x%08X, T->O 0x%08X, serial %d",
		out.OTConnectionID, out.TOConnectionID, out.ConnectionSerial)
	return out, nil
}

func (s *Session) ForwardClose(ctx context.Context, req ForwardCloseRequest) (ForwardCloseReply, error) {
	reply, err := s.connectionManager(ctx, SvcForwardClose, req)
	if err != nil {
		return ForwardCloseReply{}, fmt.Errorf("ForwardClose: %w", err)
	}
	var out ForwardCloseReply
	if err := out.DecodeCIP(reply.Data); err != nil {
		return ForwardCloseReply{}, fmt.Errorf("ForwardClose: %w", err)
	}
	return out, nil
}

func (s *Session) connectionManager(ctx context.Context, service byte, data Encoder) (MessageReply[Bytes], error) {
	mr := NewRequest(service, ConnectionManagerPath(), data)
	cpf, err := s.transport.RequestReply(ctx, mr.Bytes())
	if err != nil {
		return MessageReply[Bytes]{}, err
	}
	reply, err := AsUnconnectedSendReply(cpf)
	if err != nil {
		return MessageReply[Bytes]{}, err
	}
	if err := CheckReplyService(service, reply.ReplyService); err != nil {
		return MessageReply[Bytes]{}, err
	}
	return reply, nil
}
