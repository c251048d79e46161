package cip

import (
	"context"
	"fmt"
	"math"
)

// Default unconnected send ticks: 2^3 ms per tick, 0xFA ticks (~2s).
const (
	DefaultPriorityTicks byte = 0x03
	DefaultTimeoutTicks  byte = 0xFA
)

// UnconnectedSend routes Request through the Connection Manager along Route.
type UnconnectedSend struct {
	PriorityTicks byte
	TimeoutTicks  byte
	Route         Encoder
	Request       MessageRequest
}

// NewUnconnectedSend wraps req for route with the default ticks.
func NewUnconnectedSend(route Encoder, req MessageRequest) UnconnectedSend {
	return UnconnectedSend{
		PriorityTicks: DefaultPriorityTicks,
		TimeoutTicks:  DefaultTimeoutTicks,
		Route:         route,
		Request:       req,
	}
}

// Envelope returns the Unconnected Send (0x52) request addressed to the
// Connection Manager. Its data is
//
//	[priority 1] [timeout ticks 1] [request size 2] [request n] [pad 0/1]
//	[route size in words 1] [reserved 1] [route n]
//
// It panics if the embedded request is over 65535 bytes or the route is odd
// or over 255 bytes.
func (u UnconnectedSend) Envelope() MessageRequest {
	reqLen := u.Request.Len()
	routeLen := lenOf(u.Route)
	if reqLen > math.MaxUint16 {
		panic(fmt.Sprintf("cip: unconnected send request is %d bytes, max %d", reqLen, math.MaxUint16))
	}
	if routeLen%2 != 0 || routeLen > math.MaxUint8 {
		panic(fmt.Sprintf("cip: unconnected send route is %d bytes, must be even and <= %d", routeLen, math.MaxUint8))
	}

	priority, timeout, req, route := u.PriorityTicks, u.TimeoutTicks, u.Request, u.Route
	return MessageRequest{
		Service: SvcUnconnectedSend,
		Path:    ConnectionManagerPath(),
		Data: lazyEncoder{
			n: 4 + reqLen + reqLen%2 + 2 + routeLen,
			f: func(dst []byte) []byte {
				dst = append(dst, priority, timeout, byte(reqLen), byte(reqLen>>8))
				dst = req.Append(dst)
				if reqLen%2 == 1 {
					dst = append(dst, 0x00)
				}
				dst = append(dst, byte(routeLen/2), 0x00)
				return appendOf(dst, route)
			},
		},
	}
}

// MessageService sends one message router request and returns its reply.
// Implementations decide whether the request travels connected or unconnected.
type MessageService interface {
	Send(ctx context.Context, req MessageRequest) (MessageReply[Bytes], error)
}

// UnconnectedRouter sends every request as an unconnected send along Route.
type UnconnectedRouter struct {
	Service       Service
	Route         Encoder
	PriorityTicks byte
	TimeoutTicks  byte
}

// NewUnconnectedRouter uses the default ticks.
func NewUnconnectedRouter(svc Service, route Encoder) *UnconnectedRouter {
	return &UnconnectedRouter{
		Service:       svc,
		Route:         route,
		PriorityTicks: DefaultPriorityTicks,
		TimeoutTicks:  DefaultTimeoutTicks,
	}
}

func (r *UnconnectedRouter) Send(ctx context.Context, req MessageRequest) (MessageReply[Bytes], error) {
	if n := req.Len(); n > maxUnconnectedRequest(lenOf(r.Route)) {
		return MessageReply[Bytes]{}, fmt.Errorf("UnconnectedRouter: %w: %d byte request", ErrRequestTooLarge, n)
	}
	return r.Service.UnconnectedSend(ctx, UnconnectedSend{
		PriorityTicks: r.PriorityTicks,
		TimeoutTicks:  r.TimeoutTicks,
		Route:         r.Route,
		Request:       req,
	})
}

// MultipleService starts a batch that will be sent through r.
func (r *UnconnectedRouter) MultipleService() *MultipleServicePacket {
	return NewMultipleServicePacket(r)
}

// ConnectedRouter sends every request over an open CIP connection, taking
// sequence numbers from Conn.
type ConnectedRouter struct {
	Service Service
	Conn    *Connection
}

func (r *ConnectedRouter) Send(ctx context.Context, req MessageRequest) (MessageReply[Bytes], error) {
	if r.Conn == nil {
		return MessageReply[Bytes]{}, fmt.Errorf("ConnectedRouter: no connection (call ForwardOpen first)")
	}
	if n := req.Len(); n > maxConnectedRequest {
		return MessageReply[Bytes]{}, fmt.Errorf("ConnectedRouter: %w: %d byte request", ErrRequestTooLarge, n)
	}
	return r.Service.ConnectedSend(ctx, r.Conn.OTConnID, r.Conn.NextSequence(), req)
}

// maxConnectedRequest leaves room for the sequence count in the connected
// data item.
const maxConnectedRequest = math.MaxUint16 - 2

// maxUnconnectedRequest is the largest request whose Unconnected Send data
// (ticks, size, request, pad, route size, reserved, route) stays within 65535
// bytes.
func maxUnconnectedRequest(routeLen int) int {
	n := math.MaxUint16 - 6 - routeLen
	if n%2 == 1 {
		n-- // odd requests are padded
	}
	return n
}

// MultipleService starts a batch that will be sent through r.
func (r *ConnectedRouter) MultipleService() *MultipleServicePacket {
	return NewMultipleServicePacket(r)
}
