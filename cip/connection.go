package cip

import (
	"encoding/binary"
	"math/rand"
	"sync/atomic"
	"time"
)

// CIP Connection Manager services
const (
	SvcForwardOpen      byte = 0x54 // Standard Forward Open (16-bit params, ≤511 bytes)
	SvcForwardOpenLarge byte = 0x5B // Large Forward Open (32-bit params, >511 bytes)
	SvcForwardClose     byte = 0x4E
	SvcUnconnectedSend  byte = 0x52

	// Connection Manager class/instance
	ClassConnectionManager byte = 0x06
	InstanceConnManager    byte = 0x01
)

// Connection size limits
const (
	ConnectionSizeLarge = 4002 // Large Forward Open max size
	ConnectionSizeSmall = 504  // Standard Forward Open size
)

// Connection represents an established CIP connection.
type Connection struct {
	OTConnID     uint32 // Originator -> Target connection ID
	TOConnID     uint32 // Target -> Originator connection ID
	SerialNumber uint16 // Connection serial number (for Forward Close)
	VendorID     uint16 // Originator vendor ID
	OrigSerial   uint32 // Originator serial number
	Size         uint16 // Negotiated connection size

	seq uint32 // Atomic sequence counter (low 16 bits used)
}

// NextSequence returns the next sequence number for connected messaging.
func (c *Connection) NextSequence() uint16 {
	return uint16(atomic.AddUint32(&c.seq, 1))
}

// CloseRequest builds the Forward Close request that tears this connection down.
func (c *Connection) CloseRequest(connectionPath Path) ForwardCloseRequest {
	return ForwardCloseRequest{
		PriorityTicks:    0x0A,
		TimeoutTicks:     0x0E,
		ConnectionSerial: c.SerialNumber,
		VendorID:         c.VendorID,
		OriginatorSerial: c.OrigSerial,
		ConnectionPath:   connectionPath,
	}
}

// ForwardOpenConfig contains parameters for establishing a CIP connection.
type ForwardOpenConfig struct {
	// Connection size in bytes for both directions. Sizes above 511 use
	// Large Forward Open.
	ConnectionSize uint16

	// Requested packet intervals
	OTRPI time.Duration
	TORPI time.Duration

	// Connection path to target (e.g., backplane port 1, slot 0, message router)
	ConnectionPath Path

	// Vendor/serial for connection tracking
	VendorID         uint16
	OriginatorSerial uint32
}

// DefaultForwardOpenConfig returns a config with sensible defaults for Logix.
func DefaultForwardOpenConfig() ForwardOpenConfig {
	return ForwardOpenConfig{
		ConnectionSize:   ConnectionSizeLarge,
		OTRPI:            2 * time.Second,
		TORPI:            2 * time.Second,
		VendorID:         0x1337,
		OriginatorSerial: uint32(rand.Int31()),
	}
}

// ForwardOpenRequest is the data of a Forward Open (0x54) or Large Forward
// Open (0x5B) request. Its service code follows from ConnectionSize.
type ForwardOpenRequest struct {
	PriorityTicks     byte
	TimeoutTicks      byte
	OTConnectionID    uint32
	TOConnectionID    uint32
	ConnectionSerial  uint16
	VendorID          uint16
	OriginatorSerial  uint32
	TimeoutMultiplier byte
	OTRPI             uint32 // microseconds
	TORPI             uint32 // microseconds
	ConnectionSize    uint16
	TransportTrigger  byte
	ConnectionPath    Path
}

// NewForwardOpenRequest fills a request from cfg with a fresh connection serial
// and T->O connection ID. The O->T ID is assigned by the target.
func NewForwardOpenRequest(cfg ForwardOpenConfig) ForwardOpenRequest {
	return ForwardOpenRequest{
		PriorityTicks:     0x0A,
		TimeoutTicks:      0x0E,
		OTConnectionID:    0x20000002,
		TOConnectionID:    uint32(rand.Intn(65000)),
		ConnectionSerial:  uint16(rand.Intn(65000)),
		VendorID:          cfg.VendorID,
		OriginatorSerial:  cfg.OriginatorSerial,
		TimeoutMultiplier: 0x03,
		OTRPI:             uint32(cfg.OTRPI / time.Microsecond),
		TORPI:             uint32(cfg.TORPI / time.Microsecond),
		ConnectionSize:    cfg.ConnectionSize,
		TransportTrigger:  0xA3,
		ConnectionPath:    cfg.ConnectionPath,
	}
}

// Large reports whether the request needs the 32-bit parameter format.
func (r ForwardOpenRequest) Large() bool { return r.ConnectionSize > 511 }

// Service returns the Forward Open service code for this request.
func (r ForwardOpenRequest) Service() byte {
	if r.Large() {
		return SvcForwardOpenLarge
	}
	return SvcForwardOpen
}

func (r ForwardOpenRequest) paramWidth() int {
	if r.Large() {
		return 4
	}
	return 2
}

func (r ForwardOpenRequest) Len() int {
	return 32 + 2*r.paramWidth() + len(r.ConnectionPath)
}

func (r ForwardOpenRequest) Append(data []byte) []byte {
	const connParamsBase = 0x4200

	data = append(data, r.PriorityTicks, r.TimeoutTicks)
	data = binary.LittleEndian.AppendUint32(data, r.OTConnectionID)
	data = binary.LittleEndian.AppendUint32(data, r.TOConnectionID)
	data = binary.LittleEndian.AppendUint16(data, r.ConnectionSerial)
	data = binary.LittleEndian.AppendUint16(data, r.VendorID)
	data = binary.LittleEndian.AppendUint32(data, r.OriginatorSerial)

	// Timeout multiplier plus three reserved bytes
	data = append(data, r.TimeoutMultiplier, 0, 0, 0)

	appendParams := func(data []byte) []byte {
		if r.Large() {
			return binary.LittleEndian.AppendUint32(data, uint32(connParamsBase)<<16|uint32(r.ConnectionSize))
		}
		return binary.LittleEndian.AppendUint16(data, connParamsBase|r.ConnectionSize)
	}

	data = binary.LittleEndian.AppendUint32(data, r.OTRPI)
	data = appendParams(data)
	data = binary.LittleEndian.AppendUint32(data, r.TORPI)
	data = appendParams(data)

	data = append(data, r.TransportTrigger)
	data = append(data, r.ConnectionPath.WordLen())
	return append(data, r.ConnectionPath...)
}

// ForwardOpenReply contains the parsed response from Forward Open.
type ForwardOpenReply struct {
	OTConnectionID   uint32
	TOConnectionID   uint32
	ConnectionSerial uint16
	VendorID         uint16
	OriginatorSerial uint32
	OTAPI            uint32
	TOAPI            uint32
	AppReply         []byte
}

func (r *ForwardOpenReply) DecodeCIP(data []byte) error {
	if len(data) < 26 {
		return malformed("Forward Open reply is %d bytes, need 26", len(data))
	}
	*r = ForwardOpenReply{
		OTConnectionID:   binary.LittleEndian.Uint32(data[0:4]),
		TOConnectionID:   binary.LittleEndian.Uint32(data[4:8]),
		ConnectionSerial: binary.LittleEndian.Uint16(data[8:10]),
		VendorID:         binary.LittleEndian.Uint16(data[10:12]),
		OriginatorSerial: binary.LittleEndian.Uint32(data[12:16]),
		OTAPI:            binary.LittleEndian.Uint32(data[16:20]),
		TOAPI:            binary.LittleEndian.Uint32(data[20:24]),
	}
	appSize := int(data[24]) * 2
	if len(data) < 26+appSize {
		return malformed("Forward Open application reply truncated: need %d bytes, have %d", appSize, len(data)-26)
	}
	r.AppReply = data[26 : 26+appSize]
	return nil
}

// Connection builds the connection state for a successful Forward Open.
func (r ForwardOpenReply) Connection(req ForwardOpenRequest) *Connection {
	return &Connection{
		OTConnID:     r.OTConnectionID,
		TOConnID:     r.TOConnectionID,
		SerialNumber: req.ConnectionSerial,
		VendorID:     req.VendorID,
		OrigSerial:   req.OriginatorSerial,
		Size:         req.ConnectionSize,
	}
}

// ForwardCloseRequest is the data of a Forward Close (0x4E) request.
type ForwardCloseRequest struct {
	PriorityTicks    byte
	TimeoutTicks     byte
	ConnectionSerial uint16
	VendorID         uint16
	OriginatorSerial uint32
	ConnectionPath   Path
}

func (r ForwardCloseRequest) Len() int {
	return 12 + len(r.ConnectionPath) + len(r.ConnectionPath)%2
}

func (r ForwardCloseRequest) Append(data []byte) []byte {
	data = append(data, r.PriorityTicks, r.TimeoutTicks)
	data = binary.LittleEndian.AppendUint16(data, r.ConnectionSerial)
	data = binary.LittleEndian.AppendUint16(data, r.VendorID)
	data = binary.LittleEndian.AppendUint32(data, r.OriginatorSerial)

	// Connection Path Size (1 byte, in words), rounded up
	pathSizeWords := byte((len(r.ConnectionPath) + 1) / 2)
	data = append(data, pathSizeWords, 0x00)

	data = append(data, r.ConnectionPath...)
	if len(r.ConnectionPath)%2 != 0 {
		data = append(data, 0x00)
	}
	return data
}

// ForwardCloseReply contains the parsed response from Forward Close.
type ForwardCloseReply struct {
	ConnectionSerial uint16
	VendorID         uint16
	OriginatorSerial uint32
	AppReply         []byte
}

func (r *ForwardCloseReply) DecodeCIP(data []byte) error {
	if len(data) < 10 {
		return malformed("Forward Close reply is %d bytes, need 10", len(data))
	}
	*r = ForwardCloseReply{
		ConnectionSerial: binary.LittleEndian.Uint16(data[0:2]),
		VendorID:         binary.LittleEndian.Uint16(data[2:4]),
		OriginatorSerial: binary.LittleEndian.Uint32(data[4:8]),
	}
	appSize := int(data[8]) * 2
	if len(data) < 10+appSize {
		return malformed("Forward Close application reply truncated: need %d bytes, have %d", appSize, len(data)-10)
	}
	r.AppReply = data[10 : 10+appSize]
	return nil
}
