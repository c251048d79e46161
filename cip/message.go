package cip

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ReplyMask is OR'd into a request's service code to form the reply service.
const ReplyMask byte = 0x80

// Status is the two-level outcome of a message router reply.
type Status struct {
	General  byte
	Extended uint16
}

// OK reports whether the general status is success.
func (s Status) OK() bool { return s.General == StatusSuccess }

// Name returns the text for the general status code.
func (s Status) Name() string { return statusName(s.General) }

func (s Status) String() string {
	if s.Extended != 0 {
		return fmt.Sprintf("%s (0x%02X), extended: %s (0x%04X)",
			statusName(s.General), s.General, extStatusName(s.Extended), s.Extended)
	}
	return fmt.Sprintf("%s (0x%02X)", statusName(s.General), s.General)
}

// MessageRequest is a message router request: service code, request path and
// request data. The wire form is
//
//	[service 1] [path size in words 1] [path n] [data n]
//
// Path must encode to an even number of bytes no longer than 255, and Data to
// no more than 65535 bytes. Violations panic on encode.
type MessageRequest struct {
	Service byte
	Path    Encoder
	Data    Encoder
}

// NewRequest builds a MessageRequest. path or data may be nil.
func NewRequest(service byte, path, data Encoder) MessageRequest {
	return MessageRequest{Service: service, Path: path, Data: data}
}

func (r MessageRequest) Len() int {
	return 2 + lenOf(r.Path) + lenOf(r.Data)
}

func (r MessageRequest) Append(dst []byte) []byte {
	pathLen := lenOf(r.Path)
	dataLen := lenOf(r.Data)
	if dataLen > math.MaxUint16 {
		panic(fmt.Sprintf("cip: request data is %d bytes, max %d", dataLen, math.MaxUint16))
	}
	if pathLen%2 != 0 || pathLen > math.MaxUint8 {
		panic(fmt.Sprintf("cip: request path is %d bytes, must be even and <= %d", pathLen, math.MaxUint8))
	}
	dst = append(dst, r.Service, byte(pathLen/2))
	dst = appendOf(dst, r.Path)
	return appendOf(dst, r.Data)
}

// Bytes returns the encoded request.
func (r MessageRequest) Bytes() []byte {
	return Encode(r)
}

// MessageReply is a decoded message router reply. Data is only populated when
// the general status is success.
type MessageReply[D any] struct {
	ReplyService byte
	Status       Status
	Data         D
}

// DecodeReply parses a message router reply:
//
//	[reply service 1] [reserved 1] [general status 1] [ext status size 1] [ext status n] [data n]
//
// The extended status block is 0, 1 or 2 bytes wide. A nonzero general status
// returns a *StatusError and no data. The returned Data aliases buf.
func DecodeReply(buf []byte) (MessageReply[Bytes], error) {
	if len(buf) < 4 {
		return MessageReply[Bytes]{}, malformed("reply is %d bytes, need at least 4", len(buf))
	}
	extSize := int(buf[3])
	if len(buf) < 4+extSize {
		return MessageReply[Bytes]{}, malformed("reply is %d bytes, extended status needs %d", len(buf), 4+extSize)
	}
	status := Status{General: buf[2]}
	switch extSize {
	case 0:
	case 1:
		status.Extended = uint16(buf[4])
	case 2:
		status.Extended = binary.LittleEndian.Uint16(buf[4:6])
	default:
		return MessageReply[Bytes]{}, malformed("extended status size %d", extSize)
	}
	if !status.OK() {
		return MessageReply[Bytes]{}, &StatusError{Status: status}
	}
	return MessageReply[Bytes]{
		ReplyService: buf[0],
		Status:       status,
		Data:         Bytes(buf[4+extSize:]),
	}, nil
}

// DecodeReplyAs parses a reply and decodes its data as T.
func DecodeReplyAs[T any, PT interface {
	*T
	Decoder
}](buf []byte) (MessageReply[T], error) {
	raw, err := DecodeReply(buf)
	if err != nil {
		return MessageReply[T]{}, err
	}
	return decodeData[T, PT](raw)
}

func decodeData[T any, PT interface {
	*T
	Decoder
}](raw MessageReply[Bytes]) (MessageReply[T], error) {
	out := MessageReply[T]{ReplyService: raw.ReplyService, Status: raw.Status}
	if err := PT(&out.Data).DecodeCIP(raw.Data); err != nil {
		return MessageReply[T]{}, err
	}
	return out, nil
}
