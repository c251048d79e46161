package cip

import (
	"encoding/binary"
	"fmt"
)

// Encoder is anything that can be written into a CIP request: request paths,
// request data, whole requests. Len must equal the number of bytes Append adds
// and must not change between calls.
type Encoder interface {
	Len() int
	Append(dst []byte) []byte
}

// Decoder is a reply payload that can be parsed out of the data portion of a
// message router reply. Implementations may keep references into data; reply
// buffers are never reused by this package.
type Decoder interface {
	DecodeCIP(data []byte) error
}

// Encode returns the encoded bytes of e.
func Encode(e Encoder) []byte {
	if e == nil {
		return nil
	}
	return e.Append(make([]byte, 0, e.Len()))
}

func lenOf(e Encoder) int {
	if e == nil {
		return 0
	}
	return e.Len()
}

func appendOf(dst []byte, e Encoder) []byte {
	if e == nil {
		return dst
	}
	return e.Append(dst)
}

// Bytes is an opaque payload. Decoding into Bytes aliases the reply buffer.
type Bytes []byte

func (b Bytes) Len() int                 { return len(b) }
func (b Bytes) Append(dst []byte) []byte { return append(dst, b...) }

func (b *Bytes) DecodeCIP(data []byte) error {
	*b = data
	return nil
}

// Uint16 is a little-endian 16-bit payload, e.g. a read element count.
type Uint16 uint16

func (v Uint16) Len() int { return 2 }

func (v Uint16) Append(dst []byte) []byte {
	return binary.LittleEndian.AppendUint16(dst, uint16(v))
}

func (v *Uint16) DecodeCIP(data []byte) error {
	if len(data) < 2 {
		return malformed("Uint16: need 2 bytes, got %d", len(data))
	}
	*v = Uint16(binary.LittleEndian.Uint16(data))
	return nil
}

// Uint32 is a little-endian 32-bit payload.
type Uint32 uint32

func (v Uint32) Len() int { return 4 }

func (v Uint32) Append(dst []byte) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(v))
}

func (v *Uint32) DecodeCIP(data []byte) error {
	if len(data) < 4 {
		return malformed("Uint32: need 4 bytes, got %d", len(data))
	}
	*v = Uint32(binary.LittleEndian.Uint32(data))
	return nil
}

// lazyEncoder defers building a payload until it is appended.
type lazyEncoder struct {
	n int
	f func(dst []byte) []byte
}

func (l lazyEncoder) Len() int { return l.n }

func (l lazyEncoder) Append(dst []byte) []byte {
	start := len(dst)
	dst = l.f(dst)
	if len(dst)-start != l.n {
		panic(fmt.Sprintf("cip: encoder wrote %d bytes, declared %d", len(dst)-start, l.n))
	}
	return dst
}
