package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes reading payloads for sinks.
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
	ContentType() string
}

// JSONCodec encodes and decodes data as JSON.
type JSONCodec struct{}

func (JSONCodec) Encode(v interface{}) ([]byte, error)    { return json.Marshal(v) }
func (JSONCodec) Decode(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (JSONCodec) ContentType() string                     { return "application/json" }

// MsgpackCodec encodes and decodes data as MessagePack, keyed by the same
// field names as the JSON encoding.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Decode(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func (MsgpackCodec) ContentType() string { return "application/msgpack" }

// NewCodec returns the codec for a sink's format setting: "json" (the
// default when empty) or "msgpack".
func NewCodec(format string) (Codec, error) {
	switch strings.ToLower(format) {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown payload format %q (want json or msgpack)", format)
	}
}

// CodecFor is NewCodec with a JSON fallback for unknown formats. Config
// validation rejects those before sinks are built.
func CodecFor(format string) Codec {
	c, err := NewCodec(format)
	if err != nil {
		return JSONCodec{}
	}
	return c
}
