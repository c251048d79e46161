package eip

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Encapsulation commands
const (
	NOP               uint16 = 0x00
	ListIdentity      uint16 = 0x63
	RegisterSession   uint16 = 0x65
	UnRegisterSession uint16 = 0x66
	SendRRData        uint16 = 0x6F
	SendUnitData      uint16 = 0x70
)

// EncapHeaderLen is the fixed size of the encapsulation header.
const EncapHeaderLen = 24

// maxEncapPayload bounds the length field of sent and received frames.
const maxEncapPayload = 65511

// ErrPayloadTooLarge is returned when a command's data does not fit the
// encapsulation length field.
var ErrPayloadTooLarge = errors.New("eip: encapsulated payload too large")

// Generic Ethernet/IP Encapsulation
type EipEncap struct {
	command       uint16
	length        uint16
	sessionHandle uint32
	status        uint32
	context       [8]byte
	options       uint32
	data          []byte
}

func newEncap(command uint16, session uint32, data []byte) EipEncap {
	return EipEncap{
		command:       command,
		length:        uint16(len(data)),
		sessionHandle: session,
		data:          data,
	}
}

// newCommandEncap frames a SendRRData or SendUnitData command around packet.
func newCommandEncap(command uint16, session uint32, packet []byte) (EipEncap, error) {
	cmd := EipCommandData{packet: packet}
	data := cmd.Bytes()
	if len(data) > maxEncapPayload {
		return EipEncap{}, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(data), maxEncapPayload)
	}
	return newEncap(command, session, data), nil
}

// General Request/Receive data wrapper type.
type EipCommandData struct {
	interfaceHandle uint32
	timeout         uint16
	packet          []byte
}

// Convert to bytes
func (m *EipEncap) Bytes() []byte {
	buf := make([]byte, 0, EncapHeaderLen+len(m.data))
	buf = binary.LittleEndian.AppendUint16(buf, m.command)
	buf = binary.LittleEndian.AppendUint16(buf, m.length)
	buf = binary.LittleEndian.AppendUint32(buf, m.sessionHandle)
	buf = binary.LittleEndian.AppendUint32(buf, m.status)
	buf = append(buf, m.context[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, m.options)
	buf = append(buf, m.data...)
	return buf
}

// parseEncapHeader decodes a 24-byte header. data is left empty.
func parseEncapHeader(header []byte) (EipEncap, error) {
	if len(header) < EncapHeaderLen {
		return EipEncap{}, fmt.Errorf("parseEncapHeader: need %d bytes, got %d", EncapHeaderLen, len(header))
	}
	var ctx [8]byte
	copy(ctx[:], header[12:20])
	return EipEncap{
		command:       binary.LittleEndian.Uint16(header[0:2]),
		length:        binary.LittleEndian.Uint16(header[2:4]),
		sessionHandle: binary.LittleEndian.Uint32(header[4:8]),
		status:        binary.LittleEndian.Uint32(header[8:12]),
		context:       ctx,
		options:       binary.LittleEndian.Uint32(header[20:24]),
	}, nil
}

// Generate a LittleEndian encoded byte slice for RrData.
func (r *EipCommandData) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint32(nil, r.interfaceHandle)
	raw = binary.LittleEndian.AppendUint16(raw, r.timeout)
	raw = append(raw, r.packet...)
	return raw
}

func ParseEipCommandData(raw []byte) (*EipCommandData, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("ParseCommandData:  Raw bytes too short: Minimum 8, got %d", len(raw))
	}

	return &EipCommandData{
		interfaceHandle: binary.LittleEndian.Uint32(raw[:4]),
		timeout:         binary.LittleEndian.Uint16(raw[4:6]),
		packet:          raw[6:],
	}, nil
}
