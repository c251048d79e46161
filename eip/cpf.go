package eip

// Code related to the CommonPacket Format for EIP per ODVA v1.4

import (
	"encoding/binary"
	"fmt"

	"cipmsg/cip"
)

const (
	CpfAddressNullId              uint16 = cip.ItemNullAddress
	CpfTypeListIdentityResponseId uint16 = 0x0C
	CpfAddressConnectionId        uint16 = cip.ItemConnectedAddress
	CpfConnectedTransportPacketId uint16 = cip.ItemConnectedData
	CpfUnconnectedMessageId       uint16 = cip.ItemUnconnectedData
	CpfSockAddrInfoOtoTId         uint16 = 0x8000
	CpfSockAddrInfoTtoOId         uint16 = 0x8001
	CpfSequencedAddressId         uint16 = 0x8002
)

// EncodeCommonPacket generates the little-endian item list:
// [count 2] ([type 2] [length 2] [data n])*count
func EncodeCommonPacket(p cip.CommonPacket) []byte {
	size := 2
	for _, item := range p {
		size += 4 + len(item.Data)
	}
	raw := make([]byte, 0, size)
	raw = binary.LittleEndian.AppendUint16(raw, uint16(len(p)))
	for _, item := range p {
		raw = binary.LittleEndian.AppendUint16(raw, item.TypeID)
		raw = binary.LittleEndian.AppendUint16(raw, uint16(len(item.Data)))
		raw = append(raw, item.Data...)
	}
	return raw
}

// ParseCommonPacket parses a list of items from a raw byte stream. Item data
// aliases raw.
func ParseCommonPacket(raw []byte) (cip.CommonPacket, error) {

	if len(raw) < 2 {
		return nil, fmt.Errorf("ParseCommonPacket: raw bytes too short: minimum 2, got %d", len(raw))
	}

	// Get the number of items and advance the slice.
	itemCount := binary.LittleEndian.Uint16(raw[:2])
	raw = raw[2:]

	if itemCount > 0 && len(raw) == 0 {
		return nil, fmt.Errorf("ParseCommonPacket: item count is %d but no bytes remain", itemCount)
	}

	items := make(cip.CommonPacket, 0, itemCount)
	for i := uint16(0); i < itemCount; i++ {

		if len(raw) < 4 {
			return nil, fmt.Errorf("ParseCommonPacket: truncated item header at item %d: have %d bytes", i, len(raw))
		}

		typeID := binary.LittleEndian.Uint16(raw[:2])
		length := int(binary.LittleEndian.Uint16(raw[2:4]))

		if len(raw) < 4+length {
			return nil, fmt.Errorf("ParseCommonPacket: insufficient data for item %d: need %d bytes, have %d", i, 4+length, len(raw))
		}

		items = append(items, cip.CommonPacketItem{TypeID: typeID, Data: raw[4 : 4+length]})

		// advance
		raw = raw[4+length:]
	}

	return items, nil
}

// unconnectedPacket frames an unconnected explicit message.
func unconnectedPacket(data []byte) cip.CommonPacket {
	return cip.CommonPacket{
		{TypeID: CpfAddressNullId},
		{TypeID: CpfUnconnectedMessageId, Data: data},
	}
}

// connectedPacket frames a connected explicit message: the connected address
// item carries the O->T connection ID and the data item is prefixed with the
// sequence number.
func connectedPacket(connID uint32, seq uint16, data []byte) cip.CommonPacket {
	payload := make([]byte, 0, 2+len(data))
	payload = binary.LittleEndian.AppendUint16(payload, seq)
	payload = append(payload, data...)
	return cip.CommonPacket{
		{TypeID: CpfAddressConnectionId, Data: binary.LittleEndian.AppendUint32(nil, connID)},
		{TypeID: CpfConnectedTransportPacketId, Data: payload},
	}
}
