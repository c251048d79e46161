package cip

import "encoding/binary"

// Common packet format item type codes used by explicit messaging.
const (
	ItemNullAddress      uint16 = 0x0000
	ItemConnectedAddress uint16 = 0x00A1
	ItemConnectedData    uint16 = 0x00B1
	ItemUnconnectedData  uint16 = 0x00B2
)

// CommonPacketItem is one address or data item of a common packet.
type CommonPacketItem struct {
	TypeID uint16
	Data   []byte
}

// CommonPacket is the ordered item list framing a send's addressing and data.
type CommonPacket []CommonPacketItem

// expect checks the item count and the type code of every item.
func (c CommonPacket) expect(codes ...uint16) error {
	if len(c) != len(codes) {
		return frameShape("expected %d items, got %d", len(codes), len(c))
	}
	for i, want := range codes {
		if c[i].TypeID != want {
			return frameShape("item %d: expected type 0x%04X, got 0x%04X", i, want, c[i].TypeID)
		}
	}
	return nil
}

// AsUnconnectedSendReply extracts the message router reply from the reply to
// an unconnected (SendRRData) exchange: a null address item followed by an
// unconnected data item.
func AsUnconnectedSendReply(cpf CommonPacket) (MessageReply[Bytes], error) {
	if err := cpf.expect(ItemNullAddress, ItemUnconnectedData); err != nil {
		return MessageReply[Bytes]{}, err
	}
	return DecodeReply(cpf[1].Data)
}

// AsConnectedSendReply extracts the message router reply from the reply to a
// connected (SendUnitData) exchange: a connected address item followed by a
// connected data item whose first two bytes are the sequence count.
func AsConnectedSendReply(cpf CommonPacket) (seq uint16, reply MessageReply[Bytes], err error) {
	if err := cpf.expect(ItemConnectedAddress, ItemConnectedData); err != nil {
		return 0, MessageReply[Bytes]{}, err
	}
	data := cpf[1].Data
	if len(data) < 2 {
		return 0, MessageReply[Bytes]{}, malformed("connected data item is %d bytes, need 2", len(data))
	}
	seq = binary.LittleEndian.Uint16(data[0:2])
	reply, err = DecodeReply(data[2:])
	return seq, reply, err
}
