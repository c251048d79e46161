package eip

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipmsg/cip"
)

func TestEncapBytes(t *testing.T) {
	msg := newEncap(RegisterSession, 0x01020304, []byte{1, 0, 0, 0})
	got := msg.Bytes()
	require.Len(t, got, EncapHeaderLen+4)
	assert.Equal(t, []byte{0x65, 0x00, 0x04, 0x00, 0x04, 0x03, 0x02, 0x01}, got[:8])
	assert.Equal(t, make([]byte, 16), got[8:24], "status, context and options are zero")

	hdr, err := parseEncapHeader(got)
	require.NoError(t, err)
	assert.Equal(t, RegisterSession, hdr.command)
	assert.Equal(t, uint16(4), hdr.length)
	assert.Equal(t, uint32(0x01020304), hdr.sessionHandle)

	_, err = parseEncapHeader(got[:23])
	assert.Error(t, err)
}

func TestCommandData(t *testing.T) {
	cmd := EipCommandData{packet: []byte{0x02, 0x00}}
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0x02, 0x00}, cmd.Bytes())

	parsed, err := ParseEipCommandData([]byte{1, 0, 0, 0, 0x0A, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), parsed.interfaceHandle)
	assert.Equal(t, uint16(10), parsed.timeout)
	assert.Equal(t, []byte{0x00, 0x00}, parsed.packet)

	_, err = ParseEipCommandData([]byte{0, 0, 0, 0, 0, 0, 0})
	assert.Error(t, err)
}

func TestCommonPacketEncoding(t *testing.T) {
	got := EncodeCommonPacket(connectedPacket(0x11223344, 0x0102, []byte{0xAA}))
	want := []byte{
		0x02, 0x00,
		0xA1, 0x00, 0x04, 0x00, 0x44, 0x33, 0x22, 0x11,
		0xB1, 0x00, 0x03, 0x00, 0x02, 0x01, 0xAA,
	}
	assert.Equal(t, want, got)

	parsed, err := ParseCommonPacket(got)
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Equal(t, cip.ItemConnectedData, parsed[1].TypeID)
	assert.Equal(t, []byte{0x02, 0x01, 0xAA}, parsed[1].Data)

	got = EncodeCommonPacket(unconnectedPacket([]byte{0x01, 0x00}))
	assert.Equal(t, []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0xB2, 0x00, 0x02, 0x00, 0x01, 0x00}, got)
}

func TestParseCommonPacketErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"count without items", []byte{0x01, 0x00}},
		{"truncated item header", []byte{0x01, 0x00, 0xB2, 0x00}},
		{"truncated item data", []byte{0x01, 0x00, 0xB2, 0x00, 0x04, 0x00, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCommonPacket(tt.raw)
			assert.Error(t, err)
		})
	}

	empty, err := ParseCommonPacket([]byte{0x00, 0x00})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// identityItem encodes a ListIdentity CPF item for a device at ip.
func identityItem(ip net.IP, serial uint32, name string) []byte {
	b := binary.LittleEndian.AppendUint16(nil, 1) // encapsulation version
	b = append(b, 0x00, 0x02)                     // sin_family, big-endian
	b = binary.BigEndian.AppendUint16(b, DefaultPort)
	b = append(b, ip.To4()...)
	b = append(b, make([]byte, 8)...)
	b = binary.LittleEndian.AppendUint16(b, 0x0001) // Rockwell
	b = binary.LittleEndian.AppendUint16(b, 0x000E) // PLC
	b = binary.LittleEndian.AppendUint16(b, 0x0096)
	b = append(b, 32, 11)
	b = binary.LittleEndian.AppendUint16(b, 0x3060)
	b = binary.LittleEndian.AppendUint32(b, serial)
	b = append(b, byte(len(name)))
	b = append(b, name...)
	b = append(b, 0x03) // state

	item := binary.LittleEndian.AppendUint16(nil, CpfTypeListIdentityResponseId)
	item = binary.LittleEndian.AppendUint16(item, uint16(len(b)))
	return append(item, b...)
}

func listIdentityPayload(items ...[]byte) []byte {
	p := binary.LittleEndian.AppendUint16(nil, uint16(len(items)))
	for _, item := range items {
		p = append(p, item...)
	}
	return p
}

func TestParseListIdentity(t *testing.T) {
	payload := listIdentityPayload(identityItem(net.IPv4(192, 168, 1, 20), 0x00C0FFEE, "1756-L83E/B"))
	ids, err := parseListIdentityPayloadToIdentities(payload, nil)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	id := ids[0]
	assert.Equal(t, "1756-L83E/B", id.ProductName)
	assert.Equal(t, uint32(0x00C0FFEE), id.SerialNumber)
	assert.Equal(t, uint16(1), id.VendorID)
	assert.Equal(t, uint16(0x0E), id.DeviceType)
	assert.Equal(t, byte(32), id.RevisionMajor)
	assert.Equal(t, byte(11), id.RevisionMinor)
	assert.Equal(t, DefaultPort, id.Port)
	assert.Equal(t, byte(3), id.State)
	assert.True(t, id.IP.Equal(net.IPv4(192, 168, 1, 20)))
}

func TestParseListIdentityFallbackIP(t *testing.T) {
	payload := listIdentityPayload(identityItem(net.IPv4zero, 7, "PLC"))
	fallback := net.IPv4(10, 0, 0, 7)
	ids, err := parseListIdentityPayloadToIdentities(payload, fallback)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.True(t, ids[0].IP.Equal(fallback))
}

func TestParseListIdentityErrors(t *testing.T) {
	item := identityItem(net.IPv4(10, 0, 0, 1), 1, "PLC")
	tests := []struct {
		name    string
		payload []byte
	}{
		{"too short", []byte{0x01}},
		{"missing item", []byte{0x01, 0x00}},
		{"truncated item", listIdentityPayload(item[:len(item)-5])},
		{"missing state", func() []byte {
			short := append([]byte(nil), item[:len(item)-1]...)
			binary.LittleEndian.PutUint16(short[2:4], uint16(len(short)-4))
			return listIdentityPayload(short)
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseListIdentityPayloadToIdentities(tt.payload, nil)
			assert.Error(t, err)
		})
	}
}

func TestListIdentityOverTCP(t *testing.T) {
	payload := listIdentityPayload(identityItem(net.IPv4(10, 1, 2, 3), 99, "CompactLogix"))
	c, target := newPipeClient(t, func(req EipEncap) []byte {
		resp := newEncap(ListIdentity, 0, payload)
		return resp.Bytes()
	})
	// ListIdentity needs a socket but not a session; borrow one from the dialer.
	conn, err := c.dial(context.Background(), "tcp", "10.1.2.3:44818")
	require.NoError(t, err)
	c.conn = conn

	ids, err := c.ListIdentity(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "CompactLogix", ids[0].ProductName)

	req := <-target.requests
	assert.Equal(t, ListIdentity, req.command)
	assert.Zero(t, req.length)
}

func TestCollectIdentities(t *testing.T) {
	collector, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer collector.Close()
	sender, err := net.DialUDP("udp4", nil, collector.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer sender.Close()

	reply := func(items ...[]byte) []byte {
		resp := newEncap(ListIdentity, 0, listIdentityPayload(items...))
		return resp.Bytes()
	}
	a := identityItem(net.IPv4(10, 0, 0, 1), 1, "A")
	b := identityItem(net.IPv4(10, 0, 0, 2), 2, "B")

	for _, frame := range [][]byte{
		reply(a),
		reply(a),           // duplicate
		{0x01, 0x02, 0x03}, // junk
		reply(b),
	} {
		_, err := sender.Write(frame)
		require.NoError(t, err)
	}

	require.NoError(t, collector.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	ids, err := collectIdentities(collector)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "A", ids[0].ProductName)
	assert.Equal(t, "B", ids[1].ProductName)
}

func TestDiscoverInvalidAddress(t *testing.T) {
	_, err := Discover(context.Background(), "not-an-ip")
	assert.Error(t, err)
	_, err = Discover(context.Background(), "ff02::1")
	assert.Error(t, err)
}

func TestCommandEncapLength(t *testing.T) {
	// Null address item + unconnected data item: 16 bytes around the request.
	fits := EncodeCommonPacket(unconnectedPacket(make([]byte, 65495)))
	msg, err := newCommandEncap(SendRRData, testSession, fits)
	require.NoError(t, err)
	assert.Equal(t, uint16(65511), msg.length)
	assert.Len(t, msg.Bytes(), EncapHeaderLen+65511)

	for _, n := range []int{65496, 65530, 70000} {
		packet := EncodeCommonPacket(unconnectedPacket(make([]byte, n)))
		_, err := newCommandEncap(SendRRData, testSession, packet)
		assert.ErrorIs(t, err, ErrPayloadTooLarge, "%d byte request", n)
	}
}

func TestOversizeCommandKeepsSession(t *testing.T) {
	mrReply := []byte{0xCC, 0x00, 0x00, 0x00}
	c, target := newPipeClient(t, standardTarget(mrReply))
	require.NoError(t, c.RegisterSession(context.Background()))
	<-target.requests

	_, err := c.RequestReply(context.Background(), make([]byte, 65530))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	_, err = c.UnitData(context.Background(), 0x11, 1, make([]byte, 65500))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Empty(t, target.requests, "nothing written")

	_, err = c.RequestReply(context.Background(), []byte{0x4C, 0x00})
	require.NoError(t, err)
	req := <-target.requests
	assert.Equal(t, SendRRData, req.command)
}
