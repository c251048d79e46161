package cip

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeReply(t *testing.T) {
	tests := []struct {
		name      string
		buf       []byte
		wantErr   error
		wantState Status
		wantData  []byte
	}{
		{
			name:     "success no ext",
			buf:      []byte{0xCC, 0x00, 0x00, 0x00, 0xC4, 0x00, 0x2A, 0x00, 0x00, 0x00},
			wantData: []byte{0xC4, 0x00, 0x2A, 0x00, 0x00, 0x00},
		},
		{
			name:      "success with one byte ext",
			buf:       []byte{0xCC, 0x00, 0x00, 0x01, 0x07, 0xAA},
			wantState: Status{Extended: 0x0007},
			wantData:  []byte{0xAA},
		},
		{
			name:     "success empty data",
			buf:      []byte{0xCD, 0x00, 0x00, 0x00},
			wantData: []byte{},
		},
		{name: "short header", buf: []byte{0xCC, 0x00, 0x00}, wantErr: ErrMalformedReply},
		{name: "ext size 3", buf: []byte{0xCC, 0x00, 0x00, 0x03, 0x00, 0x00, 0x00}, wantErr: ErrMalformedReply},
		{name: "ext truncated", buf: []byte{0xCC, 0x00, 0x00, 0x02, 0x00}, wantErr: ErrMalformedReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := DecodeReply(tt.buf)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.buf[0], reply.ReplyService)
			assert.Equal(t, tt.wantState, reply.Status)
			assert.Equal(t, tt.wantData, []byte(reply.Data))
		})
	}
}

func TestDecodeReplyStatusError(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want Status
	}{
		{"no ext", []byte{0xCC, 0x00, 0x05, 0x00, 0xC4, 0x00}, Status{General: StatusPathUnknown}},
		{"one byte ext widened", []byte{0xCC, 0x00, 0x04, 0x01, 0x05, 0xAA, 0xBB}, Status{General: StatusPathSegmentError, Extended: 0x0005}},
		{"two byte ext", []byte{0xCC, 0x00, 0xFF, 0x02, 0x07, 0x21, 0x99}, Status{General: StatusGeneralError, Extended: 0x2107}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := DecodeReply(tt.buf)
			var se *StatusError
			require.True(t, errors.As(err, &se), "want *StatusError, got %v", err)
			assert.Equal(t, tt.want, se.Status)
			assert.Nil(t, reply.Data, "payload must be discarded on error status")
			assert.NotErrorIs(t, err, ErrMalformedReply)
		})
	}
}

func TestDecodeReplyAs(t *testing.T) {
	reply, err := DecodeReplyAs[TagValue]([]byte{0xCC, 0x00, 0x00, 0x00, 0xC3, 0x00, 0xFE, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, TypeINT, reply.Data.Type)
	assert.Equal(t, int16(-2), reply.Data.Value())

	_, err = DecodeReplyAs[TagValue]([]byte{0xCC, 0x00, 0x00, 0x00, 0xC3})
	assert.ErrorIs(t, err, ErrMalformedReply)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "Success (0x00)", Status{}.String())
	assert.Equal(t, "Path Segment Error (0x04)", Status{General: 0x04}.String())
	assert.Equal(t, "General Error (0xFF), extended: Tag Not Found (0x2104)",
		Status{General: 0xFF, Extended: 0x2104}.String())
	assert.Equal(t, "Status 0x42 (0x42)", Status{General: 0x42}.String())
	assert.True(t, Status{}.OK())
	assert.False(t, Status{General: 1}.OK())
}

func TestMessageRequestEncode(t *testing.T) {
	req := NewRequest(0x0E, Path{0x20, 0x01, 0x24, 0x01, 0x30, 0x07}, nil)
	assert.Equal(t, 8, req.Len())
	assert.Equal(t, []byte{0x0E, 0x03, 0x20, 0x01, 0x24, 0x01, 0x30, 0x07}, req.Bytes())

	withData := NewRequest(SvcReadTag, Path{0x91, 0x01, 'A', 0x00}, Uint16(10))
	assert.Equal(t, []byte{0x4C, 0x02, 0x91, 0x01, 'A', 0x00, 0x0A, 0x00}, withData.Bytes())

	bare := NewRequest(0x01, nil, nil)
	assert.Equal(t, []byte{0x01, 0x00}, bare.Bytes())
}

func TestMessageRequestPanics(t *testing.T) {
	assert.Panics(t, func() { NewRequest(0x01, Bytes{0x20, 0x01, 0x24}, nil).Bytes() }, "odd path")
	assert.Panics(t, func() { NewRequest(0x01, make(Bytes, 256), nil).Bytes() }, "path over 255 bytes")
	assert.Panics(t, func() { NewRequest(0x01, nil, make(Bytes, 65536)).Bytes() }, "data over 65535 bytes")
	assert.NotPanics(t, func() { NewRequest(0x01, make(Bytes, 254), make(Bytes, 65535)).Bytes() })
}

func TestCheckReplyService(t *testing.T) {
	assert.NoError(t, CheckReplyService(SvcReadTag, 0xCC))

	err := CheckReplyService(SvcReadTag, 0x4C)
	var rse *ReplyServiceError
	require.ErrorAs(t, err, &rse)
	assert.Equal(t, byte(0xCC), rse.Want)
	assert.Equal(t, byte(0x4C), rse.Got)
}

func TestCommonPacketShape(t *testing.T) {
	ok := []byte{0xCC, 0x00, 0x00, 0x00}

	reply, err := AsUnconnectedSendReply(CommonPacket{
		{TypeID: ItemNullAddress},
		{TypeID: ItemUnconnectedData, Data: ok},
	})
	require.NoError(t, err)
	assert.Equal(t, byte(0xCC), reply.ReplyService)

	bad := []CommonPacket{
		{{TypeID: ItemUnconnectedData, Data: ok}},
		{{TypeID: ItemNullAddress}, {TypeID: ItemConnectedData, Data: ok}},
		{{TypeID: ItemNullAddress}, {TypeID: ItemUnconnectedData, Data: ok}, {TypeID: 0x8000}},
	}
	for _, cpf := range bad {
		_, err := AsUnconnectedSendReply(cpf)
		assert.ErrorIs(t, err, ErrUnexpectedFrameShape)
	}

	seq, reply, err := AsConnectedSendReply(CommonPacket{
		{TypeID: ItemConnectedAddress, Data: []byte{1, 2, 3, 4}},
		{TypeID: ItemConnectedData, Data: append([]byte{0x07, 0x00}, ok...)},
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(7), seq)
	assert.Equal(t, byte(0xCC), reply.ReplyService)

	_, _, err = AsConnectedSendReply(CommonPacket{
		{TypeID: ItemConnectedAddress, Data: []byte{1, 2, 3, 4}},
		{TypeID: ItemConnectedData, Data: []byte{0x07}},
	})
	assert.ErrorIs(t, err, ErrMalformedReply)

	_, _, err = AsConnectedSendReply(CommonPacket{
		{TypeID: ItemNullAddress},
		{TypeID: ItemUnconnectedData, Data: ok},
	})
	assert.ErrorIs(t, err, ErrUnexpectedFrameShape)
}
