package cip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEPathLogical(t *testing.T) {
	tests := []struct {
		name string
		b    *PathBuilder
		want Path
	}{
		{"message router", EPath().Class(0x02).Instance(0x01), MessageRouterPath()},
		{"connection manager", EPath().Class(0x06).Instance(0x01), ConnectionManagerPath()},
		{"attribute", EPath().Class(0x01).Instance(0x01).Attribute(0x07), Path{0x20, 0x01, 0x24, 0x01, 0x30, 0x07}},
		{"instance16 padded", EPath().Class(0x6B).Instance16(0x0102), Path{0x20, 0x6B, 0x25, 0x00, 0x02, 0x01}},
		{"instance32 padded", EPath().Instance32(0x01020304), Path{0x26, 0x00, 0x04, 0x03, 0x02, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.b.Build()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWellKnownPathsAreFresh(t *testing.T) {
	mr := MessageRouterPath()
	mr[1] = 0xFF
	_ = append(mr[:2], 0x30, 0x01)
	assert.Equal(t, Path{0x20, 0x02, 0x24, 0x01}, MessageRouterPath())

	cm := ConnectionManagerPath()
	copy(cm, Path{0, 0, 0, 0})
	assert.Equal(t, Path{0x20, 0x06, 0x24, 0x01}, ConnectionManagerPath())
}

func TestEPathPort(t *testing.T) {
	tests := []struct {
		name string
		port uint16
		link []byte
		want Path
	}{
		{"backplane slot", 1, []byte{0}, Path{0x01, 0x00}},
		{"slot 3", 1, []byte{3}, Path{0x01, 0x03}},
		{
			"ip link even",
			2, []byte("10.0.0.1"),
			Path{0x12, 0x08, '1', '0', '.', '0', '.', '0', '.', '1'},
		},
		{
			"ip link padded",
			2, []byte("10.0.0.10"),
			Path{0x12, 0x09, '1', '0', '.', '0', '.', '0', '.', '1', '0', 0x00},
		},
		{"extended port", 18, []byte{1}, Path{0x0F, 0x12, 0x00, 0x01}},
		{
			"extended port and link",
			0x20, []byte{1, 2},
			Path{0x1F, 0x02, 0x20, 0x00, 0x01, 0x02},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EPath().Port(tt.port, tt.link).Build()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Zero(t, len(got)%2)
		})
	}
}

func TestEPathErrors(t *testing.T) {
	_, err := EPath().Port(0, []byte{1}).Build()
	assert.Error(t, err, "port 0")

	_, err = EPath().Port(1, nil).Build()
	assert.Error(t, err, "empty link")

	_, err = EPath().Port(1, make([]byte, 256)).Build()
	assert.Error(t, err, "link over 255 bytes")

	// The first error sticks; later segments are ignored.
	_, err = EPath().Port(0, []byte{1}).Class(0x02).Instance(0x01).Build()
	assert.ErrorContains(t, err, "port 0")
}

func TestEPathRoute(t *testing.T) {
	// Out the backplane to slot 2, then out its Ethernet port to another chassis.
	got, err := EPath().Slot(2).Port(2, []byte("10.0.0.1")).Slot(0).Build()
	require.NoError(t, err)
	want := Path{
		0x01, 0x02,
		0x12, 0x08, '1', '0', '.', '0', '.', '0', '.', '1',
		0x01, 0x00,
	}
	assert.Equal(t, want, got)
	assert.Equal(t, byte(7), got.WordLen())
}

func TestEPathSymbol(t *testing.T) {
	tests := []struct {
		tag  string
		want Path
	}{
		{"A", Path{0x91, 0x01, 'A', 0x00}},
		{"Ab", Path{0x91, 0x02, 'A', 'b'}},
		{"Program:Main.X", Path{
			0x91, 0x0C, 'P', 'r', 'o', 'g', 'r', 'a', 'm', ':', 'M', 'a', 'i', 'n',
			0x91, 0x01, 'X', 0x00,
		}},
		{"Arr[5]", Path{0x91, 0x03, 'A', 'r', 'r', 0x00, 0x28, 0x05}},
		{"Arr[300]", Path{0x91, 0x03, 'A', 'r', 'r', 0x00, 0x29, 0x00, 0x2C, 0x01}},
		{"Arr[70000]", Path{0x91, 0x03, 'A', 'r', 'r', 0x00, 0x2A, 0x00, 0x70, 0x11, 0x01, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			got, err := EPath().Symbol(tt.tag).Build()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadTag(t *testing.T) {
	req, err := ReadTag("A", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x4C, 0x02, 0x91, 0x01, 'A', 0x00, 0x01, 0x00}, req.Bytes())

	_, err = ReadTag("", 1)
	assert.Error(t, err)
}

func TestTagValue(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		typ  string
		want interface{}
	}{
		{"bool", []byte{0xC1, 0x00, 0x01}, "BOOL", true},
		{"sint", []byte{0xC2, 0x00, 0xFF}, "SINT", int8(-1)},
		{"int", []byte{0xC3, 0x00, 0x34, 0x12}, "INT", int16(0x1234)},
		{"dint", []byte{0xC4, 0x00, 0x2A, 0x00, 0x00, 0x00}, "DINT", int32(42)},
		{"udint", []byte{0xC8, 0x00, 0xFF, 0xFF, 0xFF, 0xFF}, "UDINT", uint32(0xFFFFFFFF)},
		{"real", []byte{0xCA, 0x00, 0x00, 0x00, 0x80, 0x3F}, "REAL", float32(1)},
		{"lint", []byte{0xC5, 0x00, 0xFE, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, "LINT", int64(-2)},
		{"short dint", []byte{0xC4, 0x00, 0x01}, "DINT", []byte{0x01}},
		{"struct", []byte{0xCE, 0x8F, 0x01, 0x02}, "STRUCT(4046)", []byte{0x01, 0x02}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v TagValue
			require.NoError(t, v.DecodeCIP(tt.data))
			assert.Equal(t, tt.typ, TypeName(v.Type))
			assert.Equal(t, tt.want, v.Value())
		})
	}

	var v TagValue
	assert.ErrorIs(t, v.DecodeCIP([]byte{0xC4}), ErrMalformedReply)
}
