package report

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipmsg/cip"
)

// batchReply lays out Multiple Service Packet reply data for items.
func batchReply(items ...[]byte) []byte {
	out := binary.LittleEndian.AppendUint16(nil, uint16(len(items)))
	offset := 2 + 2*len(items)
	for _, it := range items {
		out = binary.LittleEndian.AppendUint16(out, uint16(offset))
		offset += len(it)
	}
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func readOK(typ uint16, data ...byte) []byte {
	out := []byte{cip.SvcReadTag | cip.ReplyMask, 0, 0, 0}
	out = binary.LittleEndian.AppendUint16(out, typ)
	return append(out, data...)
}

func readFailed(general byte, ext uint16) []byte {
	out := []byte{cip.SvcReadTag | cip.ReplyMask, 0, general, 2}
	return binary.LittleEndian.AppendUint16(out, ext)
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCollect(t *testing.T) {
	buf := batchReply(
		readOK(cip.TypeDINT, 0x2A, 0, 0, 0),
		[]byte{cip.SvcReadTag | cip.ReplyMask, 0, cip.StatusPathSegmentError, 0},
		readOK(cip.TypeBOOL, 1),
	)

	readings := Collect("press4", []string{"Count", "Missing", "Running"}, cip.NewReplyIter(buf), now)
	require.Len(t, readings, 3)

	assert.True(t, readings[0].OK())
	assert.Equal(t, "DINT", readings[0].Type)
	assert.Equal(t, int32(42), readings[0].Value)
	assert.Equal(t, "2a000000", readings[0].Raw)
	assert.Equal(t, "press4/Count", readings[0].Key())

	assert.False(t, readings[1].OK())
	assert.Equal(t, cip.StatusPathSegmentError, readings[1].GeneralStatus)
	assert.NotEmpty(t, readings[1].Status)

	assert.True(t, readings[2].OK())
	assert.Equal(t, true, readings[2].Value)
	assert.Equal(t, now, readings[2].Timestamp)
}

func TestCollectShortBatch(t *testing.T) {
	buf := batchReply(readOK(cip.TypeINT, 7, 0))

	readings := Collect("t", []string{"A", "B", "C"}, cip.NewReplyIter(buf), now)
	require.Len(t, readings, 3)
	assert.True(t, readings[0].OK())
	assert.Equal(t, int16(7), readings[0].Value)
	assert.Equal(t, "no reply in batch", readings[1].Error)
	assert.Equal(t, "no reply in batch", readings[2].Error)
}

func TestCollectPoisoned(t *testing.T) {
	// Second item is a 1-byte reply: malformed, poisons the cursor.
	buf := batchReply(readOK(cip.TypeSINT, 0xFF), []byte{0xCC}, readOK(cip.TypeSINT, 1))

	readings := Collect("t", []string{"A", "B", "C"}, cip.NewReplyIter(buf), now)
	require.Len(t, readings, 3)
	assert.Equal(t, int8(-1), readings[0].Value)
	assert.Contains(t, readings[1].Error, "malformed")
	assert.Contains(t, readings[2].Error, "batch reply unreadable")
}

func TestFromReplyStatusError(t *testing.T) {
	_, err := cip.DecodeReply(readFailed(cip.StatusGeneralError, 0x2107))
	require.Error(t, err)

	r := FromReply("t", "Tag", cip.MessageReply[cip.TagValue]{}, err, now)
	assert.False(t, r.OK())
	assert.Equal(t, cip.StatusGeneralError, r.GeneralStatus)
	assert.Equal(t, uint16(0x2107), r.ExtendedStatus)
	assert.Empty(t, r.Raw)
}

func TestReadingJSON(t *testing.T) {
	r := Reading{Target: "t", Tag: "A", Status: "Success", Type: "DINT", TypeCode: cip.TypeDINT, Value: int32(5), Raw: "05000000", Timestamp: now}
	data, err := json.Marshal(r)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "A", m["tag"])
	assert.Equal(t, float64(5), m["value"])
	assert.NotContains(t, m, "error")
}

func TestChangeTracker(t *testing.T) {
	c := NewChangeTracker()
	a := Reading{Target: "t", Tag: "A", Type: "DINT", Raw: "01000000"}
	b := Reading{Target: "t", Tag: "B", Type: "DINT", Raw: "02000000"}

	assert.Len(t, c.Changed([]Reading{a, b}, false), 2)
	assert.Empty(t, c.Changed([]Reading{a, b}, false))

	b.Raw = "03000000"
	got := c.Changed([]Reading{a, b}, false)
	require.Len(t, got, 1)
	assert.Equal(t, "B", got[0].Tag)

	assert.Len(t, c.Changed([]Reading{a, b}, true), 2)

	a.Error = "timeout"
	assert.Len(t, c.Changed([]Reading{a}, false), 1)

	c.Forget(b)
	got = c.Changed([]Reading{a, b}, false)
	require.Len(t, got, 1)
	assert.Equal(t, "B", got[0].Tag)

	c.Reset()
	assert.Len(t, c.Changed([]Reading{a, b}, false), 2)
}

type fakeSink struct {
	name   string
	err    error
	mu     sync.Mutex
	got    [][]Reading
	closed bool
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Publish(_ context.Context, readings []Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, readings)
	return s.err
}

func (s *fakeSink) Close() error {
	s.closed = true
	return s.err
}

func TestFanout(t *testing.T) {
	boom := errors.New("broker down")
	good := &fakeSink{name: "good"}
	bad := &fakeSink{name: "bad", err: boom}
	f := NewFanout(0, good)
	f.Add(bad)

	assert.Equal(t, 2, f.Len())
	assert.Equal(t, []string{"good", "bad"}, f.Names())

	readings := []Reading{{Target: "t", Tag: "A"}}
	err := f.Publish(context.Background(), readings)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var se *SinkError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "bad", se.Sink)

	require.Len(t, good.got, 1)
	assert.Equal(t, readings, good.got[0])
	require.Len(t, bad.got, 1)

	// Empty batches are not published.
	require.NoError(t, f.Publish(context.Background(), nil))
	assert.Len(t, good.got, 1)

	err = f.Close()
	assert.ErrorIs(t, err, boom)
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
	assert.Equal(t, 0, f.Len())
}

func TestFanoutLimit(t *testing.T) {
	sinks := make([]Sink, 5)
	for i := range sinks {
		sinks[i] = &fakeSink{name: string(rune('a' + i))}
	}
	f := NewFanout(2, sinks...)
	require.NoError(t, f.Publish(context.Background(), []Reading{{Tag: "A"}}))
	for _, s := range sinks {
		assert.Len(t, s.(*fakeSink).got, 1)
	}
}

func TestJSONSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONSink("stdout", &buf)
	assert.Equal(t, "stdout", s.Name())

	err := s.Publish(context.Background(), []Reading{{Tag: "A"}, {Tag: "B", Error: "x"}})
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[1]), `"error":"x"`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Publish(ctx, []Reading{{Tag: "C"}}), context.Canceled)
	assert.NoError(t, s.Close())
}
