package cip

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"math"

	"cipmsg/logging"
)

// Multiple Service Packet (service 0x0A) allows batching multiple CIP requests.
const SvcMultipleServicePacket byte = 0x0A

// MultipleServices encodes a batch of requests as Multiple Service Packet data:
//
//	[count 2] [offset 2]*count [request n]*count
//
// Offsets are measured from the start of the count field.
type MultipleServices []MessageRequest

func (m MultipleServices) Len() int {
	n := 2 + 2*len(m)
	for _, r := range m {
		n += r.Len()
	}
	return n
}

func (m MultipleServices) Append(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(m)))
	offset := 2 + 2*len(m)
	for _, r := range m {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(offset))
		offset += r.Len()
	}
	for _, r := range m {
		dst = r.Append(dst)
	}
	return dst
}

// MultipleServicePacket collects requests and sends them as one Multiple
// Service Packet through a MessageService.
type MultipleServicePacket struct {
	svc   MessageService
	items MultipleServices
}

func NewMultipleServicePacket(svc MessageService) *MultipleServicePacket {
	return &MultipleServicePacket{svc: svc}
}

// Push appends a request to the batch.
func (p *MultipleServicePacket) Push(req MessageRequest) *MultipleServicePacket {
	p.items = append(p.items, req)
	return p
}

// PushAll appends requests to the batch in order.
func (p *MultipleServicePacket) PushAll(reqs ...MessageRequest) *MultipleServicePacket {
	p.items = append(p.items, reqs...)
	return p
}

// Len returns the number of queued requests.
func (p *MultipleServicePacket) Len() int { return len(p.items) }

// Call sends the batch and returns a cursor over the replies. An empty batch
// sends nothing and returns an exhausted cursor.
func (p *MultipleServicePacket) Call(ctx context.Context) (*ReplyIter, error) {
	if len(p.items) == 0 {
		return newReplyIter(nil), nil
	}
	if len(p.items) > math.MaxUint16 {
		return nil, fmt.Errorf("MultipleServicePacket: %w: %d requests", ErrBatchTooLarge, len(p.items))
	}
	if n := p.items.Len(); n > math.MaxUint16 {
		return nil, fmt.Errorf("MultipleServicePacket: %w: %d bytes", ErrBatchTooLarge, n)
	}

	logging.DebugLog("CIP", "MultipleServicePacket: %d requests, %d bytes", len(p.items), p.items.Len())

	reply, err := p.svc.Send(ctx, NewRequest(SvcMultipleServicePacket, MessageRouterPath(), p.items))
	if err != nil {
		return nil, fmt.Errorf("MultipleServicePacket: %w", err)
	}
	if err := CheckReplyService(SvcMultipleServicePacket, reply.ReplyService); err != nil {
		return nil, fmt.Errorf("MultipleServicePacket: %w", err)
	}
	return newReplyIter(reply.Data), nil
}

// ReplyIter decodes a Multiple Service Packet reply one item at a time. The
// count and offset table are read on the first call to Next. Each item spans
// from its offset to the next one; the last item takes the rest of the buffer.
//
// A malformed offset table or item poisons the cursor: the error is returned
// once and every later call reports no more items. ReplyIter is single pass
// and not safe for concurrent use.
type ReplyIter struct {
	buf     []byte
	offsets []byte
	count   int
	i       int
	started bool
	done    bool
}

func newReplyIter(buf []byte) *ReplyIter {
	return &ReplyIter{buf: buf, done: buf == nil}
}

// NewReplyIter returns a cursor over the data of a Multiple Service Packet reply.
func NewReplyIter(data []byte) *ReplyIter {
	return &ReplyIter{buf: data}
}

func (it *ReplyIter) finish() {
	it.done = true
	it.buf = nil
	it.offsets = nil
}

func (it *ReplyIter) poison(err error) ([]byte, bool, error) {
	logging.DebugLog("CIP", "MultipleServicePacket reply: %v", err)
	it.finish()
	return nil, true, err
}

// nextItem returns the raw bytes of the next item.
func (it *ReplyIter) nextItem() ([]byte, bool, error) {
	if it.done {
		return nil, false, nil
	}
	if !it.started {
		it.started = true
		if len(it.buf) < 2 {
			return it.poison(malformed("multiple service reply is %d bytes, need 2", len(it.buf)))
		}
		it.count = int(binary.LittleEndian.Uint16(it.buf[0:2]))
		if it.count == 0 {
			it.finish()
			return nil, false, nil
		}
		table := 2 * it.count
		if len(it.buf)-2 < table {
			return it.poison(malformed("offset table for %d replies needs %d bytes, have %d",
				it.count, table, len(it.buf)-2))
		}
		it.offsets = it.buf[2 : 2+table]
	}
	if it.i >= it.count {
		it.finish()
		return nil, false, nil
	}

	start := int(binary.LittleEndian.Uint16(it.offsets[2*it.i:]))
	if it.i == 0 && start < 2+len(it.offsets) {
		return it.poison(malformed("offset 0 (%d) points into the offset table", start))
	}
	end := len(it.buf)
	if it.i < it.count-1 {
		end = int(binary.LittleEndian.Uint16(it.offsets[2*(it.i+1):]))
		if end <= start {
			return it.poison(malformed("offset %d (%d) does not follow offset %d (%d)", it.i+1, end, it.i, start))
		}
	}
	if start > len(it.buf) || end > len(it.buf) {
		return it.poison(malformed("reply %d spans %d..%d, buffer is %d bytes", it.i, start, end, len(it.buf)))
	}
	it.i++
	return it.buf[start:end], true, nil
}

// Next decodes the next reply. ok is false once there are no more items.
//
// A reply with a nonzero general status is returned as a *StatusError with ok
// true; the cursor moves on to the next reply. Any other error poisons the
// cursor.
func (it *ReplyIter) Next() (reply MessageReply[Bytes], ok bool, err error) {
	item, ok, err := it.nextItem()
	if !ok || err != nil {
		return MessageReply[Bytes]{}, ok, err
	}
	reply, err = DecodeReply(item)
	if err != nil {
		var se *StatusError
		if !errors.As(err, &se) {
			it.poison(err)
		}
		return MessageReply[Bytes]{}, true, err
	}
	return reply, true, nil
}

// NextAs decodes the next reply with its data parsed as T. A data decode
// failure poisons the cursor.
func NextAs[T any, PT interface {
	*T
	Decoder
}](it *ReplyIter) (MessageReply[T], bool, error) {
	raw, ok, err := it.Next()
	if !ok || err != nil {
		return MessageReply[T]{}, ok, err
	}
	out, err := decodeData[T, PT](raw)
	if err != nil {
		it.poison(err)
		return MessageReply[T]{}, true, err
	}
	return out, true, nil
}

// All ranges over the remaining replies.
func (it *ReplyIter) All() iter.Seq2[MessageReply[Bytes], error] {
	return func(yield func(MessageReply[Bytes], error) bool) {
		for {
			reply, ok, err := it.Next()
			if !ok || !yield(reply, err) {
				return
			}
		}
	}
}
