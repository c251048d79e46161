// Package report turns decoded read replies into readings and hands them to
// publishing sinks.
package report

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"cipmsg/cip"
)

// Reading is the outcome of reading one tag in a batch.
type Reading struct {
	Target         string      `json:"target"`
	Tag            string      `json:"tag"`
	Status         string      `json:"status"`
	GeneralStatus  byte        `json:"general_status"`
	ExtendedStatus uint16      `json:"extended_status,omitempty"`
	Type           string      `json:"type,omitempty"`
	TypeCode       uint16      `json:"type_code,omitempty"`
	Value          interface{} `json:"value,omitempty"`
	Raw            string      `json:"raw,omitempty"` // hex element bytes
	Error          string      `json:"error,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// OK reports whether the tag was read successfully.
func (r Reading) OK() bool { return r.Error == "" }

// Key is "<target>/<tag>".
func (r Reading) Key() string { return r.Target + "/" + r.Tag }

func (r Reading) String() string {
	if !r.OK() {
		return fmt.Sprintf("%s: error: %s", r.Tag, r.Error)
	}
	return fmt.Sprintf("%s: %s = %v", r.Tag, r.Type, r.Value)
}

// FromReply builds the reading for one Read Tag reply. err is the per-item
// error from the reply cursor.
func FromReply(target, tag string, reply cip.MessageReply[cip.TagValue], err error, at time.Time) Reading {
	r := Reading{Target: target, Tag: tag, Timestamp: at}
	if err != nil {
		r.Error = err.Error()
		var se *cip.StatusError
		if errors.As(err, &se) {
			r.GeneralStatus = se.Status.General
			r.ExtendedStatus = se.Status.Extended
			r.Status = se.Status.Name()
		}
		return r
	}
	r.GeneralStatus = reply.Status.General
	r.ExtendedStatus = reply.Status.Extended
	r.Status = reply.Status.Name()
	r.TypeCode = reply.Data.Type
	r.Type = cip.TypeName(reply.Data.Type)
	r.Value = reply.Data.Value()
	r.Raw = hex.EncodeToString(reply.Data.Data)
	return r
}

// Collect drains a batch of Read Tag replies into one reading per tag, in
// request order. Tags without a reply (short or poisoned batch) get an error
// reading so the result always lines up with tags.
func Collect(target string, tags []string, it *cip.ReplyIter, at time.Time) []Reading {
	out := make([]Reading, 0, len(tags))
	var stopped error
	for _, tag := range tags {
		if stopped != nil {
			out = append(out, Reading{Target: target, Tag: tag, Error: stopped.Error(), Timestamp: at})
			continue
		}
		reply, ok, err := cip.NextAs[cip.TagValue](it)
		if !ok {
			stopped = errors.New("no reply in batch")
			out = append(out, Reading{Target: target, Tag: tag, Error: stopped.Error(), Timestamp: at})
			continue
		}
		var se *cip.StatusError
		if err != nil && !errors.As(err, &se) {
			// The cursor is poisoned; later tags cannot be matched up.
			stopped = fmt.Errorf("batch reply unreadable: %w", err)
		}
		out = append(out, FromReply(target, tag, reply, err, at))
	}
	return out
}

// ChangeTracker remembers the last published value per reading key. Sinks
// use it to publish only readings whose value or error changed.
type ChangeTracker struct {
	mu   sync.Mutex
	last map[string]string
}

func NewChangeTracker() *ChangeTracker {
	return &ChangeTracker{last: make(map[string]string)}
}

func fingerprint(r Reading) string {
	if !r.OK() {
		return "err:" + r.Error
	}
	return r.Type + ":" + r.Raw
}

// Changed returns the readings that differ from the last call and records
// them. force returns all readings.
func (c *ChangeTracker) Changed(readings []Reading, force bool) []Reading {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Reading, 0, len(readings))
	for _, r := range readings {
		fp := fingerprint(r)
		if last, ok := c.last[r.Key()]; ok && last == fp && !force {
			continue
		}
		c.last[r.Key()] = fp
		out = append(out, r)
	}
	return out
}

// Forget drops the remembered value for r, so it is published again next
// time. Sinks call it when a publish fails.
func (c *ChangeTracker) Forget(r Reading) {
	c.mu.Lock()
	delete(c.last, r.Key())
	c.mu.Unlock()
}

// Reset forgets all values so the next batch is published in full.
func (c *ChangeTracker) Reset() {
	c.mu.Lock()
	c.last = make(map[string]string)
	c.mu.Unlock()
}
