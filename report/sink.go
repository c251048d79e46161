package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"cipmsg/logging"
)

// Sink publishes batches of readings somewhere.
type Sink interface {
	Name() string
	Publish(ctx context.Context, readings []Reading) error
	Close() error
}

// SinkError reports which sink failed.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return fmt.Sprintf("sink %s: %v", e.Sink, e.Err) }
func (e *SinkError) Unwrap() error { return e.Err }

// Fanout publishes each batch to every sink concurrently. A failing sink
// does not stop the others; all failures are joined into the result.
type Fanout struct {
	mu    sync.RWMutex
	sinks []Sink
	limit int
}

// NewFanout returns a fanout over sinks. limit caps concurrent publishes; 0
// means one goroutine per sink.
func NewFanout(limit int, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, limit: limit}
}

var _ Sink = (*Fanout)(nil)

func (f *Fanout) Name() string { return "fanout" }

func (f *Fanout) Add(s Sink) {
	f.mu.Lock()
	f.sinks = append(f.sinks, s)
	f.mu.Unlock()
}

func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks)
}

func (f *Fanout) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		names[i] = s.Name()
	}
	return names
}

// Publish sends readings to all sinks and waits for them to finish.
func (f *Fanout) Publish(ctx context.Context, readings []Reading) error {
	if len(readings) == 0 {
		return nil
	}

	f.mu.RLock()
	sinks := append([]Sink(nil), f.sinks...)
	f.mu.RUnlock()

	errs := make([]error, len(sinks))
	var g errgroup.Group
	if f.limit > 0 {
		g.SetLimit(f.limit)
	}
	for i, s := range sinks {
		g.Go(func() error {
			if err := s.Publish(ctx, readings); err != nil {
				logging.DebugLog("CIPCTL", "publish to %s failed: %v", s.Name(), err)
				errs[i] = &SinkError{Sink: s.Name(), Err: err}
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close closes every sink.
func (f *Fanout) Close() error {
	f.mu.Lock()
	sinks := f.sinks
	f.sinks = nil
	f.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, &SinkError{Sink: s.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

// JSONSink writes one JSON object per reading to w.
type JSONSink struct {
	name string
	mu   sync.Mutex
	enc  *json.Encoder
}

func NewJSONSink(name string, w io.Writer) *JSONSink {
	return &JSONSink{name: name, enc: json.NewEncoder(w)}
}

func (s *JSONSink) Name() string { return s.name }

func (s *JSONSink) Publish(ctx context.Context, readings []Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range readings {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *JSONSink) Close() error { return nil }
