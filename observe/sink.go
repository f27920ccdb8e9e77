package observe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Sink receives events after they have been accepted by the store.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Emit(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type NoopSink struct{}

func (NoopSink) Emit(context.Context, Event) error { return nil }

// MultiSink delivers to every sink in order. A failing sink does not stop
// delivery to the ones after it; all errors are joined.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s == nil {
			continue
		}
		filtered = append(filtered, s)
	}
	if len(filtered) == 0 {
		return NoopSink{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &MultiSink{sinks: filtered}
}

func (m *MultiSink) Emit(ctx context.Context, event Event) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsyncSink decouples callers from a slow downstream with a bounded queue.
// When the queue is full the newest event is dropped and counted.
type AsyncSink struct {
	downstream Sink
	queue      chan Event
	timeout    time.Duration
	onError    func(Event, error)
	dropped    atomic.Int64
	once       sync.Once
	done       chan struct{}
}

type AsyncOption func(*AsyncSink)

// WithDeliveryTimeout bounds each downstream Emit call.
func WithDeliveryTimeout(d time.Duration) AsyncOption {
	return func(s *AsyncSink) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithErrorHandler observes downstream failures. The default discards them.
func WithErrorHandler(fn func(Event, error)) AsyncOption {
	return func(s *AsyncSink) {
		s.onError = fn
	}
}

func NewAsyncSink(downstream Sink, buffer int, opts ...AsyncOption) *AsyncSink {
	if downstream == nil {
		downstream = NoopSink{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	as := &AsyncSink{
		downstream: downstream,
		queue:      make(chan Event, buffer),
		timeout:    5 * time.Second,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(as)
	}
	go as.loop()
	return as
}

// Emit enqueues without blocking. It never reports downstream errors.
func (s *AsyncSink) Emit(ctx context.Context, event Event) (err error) {
	if s == nil {
		return nil
	}
	defer func() {
		// Emit after Close lands on a closed channel.
		if recover() != nil {
			s.dropped.Add(1)
			err = nil
		}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.queue <- event:
		return nil
	default:
		s.dropped.Add(1)
		return nil
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (s *AsyncSink) Dropped() int64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

// Close stops accepting events and waits for the queue to drain.
func (s *AsyncSink) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.queue) })
	<-s.done
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for event := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.downstream.Emit(ctx, event)
		cancel()
		if err != nil && s.onError != nil {
			s.onError(event, err)
		}
	}
}
