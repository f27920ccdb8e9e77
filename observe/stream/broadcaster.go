// Package stream fans stored events out to live Server-Sent-Events readers.
//
// Each subscriber owns a bounded channel of pre-encoded SSE frames. Publish
// never blocks: a subscriber whose buffer is full is treated as gone and is
// removed, which is the only way a slow or disconnected reader can affect the
// registry.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/PipeOpsHQ/pai-observability/observe"
)

const (
	DefaultHeartbeat = 30 * time.Second
	defaultBuffer    = 128
)

var heartbeatFrame = []byte(": heartbeat\n\n")

// HeartbeatFrame returns the SSE comment written as a keep-alive.
func HeartbeatFrame() []byte {
	return append([]byte(nil), heartbeatFrame...)
}

// EncodeFrame renders an event as a single SSE data frame.
func EncodeFrame(event observe.Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event %q: %w", event.ID, err)
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

type Broadcaster struct {
	mu        sync.Mutex
	nextID    int
	subs      map[int]*Subscription
	closed    bool
	buffer    int
	heartbeat time.Duration
	logger    *slog.Logger
}

type Option func(*Broadcaster)

// WithBuffer sets how many undelivered frames a subscriber may hold.
func WithBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func WithHeartbeat(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.heartbeat = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Broadcaster) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subs:      map[int]*Subscription{},
		buffer:    defaultBuffer,
		heartbeat: DefaultHeartbeat,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is one live reader. Frames arrive on C; C is closed when the
// subscription is dropped, unsubscribed, or the broadcaster closes.
type Subscription struct {
	C <-chan []byte

	id   int
	ch   chan []byte
	b    *Broadcaster
	once sync.Once
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s == nil || s.b == nil {
		return
	}
	s.b.unsubscribe(s.id)
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Subscribe registers a reader. Its first frame is a heartbeat; after that it
// sees every frame published from now on and nothing published before.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan []byte, b.buffer+1)
	sub := &Subscription{C: ch, ch: ch, b: b, id: b.nextID}
	if b.closed {
		sub.close()
		return sub
	}
	b.nextID++
	ch <- heartbeatFrame
	b.subs[sub.id] = sub
	return sub
}

func (b *Broadcaster) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		sub.close()
	}
}

// Publish encodes the event once and offers the frame to every subscriber.
// The lock is held for the whole fan-out so all readers observe the same
// order.
func (b *Broadcaster) Publish(event observe.Event) error {
	frame, err := EncodeFrame(event)
	if err != nil {
		return err
	}
	b.broadcast(frame, "publish")
	return nil
}

// Heartbeat sends a keep-alive comment to every subscriber.
func (b *Broadcaster) Heartbeat() {
	b.broadcast(heartbeatFrame, "heartbeat")
}

func (b *Broadcaster) broadcast(frame []byte, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		select {
		case sub.ch <- frame:
		default:
			delete(b.subs, id)
			sub.close()
			b.logger.Debug("dropped stream subscriber", "subscriber", id, "during", reason)
		}
	}
}

// Run sends heartbeats until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Heartbeat()
		}
	}
}

// Len reports the number of registered subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops every subscriber and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.close()
	}
}
