// Package redisstream appends stored events to a capped Redis stream so other
// local tools can tail agent activity with XREAD without polling the HTTP API.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/pai-observability/observe"
)

const (
	DefaultStream = "pai:events"
	DefaultMaxLen = 10000
)

type Sink struct {
	client   *goredis.Client
	addr     string
	password string
	db       int
	stream   string
	maxLen   int64
}

type Option func(*Sink)

func WithClient(client *goredis.Client) Option {
	return func(s *Sink) {
		if client != nil {
			s.client = client
		}
	}
}

func WithStream(stream string) Option {
	return func(s *Sink) {
		if stream = strings.TrimSpace(stream); stream != "" {
			s.stream = stream
		}
	}
}

// WithMaxLen caps the stream length (approximate trimming).
func WithMaxLen(n int64) Option {
	return func(s *Sink) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

func WithPassword(password string) Option {
	return func(s *Sink) { s.password = password }
}

func WithDB(db int) Option {
	return func(s *Sink) { s.db = db }
}

func New(addr string, opts ...Option) (*Sink, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	s := &Sink{
		addr:   addr,
		stream: DefaultStream,
		maxLen: DefaultMaxLen,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(s.clientOptions())
	}
	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

func (s *Sink) clientOptions() *goredis.Options {
	return &goredis.Options{Addr: s.addr, Password: s.password, DB: s.db}
}

func (s *Sink) Stream() string { return s.stream }

// Emit appends the event as the stream entry's "payload" field, with
// session_id and event_type alongside for cheap filtering.
func (s *Sink) Emit(ctx context.Context, event observe.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"payload":    string(payload),
			"session_id": event.SessionID,
			"event_type": event.EventType,
		},
	}).Err(); err != nil {
		return fmt.Errorf("failed to append event %q: %w", event.ID, err)
	}
	return nil
}

// Read returns up to count entries after lastID ("0" for the beginning).
func (s *Sink) Read(ctx context.Context, lastID string, count int64) ([]observe.Event, string, error) {
	if lastID == "" {
		lastID = "0"
	}
	if count <= 0 {
		count = 100
	}
	msgs, err := s.client.XRangeN(ctx, s.stream, "("+lastID, "+", count).Result()
	if err != nil {
		return nil, lastID, fmt.Errorf("failed to read stream: %w", err)
	}
	out := make([]observe.Event, 0, len(msgs))
	for _, msg := range msgs {
		lastID = msg.ID
		payload, _ := msg.Values["payload"].(string)
		if payload == "" {
			continue
		}
		var e observe.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, lastID, nil
}

func (s *Sink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ observe.Sink = (*Sink)(nil)
