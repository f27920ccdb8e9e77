// Package emitter is the producer-side client for the observability server.
// Events are queued without blocking and posted in the background; delivery
// failures are logged at debug level and otherwise ignored.
package emitter

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/pai-observability/observe"
)

const (
	DefaultQueueSize = 256
	DefaultTimeout   = time.Second
)

// HTTPSink posts each event to <baseURL>/events.
type HTTPSink struct {
	url    string
	client *http.Client
}

func NewHTTPSink(baseURL string, client *http.Client) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPSink{url: strings.TrimRight(baseURL, "/") + "/events", client: client}
}

func (s *HTTPSink) Emit(ctx context.Context, event observe.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("observability server returned %s", resp.Status)
	}
	return nil
}

type Emitter struct {
	queue    *observe.AsyncSink
	logger   *slog.Logger
	now      func() time.Time
	disabled bool

	mu        sync.Mutex
	sessionID string
}

type Option func(*config)

type config struct {
	queueSize int
	timeout   time.Duration
	client    *http.Client
	sink      observe.Sink
	logger    *slog.Logger
	now       func() time.Time
	disabled  bool
}

func WithQueueSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *config) { c.client = client }
}

// WithSink replaces HTTP delivery. Mostly useful in tests.
func WithSink(sink observe.Sink) Option {
	return func(c *config) { c.sink = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithDisabled turns every emit into a no-op.
func WithDisabled(disabled bool) Option {
	return func(c *config) { c.disabled = disabled }
}

func New(baseURL string, opts ...Option) *Emitter {
	cfg := config{
		queueSize: DefaultQueueSize,
		timeout:   DefaultTimeout,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	sink := cfg.sink
	if sink == nil {
		client := cfg.client
		if client == nil {
			client = &http.Client{Timeout: cfg.timeout}
		}
		sink = NewHTTPSink(baseURL, client)
	}
	logger := cfg.logger
	e := &Emitter{
		logger:   logger,
		now:      cfg.now,
		disabled: cfg.disabled,
	}
	e.queue = observe.NewAsyncSink(sink, cfg.queueSize,
		observe.WithDeliveryTimeout(cfg.timeout),
		observe.WithErrorHandler(func(event observe.Event, err error) {
			logger.Debug("observability emit failed", "event_type", event.EventType, "error", err)
		}),
	)
	return e
}

// NewSessionID returns an id of the form ses_<base36 unix millis>_<6 random base36 chars>.
func NewSessionID(now time.Time) string {
	return "ses_" + strconv.FormatInt(now.UnixMilli(), 36) + "_" + randomBase36(6)
}

func randomBase36(n int) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	base := big.NewInt(int64(len(alphabet)))
	var b strings.Builder
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, base)
		if err != nil {
			b.WriteByte(alphabet[i%len(alphabet)])
			continue
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String()
}

// SessionID returns the current session id, generating one if none is set.
func (e *Emitter) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionID == "" {
		e.sessionID = NewSessionID(e.now())
	}
	return e.sessionID
}

func (e *Emitter) SetSessionID(id string) {
	e.mu.Lock()
	e.sessionID = id
	e.mu.Unlock()
}

// Reset forgets the current session so the next emit starts a fresh one.
func (e *Emitter) Reset() {
	e.SetSessionID("")
}

// Emit queues one event for the current session. It never blocks on the
// network; the only error is a payload that cannot be encoded.
func (e *Emitter) Emit(eventType string, data map[string]any) error {
	if e == nil || e.disabled {
		return nil
	}
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s data: %w", eventType, err)
	}
	event := observe.Event{
		ID:        uuid.NewString(),
		Timestamp: e.now().UTC().Format("2006-01-02T15:04:05.000Z"),
		SessionID: e.SessionID(),
		EventType: eventType,
		Data:      raw,
	}
	return e.queue.Emit(context.Background(), event)
}

// Dropped reports how many events were discarded because the queue was full.
func (e *Emitter) Dropped() int64 {
	if e == nil {
		return 0
	}
	return e.queue.Dropped()
}

// Close waits for queued events to be delivered or to fail.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	e.queue.Close()
}

func (e *Emitter) SessionStart(metadata map[string]any) error {
	e.SetSessionID(NewSessionID(e.now()))
	data := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		data[k] = v
	}
	if wd, err := os.Getwd(); err == nil {
		data["working_directory"] = wd
	}
	data["platform"] = runtime.GOOS
	return e.Emit(observe.TypeSessionStart, data)
}

// SessionEnd emits session.end and resets the session id.
func (e *Emitter) SessionEnd(duration time.Duration, stats map[string]any) error {
	data := map[string]any{"duration_ms": duration.Milliseconds()}
	for k, v := range stats {
		data[k] = v
	}
	err := e.Emit(observe.TypeSessionEnd, data)
	e.Reset()
	return err
}

func (e *Emitter) ToolExecute(tool string, args map[string]any, duration time.Duration, success bool, resultLength int) error {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	preview, _ := json.Marshal(args)
	return e.Emit(observe.TypeToolExecute, map[string]any{
		"tool":          tool,
		"args_keys":     keys,
		"args_preview":  truncate(string(preview), 200),
		"duration_ms":   duration.Milliseconds(),
		"success":       success,
		"result_length": resultLength,
	})
}

func (e *Emitter) SecurityBlock(tool, reason, pattern string) error {
	data := map[string]any{"tool": tool, "reason": reason}
	if pattern != "" {
		data["pattern"] = pattern
	}
	return e.Emit(observe.TypeSecurityBlock, data)
}

func (e *Emitter) SecurityWarn(tool, reason string) error {
	return e.Emit(observe.TypeSecurityWarn, map[string]any{"tool": tool, "reason": reason})
}

func (e *Emitter) UserMessage(contentLength int, hasRating bool) error {
	return e.Emit(observe.TypeMessageUser, map[string]any{
		"content_length": contentLength,
		"has_rating":     hasRating,
	})
}

func (e *Emitter) ExplicitRating(score float64, comment string) error {
	data := map[string]any{"score": score, "has_comment": comment != ""}
	if comment != "" {
		data["comment_preview"] = truncate(comment, 100)
	}
	return e.Emit(observe.TypeRatingExplicit, data)
}

func (e *Emitter) AgentSpawn(agentType string, promptLength int) error {
	return e.Emit(observe.TypeAgentSpawn, map[string]any{
		"agent_type":    agentType,
		"prompt_length": promptLength,
	})
}

func (e *Emitter) AgentComplete(agentType string, resultLength int, duration time.Duration) error {
	return e.Emit(observe.TypeAgentComplete, map[string]any{
		"agent_type":    agentType,
		"result_length": resultLength,
		"duration_ms":   duration.Milliseconds(),
	})
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
