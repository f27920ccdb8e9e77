package emitter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/pai-observability/observe"
)

type recordingSink struct {
	mu     sync.Mutex
	events []observe.Event
}

func (r *recordingSink) Emit(_ context.Context, e observe.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) snapshot() []observe.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]observe.Event(nil), r.events...)
}

func TestNewSessionIDFormat(t *testing.T) {
	id := NewSessionID(time.UnixMilli(1735689600000))
	if !regexp.MustCompile(`^ses_[0-9a-z]+_[0-9a-z]{6}$`).MatchString(id) {
		t.Fatalf("unexpected session id %q", id)
	}
	if id[:13] != "ses_m5d4ruo0_" {
		t.Fatalf("expected base36 millis prefix, got %q", id)
	}
}

func TestEmitterPostsEvents(t *testing.T) {
	var (
		mu  sync.Mutex
		got []observe.Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/events" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var e observe.Event
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	em := New(srv.URL + "/")
	em.SetSessionID("s1")
	if err := em.ToolExecute("bash", map[string]any{"cmd": "ls"}, 150*time.Millisecond, true, 42); err != nil {
		t.Fatalf("emit: %v", err)
	}
	em.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 posted event, got %d", len(got))
	}
	e := got[0]
	if e.SessionID != "s1" || e.EventType != observe.TypeToolExecute || e.ID == "" {
		t.Fatalf("unexpected event %+v", e)
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("posted event invalid: %v", err)
	}
	data := e.DataMap()
	if data["tool"] != "bash" || data["duration_ms"] != float64(150) || data["args_preview"] != `{"cmd":"ls"}` {
		t.Fatalf("unexpected data %v", data)
	}
}

func TestEmitterSwallowsServerFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	em := New(srv.URL)
	if err := em.UserMessage(12, false); err != nil {
		t.Fatalf("emit should not fail: %v", err)
	}
	em.Close()
}

func TestEmitterUnreachableServerDoesNotBlock(t *testing.T) {
	em := New("http://127.0.0.1:1", WithTimeout(50*time.Millisecond))
	start := time.Now()
	for i := 0; i < 10; i++ {
		if err := em.SecurityWarn("bash", "rm"); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("emit blocked for %s", elapsed)
	}
	em.Close()
}

func TestEmitterDropsNewestWhenFull(t *testing.T) {
	release := make(chan struct{})
	var delivered sync.WaitGroup
	delivered.Add(1)
	var once sync.Once
	blocking := observe.SinkFunc(func(ctx context.Context, e observe.Event) error {
		once.Do(delivered.Done)
		<-release
		return nil
	})
	em := New("", WithSink(blocking), WithQueueSize(2))
	_ = em.AgentSpawn("engineer", 10)
	delivered.Wait()
	for i := 0; i < 5; i++ {
		_ = em.AgentSpawn("engineer", 10)
	}
	if em.Dropped() != 3 {
		t.Fatalf("expected 3 dropped, got %d", em.Dropped())
	}
	close(release)
	em.Close()
}

func TestSessionLifecycle(t *testing.T) {
	rec := &recordingSink{}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	em := New("", WithSink(rec), WithClock(func() time.Time { return now }))

	if err := em.SessionStart(map[string]any{"model": "m"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	sid := em.SessionID()
	if err := em.ExplicitRating(8, "great"); err != nil {
		t.Fatalf("rating: %v", err)
	}
	if err := em.SessionEnd(time.Second, map[string]any{"tools": 3}); err != nil {
		t.Fatalf("end: %v", err)
	}
	em.Close()

	events := rec.snapshot()
	var types, sessions []string
	for _, e := range events {
		types = append(types, e.EventType)
		sessions = append(sessions, e.SessionID)
		if e.Timestamp != "2025-01-01T00:00:00.000Z" {
			t.Fatalf("unexpected timestamp %q", e.Timestamp)
		}
	}
	want := []string{observe.TypeSessionStart, observe.TypeRatingExplicit, observe.TypeSessionEnd}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Fatalf("types mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{sid, sid, sid}, sessions); diff != "" {
		t.Fatalf("session mismatch (-want +got):\n%s", diff)
	}
	if events[1].DataMap()["score"] != float64(8) {
		t.Fatalf("unexpected rating data %s", events[1].Data)
	}
	if em.SessionID() == sid {
		t.Fatalf("expected a fresh session id after SessionEnd")
	}
}

func TestDisabledEmitterIsNoop(t *testing.T) {
	rec := &recordingSink{}
	em := New("", WithSink(rec), WithDisabled(true))
	_ = em.UserMessage(1, false)
	em.Close()
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
}
