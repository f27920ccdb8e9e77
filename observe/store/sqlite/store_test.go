package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/pai-observability/observe"
	"github.com/PipeOpsHQ/pai-observability/observe/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)}
	s, err := New(filepath.Join(t.TempDir(), "events.db"), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func mustInsert(t *testing.T, s *Store, e observe.Event) {
	t.Helper()
	if err := s.InsertEvent(context.Background(), e); err != nil {
		t.Fatalf("insert %s: %v", e.ID, err)
	}
}

func ev(id, ts, session, eventType string) observe.Event {
	return observe.Event{ID: id, Timestamp: ts, SessionID: session, EventType: eventType, Data: json.RawMessage(`{}`)}
}

func TestStore_InsertGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	in := observe.Event{
		ID:        "e1",
		Timestamp: "2025-01-01T00:00:00Z",
		SessionID: "s1",
		EventType: "tool.execute",
		Data:      json.RawMessage(`{"tool":"bash","args_keys":["command"],"duration_ms":12.5,"nested":{"ok":true,"v":null}}`),
	}
	mustInsert(t, s, in)

	got, err := s.GetEvent(context.Background(), "e1")
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if diff := cmp.Diff(in, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_PoolOptions(t *testing.T) {
	st, err := New(filepath.Join(t.TempDir(), "events.db"), WithReaders(2), WithBusyTimeout(250*time.Millisecond))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if got := st.reader.Stats().MaxOpenConnections; got != 2 {
		t.Fatalf("expected 2 reader connections, got %d", got)
	}
	for name, db := range map[string]*sql.DB{"writer": st.writer, "reader": st.reader} {
		var ms int
		if err := db.QueryRow("PRAGMA busy_timeout").Scan(&ms); err != nil {
			t.Fatalf("%s busy_timeout: %v", name, err)
		}
		if ms != 250 {
			t.Fatalf("expected %s busy_timeout 250ms, got %d", name, ms)
		}
	}
}

func TestStore_InsertDefaultsMissingData(t *testing.T) {
	s, _ := newTestStore(t)
	mustInsert(t, s, observe.Event{ID: "e1", Timestamp: "2025-01-01T00:00:00Z", SessionID: "s1", EventType: "session.start"})
	got, err := s.GetEvent(context.Background(), "e1")
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if string(got.Data) != "{}" {
		t.Fatalf("expected empty object payload, got %s", got.Data)
	}
}

func TestStore_InsertValidation(t *testing.T) {
	s, _ := newTestStore(t)
	cases := map[string]observe.Event{
		"missing id":         {Timestamp: "2025-01-01T00:00:00Z", SessionID: "s1", EventType: "x"},
		"missing timestamp":  {ID: "e1", SessionID: "s1", EventType: "x"},
		"missing session":    {ID: "e1", Timestamp: "2025-01-01T00:00:00Z", EventType: "x"},
		"missing type":       {ID: "e1", Timestamp: "2025-01-01T00:00:00Z", SessionID: "s1"},
		"malformed time":     {ID: "e1", Timestamp: "yesterday", SessionID: "s1", EventType: "x"},
		"unpadded date time": {ID: "e1", Timestamp: "2025-1-1T0:00:00Z", SessionID: "s1", EventType: "x"},
		"invalid data":       {ID: "e1", Timestamp: "2025-01-01T00:00:00Z", SessionID: "s1", EventType: "x", Data: json.RawMessage(`{"a":`)},
		"past year 9999 utc": {ID: "e1", Timestamp: "9999-12-31T23:00:00-05:00", SessionID: "s1", EventType: "x"},
		"before year 0 utc":  {ID: "e1", Timestamp: "0000-01-01T00:30:00+01:00", SessionID: "s1", EventType: "x"},
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			err := s.InsertEvent(context.Background(), e)
			if !errors.Is(err, store.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
	if _, err := s.GetSession(context.Background(), "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("rejected events must not create sessions, got %v", err)
	}
}

func TestStore_DuplicateIDConflicts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, ev("e1", "2025-01-01T00:00:00Z", "s1", "tool.execute"))

	dup := ev("e1", "2025-01-01T00:00:05Z", "s1", "message.user")
	if err := s.InsertEvent(ctx, dup); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	got, err := s.GetEvent(ctx, "e1")
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if got.EventType != "tool.execute" {
		t.Fatalf("duplicate insert overwrote event: %+v", got)
	}
	sess, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.EventCount != 1 {
		t.Fatalf("duplicate insert changed event_count to %d", sess.EventCount)
	}
}

func TestStore_SessionCounters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, ev("e1", "2025-01-01T00:00:00Z", "s1", "tool.execute"))
	sess, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.EventCount != 1 || sess.ToolCount != 1 || sess.Status != store.StatusActive || sess.EndedAt != nil {
		t.Fatalf("unexpected session after first event: %+v", sess)
	}
	if sess.StartedAt != "2025-01-02T12:00:00.000000000Z" {
		t.Fatalf("started_at should come from the server clock, got %s", sess.StartedAt)
	}

	mustInsert(t, s, ev("e2", "2025-01-01T00:00:01Z", "s1", "message.user"))
	mustInsert(t, s, ev("e3", "2025-01-01T00:00:02Z", "s1", "tool.blocked"))
	mustInsert(t, s, ev("e4", "2025-01-01T00:00:03Z", "s1", "toolbox.open"))

	sess, err = s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.EventCount != 4 || sess.ToolCount != 2 {
		t.Fatalf("expected event_count=4 tool_count=2, got %+v", sess)
	}
}

func TestStore_ConcurrentInsertsSameSession(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			eventType := "message.user"
			if i%2 == 0 {
				eventType = "tool.execute"
			}
			errs <- s.InsertEvent(ctx, ev(fmt.Sprintf("e%02d", i), "2025-01-01T00:00:00Z", "s1", eventType))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent insert: %v", err)
		}
	}

	sess, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.EventCount != n || sess.ToolCount != n/2 {
		t.Fatalf("lost updates: %+v", sess)
	}
}

func TestStore_QueryOrderingAndFilters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, ev("e1", "2025-01-01T00:00:00Z", "s1", "tool.execute"))
	mustInsert(t, s, ev("e2", "2025-01-01T00:10:00Z", "s1", "message.user"))
	mustInsert(t, s, ev("e3", "2025-01-01T00:05:00Z", "s2", "tool.execute"))

	got, err := s.QueryEvents(ctx, store.EventQuery{SessionID: "s1", Limit: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e2" {
		t.Fatalf("expected most recent s1 event e2, got %+v", got)
	}

	got, err = s.QueryEvents(ctx, store.EventQuery{Type: "tool.execute"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if ids := eventIDs(got); !cmp.Equal(ids, []string{"e3", "e1"}) {
		t.Fatalf("unexpected type filter result %v", ids)
	}

	from, _ := observe.ParseBound("2025-01-01T00:05:00Z")
	to, _ := observe.ParseBound("2025-01-01T00:10:00Z")
	got, err = s.QueryEvents(ctx, store.EventQuery{From: from, To: to})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if ids := eventIDs(got); !cmp.Equal(ids, []string{"e2", "e3"}) {
		t.Fatalf("bounds must be inclusive, got %v", ids)
	}
}

func TestStore_QueryComparesInstantsNotStrings(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	// 02:00+02:00 is midnight UTC and therefore earlier than 01:00Z.
	mustInsert(t, s, ev("offset", "2025-01-01T02:00:00+02:00", "s1", "x"))
	mustInsert(t, s, ev("utc", "2025-01-01T01:00:00Z", "s1", "x"))
	mustInsert(t, s, ev("frac", "2025-01-01T01:00:00.5Z", "s1", "x"))

	got, err := s.QueryEvents(ctx, store.EventQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if ids := eventIDs(got); !cmp.Equal(ids, []string{"frac", "utc", "offset"}) {
		t.Fatalf("unexpected chronological order %v", ids)
	}
	if got[2].Timestamp != "2025-01-01T02:00:00+02:00" {
		t.Fatalf("caller timestamp must be returned verbatim, got %s", got[2].Timestamp)
	}
}

func TestStore_ZonelessTimestampsAreUTC(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, ev("date", "2025-01-01", "s1", "x"))
	mustInsert(t, s, ev("local", "2025-01-01T00:30:00", "s1", "x"))
	mustInsert(t, s, ev("zoned", "2025-01-01T00:15:00Z", "s1", "x"))

	got, err := s.QueryEvents(ctx, store.EventQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if ids := eventIDs(got); !cmp.Equal(ids, []string{"local", "zoned", "date"}) {
		t.Fatalf("unexpected order %v", ids)
	}
	if got[0].Timestamp != "2025-01-01T00:30:00" {
		t.Fatalf("caller timestamp must be returned verbatim, got %s", got[0].Timestamp)
	}
}

func TestStore_EdgeYearsKeepOrderingAndRetention(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, ev("far", "9999-12-31T18:00:00-05:00", "s1", "x"))
	mustInsert(t, s, ev("now", "2025-06-01T00:00:00Z", "s1", "x"))

	got, err := s.QueryEvents(ctx, store.EventQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if ids := eventIDs(got); !cmp.Equal(ids, []string{"far", "now"}) {
		t.Fatalf("unexpected order %v", ids)
	}
	events, _, err := s.DeleteBefore(ctx, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("delete before: %v", err)
	}
	if events != 0 {
		t.Fatalf("expected nothing deleted, got %d", events)
	}
}

func TestStore_PaginationCoversFrozenSetOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	const m = 23
	for i := 0; i < m; i++ {
		// Groups of three share a timestamp to exercise the tie-break.
		ts := time.Date(2025, 1, 1, 0, i/3, 0, 0, time.UTC).Format(time.RFC3339)
		mustInsert(t, s, ev(fmt.Sprintf("e%02d", i), ts, "s1", "x"))
	}

	full, err := s.QueryEvents(ctx, store.EventQuery{Limit: 1000})
	if err != nil {
		t.Fatalf("query full: %v", err)
	}
	if len(full) != m {
		t.Fatalf("expected %d events, got %d", m, len(full))
	}

	for _, pageSize := range []int{1, 4, 5, 7, 23} {
		var paged []string
		for offset := 0; offset < m; offset += pageSize {
			page, err := s.QueryEvents(ctx, store.EventQuery{Limit: pageSize, Offset: offset})
			if err != nil {
				t.Fatalf("query page: %v", err)
			}
			paged = append(paged, eventIDs(page)...)
		}
		if diff := cmp.Diff(eventIDs(full), paged); diff != "" {
			t.Fatalf("page size %d mismatch (-full +paged):\n%s", pageSize, diff)
		}
	}
}

func TestStore_QueryDefaultLimit(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < store.DefaultLimit+5; i++ {
		mustInsert(t, s, ev(fmt.Sprintf("e%03d", i), "2025-01-01T00:00:00Z", "s1", "x"))
	}
	got, err := s.QueryEvents(context.Background(), store.EventQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != store.DefaultLimit {
		t.Fatalf("expected default limit %d, got %d", store.DefaultLimit, len(got))
	}
}

func TestStore_RatingRunningMean(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	scores := []float64{4, 2, 5, 3, 9}
	var sum float64
	for i, score := range scores {
		sum += score
		e := ev(fmt.Sprintf("r%d", i), "2025-01-01T00:00:00Z", "s1", observe.TypeRatingExplicit)
		e.Data = json.RawMessage(fmt.Sprintf(`{"score":%v,"has_comment":false}`, score))
		mustInsert(t, s, e)

		sess, err := s.GetSession(ctx, "s1")
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		want := sum / float64(i+1)
		if sess.RatingAvg == nil || math.Abs(*sess.RatingAvg-want) > 1e-9 {
			t.Fatalf("after %d ratings expected avg %v, got %v", i+1, want, sess.RatingAvg)
		}
	}
}

func TestStore_RecordRatingUsesEventCount(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, ev("e1", "2025-01-01T00:00:00Z", "s1", "message.user"))
	mustInsert(t, s, ev("e2", "2025-01-01T00:00:01Z", "s1", "message.user"))

	if err := s.RecordRating(ctx, "s1", 8); err != nil {
		t.Fatalf("record rating: %v", err)
	}
	if err := s.RecordRating(ctx, "s1", 4); err != nil {
		t.Fatalf("record rating: %v", err)
	}
	sess, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	// 8 + (4 - 8) / event_count(2)
	if sess.RatingAvg == nil || *sess.RatingAvg != 6 {
		t.Fatalf("expected rating_avg 6, got %v", sess.RatingAvg)
	}

	if err := s.RecordRating(ctx, "missing", 5); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown session, got %v", err)
	}
}

func TestStore_CompleteSession(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, ev("e1", "2025-01-01T00:00:00Z", "s1", "session.start"))

	if err := s.CompleteSession(ctx, "s1", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	first, _ := s.GetSession(ctx, "s1")
	if first.Status != store.StatusCompleted || first.EndedAt == nil {
		t.Fatalf("unexpected session after complete: %+v", first)
	}

	clock.Advance(time.Minute)
	if err := s.CompleteSession(ctx, "s1", store.StatusError); err != nil {
		t.Fatalf("complete again: %v", err)
	}
	second, _ := s.GetSession(ctx, "s1")
	if second.Status != store.StatusError || *second.EndedAt == *first.EndedAt {
		t.Fatalf("second completion should overwrite status and ended_at: %+v", second)
	}

	if err := s.CompleteSession(ctx, "s1", store.StatusActive); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for active status, got %v", err)
	}
	if err := s.CompleteSession(ctx, "missing", store.StatusCompleted); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_SessionEndEventCompletes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, ev("a1", "2025-01-01T00:00:00Z", "ok", "session.start"))
	mustInsert(t, s, ev("a2", "2025-01-01T00:01:00Z", "ok", "session.end"))
	mustInsert(t, s, ev("b1", "2025-01-01T00:00:00Z", "bad", "session.start"))
	end := ev("b2", "2025-01-01T00:01:00Z", "bad", "session.end")
	end.Data = json.RawMessage(`{"status":"error","duration_ms":60000}`)
	mustInsert(t, s, end)

	okSess, _ := s.GetSession(ctx, "ok")
	badSess, _ := s.GetSession(ctx, "bad")
	if okSess.Status != store.StatusCompleted || okSess.EndedAt == nil || okSess.EventCount != 2 {
		t.Fatalf("unexpected completed session: %+v", okSess)
	}
	if badSess.Status != store.StatusError {
		t.Fatalf("unexpected errored session: %+v", badSess)
	}
}

func TestStore_ListSessions(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"s1", "s2", "s3"} {
		mustInsert(t, s, ev(fmt.Sprintf("e%d", i), "2025-01-01T00:00:00Z", id, "session.start"))
		clock.Advance(time.Second)
	}
	if err := s.CompleteSession(ctx, "s2", store.StatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}

	all, err := s.ListSessions(ctx, store.SessionQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if ids := sessionIDs(all); !cmp.Equal(ids, []string{"s3", "s2", "s1"}) {
		t.Fatalf("expected newest first, got %v", ids)
	}

	active, err := s.ListSessions(ctx, store.SessionQuery{Status: store.StatusActive, Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if ids := sessionIDs(active); !cmp.Equal(ids, []string{"s1"}) {
		t.Fatalf("unexpected filtered page %v", ids)
	}
}

func TestStore_DeleteBeforeBoundary(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mustInsert(t, s, ev("old", cutoff.Add(-time.Nanosecond).Format(time.RFC3339Nano), "s-old", "x"))
	mustInsert(t, s, ev("edge", cutoff.Format(time.RFC3339), "s-edge", "x"))
	mustInsert(t, s, ev("new", cutoff.Add(time.Second).Format(time.RFC3339), "s-new", "x"))

	clock.now = cutoff.Add(-time.Hour)
	if err := s.CompleteSession(ctx, "s-old", store.StatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}
	clock.now = cutoff
	if err := s.CompleteSession(ctx, "s-edge", store.StatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}

	events, sessions, err := s.DeleteBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("delete before: %v", err)
	}
	if events != 1 || sessions != 1 {
		t.Fatalf("expected 1 event and 1 session deleted, got %d/%d", events, sessions)
	}
	if _, err := s.GetEvent(ctx, "old"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("old event should be gone, got %v", err)
	}
	for _, id := range []string{"edge", "new"} {
		if _, err := s.GetEvent(ctx, id); err != nil {
			t.Fatalf("event %s should be kept: %v", id, err)
		}
	}
	if _, err := s.GetSession(ctx, "s-old"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("old completed session should be gone, got %v", err)
	}
	for _, id := range []string{"s-edge", "s-new"} {
		if _, err := s.GetSession(ctx, id); err != nil {
			t.Fatalf("session %s should be kept: %v", id, err)
		}
	}
}

func TestStore_Stats(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	// The test clock sits on 2025-01-02.
	mustInsert(t, s, ev("e1", "2025-01-01T23:59:59Z", "s1", "tool.execute"))
	mustInsert(t, s, ev("e2", "2025-01-02T00:00:00Z", "s1", "tool.execute"))
	mustInsert(t, s, ev("e3", "2025-01-02T08:00:00Z", "s2", "security.block"))
	rating := ev("e4", "2025-01-02T09:00:00Z", "s2", "rating.explicit")
	rating.Data = json.RawMessage(`{"score":8}`)
	mustInsert(t, s, rating)
	if err := s.CompleteSession(ctx, "s1", store.StatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	avg := 8.0
	want := store.Stats{
		TotalEvents:    4,
		TotalSessions:  2,
		ActiveSessions: 1,
		EventsToday:    3,
		ToolsToday:     1,
		AvgRating:      &avg,
		SecurityBlocks: 1,
		EventTypes:     map[string]int64{"tool.execute": 2, "security.block": 1, "rating.explicit": 1},
	}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_StatsEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.AvgRating != nil || stats.TotalEvents != 0 || len(stats.EventTypes) != 0 {
		t.Fatalf("unexpected stats on empty store: %+v", stats)
	}
}

func eventIDs(events []observe.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

func sessionIDs(sessions []store.Session) []string {
	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.ID)
	}
	return out
}
