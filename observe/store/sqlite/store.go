package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/pai-observability/observe"
	"github.com/PipeOpsHQ/pai-observability/observe/store"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultReaders     = 4
)

// Store persists events and session rollups in a single SQLite file. Writes
// go through one connection so every mutation is serialized; reads use a
// separate pool and never wait on an in-flight write under WAL.
type Store struct {
	path        string
	writer      *sql.DB
	reader      *sql.DB
	sessions    *aggregator
	now         func() time.Time
	busyTimeout time.Duration
	readers     int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithReaders(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.readers = n
		}
	}
}

// WithClock overrides the clock used for started_at, ended_at and stats.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	s := &Store{
		path:        path,
		now:         func() time.Time { return time.Now().UTC() },
		busyTimeout: defaultBusyTimeout,
		readers:     defaultReaders,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	writer, err := sql.Open("sqlite", s.dsn(false))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)
	if _, err := writer.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	reader, err := sql.Open("sqlite", s.dsn(true))
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open sqlite reader: %w", err)
	}
	reader.SetMaxOpenConns(s.readers)
	reader.SetMaxIdleConns(s.readers)

	s.writer = writer
	s.reader = reader
	s.sessions = &aggregator{now: s.now}
	return s, nil
}

func (s *Store) dsn(readOnly bool) string {
	ms := int(s.busyTimeout / time.Millisecond)
	params := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", ms),
		"_pragma=synchronous(NORMAL)",
	}
	if readOnly {
		params = append(params, "_pragma=query_only(1)")
	} else {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	return "file:" + s.path + "?" + strings.Join(params, "&")
}

func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// InsertEvent stores the event and updates its session rollup in the same
// transaction. A duplicate id fails with store.ErrConflict.
func (s *Store) InsertEvent(ctx context.Context, event observe.Event) error {
	event.Normalize()
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	canonical, err := event.Canonical()
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrValidation, err)
	}

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin insert: %w", store.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
INSERT INTO events (id, timestamp, ts_utc, session_id, event_type, data, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`
	res, err := tx.ExecContext(ctx, q,
		event.ID,
		event.Timestamp,
		canonical,
		event.SessionID,
		event.EventType,
		string(event.Data),
		observe.FormatCanonical(s.now()),
	)
	if err != nil {
		return fmt.Errorf("%w: insert event: %w", store.ErrPersistence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: insert event: %w", store.ErrPersistence, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: event %q already exists", store.ErrConflict, event.ID)
	}

	if err := s.sessions.onEvent(ctx, tx, event.SessionID, event.EventType); err != nil {
		return err
	}
	if err := s.sessions.apply(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit insert: %w", store.ErrPersistence, err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (observe.Event, error) {
	if strings.TrimSpace(id) == "" {
		return observe.Event{}, fmt.Errorf("%w: event id is required", store.ErrValidation)
	}
	const q = `SELECT id, timestamp, session_id, event_type, data FROM events WHERE id = ?;`
	event, err := scanEvent(s.reader.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return observe.Event{}, fmt.Errorf("%w: event %q", store.ErrNotFound, id)
		}
		return observe.Event{}, fmt.Errorf("%w: get event: %w", store.ErrPersistence, err)
	}
	return event, nil
}

// QueryEvents returns matching events newest first. Events sharing a
// timestamp come out in reverse insertion order, so offset pages over a
// frozen table never overlap.
func (s *Store) QueryEvents(ctx context.Context, query store.EventQuery) ([]observe.Event, error) {
	limit, offset := store.NormalizePage(query.Limit, query.Offset)

	var (
		where []string
		args  []any
	)
	if query.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, query.Type)
	}
	if query.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, query.SessionID)
	}
	if !query.From.IsZero() {
		where = append(where, "ts_utc >= ?")
		args = append(args, observe.FormatCanonical(query.From))
	}
	if !query.To.IsZero() {
		where = append(where, "ts_utc <= ?")
		args = append(args, observe.FormatCanonical(query.To))
	}

	sqlText := "SELECT id, timestamp, session_id, event_type, data FROM events"
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY ts_utc DESC, seq DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := s.reader.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query events: %w", store.ErrPersistence, err)
	}
	defer rows.Close()

	out := make([]observe.Event, 0, min(limit, 256))
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan event: %w", store.ErrPersistence, err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate events: %w", store.ErrPersistence, err)
	}
	return out, nil
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (observe.Event, error) {
	var (
		e    observe.Event
		data string
	)
	if err := scanner.Scan(&e.ID, &e.Timestamp, &e.SessionID, &e.EventType, &data); err != nil {
		return observe.Event{}, err
	}
	e.Data = json.RawMessage(data)
	return e, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (store.Session, error) {
	return s.sessions.get(ctx, s.reader, id)
}

func (s *Store) ListSessions(ctx context.Context, query store.SessionQuery) ([]store.Session, error) {
	return s.sessions.list(ctx, s.reader, query)
}

func (s *Store) CompleteSession(ctx context.Context, id string, status store.SessionStatus) error {
	return s.sessions.complete(ctx, s.writer, id, status)
}

func (s *Store) RecordRating(ctx context.Context, id string, score float64) error {
	return s.sessions.recordRating(ctx, s.writer, id, score)
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	now := s.now().UTC()
	today := observe.FormatCanonical(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC))

	var stats store.Stats
	counter := func(dst *int64, q string, args ...any) error {
		return s.reader.QueryRowContext(ctx, q, args...).Scan(dst)
	}
	steps := []struct {
		name string
		run  func() error
	}{
		{"total events", func() error { return counter(&stats.TotalEvents, "SELECT COUNT(*) FROM events") }},
		{"total sessions", func() error { return counter(&stats.TotalSessions, "SELECT COUNT(*) FROM sessions") }},
		{"active sessions", func() error {
			return counter(&stats.ActiveSessions, "SELECT COUNT(*) FROM sessions WHERE status = ?", string(store.StatusActive))
		}},
		{"events today", func() error {
			return counter(&stats.EventsToday, "SELECT COUNT(*) FROM events WHERE ts_utc >= ?", today)
		}},
		{"tools today", func() error {
			return counter(&stats.ToolsToday, "SELECT COUNT(*) FROM events WHERE ts_utc >= ? AND substr(event_type, 1, 5) = 'tool.'", today)
		}},
		{"security blocks", func() error {
			return counter(&stats.SecurityBlocks, "SELECT COUNT(*) FROM events WHERE event_type = ?", observe.TypeSecurityBlock)
		}},
		{"average rating", func() error {
			var avg sql.NullFloat64
			if err := s.reader.QueryRowContext(ctx, "SELECT AVG(rating_avg) FROM sessions WHERE rating_avg IS NOT NULL").Scan(&avg); err != nil {
				return err
			}
			if avg.Valid {
				stats.AvgRating = &avg.Float64
			}
			return nil
		}},
		{"event types", func() error {
			rows, err := s.reader.QueryContext(ctx, "SELECT event_type, COUNT(*) FROM events GROUP BY event_type")
			if err != nil {
				return err
			}
			defer rows.Close()
			stats.EventTypes = map[string]int64{}
			for rows.Next() {
				var (
					eventType string
					n         int64
				)
				if err := rows.Scan(&eventType, &n); err != nil {
					return err
				}
				stats.EventTypes[eventType] = n
			}
			return rows.Err()
		}},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return store.Stats{}, fmt.Errorf("%w: stats %s: %w", store.ErrPersistence, step.name, err)
		}
	}
	return stats, nil
}

// DeleteBefore removes events timestamped strictly before cutoff and
// completed sessions that ended strictly before it. Rows exactly at the
// cutoff are kept.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	bound := observe.FormatCanonical(cutoff)
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: begin cleanup: %w", store.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "DELETE FROM events WHERE ts_utc < ?", bound)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: delete events: %w", store.ErrPersistence, err)
	}
	events, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, "DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?", bound)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: delete sessions: %w", store.ErrPersistence, err)
	}
	sessions, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("%w: commit cleanup: %w", store.ErrPersistence, err)
	}
	return events, sessions, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.reader != nil {
		errs = append(errs, s.reader.Close())
	}
	if s.writer != nil {
		errs = append(errs, s.writer.Close())
	}
	return errors.Join(errs...)
}

var (
	_ store.Store  = (*Store)(nil)
	_ store.Pruner = (*Store)(nil)
)
