package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PipeOpsHQ/pai-observability/observe"
	"github.com/PipeOpsHQ/pai-observability/observe/store"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// aggregator is the only code that writes the sessions table. Every write it
// issues is a single statement on the writer connection, so concurrent events
// for one session cannot lose increments.
type aggregator struct {
	now func() time.Time
}

func (a *aggregator) onEvent(ctx context.Context, db execer, sessionID, eventType string) error {
	tool := 0
	if observe.IsTool(eventType) {
		tool = 1
	}
	const q = `
INSERT INTO sessions (id, started_at, event_count, tool_count, status)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  event_count = event_count + 1,
  tool_count = tool_count + excluded.tool_count;
`
	if _, err := db.ExecContext(ctx, q, sessionID, observe.FormatCanonical(a.now()), tool, string(store.StatusActive)); err != nil {
		return fmt.Errorf("%w: update session %q: %w", store.ErrPersistence, sessionID, err)
	}
	return nil
}

// apply reacts to lifecycle events that carry session state.
func (a *aggregator) apply(ctx context.Context, db execer, event observe.Event) error {
	switch event.EventType {
	case observe.TypeSessionEnd:
		status := store.StatusCompleted
		if raw, _ := event.DataMap()["status"].(string); store.SessionStatus(raw) == store.StatusError {
			status = store.StatusError
		}
		return a.complete(ctx, db, event.SessionID, status)
	case observe.TypeRatingExplicit:
		score, ok := event.DataMap()["score"].(float64)
		if !ok {
			return nil
		}
		return a.recordRating(ctx, db, event.SessionID, score)
	}
	return nil
}

// complete stamps ended_at and status. Repeating it overwrites both.
func (a *aggregator) complete(ctx context.Context, db execer, id string, status store.SessionStatus) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: session id is required", store.ErrValidation)
	}
	if status == "" {
		status = store.StatusCompleted
	}
	if status != store.StatusCompleted && status != store.StatusError {
		return fmt.Errorf("%w: invalid completion status %q", store.ErrValidation, status)
	}
	res, err := db.ExecContext(ctx,
		"UPDATE sessions SET ended_at = ?, status = ? WHERE id = ?",
		observe.FormatCanonical(a.now()), string(status), id,
	)
	if err != nil {
		return fmt.Errorf("%w: complete session %q: %w", store.ErrPersistence, id, err)
	}
	return requireRow(res, id)
}

// recordRating folds score into rating_avg with avg + (score - avg) / n, where
// n is the session's event_count. The first rating sets the average outright.
func (a *aggregator) recordRating(ctx context.Context, db execer, id string, score float64) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: session id is required", store.ErrValidation)
	}
	const q = `
UPDATE sessions SET rating_avg = CASE
  WHEN rating_avg IS NULL OR event_count <= 0 THEN ?
  ELSE rating_avg + (? - rating_avg) / event_count
END
WHERE id = ?;
`
	res, err := db.ExecContext(ctx, q, score, score, id)
	if err != nil {
		return fmt.Errorf("%w: rate session %q: %w", store.ErrPersistence, id, err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: session %q: %w", store.ErrPersistence, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %q", store.ErrNotFound, id)
	}
	return nil
}

const sessionColumns = "id, started_at, ended_at, event_count, tool_count, rating_avg, status"

func (a *aggregator) get(ctx context.Context, db querier, id string) (store.Session, error) {
	if strings.TrimSpace(id) == "" {
		return store.Session{}, fmt.Errorf("%w: session id is required", store.ErrValidation)
	}
	sess, err := scanSession(db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Session{}, fmt.Errorf("%w: session %q", store.ErrNotFound, id)
		}
		return store.Session{}, fmt.Errorf("%w: get session: %w", store.ErrPersistence, err)
	}
	return sess, nil
}

func (a *aggregator) list(ctx context.Context, db querier, query store.SessionQuery) ([]store.Session, error) {
	limit, offset := store.NormalizePage(query.Limit, query.Offset)

	sqlText := "SELECT " + sessionColumns + " FROM sessions"
	var args []any
	if query.Status != "" {
		sqlText += " WHERE status = ?"
		args = append(args, string(query.Status))
	}
	sqlText += " ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %w", store.ErrPersistence, err)
	}
	defer rows.Close()

	out := make([]store.Session, 0, min(limit, 256))
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan session: %w", store.ErrPersistence, err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate sessions: %w", store.ErrPersistence, err)
	}
	return out, nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (store.Session, error) {
	var (
		sess   store.Session
		ended  sql.NullString
		rating sql.NullFloat64
		status string
	)
	if err := scanner.Scan(&sess.ID, &sess.StartedAt, &ended, &sess.EventCount, &sess.ToolCount, &rating, &status); err != nil {
		return store.Session{}, err
	}
	if ended.Valid {
		sess.EndedAt = &ended.String
	}
	if rating.Valid {
		sess.RatingAvg = &rating.Float64
	}
	sess.Status = store.SessionStatus(status)
	return sess, nil
}
