package store

import (
	"context"
	"errors"
	"time"

	"github.com/PipeOpsHQ/pai-observability/observe"
)

var (
	ErrValidation  = errors.New("store: validation failed")
	ErrNotFound    = errors.New("store: not found")
	ErrConflict    = errors.New("store: conflict")
	ErrPersistence = errors.New("store: persistence failure")
)

const (
	DefaultLimit = 100
)

type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusError     SessionStatus = "error"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Session is the rollup kept for every distinct session id.
type Session struct {
	ID         string        `json:"id"`
	StartedAt  string        `json:"started_at"`
	EndedAt    *string       `json:"ended_at"`
	EventCount int64         `json:"event_count"`
	ToolCount  int64         `json:"tool_count"`
	RatingAvg  *float64      `json:"rating_avg"`
	Status     SessionStatus `json:"status"`
}

// EventQuery filters events. From and To are inclusive; zero values are
// unbounded.
type EventQuery struct {
	Type      string
	SessionID string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

type SessionQuery struct {
	Status SessionStatus
	Limit  int
	Offset int
}

type Stats struct {
	TotalEvents    int64            `json:"total_events"`
	TotalSessions  int64            `json:"total_sessions"`
	ActiveSessions int64            `json:"active_sessions"`
	EventsToday    int64            `json:"events_today"`
	ToolsToday     int64            `json:"tools_today"`
	AvgRating      *float64         `json:"avg_rating"`
	SecurityBlocks int64            `json:"security_blocks"`
	EventTypes     map[string]int64 `json:"event_types"`
}

// Store is the read/write surface the gateway drives. Deletion is not part of
// it; see Pruner.
type Store interface {
	InsertEvent(ctx context.Context, event observe.Event) error
	GetEvent(ctx context.Context, id string) (observe.Event, error)
	QueryEvents(ctx context.Context, query EventQuery) ([]observe.Event, error)

	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context, query SessionQuery) ([]Session, error)
	CompleteSession(ctx context.Context, id string, status SessionStatus) error
	RecordRating(ctx context.Context, id string, score float64) error

	Stats(ctx context.Context) (Stats, error)
	Path() string
	Close() error
}

// Pruner removes rows older than a cutoff. Only the retention reaper holds one.
type Pruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (events int64, sessions int64, err error)
}

// NormalizePage applies the default limit and clamps negative offsets.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
