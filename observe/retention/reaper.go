// Package retention bounds storage by deleting events and finished sessions
// older than a fixed number of days.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/PipeOpsHQ/pai-observability/observe/store"
	"github.com/PipeOpsHQ/pai-observability/runtime/cron"
)

const (
	DefaultDays = 30
	JobName     = "retention.sweep"
	// Schedule is the cron descriptor for the automatic sweep.
	Schedule = "@every 24h"
)

type Reaper struct {
	pruner store.Pruner
	days   int
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Reaper)

func WithClock(now func() time.Time) Option {
	return func(r *Reaper) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reaper) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New returns a reaper keeping days whole days of history. Negative values
// fall back to DefaultDays; zero deletes everything older than now.
func New(pruner store.Pruner, days int, opts ...Option) *Reaper {
	if days < 0 {
		days = DefaultDays
	}
	r := &Reaper{
		pruner: pruner,
		days:   days,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reaper) Days() int { return r.days }

// Cutoff is the instant before which rows are eligible for deletion.
func (r *Reaper) Cutoff() time.Time {
	return r.now().UTC().AddDate(0, 0, -r.days)
}

// Sweep deletes everything strictly older than Cutoff and returns the number
// of events removed. Errors are returned to the caller.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	if r.pruner == nil {
		return 0, fmt.Errorf("retention: no store configured")
	}
	cutoff := r.Cutoff()
	events, sessions, err := r.pruner.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention sweep before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if events > 0 || sessions > 0 {
		r.logger.Info("retention sweep removed old rows",
			"events", events,
			"sessions", sessions,
			"cutoff", cutoff.Format(time.RFC3339),
			"retention_days", r.days,
		)
	}
	return events, nil
}

// Register adds the daily sweep to a scheduler, replacing any sweep registered
// earlier. The scheduler records and logs failures, so a failed sweep never
// stops the process.
func (r *Reaper) Register(s *cron.Scheduler) error {
	if _, ok := s.Get(JobName); ok {
		if err := s.Remove(JobName); err != nil {
			return err
		}
	}
	return s.Add(JobName, Schedule, func(ctx context.Context) (string, error) {
		n, err := r.Sweep(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("deleted %d events", n), nil
	})
}
