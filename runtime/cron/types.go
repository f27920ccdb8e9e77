package cron

import (
	"context"
	"time"
)

// Task is the work a job performs. The returned string is a short summary
// kept in the run history.
type Task func(ctx context.Context) (string, error)

// Job describes a registered recurring task.
type Job struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Enabled  bool      `json:"enabled"`
	LastRun  time.Time `json:"lastRun,omitempty"`
	NextRun  time.Time `json:"nextRun,omitempty"`
	LastErr  string    `json:"lastError,omitempty"`
	RunCount int       `json:"runCount"`
}

// JobRun records one execution of a job.
type JobRun struct {
	At         time.Time `json:"at"`
	DurationMS int64     `json:"durationMs"`
	Trigger    string    `json:"trigger"`
	Status     string    `json:"status"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
}
