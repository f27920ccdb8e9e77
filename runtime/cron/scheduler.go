package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	robcron "github.com/robfig/cron/v3"
)

// Scheduler runs named tasks on cron schedules. A failing or panicking task is
// recorded and logged; it never takes the scheduler down.
type Scheduler struct {
	mu      sync.RWMutex
	cron    *robcron.Cron
	jobs    map[string]*managedJob
	logger  *slog.Logger
	started bool
	maxRuns int
	ctx     context.Context
	cancel  context.CancelFunc
}

type managedJob struct {
	Job
	task    Task
	entryID robcron.EntryID
	runs    []JobRun
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHistory bounds how many runs are kept per job.
func WithHistory(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxRuns = n
		}
	}
}

func New(opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    robcron.New(),
		jobs:    make(map[string]*managedJob),
		logger:  slog.Default(),
		maxRuns: 100,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a task under name. schedule accepts standard five-field cron
// expressions and descriptors such as "@every 24h".
func (s *Scheduler) Add(name, schedule string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if task == nil {
		return fmt.Errorf("job %q has no task", name)
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already exists", name)
	}

	entryID, err := s.cron.AddFunc(schedule, func() {
		_, _ = s.runAndRecord(name, "schedule", true)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	mj := &managedJob{
		Job: Job{
			Name:     name,
			Schedule: schedule,
			Enabled:  true,
		},
		task:    task,
		entryID: entryID,
	}
	if entry := s.cron.Entry(entryID); !entry.Next.IsZero() {
		mj.NextRun = entry.Next
	}
	s.jobs[name] = mj
	return nil
}

func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	s.cron.Remove(mj.entryID)
	delete(s.jobs, name)
	return nil
}

// List returns all registered jobs sorted by name.
func (s *Scheduler) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, mj := range s.jobs {
		out = append(out, s.snapshot(mj))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Scheduler) Get(name string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mj, ok := s.jobs[name]
	if !ok {
		return Job{}, false
	}
	return s.snapshot(mj), true
}

func (s *Scheduler) snapshot(mj *managedJob) Job {
	j := mj.Job
	if entry := s.cron.Entry(mj.entryID); !entry.Next.IsZero() {
		j.NextRun = entry.Next
	}
	return j
}

// SetEnabled pauses or resumes scheduled runs. Manual triggers still run.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	mj.Enabled = enabled
	return nil
}

// Trigger runs a job now and returns its result to the caller.
func (s *Scheduler) Trigger(name string) (string, error) {
	return s.runAndRecord(name, "manual", false)
}

// History returns up to limit recent runs, newest first.
func (s *Scheduler) History(name string, limit int) ([]JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mj, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("job %q not found", name)
	}
	if limit <= 0 || limit > len(mj.runs) {
		limit = len(mj.runs)
	}
	out := make([]JobRun, 0, limit)
	for i := len(mj.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, mj.runs[i])
	}
	return out, nil
}

func (s *Scheduler) runAndRecord(name, trigger string, skipIfDisabled bool) (string, error) {
	s.mu.RLock()
	mj, ok := s.jobs[name]
	if !ok {
		s.mu.RUnlock()
		return "", fmt.Errorf("job %q not found", name)
	}
	if skipIfDisabled && !mj.Enabled {
		s.mu.RUnlock()
		return "", nil
	}
	task := mj.task
	ctx := s.ctx
	s.mu.RUnlock()

	started := time.Now()
	output, err := safeRun(ctx, task)
	finished := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok = s.jobs[name]
	if !ok {
		return output, err
	}
	mj.LastRun = finished
	mj.RunCount++
	run := JobRun{
		At:         finished,
		DurationMS: finished.Sub(started).Milliseconds(),
		Trigger:    trigger,
	}
	if err != nil {
		mj.LastErr = err.Error()
		run.Status = "failed"
		run.Error = err.Error()
		s.logger.Error("scheduled job failed", "job", name, "trigger", trigger, "error", err)
	} else {
		mj.LastErr = ""
		run.Status = "completed"
		run.Output = truncate(output, 2000)
		s.logger.Info("scheduled job completed", "job", name, "trigger", trigger, "output", truncate(output, 100))
	}
	mj.runs = append(mj.runs, run)
	if s.maxRuns > 0 && len(mj.runs) > s.maxRuns {
		mj.runs = mj.runs[len(mj.runs)-s.maxRuns:]
	}
	return output, err
}

func safeRun(ctx context.Context, task Task) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return task(ctx)
}

// Start begins firing schedules. Non-blocking.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		if s.ctx.Err() != nil {
			s.ctx, s.cancel = context.WithCancel(context.Background())
		}
		s.cron.Start()
		s.started = true
	}
}

// Stop cancels in-flight tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cancel()
	done := s.cron.Stop()
	s.mu.Unlock()
	<-done.Done()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
