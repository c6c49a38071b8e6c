// Package scheduler runs periodic maintenance jobs, such as requeueing stuck
// outbox events and purging expired turn requests, on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one run of a scheduled job.
type Task func(ctx context.Context) error

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	ctx  context.Context
	cron *cron.Cron

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// NewScheduler creates a scheduler whose tasks run with ctx. It accepts
// standard 5-field expressions and descriptors such as "@every 5m". Call
// Start to begin running jobs.
func NewScheduler(ctx context.Context) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := slogLogger{}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{ctx: ctx, cron: c, jobs: make(map[string]cron.EntryID)}
}

// AddJob schedules task under name using the provided cron expression.
// It returns an error if the expression is invalid or the name is taken.
func (s *Scheduler) AddJob(name, expr string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already scheduled", name)
	}
	id, err := s.cron.AddFunc(expr, func() { s.runTask(name, task) })
	if err != nil {
		return fmt.Errorf("schedule job %q: %w", name, err)
	}
	s.jobs[name] = id
	slog.Debug("Scheduler.AddJob: scheduled", "job", name, "expr", expr)
	return nil
}

// Next returns the next activation time of a job, or the zero time if the
// job is unknown or the scheduler is not running.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron scheduler and waits for running jobs to finish or for
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		slog.Warn("Scheduler.Stop: gave up waiting for running jobs", "error", ctx.Err())
	}
}

func (s *Scheduler) runTask(name string, task Task) {
	if s.ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := task(s.ctx); err != nil {
		slog.Error("Scheduler.runTask: job failed", "job", name, "error", err, "duration", time.Since(start))
		return
	}
	slog.Debug("Scheduler.runTask: job finished", "job", name, "duration", time.Since(start))
}

// slogLogger routes cron's internal logging to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
