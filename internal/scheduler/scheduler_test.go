package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAddJobRejectsInvalidExpression(t *testing.T) {
	s := NewScheduler(context.Background())
	if err := s.AddJob("bad", "not a cron expression", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected an error for an invalid expression")
	}
}

func TestAddJobRejectsDuplicateName(t *testing.T) {
	s := NewScheduler(context.Background())
	noop := func(context.Context) error { return nil }
	if err := s.AddJob("purge", "@every 1h", noop); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.AddJob("purge", "@every 1h", noop); err == nil {
		t.Fatal("expected an error for a duplicate job name")
	}
}

func TestNextForUnknownJob(t *testing.T) {
	s := NewScheduler(context.Background())
	if next := s.Next("missing"); !next.IsZero() {
		t.Errorf("Next(missing) = %v, want zero", next)
	}
}

func TestJobRuns(t *testing.T) {
	s := NewScheduler(context.Background())
	ran := make(chan struct{}, 4)
	err := s.AddJob("tick", "@every 1s", func(ctx context.Context) error {
		ran <- struct{}{}
		return errors.New("failures are logged, not fatal")
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	s.Start()
	defer s.Stop(context.Background())

	if next := s.Next("tick"); next.IsZero() {
		t.Error("running job should report its next activation")
	}

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
}

func TestJobSkippedAfterContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(ctx)
	ran := make(chan struct{}, 1)
	if err := s.AddJob("tick", "@every 1s", func(context.Context) error {
		ran <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	cancel()
	s.Start()
	defer s.Stop(context.Background())

	select {
	case <-ran:
		t.Fatal("job ran after its context was cancelled")
	case <-time.After(1500 * time.Millisecond):
	}
}
