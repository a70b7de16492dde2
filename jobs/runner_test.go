package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerExecutesOnInterval(t *testing.T) {
	var runs atomic.Int64
	var gotBatch atomic.Int64
	job := Job{
		Name:      "test_sweep",
		Interval:  10 * time.Millisecond,
		BatchSize: 42,
		Run: func(ctx context.Context, now time.Time, batchSize int) (int, error) {
			runs.Add(1)
			gotBatch.Store(int64(batchSize))
			return 1, nil
		},
	}
	runner := NewRunner([]Job{job}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runner.Start(ctx)

	deadline := time.After(2 * time.Second)
	for runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 runs, got %d", runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	runner.Wait()

	if gotBatch.Load() != 42 {
		t.Fatalf("expected batch size 42, got %d", gotBatch.Load())
	}
}

func TestRunnerSurvivesFailingRuns(t *testing.T) {
	var runs atomic.Int64
	job := Job{
		Name:     "flaky_job",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context, now time.Time, batchSize int) (int, error) {
			if runs.Add(1) == 1 {
				return 0, errors.New("transient fault")
			}
			return 0, nil
		},
	}
	runner := NewRunner([]Job{job}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runner.Start(ctx)

	deadline := time.After(2 * time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("runner stopped after a failed run: %d runs", runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	runner.Wait()
}

func TestRunnerSkipsMisconfiguredJobs(t *testing.T) {
	runner := NewRunner([]Job{
		{Name: "no_task", Interval: time.Millisecond},
		{Name: "no_interval", Run: func(ctx context.Context, now time.Time, batchSize int) (int, error) { return 0, nil }},
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runner.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		runner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop for misconfigured jobs")
	}
}
