// Package jobs drives the scheduled repair tasks: the expired-reservation
// sweep, the idempotency-record reaper, the credit-grant retry, and the
// stale-payment expiry. Each task is a pure function of (now, batch size),
// so the runner owns all timing concerns.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"creditgate/observability"
)

// Task repairs a bounded batch of rows and reports how many it touched.
type Task func(ctx context.Context, now time.Time, batchSize int) (int, error)

// Job binds a task to its cadence and batch bound.
type Job struct {
	Name      string
	Interval  time.Duration
	BatchSize int
	Run       Task
}

// Runner executes jobs on independent fixed intervals until the context is
// cancelled. A run that fails is logged and simply retried on the next tick;
// bounded batches keep any single run short.
type Runner struct {
	jobs    []Job
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.EngineMetrics

	wg sync.WaitGroup
}

// NewRunner constructs a runner with sane defaults.
func NewRunner(jobs []Job, now func() time.Time, logger *slog.Logger) *Runner {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		jobs:    jobs,
		now:     now,
		logger:  logger,
		metrics: observability.Engine(),
	}
}

// Start launches one goroutine per job and returns immediately.
func (r *Runner) Start(ctx context.Context) {
	for i := range r.jobs {
		job := r.jobs[i]
		if job.Run == nil || job.Interval <= 0 {
			continue
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.loop(ctx, job)
		}()
	}
}

// Wait blocks until every job loop has observed context cancellation.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, job)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, job Job) {
	started := time.Now()
	touched, err := job.Run(ctx, r.now(), job.BatchSize)
	elapsed := time.Since(started)
	if err != nil {
		r.logger.Error("scheduled job run failed", "job", job.Name, "error", err)
		r.metrics.RecordJobRun(job.Name, "error", elapsed)
		return
	}
	if touched > 0 {
		r.logger.Info("scheduled job repaired rows", "job", job.Name, "rows", touched)
	}
	r.metrics.RecordJobRun(job.Name, "ok", elapsed)
}
