package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics exposes Prometheus collectors for the credit engine:
// reservation outcomes, gateway callbacks, credit retries, and repair-job
// runs.
type EngineMetrics struct {
	reservations  *prometheus.CounterVec
	callbacks     *prometheus.CounterVec
	creditRetries *prometheus.CounterVec
	sweeps        *prometheus.CounterVec
	jobRuns       *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Engine returns the lazily-initialised engine metrics registry.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditgate",
				Subsystem: "reservation",
				Name:      "transitions_total",
				Help:      "Reservation lifecycle transitions segmented by outcome.",
			}, []string{"outcome"}),
			callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditgate",
				Subsystem: "gateway",
				Name:      "callbacks_total",
				Help:      "Gateway callback processing results.",
			}, []string{"result"}),
			creditRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditgate",
				Subsystem: "reconcile",
				Name:      "credit_retries_total",
				Help:      "Credit grant retry attempts segmented by outcome.",
			}, []string{"outcome"}),
			sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditgate",
				Subsystem: "jobs",
				Name:      "swept_rows_total",
				Help:      "Rows repaired by scheduled sweeps segmented by job.",
			}, []string{"job"}),
			jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditgate",
				Subsystem: "jobs",
				Name:      "runs_total",
				Help:      "Scheduled job executions segmented by job and outcome.",
			}, []string{"job", "outcome"}),
			jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "creditgate",
				Subsystem: "jobs",
				Name:      "run_duration_seconds",
				Help:      "Latency distribution for scheduled job runs.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"job"}),
		}
		prometheus.MustRegister(
			engineRegistry.reservations,
			engineRegistry.callbacks,
			engineRegistry.creditRetries,
			engineRegistry.sweeps,
			engineRegistry.jobRuns,
			engineRegistry.jobDuration,
		)
	})
	return engineRegistry
}

// RecordReservation increments the reservation transition counter. Outcomes
// should be stable strings such as "reserved", "confirmed", "refunded".
func (m *EngineMetrics) RecordReservation(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unspecified"
	}
	m.reservations.WithLabelValues(outcome).Inc()
}

// RecordCallback increments the gateway callback counter. Results should be
// stable strings such as "credited", "failed", "duplicate", "bad_signature".
func (m *EngineMetrics) RecordCallback(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unspecified"
	}
	m.callbacks.WithLabelValues(result).Inc()
}

// RecordCreditRetry increments the credit retry counter.
func (m *EngineMetrics) RecordCreditRetry(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unspecified"
	}
	m.creditRetries.WithLabelValues(outcome).Inc()
}

// RecordSweep adds the number of rows a sweep repaired.
func (m *EngineMetrics) RecordSweep(job string, rows int) {
	if m == nil || rows <= 0 {
		return
	}
	m.sweeps.WithLabelValues(job).Add(float64(rows))
}

// RecordJobRun records one scheduled job execution and its duration.
func (m *EngineMetrics) RecordJobRun(job, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}
