// Package metrics provides Prometheus metrics for the scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestTotal counts monitor ingest results by outcome
	// (accepted/rejected).
	IngestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comfysched_ingest_total",
		Help: "Total number of ingested job configuration files, by outcome.",
	}, []string{"outcome"})

	// JobsCompletedTotal counts finished job attempts by result
	// (done/retry/failed).
	JobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comfysched_jobs_completed_total",
		Help: "Total number of completed job attempts, by result.",
	}, []string{"result"})

	// OrphansRecoveredTotal counts leases reclaimed after expiry.
	OrphansRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comfysched_orphans_recovered_total",
		Help: "Total number of expired processing leases returned to pending.",
	})

	// SubmitErrorsTotal counts ComfyUI submission failures.
	SubmitErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comfysched_submit_errors_total",
		Help: "Total number of failed ComfyUI prompt submissions.",
	})

	// QueueDepth tracks current row counts by status.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "comfysched_queue_depth",
		Help: "Current number of job rows, by status.",
	}, []string{"status"})

	// JobDurationSeconds observes wall-clock duration of done jobs.
	JobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "comfysched_job_duration_seconds",
		Help:    "Wall-clock duration of successfully completed jobs, by job type.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"job_type"})
)
