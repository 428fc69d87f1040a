package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_executions_total",
			Help: "Total number of sandboxed runs by language and classification",
		},
		[]string{"language", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbox_execution_duration_ms",
			Help:    "Run duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"language"},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runbox_batch_size",
			Help:    "Number of units per batch request",
			Buckets: []float64{1, 2, 5, 10, 20, 50},
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_queue_depth",
			Help: "Current number of jobs waiting in the queue",
		},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_active_workers",
			Help: "Number of workers currently running a sandbox",
		},
	)

	HistoryWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_history_write_failures_total",
			Help: "Run records that could not be persisted",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
