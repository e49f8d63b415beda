package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalenda_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kalenda_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Buffer metrics
	FragmentsBuffered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kalenda_fragments_buffered_total",
			Help: "Total inbound fragments buffered",
		},
	)

	BatchesFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalenda_batches_flushed_total",
			Help: "Total merged batches handed to the flush callback",
		},
		[]string{"outcome"}, // "ok", "error", "panic"
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kalenda_batch_fragments",
			Help:    "Fragments per flushed batch",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		},
	)

	PendingUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kalenda_pending_users",
			Help: "Users with a buffered batch awaiting flush",
		},
	)

	// Dispatch metrics
	JobsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalenda_jobs_dispatched_total",
			Help: "Total jobs dispatched",
		},
		[]string{"job", "path"}, // "queue" or "local"
	)

	DispatchFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalenda_dispatch_fallbacks_total",
			Help: "Jobs executed locally because queue submission failed",
		},
		[]string{"job"},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalenda_jobs_processed_total",
			Help: "Jobs executed by queue workers",
		},
		[]string{"job", "outcome"}, // "ok", "error", "duplicate", "unknown"
	)

	// Store metrics
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalenda_store_operations_total",
			Help: "Secure store operations",
		},
		[]string{"op", "encoding"}, // encoding: "sealed" or "plain"
	)

	// Degraded paths reported to operators
	DegradedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalenda_degraded_events_total",
			Help: "Best-effort fallbacks taken, by component",
		},
		[]string{"component"},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kalenda_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalenda_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)
)
