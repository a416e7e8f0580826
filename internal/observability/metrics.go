package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "presence",
		Name:      "inference_duration_seconds",
		Help:      "Duration of embedding pipeline stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"stage"})

	Recognitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "recognitions_total",
		Help:      "Recognition attempts by outcome",
	}, []string{"tenant", "status"})

	LowConfidence = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "low_confidence_total",
		Help:      "Recognition attempts whose best similarity was below threshold",
	}, []string{"tenant"})

	Enrollments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "enrollments_total",
		Help:      "Enrollment attempts by resulting embedding status",
	}, []string{"tenant", "status"})

	MatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "presence",
		Name:      "match_duration_seconds",
		Help:      "Duration of batched similarity search",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
	})

	CacheEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "presence",
		Name:      "cache_entries",
		Help:      "Cached embeddings per tenant and pool",
	}, []string{"tenant", "pool"})

	HydrateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "presence",
		Name:      "cache_hydrate_duration_seconds",
		Help:      "Duration of tenant cache hydration",
		Buckets:   prometheus.DefBuckets,
	})

	JobItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "generation_job_items_total",
		Help:      "Bulk generation items processed by result",
	}, []string{"result"})

	AttendanceActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "attendance_actions_total",
		Help:      "Attendance state machine results",
	}, []string{"role", "action"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence",
		Name:      "capture_queue_depth",
		Help:      "Number of pending capture tasks in queue",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "presence",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
