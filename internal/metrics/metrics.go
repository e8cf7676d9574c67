// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "muleguard",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "muleguard",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"method", "route"},
	)

	// Engine metrics
	AnalysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "muleguard",
			Subsystem: "engine",
			Name:      "analyses_total",
			Help:      "Total number of analyses by outcome",
		},
		[]string{"outcome"},
	)

	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "muleguard",
			Subsystem: "engine",
			Name:      "analysis_duration_seconds",
			Help:      "End-to-end engine run time",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)

	DetectorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "muleguard",
			Subsystem: "engine",
			Name:      "detector_duration_seconds",
			Help:      "Run time of individual detectors",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18),
		},
		[]string{"detector"},
	)

	TransactionsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "muleguard",
			Subsystem: "engine",
			Name:      "transactions_processed_total",
			Help:      "Transactions that made it into a graph",
		},
	)

	RowsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "muleguard",
			Subsystem: "ingest",
			Name:      "rows_dropped_total",
			Help:      "Rows excluded during validation, by reason",
		},
		[]string{"reason"},
	)

	RingsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "muleguard",
			Subsystem: "engine",
			Name:      "rings_detected_total",
			Help:      "Fraud rings assembled, by pattern type",
		},
		[]string{"pattern_type"},
	)

	PartialResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "muleguard",
			Subsystem: "engine",
			Name:      "partial_results_total",
			Help:      "Analyses that returned incomplete results, by reason",
		},
		[]string{"reason"},
	)

	// Service metrics
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "muleguard",
			Subsystem: "analysis",
			Name:      "cache_lookups_total",
			Help:      "Result cache lookups by outcome",
		},
		[]string{"result"},
	)

	QuotaRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "muleguard",
			Subsystem: "analysis",
			Name:      "quota_rejections_total",
			Help:      "Analyses refused because a tenant exceeded its quota",
		},
	)
)

// ObserveDetector records a detector run.
func ObserveDetector(name string, elapsed time.Duration) {
	DetectorDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}
