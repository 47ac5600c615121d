package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CapturesProcessed counts pipeline outcomes (captured|duplicate|blocked|error).
	CapturesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notiq_captures_processed_total",
			Help: "Total number of raw captures run through the processing pipeline",
		},
		[]string{"outcome"},
	)

	// RuleMatches counts rule applications by rule type.
	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notiq_rule_matches_total",
			Help: "Total number of rule matches during evaluation",
		},
		[]string{"rule_type"},
	)

	// SyncAttempts records sync passes by result (success|failure|skipped).
	SyncAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notiq_sync_attempts_total",
			Help: "Total number of sync passes",
		},
		[]string{"result"},
	)

	// OperationsSynced counts confirmed operations by type (create|update|delete).
	OperationsSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notiq_operations_synced_total",
			Help: "Total number of operations accepted by the server",
		},
		[]string{"type"},
	)

	// ConflictsResolved counts conflict resolutions by strategy.
	ConflictsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notiq_conflicts_resolved_total",
			Help: "Total number of sync conflicts resolved",
		},
		[]string{"strategy"},
	)

	// QueueDepth tracks pending sync operations.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notiq_sync_queue_depth",
			Help: "Number of pending sync operations",
		},
	)

	// BatchSize observes the size of dispatched sync batches.
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notiq_sync_batch_size",
			Help:    "Size of dispatched sync batches",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)

	// APILatency measures HTTP request latencies on the server of record.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notiq_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
