// Package telemetry exposes the gateway's Prometheus collectors. Collectors
// register on the default registry at package load; serve them with
// promhttp.Handler on the metrics listener.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScoreLatency tracks end-to-end scoring latency in seconds. The
	// buckets bracket the 200 ms real-time budget.
	ScoreLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vigil",
		Name:      "score_latency_seconds",
		Help:      "End-to-end latency of one scoring request.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.3, 0.5, 1},
	})

	// Actions counts terminal decisions by outcome.
	Actions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "decisions_total",
		Help:      "Terminal actions emitted, by action.",
	}, []string{"action"})

	// DetectorTimeouts counts neutral substitutions caused by the
	// per-detector deadline.
	DetectorTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "detector_timeouts_total",
		Help:      "Detector runs replaced by a neutral subscore, by detector.",
	}, []string{"detector"})

	// EnqueueFailures counts reviews that were required but could not be
	// persisted after retries.
	EnqueueFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "review_enqueue_failures_total",
		Help:      "Required reviews that failed to persist.",
	})

	// QueueDepth is the number of pending review-queue entries.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vigil",
		Name:      "review_queue_pending",
		Help:      "Pending entries in the review queue.",
	})

	// OverdueReviews is the number of pending entries past their SLA.
	OverdueReviews = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vigil",
		Name:      "review_queue_overdue",
		Help:      "Pending review-queue entries past their SLA deadline.",
	})
)
