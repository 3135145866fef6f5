package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Domain collectors for purchase validation and reconciliation.
var (
	ValidationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "billing",
		Name:      "validation_total",
		Help:      "Purchase validation outcomes, partitioned by platform and status.",
	}, []string{"platform", "status"})

	ValidationDedupHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "billing",
		Name:      "validation_dedup_total",
		Help:      "Validations answered from a prior record without an authority call.",
	}, []string{"platform"})

	AuthorityCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "billing",
		Name:      "authority_call_dur_ms",
		Help:      "Authority round-trip latencies in milliseconds, retries included.",
		Buckets:   HistogramBuckets,
	}, []string{"authority"})

	ReconcileChecked = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "billing",
		Name:      "reconcile_checked",
		Help:      "Subscriptions examined by the most recent reconciliation run.",
	})

	ReconcileDrift = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "billing",
		Name:      "reconcile_drift_detected",
		Help:      "Drifted subscriptions found by the most recent reconciliation run.",
	})

	ReconcileErrors = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "billing",
		Name:      "reconcile_errors",
		Help:      "Per-subscription errors in the most recent reconciliation run.",
	})

	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Subsystem: "billing",
		Name:      "reconcile_dur_ms",
		Help:      "Full reconciliation run durations in milliseconds.",
		Buckets:   HistogramBuckets,
	})
)
