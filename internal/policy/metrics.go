package policy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Kocoro-lab/riskcase/internal/metrics"
)

var (
	policyEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riskcase_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating strategy policies",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
		},
		[]string{"mode"},
	)

	policyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskcase_policy_errors_total",
			Help: "Total number of policy compile and evaluation errors",
		},
		[]string{"error_type", "mode"},
	)

	policyLoadTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskcase_policy_load_timestamp_seconds",
			Help: "Timestamp of last successful policy load",
		},
	)

	policyCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskcase_policy_files_loaded",
			Help: "Number of policy modules currently loaded",
		},
	)

	policyVersion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "riskcase_policy_version_info",
			Help: "Hash of the loaded policy set",
		},
		[]string{"version"},
	)

	policyCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskcase_policy_cache_entries",
			Help: "Number of cached policy decisions",
		},
	)
)

// RecordEvaluation records an evaluation outcome and its latency.
func RecordEvaluation(mode, decision string, d time.Duration) {
	metrics.PolicyEvaluations.WithLabelValues(mode, decision).Inc()
	policyEvaluationDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordError records policy evaluation errors
func RecordError(errorType string, mode string) {
	policyErrors.WithLabelValues(errorType, mode).Inc()
}

// RecordPolicyLoad records a successful policy load
func RecordPolicyLoad(count int, version string) {
	policyLoadTime.SetToCurrentTime()
	policyCount.Set(float64(count))
	policyVersion.Reset()
	policyVersion.WithLabelValues(version).Set(1)
}

// RecordCacheHit records cache hits
func RecordCacheHit() {
	metrics.PolicyCacheHits.Inc()
}

// RecordCacheSize records current cache size
func RecordCacheSize(size int) {
	policyCacheSize.Set(float64(size))
}
