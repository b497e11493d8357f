package degradation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Kocoro-lab/riskcase/internal/metrics"
)

var (
	// degradationEventsTotal tracks degradation events
	degradationEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskcase_degradation_events_total",
			Help: "Total number of degradation events by level and reason",
		},
		[]string{"level", "reason"},
	)

	// currentDegradationLevel tracks the level of the most recent acquisition round
	currentDegradationLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskcase_degradation_level",
			Help: "Degradation level of the last acquisition (0=none, 1=minor, 2=moderate, 3=severe)",
		},
	)

	partialResultsReturned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskcase_partial_results_total",
			Help: "Cases that continued with at least one degraded source",
		},
		[]string{"level"},
	)
)

// RecordDegradation records a degradation event and updates the level gauge.
func RecordDegradation(level DegradationLevel, reason string) {
	degradationEventsTotal.WithLabelValues(level.String(), reason).Inc()
	currentDegradationLevel.Set(float64(level))
}

// RecordSourceOutcome counts one source outcome.
func RecordSourceOutcome(o Outcome) {
	outcome := "ok"
	switch {
	case !o.Success && o.Kind != "":
		outcome = o.Kind
	case !o.Success:
		outcome = "degraded"
	case o.Stale:
		outcome = "stale"
	}
	metrics.SourceFetches.WithLabelValues(o.Category, outcome).Inc()
	if o.Duration > 0 {
		metrics.SourceLatency.WithLabelValues(o.Category).Observe(o.Duration.Seconds())
	}
}

// RecordPartialResults records when a case continues on partial data
func RecordPartialResults(level string) {
	partialResultsReturned.WithLabelValues(level).Inc()
}
