package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Case metrics
	CasesStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riskcase_cases_started_total",
			Help: "Total number of cases started",
		},
	)

	CasesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskcase_cases_completed_total",
			Help: "Total number of cases reaching a terminal state",
		},
		[]string{"state"},
	)

	CaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riskcase_case_duration_seconds",
			Help:    "Case execution duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"state"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riskcase_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// Source metrics
	SourceFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskcase_source_fetches_total",
			Help: "Source agent outcomes by category",
		},
		[]string{"category", "outcome"},
	)

	SourceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riskcase_source_latency_seconds",
			Help:    "Source agent fetch latency",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"category"},
	)

	DatasetCacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskcase_dataset_cache_results_total",
			Help: "Dataset cache lookups by result (hit, miss, stale)",
		},
		[]string{"dataset", "result"},
	)

	// Identity metrics
	ResolutionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskcase_resolution_outcomes_total",
			Help: "Entity resolution outcomes",
		},
		[]string{"outcome"},
	)

	// Scoring metrics
	RiskScores = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riskcase_risk_score",
			Help:    "Distribution of computed risk scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
		[]string{"model_version"},
	)

	EvidenceItemsPacked = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "riskcase_evidence_items_packed",
			Help:    "Evidence items included in a pack",
			Buckets: []float64{1, 2, 5, 10, 15, 20},
		},
	)

	// Strategy metrics
	StrategyAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskcase_strategy_attempts_total",
			Help: "Strategy generation attempts by outcome",
		},
		[]string{"outcome"},
	)

	ExplanationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskcase_explanation_outcomes_total",
			Help: "Plain-language explanations by outcome",
		},
		[]string{"outcome"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riskcase_llm_latency_seconds",
			Help:    "Language model call latency",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"provider", "model"},
	)

	PolicyViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskcase_policy_violations_total",
			Help: "Policy guard violations by rule",
		},
		[]string{"rule"},
	)

	PolicyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskcase_policy_evaluations_total",
			Help: "Rego policy evaluations by mode and decision",
		},
		[]string{"mode", "decision"},
	)

	PolicyCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riskcase_policy_cache_hits_total",
			Help: "Rego decision cache hits",
		},
	)

	QAOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskcase_qa_outcomes_total",
			Help: "QA critic verdicts",
		},
		[]string{"status"},
	)

	QACoverage = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "riskcase_qa_coverage_ratio",
			Help:    "Share of actions with valid evidence references",
			Buckets: []float64{0.25, 0.5, 0.75, 0.9, 0.95, 1.0},
		},
	)

	// Store metrics
	StoreWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskcase_store_writes_total",
			Help: "Case store writes by kind and result",
		},
		[]string{"kind", "result"},
	)

	StoreQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskcase_store_queue_depth",
			Help: "Pending asynchronous case store writes",
		},
	)

	// Event stream metrics
	EventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskcase_event_subscribers",
			Help: "Active case event subscribers",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riskcase_events_dropped_total",
			Help: "Case events dropped because a subscriber was slow",
		},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskcase_http_requests_total",
			Help: "HTTP API requests",
		},
		[]string{"route", "method", "code"},
	)
)

// ObserveStage records how long a stage took.
func ObserveStage(stage string, started time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

// RecordCaseCompletion records the terminal state and total duration of a case.
func RecordCaseCompletion(state string, started time.Time) {
	CasesCompleted.WithLabelValues(state).Inc()
	CaseDuration.WithLabelValues(state).Observe(time.Since(started).Seconds())
}

// RecordSourceFetch records one source agent outcome.
func RecordSourceFetch(category, outcome string, latency time.Duration) {
	SourceFetches.WithLabelValues(category, outcome).Inc()
	SourceLatency.WithLabelValues(category).Observe(latency.Seconds())
}
