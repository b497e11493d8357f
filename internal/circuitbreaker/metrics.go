package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Breakers are labelled by the dependency they guard (case-store,
// socrata, dataset-cache, llm) and the breaker name within it.
var breakerLabels = []string{"dependency", "breaker"}

var (
	breakerStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "riskcase",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Breaker state per dependency (0=closed, 1=half-open, 2=open)",
	}, breakerLabels)

	breakerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskcase",
		Subsystem: "breaker",
		Name:      "calls_total",
		Help:      "Calls made through a breaker, by state at call time and outcome",
	}, append(breakerLabels, "state", "outcome"))

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskcase",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Breaker state transitions",
	}, append(breakerLabels, "from", "to"))

	breakerOpenedAt = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "riskcase",
		Subsystem: "breaker",
		Name:      "opened_at_seconds",
		Help:      "Unix time the breaker last opened, 0 while closed",
	}, breakerLabels)
)

type breakerKey struct {
	dependency string
	breaker    string
}

// MetricsCollector tracks every breaker guarding an outbound dependency
// and keeps the exported gauges in step with them.
type MetricsCollector struct {
	mu       sync.RWMutex
	breakers map[breakerKey]*CircuitBreaker
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{breakers: make(map[breakerKey]*CircuitBreaker)}
}

// GlobalMetricsCollector is shared by the store, cache, Socrata and LLM wrappers.
var GlobalMetricsCollector = NewMetricsCollector()

// RegisterCircuitBreaker adds cb under dependency and chains a transition
// hook onto any OnStateChange already configured.
func (mc *MetricsCollector) RegisterCircuitBreaker(name, dependency string, cb *CircuitBreaker) {
	key := breakerKey{dependency: dependency, breaker: name}

	mc.mu.Lock()
	mc.breakers[key] = cb
	mc.mu.Unlock()

	next := cb.config.OnStateChange
	cb.config.OnStateChange = func(cbName string, from, to State) {
		if next != nil {
			next(cbName, from, to)
		}
		observeTransition(key, from, to)
	}
}

func observeTransition(key breakerKey, from, to State) {
	breakerTransitions.WithLabelValues(key.dependency, key.breaker, from.String(), to.String()).Inc()
	breakerStateGauge.WithLabelValues(key.dependency, key.breaker).Set(float64(to))
	switch {
	case to == StateOpen:
		breakerOpenedAt.WithLabelValues(key.dependency, key.breaker).SetToCurrentTime()
	case from == StateOpen:
		breakerOpenedAt.WithLabelValues(key.dependency, key.breaker).Set(0)
	}
}

// RecordRequest counts one call made while the breaker was in state.
func (mc *MetricsCollector) RecordRequest(name, dependency string, state State, success bool) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	breakerCalls.WithLabelValues(dependency, name, state.String(), outcome).Inc()
}

// UpdateMetrics re-reads every breaker's state; half-open transitions happen
// lazily inside State() so the gauges would otherwise lag.
func (mc *MetricsCollector) UpdateMetrics() {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	for key, cb := range mc.breakers {
		breakerStateGauge.WithLabelValues(key.dependency, key.breaker).Set(float64(cb.State()))
	}
}

// StartMetricsCollection refreshes breaker gauges until ctx is done.
func StartMetricsCollection(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				GlobalMetricsCollector.UpdateMetrics()
			}
		}
	}()
}
