package degradation

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/util"
)

const maxReasonRunes = 160

// Outcome is what one source delivered for a case.
type Outcome struct {
	Category  string        `json:"category"`
	Success   bool          `json:"success"`
	Kind      string        `json:"kind,omitempty"`   // degrade kind when !Success
	Reason    string        `json:"reason,omitempty"` // error text when !Success
	Signals   int           `json:"signals"`
	Stale     bool          `json:"stale,omitempty"` // served from the fallback cache; freshness reports it
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Summary aggregates the outcomes of one acquisition round.
type Summary struct {
	Outcomes     []Outcome        `json:"outcomes"`
	SuccessCount int              `json:"success_count"`
	FailureCount int              `json:"failure_count"`
	Degraded     []string         `json:"degraded,omitempty"`
	Level        DegradationLevel `json:"level"`
	Limitations  []string         `json:"limitations,omitempty"`
}

// Aggregator turns per-source outcomes into data gaps and user-facing limitations.
type Aggregator struct {
	logger *zap.Logger
}

// NewAggregator creates a new aggregator
func NewAggregator(logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{logger: logger}
}

// Aggregate sorts outcomes by category and grades the round. It never fails:
// a round with every source degraded still yields a summary.
func (a *Aggregator) Aggregate(caseID string, outcomes []Outcome) Summary {
	sorted := append([]Outcome(nil), outcomes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Category < sorted[j].Category })

	s := Summary{Outcomes: sorted}
	for _, o := range sorted {
		RecordSourceOutcome(o)
		if o.Success {
			s.SuccessCount++
			continue
		}
		s.FailureCount++
		s.Degraded = append(s.Degraded, o.Category)
		s.Limitations = append(s.Limitations, Limitation(o))
	}
	s.Level = LevelFor(s.FailureCount, len(sorted))
	if s.Level != LevelNone {
		RecordDegradation(s.Level, "source_outcomes")
		RecordPartialResults(s.Level.String())
	}

	a.logger.Info("Aggregated source outcomes",
		zap.String("case_id", caseID),
		zap.Int("total_components", len(sorted)),
		zap.Int("success_count", s.SuccessCount),
		zap.Int("failure_count", s.FailureCount),
		zap.String("level", s.Level.String()),
		zap.Strings("degraded", s.Degraded),
		zap.String("recommended_action", RecommendedAction(s.Level)),
	)
	return s
}

// Limitation phrases a degraded outcome for the response.
func Limitation(o Outcome) string {
	switch o.Kind {
	case "timeout":
		return fmt.Sprintf("%s data unavailable: source timed out", o.Category)
	case "rate_limited":
		return fmt.Sprintf("%s data unavailable: provider rate limit", o.Category)
	case "canceled":
		return fmt.Sprintf("%s data unavailable: fetch canceled", o.Category)
	case "no_location":
		return fmt.Sprintf("%s data unavailable: business has no usable location for this source", o.Category)
	case "no_data":
		return fmt.Sprintf("%s data unavailable: no records found", o.Category)
	}
	reason := strings.TrimSpace(o.Reason)
	if reason == "" {
		reason = "upstream error"
	}
	reason = util.TruncateString(reason, maxReasonRunes, true)
	return fmt.Sprintf("%s data unavailable: %s", o.Category, reason)
}

// RecommendedAction returns the operator hint logged for a level.
func RecommendedAction(level DegradationLevel) string {
	switch level {
	case LevelMinor:
		return "Monitor source health and retry if needed"
	case LevelModerate:
		return "Check failed sources; the score relies on fewer categories"
	case LevelSevere:
		return "Investigate the data provider; most categories are missing"
	default:
		return "Monitor system status"
	}
}
