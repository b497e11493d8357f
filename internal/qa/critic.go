// Package qa grades a guarded strategy draft before it is returned.
package qa

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/metrics"
	"github.com/Kocoro-lab/riskcase/internal/models"
	"github.com/Kocoro-lab/riskcase/internal/policyguard"
)

// DefaultCoverageThreshold is the share of actions that must cite valid evidence.
const DefaultCoverageThreshold = 0.95

// Report is the critic's verdict on one draft.
type Report struct {
	Status       string  `json:"status"` // PASS or FAIL
	Coverage     float64 `json:"coverage"`
	CitedActions int     `json:"cited_actions"`
	TotalActions int     `json:"total_actions"`
	Violations   int     `json:"violations"`
	// DriverAlignment is the share of top-driver evidence ids some action cites.
	DriverAlignment float64 `json:"driver_alignment"`
	// UncertaintyDisclosed is false when the pack has data gaps but the draft
	// has neither a summary nor questions for the user.
	UncertaintyDisclosed bool     `json:"uncertainty_disclosed"`
	Reasons              []string `json:"reasons,omitempty"`
	Warnings             []string `json:"warnings,omitempty"`
}

// Passed reports a PASS verdict.
func (r Report) Passed() bool { return r.Status == models.QAPass }

// Critic checks evidence coverage and guard violations.
type Critic struct {
	threshold float64
	logger    *zap.Logger
}

// NewCritic creates a critic; a threshold outside (0,1] falls back to the default.
func NewCritic(threshold float64, logger *zap.Logger) *Critic {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultCoverageThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Critic{threshold: threshold, logger: logger}
}

// Threshold returns the coverage the critic requires.
func (c *Critic) Threshold() float64 { return c.threshold }

// Review grades the guard's cleaned draft. PASS needs coverage at or above
// the threshold and no guard violations.
func (c *Critic) Review(pack *models.EvidencePack, guarded policyguard.Result) Report {
	ids := pack.IDSet()
	actions := guarded.Draft.Actions
	r := Report{TotalActions: len(actions), Violations: len(guarded.Violations)}

	cited := map[string]bool{}
	for _, a := range actions {
		valid := false
		for _, ref := range a.EvidenceRefs {
			if _, ok := ids[ref]; ok {
				valid = true
				cited[ref] = true
			}
		}
		if valid {
			r.CitedActions++
		}
	}
	if r.TotalActions > 0 {
		r.Coverage = round3(float64(r.CitedActions) / float64(r.TotalActions))
	}

	if r.TotalActions == 0 {
		r.Reasons = append(r.Reasons, "no actions remain after policy checks")
	} else if r.Coverage < c.threshold {
		r.Reasons = append(r.Reasons, fmt.Sprintf(
			"evidence coverage %.2f is below %.2f: %d of %d actions cite an evidence id from the pack",
			r.Coverage, c.threshold, r.CitedActions, r.TotalActions))
	}
	r.Reasons = append(r.Reasons, guarded.Reasons()...)

	r.DriverAlignment = driverAlignment(pack.TopDrivers, cited)
	if r.DriverAlignment < 0.5 && len(pack.TopDrivers) > 0 {
		r.Warnings = append(r.Warnings, fmt.Sprintf("actions cite %.0f%% of the top driver evidence", r.DriverAlignment*100))
	}
	r.UncertaintyDisclosed = len(pack.DataGaps) == 0 ||
		guarded.Draft.Summary != "" || len(guarded.Draft.QuestionsForUser) > 0
	if !r.UncertaintyDisclosed {
		r.Warnings = append(r.Warnings, "data gaps are not acknowledged in the summary or questions")
	}

	r.Status = models.QAFail
	if r.TotalActions > 0 && r.Coverage >= c.threshold && r.Violations == 0 {
		r.Status = models.QAPass
	}

	metrics.QAOutcomes.WithLabelValues(r.Status).Inc()
	metrics.QACoverage.Observe(r.Coverage)
	c.logger.Debug("QA review",
		zap.String("status", r.Status),
		zap.Float64("coverage", r.Coverage),
		zap.Int("violations", r.Violations),
		zap.Float64("driver_alignment", r.DriverAlignment),
	)
	return r
}

func driverAlignment(drivers []models.Driver, cited map[string]bool) float64 {
	var total, hit int
	seen := map[string]bool{}
	for _, d := range drivers {
		for _, ref := range d.EvidenceRefs {
			if seen[ref] {
				continue
			}
			seen[ref] = true
			total++
			if cited[ref] {
				hit++
			}
		}
	}
	if total == 0 {
		return 1
	}
	return round3(float64(hit) / float64(total))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
