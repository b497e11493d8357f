package qa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/riskcase/internal/models"
	"github.com/Kocoro-lab/riskcase/internal/policyguard"
)

func pack() *models.EvidencePack {
	return &models.EvidencePack{
		TopDrivers: []models.Driver{
			{Name: "complaint_count_6m", EvidenceRefs: []string{"ev-1"}},
			{Name: "has_open_violations", EvidenceRefs: []string{"ev-2"}},
		},
		EvidenceItems: []models.EvidenceItem{{ID: "ev-1"}, {ID: "ev-2"}, {ID: "ev-3"}},
	}
}

func guarded(actions ...models.StrategyAction) policyguard.Result {
	return policyguard.Result{Draft: models.StrategyDraft{Summary: "plan", Actions: actions}}
}

func act(refs ...string) models.StrategyAction {
	return models.StrategyAction{Action: "do something", EvidenceRefs: refs}
}

func TestReviewPasses(t *testing.T) {
	c := NewCritic(0, zaptest.NewLogger(t))
	r := c.Review(pack(), guarded(act("ev-1"), act("ev-2", "ev-3")))

	assert.True(t, r.Passed())
	assert.Equal(t, 1.0, r.Coverage)
	assert.Equal(t, 1.0, r.DriverAlignment)
	assert.Empty(t, r.Reasons)
	assert.Equal(t, DefaultCoverageThreshold, c.Threshold())
}

func TestReviewCoverageBelowThreshold(t *testing.T) {
	c := NewCritic(0.95, zaptest.NewLogger(t))
	r := c.Review(pack(), guarded(act("ev-1"), act(), act("ev-3"), act("ev-2")))

	assert.Equal(t, models.QAFail, r.Status)
	assert.Equal(t, 0.75, r.Coverage)
	assert.Equal(t, 3, r.CitedActions)
	require.Len(t, r.Reasons, 1)
	assert.Contains(t, r.Reasons[0], "0.75 is below 0.95")
}

func TestReviewFailsOnViolations(t *testing.T) {
	g := guarded(act("ev-1"))
	g.Violations = []policyguard.Violation{{Rule: "pii_email", Action: 1, Detail: "contains personal data", Stripped: true}}

	r := NewCritic(0.95, nil).Review(pack(), g)
	assert.Equal(t, models.QAFail, r.Status)
	assert.Equal(t, 1.0, r.Coverage)
	assert.Equal(t, []string{"action 2 pii_email: contains personal data"}, r.Reasons)
}

func TestReviewNoActions(t *testing.T) {
	r := NewCritic(0.95, nil).Review(pack(), guarded())
	assert.Equal(t, models.QAFail, r.Status)
	assert.Zero(t, r.Coverage)
	assert.Equal(t, []string{"no actions remain after policy checks"}, r.Reasons)
}

func TestReviewReportsAlignmentAndDisclosure(t *testing.T) {
	p := pack()
	p.DataGaps = []string{"sfpd_incidents"}
	g := guarded(act("ev-3"))
	g.Draft.Summary = ""

	r := NewCritic(0.95, nil).Review(p, g)
	assert.True(t, r.Passed(), "alignment and disclosure never block")
	assert.Zero(t, r.DriverAlignment)
	assert.False(t, r.UncertaintyDisclosed)
	assert.Len(t, r.Warnings, 2)
}
