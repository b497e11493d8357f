package policyguard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/riskcase/internal/models"
	"github.com/Kocoro-lab/riskcase/internal/policy"
)

func testPack(band string) *models.EvidencePack {
	return &models.EvidencePack{
		RiskBand: band,
		EvidenceItems: []models.EvidenceItem{
			{ID: "ev-aaaaaaaaaaaa", Content: "15 complaints in 6 months"},
			{ID: "ev-bbbbbbbbbbbb", Content: "no permits in 12 months"},
		},
	}
}

func action(text string, refs ...string) models.StrategyAction {
	return models.StrategyAction{
		Horizon:        models.HorizonNear,
		Action:         text,
		Why:            "complaints are rising",
		ExpectedImpact: models.LevelMedium,
		Effort:         models.LevelLow,
		EvidenceRefs:   refs,
	}
}

func TestCleanDraftPasses(t *testing.T) {
	g := New(nil, zaptest.NewLogger(t))
	draft := models.StrategyDraft{
		Summary: "Address the complaint trend",
		Actions: []models.StrategyAction{
			action("Walk the block with the district liaison", "ev-aaaaaaaaaaaa"),
			action("Apply for a storefront permit", "ev-bbbbbbbbbbbb"),
		},
	}

	res := g.Check(context.Background(), "case-1", testPack(models.BandMedium), draft)
	assert.True(t, res.Passed())
	assert.Empty(t, res.Notes)
	assert.Equal(t, draft, res.Draft)
}

func TestStripsUnknownEvidenceAndBadEnums(t *testing.T) {
	g := New(nil, zaptest.NewLogger(t))
	bad := action("Repaint the facade", "ev-aaaaaaaaaaaa")
	bad.Effort = "huge"
	draft := models.StrategyDraft{
		Summary: "s",
		Actions: []models.StrategyAction{
			action("Host a neighborhood cleanup", "ev-zzzzzzzzzzzz"),
			bad,
			action("Extend opening hours", "ev-bbbbbbbbbbbb"),
		},
	}

	res := g.Check(context.Background(), "case-2", testPack(models.BandMedium), draft)
	require.Len(t, res.Violations, 2)
	assert.Equal(t, RuleUnknownEvidence, res.Violations[0].Rule)
	assert.Equal(t, 0, res.Violations[0].Action)
	assert.Equal(t, RuleInvalidEnum, res.Violations[1].Rule)
	assert.Equal(t, 1, res.Violations[1].Action)
	require.Len(t, res.Draft.Actions, 1)
	assert.Equal(t, "Extend opening hours", res.Draft.Actions[0].Action)
	assert.Equal(t, []string{
		`action 1 unknown_evidence_ref: cites evidence not in the pack: ev-zzzzzzzzzzzz`,
		`action 2 invalid_enum: expected_impact "medium" / effort "huge" outside low|medium|high`,
	}, res.Reasons())
}

func TestActionsWithoutRefsAreLeftForQA(t *testing.T) {
	g := New(nil, zaptest.NewLogger(t))
	draft := models.StrategyDraft{Summary: "s", Actions: []models.StrategyAction{action("Survey customers")}}
	res := g.Check(context.Background(), "case-3", testPack(models.BandLow), draft)
	assert.True(t, res.Passed())
	assert.Len(t, res.Draft.Actions, 1)
}

func TestDisclaimerRules(t *testing.T) {
	tests := []struct {
		name string
		text string
		rule string
	}{
		{"legal without disclaimer", "Sue the landlord over the repairs", "legal_advice"},
		{"legal with disclaimer", "Consider legal action over the lease; consult an attorney first", ""},
		{"financial without disclaimer", "Take out a home equity loan to cover rent", "financial_advice"},
		{"financial with disclaimer", "Refinance the equipment lease (not financial advice)", ""},
		{"medical without disclaimer", "Get staff diagnosed for stress", "medical_advice"},
		{"discrimination", "Turn away homeless visitors at the door", "discrimination"},
		{"ssn", "Send the form with SSN 123-45-6789", "pii_ssn"},
		{"email", "Email owner@example.com about the lease", "pii_email"},
		{"phone", "Call the inspector at (415) 555-1234", "pii_phone"},
		{"plain", "Invest in brighter exterior lighting", ""},
	}

	g := New(nil, zaptest.NewLogger(t))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			draft := models.StrategyDraft{Summary: "s", Actions: []models.StrategyAction{action(tt.text, "ev-aaaaaaaaaaaa")}}
			res := g.Check(context.Background(), "case-4", testPack(models.BandMedium), draft)
			if tt.rule == "" {
				assert.True(t, res.Passed(), "unexpected violations: %v", res.Reasons())
				assert.Len(t, res.Draft.Actions, 1)
				return
			}
			require.Len(t, res.Violations, 1)
			assert.Equal(t, tt.rule, res.Violations[0].Rule)
			assert.True(t, res.Violations[0].Stripped)
			assert.Empty(t, res.Draft.Actions)
		})
	}
}

func TestPIIDetailDoesNotEchoData(t *testing.T) {
	g := New(nil, zaptest.NewLogger(t))
	draft := models.StrategyDraft{Summary: "s", Actions: []models.StrategyAction{action("Email owner@example.com", "ev-aaaaaaaaaaaa")}}
	res := g.Check(context.Background(), "case-5", testPack(models.BandMedium), draft)
	require.Len(t, res.Violations, 1)
	assert.NotContains(t, res.Violations[0].Detail, "example.com")
}

func TestAbsoluteLanguageIsSoftened(t *testing.T) {
	g := New(nil, zaptest.NewLogger(t))
	a := action("New lighting will definitely cut incidents", "ev-aaaaaaaaaaaa")
	a.SuccessMetric = "100% fewer complaints"
	draft := models.StrategyDraft{
		Summary: "This plan is guaranteed to work",
		Actions: []models.StrategyAction{a},
	}

	res := g.Check(context.Background(), "case-6", testPack(models.BandMedium), draft)
	assert.True(t, res.Passed())
	assert.Equal(t, "This plan is expected to work", res.Draft.Summary)
	assert.Equal(t, "New lighting may cut incidents", res.Draft.Actions[0].Action)
	assert.Equal(t, "substantially fewer complaints", res.Draft.Actions[0].SuccessMetric)
	assert.Equal(t, []string{
		`summary: softened "guaranteed to"`,
		`action 1: softened "will definitely" in action`,
		`action 1: softened "100%" in success_metric`,
	}, res.Notes)

	assert.Equal(t, "New lighting will definitely cut incidents", draft.Actions[0].Action, "input draft must not change")
}

func TestPolicyEngineStripsEnforcedDenials(t *testing.T) {
	engine, err := policy.NewOPAEngine(&policy.Config{Enabled: true, Mode: policy.ModeEnforce, Path: t.TempDir()}, zaptest.NewLogger(t))
	require.NoError(t, err)

	g := New(engine, zaptest.NewLogger(t))
	draft := models.StrategyDraft{
		Summary: "s",
		Actions: []models.StrategyAction{
			action("Email owner@example.com", "ev-aaaaaaaaaaaa"),
			action("Refresh the window display", "ev-aaaaaaaaaaaa"),
			action("Sell the business before renewal", "ev-bbbbbbbbbbbb"),
		},
	}

	res := g.Check(context.Background(), "case-7", testPack(models.BandLow), draft)
	require.Len(t, res.Violations, 2)
	assert.Equal(t, "pii_email", res.Violations[0].Rule)
	assert.Equal(t, RulePolicyPrefix+"deny", res.Violations[1].Rule)
	assert.Equal(t, 2, res.Violations[1].Action, "index refers to the incoming draft")
	require.Len(t, res.Draft.Actions, 1)
	assert.Equal(t, "Refresh the window display", res.Draft.Actions[0].Action)
}

func TestPolicyEngineDryRunOnlyReports(t *testing.T) {
	engine, err := policy.NewOPAEngine(&policy.Config{Enabled: true, Mode: policy.ModeDryRun}, zaptest.NewLogger(t))
	require.NoError(t, err)

	g := New(engine, zaptest.NewLogger(t))
	draft := models.StrategyDraft{Summary: "s", Actions: []models.StrategyAction{action("Sell the business", "ev-aaaaaaaaaaaa")}}
	res := g.Check(context.Background(), "case-8", testPack(models.BandLow), draft)
	assert.True(t, res.Passed())
	assert.Len(t, res.Draft.Actions, 1)
}
