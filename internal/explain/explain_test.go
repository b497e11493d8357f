package explain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/riskcase/internal/llm"
	"github.com/Kocoro-lab/riskcase/internal/models"
	"github.com/Kocoro-lab/riskcase/internal/strategy"
)

type scriptedClient struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	requests []llm.Request
}

func (c *scriptedClient) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := len(c.requests)
	c.requests = append(c.requests, req)
	if i < len(c.errs) && c.errs[i] != nil {
		return llm.Response{}, c.errs[i]
	}
	if i >= len(c.replies) {
		return llm.Response{}, errors.New("script exhausted")
	}
	return llm.Response{Text: c.replies[i], Model: "scripted"}, nil
}

func testPack() models.EvidencePack {
	return models.EvidencePack{
		EntitySummary: "Blue Door Cafe at 100 Main St (Mission)",
		RiskScore:     0.85,
		RiskBand:      models.BandHigh,
		TopDrivers: []models.Driver{
			{Name: "complaint_count_6m", Direction: models.DirectionIncreasesRisk, Contribution: 0.55, EvidenceRefs: []string{"ev-aaa"}},
		},
		SignalSummaries: map[string]string{"complaints_311": "complaint_count_6m=15 (6m)"},
		EvidenceItems: []models.EvidenceItem{
			{ID: "ev-aaa", Content: "15 311 complaints within 100m", Source: "SF 311 Cases (vw6y-z8j6)"},
			{ID: "ev-bbb", Content: "0 building permits", Source: "Building Permits (i98e-djp9)"},
		},
		DataGaps:      []string{"sfpd_incidents: timeout"},
		AsOf:          time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		HorizonMonths: 6,
	}
}

const groundedReply = "```json\n" + `{
  "what_changed": [
    {"change": "15 complaints were filed nearby in six months", "timeframe": "last 6 months", "evidence_refs": ["ev-aaa"]},
    {"change": "A new competitor opened", "evidence_refs": ["ev-zzz"]}
  ],
  "why_it_matters": [
    {"insight": "Complaint volume signals street conditions that deter customers", "impact": "Negative", "evidence_refs": ["ev-aaa"]},
    {"insight": "No recent permits", "impact": "unclear", "evidence_refs": ["ev-bbb"]},
    {"insight": "Foot traffic is falling", "impact": "negative", "evidence_refs": []}
  ],
  "what_to_monitor": [
    {"metric": "Monthly 311 complaints", "reason": "the main driver", "threshold": "more than 3 a month", "evidence_refs": ["ev-aaa", "ev-zzz"]},
    {"metric": "Building permits", "reason": "signals investment", "evidence_refs": [" ev-bbb "]}
  ],
  "summary": "Complaints drive the risk.",
  "limitations": ["Incident data was unavailable", " "],
}` + "\n```"

func TestExplainKeepsOnlyEntriesCitingThePack(t *testing.T) {
	client := &scriptedClient{replies: []string{groundedReply}}
	x := New(client, DefaultConfig(), zaptest.NewLogger(t))
	pack := testPack()

	e, err := x.Explain(context.Background(), pack)
	require.NoError(t, err)

	require.Len(t, e.WhatChanged, 1)
	assert.Equal(t, "last 6 months", e.WhatChanged[0].Timeframe)
	require.Len(t, e.WhyItMatters, 2)
	assert.Equal(t, models.ImpactNegative, e.WhyItMatters[0].Impact)
	assert.Equal(t, models.ImpactNeutral, e.WhyItMatters[1].Impact)
	require.Len(t, e.WhatToMonitor, 1)
	assert.Equal(t, []string{"ev-bbb"}, e.WhatToMonitor[0].EvidenceRefs)
	assert.Equal(t, "Complaints drive the risk.", e.Summary)
	assert.Equal(t, []string{"Incident data was unavailable"}, e.Limitations)

	for _, ref := range e.EvidenceRefs() {
		assert.True(t, pack.Contains(ref), ref)
	}
	require.Len(t, client.requests, 1)
	assert.True(t, client.requests[0].JSON)
	assert.Contains(t, client.requests[0].User, "[ev-aaa] 15 311 complaints within 100m")
}

func TestExplainRepairsMissingSections(t *testing.T) {
	client := &scriptedClient{replies: []string{
		`{"what_changed": [], "summary": "partial"}`,
		groundedReply,
	}}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	x := New(client, cfg, zaptest.NewLogger(t))

	e, err := x.Explain(context.Background(), testPack())
	require.NoError(t, err)
	assert.NotEmpty(t, e.WhatChanged)
	require.Len(t, client.requests, 2)
	assert.Contains(t, client.requests[1].User, `missing "why_it_matters" array`)
}

func TestExplainFailsWhenNothingIsGrounded(t *testing.T) {
	client := &scriptedClient{replies: []string{`{
	  "what_changed": [{"change": "Rent went up", "evidence_refs": ["ev-rent"]}],
	  "why_it_matters": [],
	  "what_to_monitor": [{"metric": "Rent", "reason": "cost", "evidence_refs": []}]
	}`}}
	x := New(client, DefaultConfig(), zaptest.NewLogger(t))

	_, err := x.Explain(context.Background(), testPack())
	assert.ErrorIs(t, err, ErrUngrounded)
}

func TestExplainReturnsCallError(t *testing.T) {
	client := &scriptedClient{errs: []error{llm.ErrRateLimited}}
	x := New(client, DefaultConfig(), zaptest.NewLogger(t))

	_, err := x.Explain(context.Background(), testPack())
	assert.ErrorIs(t, err, llm.ErrRateLimited)
}

func TestExplainStopsOnCancelledContext(t *testing.T) {
	client := &scriptedClient{replies: []string{groundedReply}}
	x := New(client, DefaultConfig(), zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := x.Explain(ctx, testPack())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, client.requests)
}

func TestParseRejectsProse(t *testing.T) {
	_, err := Parse("I cannot help with that.")
	assert.ErrorIs(t, err, strategy.ErrNoJSON)

	_, err = Parse(`{"what_changed": null, "why_it_matters": [], "what_to_monitor": []}`)
	var schemaErr *strategy.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, []string{`missing "what_changed" array`}, schemaErr.Problems)
}

func TestBuildPromptListsGapsAndRepair(t *testing.T) {
	system, user := BuildPrompt(testPack(), "schema validation failed")
	assert.Contains(t, system, "evidence_refs")
	assert.Contains(t, user, "- sfpd_incidents: timeout")
	assert.Contains(t, user, "1. complaint_count_6m (increases_risk, contribution +0.550) refs: ev-aaa")
	assert.True(t, strings.HasSuffix(user, "Return only the corrected JSON object.\n"))
}
