package strategy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/riskcase/internal/llm"
	"github.com/Kocoro-lab/riskcase/internal/models"
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
		RiskScore:     0.75,
		RiskBand:      models.BandHigh,
		TopDrivers: []models.Driver{
			{Name: "complaint_count_6m", Direction: models.DirectionIncreasesRisk, Contribution: 0.45, EvidenceRefs: []string{"ev-aaa"}},
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

const validReply = `{
  "summary": "Complaint volume is high.",
  "actions": [
    {"horizon": "2_weeks", "action": "Meet the district cleaning crew", "why": "15 complaints", "expected_impact": "High", "effort": "low", "evidence_refs": ["ev-aaa"], "success_metric": "fewer complaints", "dependencies": "none"}
  ],
  "questions_for_user": ["Is the storefront open weekends?"]
}`

func TestPlanParsesValidReply(t *testing.T) {
	client := &scriptedClient{replies: []string{validReply}}
	agent := NewAgent(client, DefaultConfig(), zaptest.NewLogger(t))

	res, err := agent.Plan(context.Background(), testPack(), nil)
	require.NoError(t, err)
	require.Len(t, res.Attempts, 1)

	want := models.StrategyDraft{
		Summary: "Complaint volume is high.",
		Actions: []models.StrategyAction{{
			Horizon:        models.HorizonNear,
			Action:         "Meet the district cleaning crew",
			Why:            "15 complaints",
			ExpectedImpact: "high",
			Effort:         "low",
			EvidenceRefs:   []string{"ev-aaa"},
			SuccessMetric:  "fewer complaints",
			Dependencies:   []string{"none"},
		}},
		QuestionsForUser: []string{"Is the storefront open weekends?"},
	}
	if diff := cmp.Diff(want, res.Draft); diff != "" {
		t.Errorf("draft mismatch (-want +got):\n%s", diff)
	}

	req := client.requests[0]
	assert.True(t, req.JSON)
	assert.InDelta(t, 0.2, req.Temperature, 1e-9)
	assert.Equal(t, 3000, req.MaxTokens)
}

func TestPlanRepairsOnceThenSucceeds(t *testing.T) {
	client := &scriptedClient{replies: []string{"Sure! Here is a plan: not json", validReply}}
	agent := NewAgent(client, DefaultConfig(), nil)

	res, err := agent.Plan(context.Background(), testPack(), nil)
	require.NoError(t, err)
	require.Len(t, res.Attempts, 2)
	assert.NotEmpty(t, res.Attempts[0].Error)
	assert.Empty(t, res.Attempts[1].Error)

	assert.NotContains(t, client.requests[0].User, "previous reply was invalid")
	assert.Contains(t, client.requests[1].User, "previous reply was invalid")
	assert.Contains(t, client.requests[1].User, ErrNoJSON.Error())
}

func TestPlanFailsAfterBudget(t *testing.T) {
	client := &scriptedClient{replies: []string{"{not json", `{"summary": "x"}`, validReply}}
	agent := NewAgent(client, DefaultConfig(), nil)

	res, err := agent.Plan(context.Background(), testPack(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenerationFailed)
	var se *SchemaError
	assert.ErrorAs(t, err, &se, "last validation error is kept")
	assert.Len(t, res.Attempts, 2)
	assert.Len(t, client.requests, 2, "never exceeds the attempt budget")
}

func TestPlanCountsCallErrors(t *testing.T) {
	client := &scriptedClient{errs: []error{llm.ErrRateLimited}, replies: []string{"", validReply}}
	agent := NewAgent(client, DefaultConfig(), nil)

	res, err := agent.Plan(context.Background(), testPack(), nil)
	require.NoError(t, err)
	assert.Len(t, res.Attempts, 2)
	assert.Contains(t, res.Attempts[0].Error, "rate limited")
}

func TestPlanStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := &scriptedClient{replies: []string{validReply}}
	_, err := NewAgent(client, DefaultConfig(), nil).Plan(ctx, testPack(), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, client.requests)
}

func TestPromptListsOnlyPackEvidence(t *testing.T) {
	system, user := BuildPrompt(testPack(), []string{"coverage 0.50 below 0.95"}, "")
	assert.Contains(t, system, "Use only the facts")
	assert.Contains(t, user, "[ev-aaa] 15 311 complaints within 100m")
	assert.Contains(t, user, "[ev-bbb] 0 building permits")
	assert.Equal(t, 2, strings.Count(user, "] "), "one line per evidence item")
	assert.Contains(t, user, "sfpd_incidents: timeout")
	assert.Contains(t, user, "coverage 0.50 below 0.95")
	assert.Contains(t, user, "Score: 0.75 (high risk)")
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"fenced", "Here you go:\n```json\n{\"a\":1}\n```\nThanks", `{"a":1}`},
		{"prose", `The plan is {"a":1} as requested`, `{"a":1}`},
		{"trailing comma", `{"a":[1,2,],}`, `{"a":[1,2]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, got)
		})
	}

	_, err := ExtractJSON("no braces here")
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestParseDraftSchemaProblems(t *testing.T) {
	_, err := ParseDraft(`{"summary":"s","actions":[{"horizon":"someday","evidence_refs":[]}]}`)
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Len(t, se.Problems, 2)
	assert.Contains(t, se.Error(), `actions[0]: missing "action" text`)
	assert.Contains(t, se.Error(), `horizon "someday"`)

	_, err = ParseDraft(`{"actions":[]}`)
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Error(), `missing "summary"`)

	d, err := ParseDraft(`{"summary":"s","actions":[]}`)
	require.NoError(t, err)
	assert.Empty(t, d.Actions)
	assert.NotNil(t, d.QuestionsForUser)
}

func TestNormalizeHorizon(t *testing.T) {
	for in, want := range map[string]string{
		"near": "near", "Near-Term": "near", "2_weeks": "near",
		"60_days": "mid", "mid term": "mid",
		"6_months": "long", "LONG": "long",
	} {
		got, ok := NormalizeHorizon(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := NormalizeHorizon("yesterday")
	assert.False(t, ok)
}
