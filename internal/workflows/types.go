// Package workflows runs cases as durable Temporal workflows. The workflow
// drives the same pipeline stages as the in-process manager, one activity
// per stage group, and produces the same response.
package workflows

import (
	"time"

	"github.com/Kocoro-lab/riskcase/internal/casemanager"
	"github.com/Kocoro-lab/riskcase/internal/models"
)

// Activity names
const (
	ResolveEntityActivity  = "ResolveEntity"
	AcquireSignalsActivity = "AcquireSignals"
	AssessActivity         = "Assess"
	StrategizeActivity     = "Strategize"
	FinalizeActivity       = "Finalize"
)

// Application error types raised by activities.
const (
	ErrTypeContract = "ContractViolation"
	ErrTypeResolve  = "ResolveFailed"
)

// WorkflowID is the Temporal workflow id of a case.
func WorkflowID(caseID string) string { return "riskcase-" + caseID }

// ResolveInput is the input of ResolveEntity.
type ResolveInput struct {
	Case    models.Case         `json:"case"`
	Pending []models.Transition `json:"pending,omitempty"`
}

// ResolveResult carries either the resolved entity or the prompt owed to
// the caller when the match needs confirmation.
type ResolveResult struct {
	Entity            *models.Entity `json:"entity,omitempty"`
	NeedsConfirmation bool           `json:"needs_confirmation"`
	Reason            string         `json:"reason,omitempty"`
	Limitations       []string       `json:"limitations,omitempty"`
	Questions         []string       `json:"questions,omitempty"`
}

// AcquireInput is the input of AcquireSignals.
type AcquireInput struct {
	Case    models.Case         `json:"case"`
	Entity  models.Entity       `json:"entity"`
	Pending []models.Transition `json:"pending,omitempty"`
}

// AssessInput is the input of Assess.
type AssessInput struct {
	Case        models.Case             `json:"case"`
	Entity      models.Entity           `json:"entity"`
	Acquisition casemanager.Acquisition `json:"acquisition"`
	Pending     []models.Transition     `json:"pending,omitempty"`
}

// StrategizeInput is the input of Strategize. The case is in STRATEGIZING
// once Pending is recorded.
type StrategizeInput struct {
	Case    models.Case         `json:"case"`
	Pack    models.EvidencePack `json:"pack"`
	Pending []models.Transition `json:"pending,omitempty"`
}

// StrategizeResult is the plan plus the transitions taken while drafting
// and reviewing it.
type StrategizeResult struct {
	Planning    casemanager.Planning `json:"planning"`
	Transitions []models.Transition  `json:"transitions"`
}

// FinalizeInput is the input of Finalize.
type FinalizeInput struct {
	Record      casemanager.Record  `json:"record"`
	State       models.CaseState    `json:"state"`
	Transitions []models.Transition `json:"transitions"`
	Pending     []models.Transition `json:"pending,omitempty"`
	CompletedAt time.Time           `json:"completed_at"`
}

// Timeouts bounds each activity.
type Timeouts struct {
	Resolve    time.Duration
	Acquire    time.Duration
	Assess     time.Duration
	Strategize time.Duration
	Finalize   time.Duration
}

// DefaultTimeouts fit the default acquisition deadline and LLM budget.
var DefaultTimeouts = Timeouts{
	Resolve:    time.Minute,
	Acquire:    2 * time.Minute,
	Assess:     30 * time.Second,
	Strategize: 5 * time.Minute,
	Finalize:   30 * time.Second,
}

// Budget is the part of the service configuration that bounds how long a
// stage may legitimately run.
type Budget struct {
	AgentTimeout        time.Duration
	AcquisitionDeadline time.Duration
	LLMCallTimeout      time.Duration
	StrategyAttempts    int
	QARetries           int
}

// activitySlack covers scheduling, persistence and event publishing around
// the stage's own work.
const activitySlack = 30 * time.Second

// TimeoutsFor sizes the activity timeouts so a case that finishes in process
// also finishes as a workflow. DefaultTimeouts are the floor.
func TimeoutsFor(b Budget) Timeouts {
	t := DefaultTimeouts
	t.Resolve = max(t.Resolve, b.AgentTimeout+activitySlack)
	t.Acquire = max(t.Acquire, b.AcquisitionDeadline+activitySlack)

	attempts := max(b.StrategyAttempts, 1)
	rounds := max(b.QARetries, 0) + 1
	// one explanation call, then the strategy attempts of every QA round
	calls := b.LLMCallTimeout * time.Duration(attempts*rounds+1)
	t.Strategize = max(t.Strategize, calls+activitySlack)
	return t
}

// CaseInput is the workflow input.
type CaseInput struct {
	Case     models.Case `json:"case"`
	Timeouts *Timeouts   `json:"timeouts,omitempty"`
}
