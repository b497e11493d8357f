package models

import (
	"fmt"
	"strings"
	"time"
)

// CaseState is the orchestrator state of a case.
type CaseState string

// Case states
const (
	StateCreated           CaseState = "CREATED"
	StateResolving         CaseState = "RESOLVING"
	StateAcquiring         CaseState = "ACQUIRING"
	StateScoring           CaseState = "SCORING"
	StatePackaging         CaseState = "PACKAGING"
	StateStrategizing      CaseState = "STRATEGIZING"
	StateValidating        CaseState = "VALIDATING"
	StateComplete          CaseState = "COMPLETE"
	StateNeedsConfirmation CaseState = "NEEDS_CONFIRMATION"
	StateQAFailed          CaseState = "QA_FAILED"
	StateFailed            CaseState = "FAILED"
	StateCancelled         CaseState = "CANCELLED"
)

// Terminal reports whether no further transition is allowed from s.
func (s CaseState) Terminal() bool {
	switch s {
	case StateComplete, StateNeedsConfirmation, StateQAFailed, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Data categories, one per source agent
const (
	CategoryBusinessRegistry = "business_registry"
	CategoryPermits          = "permits"
	CategoryComplaints311    = "complaints_311"
	CategoryDBIComplaints    = "dbi_complaints"
	CategorySFPDIncidents    = "sfpd_incidents"
	CategoryEvictions        = "evictions"
	CategoryVacancy          = "vacancy"
)

// AllCategories lists the categories in declaration order.
var AllCategories = []string{
	CategoryBusinessRegistry,
	CategoryPermits,
	CategoryComplaints311,
	CategoryDBIComplaints,
	CategorySFPDIncidents,
	CategoryEvictions,
	CategoryVacancy,
}

// Risk bands
const (
	BandLow    = "low"
	BandMedium = "medium"
	BandHigh   = "high"
)

// Strategy horizons
const (
	HorizonNear = "near"
	HorizonMid  = "mid"
	HorizonLong = "long"
)

// Impact and effort levels
const (
	LevelLow    = "low"
	LevelMedium = "medium"
	LevelHigh   = "high"
)

// QA outcomes
const (
	QAPass   = "PASS"
	QAFail   = "FAIL"
	QANotRun = "NOT_RUN"
)

// Driver directions
const (
	DirectionIncreasesRisk = "increases_risk"
	DirectionDecreasesRisk = "decreases_risk"
)

// Window is a rolling look-back window expressed in 30-day months.
type Window string

// Supported windows
const (
	Window3M  Window = "3m"
	Window6M  Window = "6m"
	Window12M Window = "12m"
)

// Months returns the number of months covered by w, or 0 for an unknown window.
func (w Window) Months() int {
	switch w {
	case Window3M:
		return 3
	case Window6M:
		return 6
	case Window12M:
		return 12
	}
	return 0
}

// Start returns the inclusive start of the window ending at asOf.
func (w Window) Start(asOf time.Time) time.Time {
	return asOf.Add(-time.Duration(w.Months()) * 30 * 24 * time.Hour)
}

// CaseRequest is the caller's analysis request.
type CaseRequest struct {
	BusinessName  string    `json:"business_name"`
	Address       string    `json:"address"`
	Lat           *float64  `json:"lat,omitempty"`
	Lon           *float64  `json:"lon,omitempty"`
	HorizonMonths int       `json:"horizon_months"`
	AsOf          time.Time `json:"as_of,omitempty"` // zero means now
}

// RawQuery is the free-text form of the request kept on the case.
func (r CaseRequest) RawQuery() string {
	return strings.TrimSpace(strings.TrimSpace(r.BusinessName) + ", " + strings.TrimSpace(r.Address))
}

// Validate checks the request before a case is created.
func (r CaseRequest) Validate() error {
	if strings.TrimSpace(r.BusinessName) == "" && strings.TrimSpace(r.Address) == "" {
		return fmt.Errorf("business name or address is required")
	}
	if r.HorizonMonths < 0 || r.HorizonMonths > 36 {
		return fmt.Errorf("horizon_months must be between 0 and 36, got %d", r.HorizonMonths)
	}
	if (r.Lat == nil) != (r.Lon == nil) {
		return fmt.Errorf("lat and lon must be provided together")
	}
	return nil
}

// Case is one analysis request as tracked by the orchestrator.
type Case struct {
	ID            string      `json:"case_id"`
	RawQuery      string      `json:"raw_query"`
	Request       CaseRequest `json:"request"`
	HorizonMonths int         `json:"horizon_months"`
	AsOf          time.Time   `json:"as_of"`
	CreatedAt     time.Time   `json:"created_at"`
	Status        CaseState   `json:"status"`
}

// Candidate is one registry record considered during identity resolution.
type Candidate struct {
	EntityID     string     `json:"entity_id"`
	Name         string     `json:"name"`
	Address      string     `json:"address"`
	Neighborhood string     `json:"neighborhood,omitempty"`
	Zip          string     `json:"zip,omitempty"`
	Lat          *float64   `json:"lat,omitempty"`
	Lon          *float64   `json:"lon,omitempty"`
	StartDate    *time.Time `json:"start_date,omitempty"`
	EndDate      *time.Time `json:"end_date,omitempty"`
	Score        float64    `json:"score"`
}

// Entity is the resolved business identity.
type Entity struct {
	EntityID         string      `json:"entity_id"`
	CanonicalName    string      `json:"business_name"`
	CanonicalAddress string      `json:"address"`
	Neighborhood     string      `json:"neighborhood"`
	Zip              string      `json:"zip,omitempty"`
	AddressKey       string      `json:"address_key,omitempty"`
	Lat              *float64    `json:"lat,omitempty"`
	Lon              *float64    `json:"lon,omitempty"`
	StartDate        *time.Time  `json:"start_date,omitempty"`
	EndDate          *time.Time  `json:"end_date,omitempty"`
	MatchConfidence  float64     `json:"match_confidence"`
	Candidates       []Candidate `json:"candidate_set,omitempty"`
}

// HasLocation reports whether the entity carries coordinates.
func (e Entity) HasLocation() bool { return e.Lat != nil && e.Lon != nil }

// Signal is one measurement emitted by a source agent. Never mutated after emission.
type Signal struct {
	ID                 string    `json:"signal_id"`
	Source             string    `json:"source"`
	MetricName         string    `json:"metric_name"`
	Value              float64   `json:"value"`
	Window             Window    `json:"window,omitempty"`
	Detail             string    `json:"detail,omitempty"`
	EvidenceRefs       []string  `json:"evidence_refs"`
	FreshnessTimestamp time.Time `json:"freshness_timestamp"`
}

// EvidenceItem is one citable fact.
type EvidenceItem struct {
	ID      string    `json:"id"`
	Content string    `json:"content"`
	Source  string    `json:"source"`
	AsOf    time.Time `json:"date"`
}

// Driver is one ranked contributor to a risk score.
type Driver struct {
	Name         string   `json:"driver"`
	Direction    string   `json:"direction"`
	Magnitude    float64  `json:"magnitude"`
	Contribution float64  `json:"contribution"`
	Value        float64  `json:"value"`
	EvidenceRefs []string `json:"evidence_refs"`
}

// RiskScore is the deterministic scoring output for a case.
type RiskScore struct {
	Score        float64  `json:"score"`
	Band         string   `json:"band"`
	ModelVersion string   `json:"model_version"`
	Drivers      []Driver `json:"top_drivers"`
}

// StrategyAction is one recommended mitigation.
type StrategyAction struct {
	Horizon        string   `json:"horizon"`
	Action         string   `json:"action"`
	Why            string   `json:"why"`
	ExpectedImpact string   `json:"expected_impact"`
	Effort         string   `json:"effort"`
	EvidenceRefs   []string `json:"evidence_refs"`
	SuccessMetric  string   `json:"success_metric,omitempty"`
	Dependencies   []string `json:"dependencies,omitempty"`
}

// StrategyDraft is one language-model plan after schema parsing.
type StrategyDraft struct {
	Summary           string           `json:"summary"`
	Actions           []StrategyAction `json:"actions"`
	QuestionsForUser  []string         `json:"questions_for_user"`
	PriorityRationale string           `json:"priority_rationale,omitempty"`
	RiskIfNoAction    string           `json:"risk_if_no_action,omitempty"`
}

// Clone returns a deep copy so that guards never mutate a prior attempt.
func (d StrategyDraft) Clone() StrategyDraft {
	out := d
	out.Actions = make([]StrategyAction, len(d.Actions))
	for i, a := range d.Actions {
		a.EvidenceRefs = append([]string(nil), a.EvidenceRefs...)
		a.Dependencies = append([]string(nil), a.Dependencies...)
		out.Actions[i] = a
	}
	out.QuestionsForUser = append([]string(nil), d.QuestionsForUser...)
	return out
}

// Transition records one state change of a case.
type Transition struct {
	From CaseState `json:"from"`
	To   CaseState `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// AuditRecord is attached to every case that reaches a terminal state.
type AuditRecord struct {
	CaseID           string            `json:"case_id"`
	DataPulledAt     time.Time         `json:"data_pulled_at"`
	DatasetVersions  map[string]string `json:"dataset_versions"`
	AgentVersions    map[string]string `json:"agent_versions"`
	QAStatus         string            `json:"qa_status"`
	QAReasons        []string          `json:"qa_reasons,omitempty"`
	RetryCounts      map[string]int    `json:"retry_counts"`
	DegradedSources  []string          `json:"degraded_sources,omitempty"`
	PolicyViolations int               `json:"policy_violations"`
	Transitions      []Transition      `json:"transitions"`
	CompletedAt      time.Time         `json:"completed_at"`
}

// Impact directions for an explanation insight.
const (
	ImpactPositive = "positive"
	ImpactNegative = "negative"
	ImpactNeutral  = "neutral"
)

// Explanation restates the score for the business owner in plain language.
// Every entry cites at least one evidence id of the pack it was written from.
type Explanation struct {
	Summary       string      `json:"summary,omitempty"`
	WhatChanged   []Change    `json:"what_changed"`
	WhyItMatters  []Insight   `json:"why_it_matters"`
	WhatToMonitor []WatchItem `json:"what_to_monitor"`
	Limitations   []string    `json:"limitations,omitempty"`
}

// Change is a recent development that moved the risk.
type Change struct {
	Change       string   `json:"change"`
	Timeframe    string   `json:"timeframe,omitempty"`
	EvidenceRefs []string `json:"evidence_refs"`
}

// Insight says why a change matters to the business.
type Insight struct {
	Insight      string   `json:"insight"`
	Impact       string   `json:"impact"`
	EvidenceRefs []string `json:"evidence_refs"`
}

// WatchItem is a metric worth following over the horizon.
type WatchItem struct {
	Metric       string   `json:"metric"`
	Reason       string   `json:"reason"`
	Threshold    string   `json:"threshold,omitempty"`
	EvidenceRefs []string `json:"evidence_refs"`
}

// EvidenceRefs returns every evidence id the explanation cites.
func (e *Explanation) EvidenceRefs() []string {
	if e == nil {
		return nil
	}
	var refs []string
	for _, c := range e.WhatChanged {
		refs = append(refs, c.EvidenceRefs...)
	}
	for _, in := range e.WhyItMatters {
		refs = append(refs, in.EvidenceRefs...)
	}
	for _, w := range e.WhatToMonitor {
		refs = append(refs, w.EvidenceRefs...)
	}
	return refs
}
