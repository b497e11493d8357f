package casemanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/degradation"
	"github.com/Kocoro-lab/riskcase/internal/evidence"
	"github.com/Kocoro-lab/riskcase/internal/explain"
	"github.com/Kocoro-lab/riskcase/internal/features"
	"github.com/Kocoro-lab/riskcase/internal/metrics"
	"github.com/Kocoro-lab/riskcase/internal/models"
	"github.com/Kocoro-lab/riskcase/internal/policyguard"
	"github.com/Kocoro-lab/riskcase/internal/qa"
	"github.com/Kocoro-lab/riskcase/internal/scoring"
	"github.com/Kocoro-lab/riskcase/internal/sources"
	"github.com/Kocoro-lab/riskcase/internal/strategy"
	"github.com/Kocoro-lab/riskcase/internal/streaming"
)

// EntityResolver resolves a request to one registry entity.
type EntityResolver interface {
	Resolve(ctx context.Context, req models.CaseRequest) (models.Entity, error)
}

// Strategist drafts a plan from an evidence pack.
type Strategist interface {
	Plan(ctx context.Context, pack models.EvidencePack, feedback []string) (strategy.Result, error)
}

// Explainer restates a scored pack in plain language.
type Explainer interface {
	Explain(ctx context.Context, pack models.EvidencePack) (models.Explanation, error)
}

// Config holds the orchestration limits.
type Config struct {
	AgentTimeout        time.Duration
	AcquisitionDeadline time.Duration
	MaxConcurrency      int
	// QARetries is how many times a draft failing QA is regenerated.
	QARetries      int
	DefaultHorizon int
	Freshness      sources.FreshnessPolicy
	Now            func() time.Time
}

func (c Config) withDefaults() Config {
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 8 * time.Second
	}
	if c.AcquisitionDeadline <= 0 {
		c.AcquisitionDeadline = 20 * time.Second
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.QARetries < 0 {
		c.QARetries = 0
	}
	if c.DefaultHorizon <= 0 {
		c.DefaultHorizon = 6
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Deps are the stage implementations a pipeline runs.
type Deps struct {
	Resolver   EntityResolver
	Sources    *sources.Registry
	Features   *features.Builder
	Scorer     *scoring.Scorer
	Packager   *evidence.Packager
	Strategist Strategist
	Explainer  Explainer
	Guard      *policyguard.Guard
	Critic     *qa.Critic
	Events     streaming.Publisher
	Logger     *zap.Logger
}

// Pipeline holds the stages of a case. Each stage is a plain function of its
// inputs so that both the in-process manager and the durable workflow can
// drive them.
type Pipeline struct {
	resolver   EntityResolver
	sources    *sources.Registry
	features   *features.Builder
	scorer     *scoring.Scorer
	packager   *evidence.Packager
	strategist Strategist
	explainer  Explainer
	guard      *policyguard.Guard
	critic     *qa.Critic
	aggregator *degradation.Aggregator
	events     streaming.Publisher
	config     Config
	logger     *zap.Logger
}

// NewPipeline wires the stages. Features, Packager, Guard and Critic fall
// back to their defaults when nil; a nil Explainer skips the explanation.
func NewPipeline(deps Deps, config Config) (*Pipeline, error) {
	if deps.Resolver == nil || deps.Sources == nil || deps.Scorer == nil || deps.Strategist == nil {
		return nil, errors.New("pipeline needs a resolver, sources, a scorer and a strategist")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		resolver:   deps.Resolver,
		sources:    deps.Sources,
		features:   deps.Features,
		scorer:     deps.Scorer,
		packager:   deps.Packager,
		strategist: deps.Strategist,
		explainer:  deps.Explainer,
		guard:      deps.Guard,
		critic:     deps.Critic,
		aggregator: degradation.NewAggregator(logger),
		events:     deps.Events,
		config:     config.withDefaults(),
		logger:     logger,
	}
	if p.features == nil {
		p.features = features.NewBuilder()
	}
	if p.packager == nil {
		p.packager = evidence.NewPackager(evidence.DefaultLimits())
	}
	if p.guard == nil {
		p.guard = policyguard.New(nil, logger)
	}
	if p.critic == nil {
		p.critic = qa.NewCritic(qa.DefaultCoverageThreshold, logger)
	}
	return p, nil
}

func (p *Pipeline) now() time.Time { return p.config.Now().UTC() }

// Resolve runs identity resolution.
func (p *Pipeline) Resolve(ctx context.Context, req models.CaseRequest) (models.Entity, error) {
	entity, err := p.resolver.Resolve(ctx, req)
	outcome := "resolved"
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		outcome = "canceled"
	case NeedsConfirmation(err):
		outcome = "needs_confirmation"
	case err != nil:
		outcome = "error"
	}
	metrics.ResolutionOutcomes.WithLabelValues(outcome).Inc()
	return entity, err
}

// Scored is the deterministic output of the scoring stage.
type Scored struct {
	Features models.FeatureVector  `json:"features"`
	Score    models.RiskScore      `json:"score"`
	Sources  degradation.Summary   `json:"sources"`
	Evidence []models.EvidenceItem `json:"evidence"`
	Signals  []models.Signal       `json:"signals"`
}

// Score builds the feature vector and applies the model. Signals are taken
// only from the completed acquisition, never from agents still in flight.
func (p *Pipeline) Score(caseID string, acq Acquisition, asOf time.Time) (Scored, error) {
	summary := p.aggregator.Aggregate(caseID, acq.Outcomes)

	var signals []models.Signal
	var items []models.EvidenceItem
	for _, r := range acq.Results {
		signals = append(signals, r.Signals...)
		items = append(items, r.Evidence...)
	}

	vector := p.features.Build(signals, summary.Degraded, asOf)
	score, err := p.scorer.Score(vector)
	if err != nil {
		return Scored{}, fmt.Errorf("score case: %w", err)
	}

	known := make(map[string]bool, len(items))
	for _, item := range items {
		known[item.ID] = true
	}
	for _, d := range score.Drivers {
		for _, ref := range d.EvidenceRefs {
			if !known[ref] {
				return Scored{}, fmt.Errorf("driver %s cites unknown evidence %s: %w", d.Name, ref, sources.ErrMissingEvidence)
			}
		}
	}
	metrics.RiskScores.WithLabelValues(score.ModelVersion).Observe(score.Score)
	return Scored{Features: vector, Score: score, Sources: summary, Evidence: items, Signals: signals}, nil
}

// Assessment is the packaged, user-facing context of a scored case.
type Assessment struct {
	Score           models.RiskScore    `json:"score"`
	Pack            models.EvidencePack `json:"pack"`
	Degraded        []string            `json:"degraded,omitempty"`
	Limitations     []string            `json:"limitations"`
	DatasetVersions map[string]string   `json:"dataset_versions"`
	DataPulledAt    time.Time           `json:"data_pulled_at"`
}

// Package compacts the scored case into an evidence pack and collects the
// limitations owed to the caller.
func (p *Pipeline) Package(c models.Case, entity models.Entity, acq Acquisition, scored Scored) Assessment {
	dataGaps := append([]string{}, scored.Sources.Limitations...)

	var freshness []string
	versions := map[string]string{}
	var pulled time.Time
	for _, r := range acq.Results {
		freshness = append(freshness, p.config.Freshness.Warnings(r, c.AsOf)...)
		versions[r.Category] = r.DatasetVersion()
		if r.PulledAt.After(pulled) {
			pulled = r.PulledAt
		}
	}
	for _, category := range scored.Sources.Degraded {
		versions[category] = "unavailable"
	}
	if pulled.IsZero() {
		pulled = p.now()
	}

	notes := append(ConfidenceNotes(entity), freshness...)
	pack := p.packager.Pack(evidence.PackInput{
		Entity:          entity,
		Score:           scored.Score,
		Signals:         scored.Signals,
		Evidence:        scored.Evidence,
		DataGaps:        dataGaps,
		ConfidenceNotes: notes,
		AsOf:            c.AsOf,
		HorizonMonths:   c.HorizonMonths,
	})
	metrics.EvidenceItemsPacked.Observe(float64(len(pack.EvidenceItems)))

	// Drivers are reported as packed so every cited id resolves in the pack.
	score := scored.Score
	score.Drivers = pack.TopDrivers

	limitations := append(append([]string{}, dataGaps...), notes...)
	return Assessment{
		Score:           score,
		Pack:            pack,
		Degraded:        scored.Sources.Degraded,
		Limitations:     limitations,
		DatasetVersions: versions,
		DataPulledAt:    pulled,
	}
}

// ConfidenceNotes explains how sure the identity match is.
func ConfidenceNotes(e models.Entity) []string {
	var notes []string
	if e.MatchConfidence < 0.95 {
		notes = append(notes, fmt.Sprintf("Business match confidence is %.2f; results describe the registry record %q at %s",
			e.MatchConfidence, e.CanonicalName, e.CanonicalAddress))
	}
	if e.MatchConfidence < 0.8 {
		notes = append(notes, "Low match confidence: the matched business may not be the one requested; confirm before acting")
	}
	return notes
}

// Planning is the result of the strategy and QA loop.
type Planning struct {
	Draft            models.StrategyDraft `json:"draft"`
	Explanation      *models.Explanation  `json:"explanation,omitempty"`
	ExplainFailure   string               `json:"explain_failure,omitempty"`
	State            models.CaseState     `json:"state"`
	Unavailable      bool                 `json:"unavailable"`
	QAStatus         string               `json:"qa_status"`
	QAReasons        []string             `json:"qa_reasons,omitempty"`
	QAWarnings       []string             `json:"qa_warnings,omitempty"`
	Notes            []string             `json:"notes,omitempty"`
	Failure          string               `json:"failure,omitempty"`
	Rounds           int                  `json:"rounds"`
	StrategyAttempts int                  `json:"strategy_attempts"`
	PolicyViolations int                  `json:"policy_violations"`
}

// StepFunc records a state transition taken inside the strategy loop.
type StepFunc func(next models.CaseState, note string) error

// Strategize explains the pack, then drafts, guards and reviews a plan. A
// failed explanation is reported on the plan and never fails the case. A
// draft failing QA is regenerated with the QA reasons as feedback, up to
// QARetries times. The case is expected to be in STRATEGIZING when called;
// step is invoked for every later transition, ending in COMPLETE or
// QA_FAILED. The only errors are cancellation and illegal transitions.
func (p *Pipeline) Strategize(ctx context.Context, caseID string, pack models.EvidencePack, step StepFunc) (Planning, error) {
	plan := Planning{QAStatus: models.QANotRun}
	plan.Explanation, plan.ExplainFailure = p.explain(ctx, caseID, pack)
	var feedback []string

	for round := 1; round <= p.config.QARetries+1; round++ {
		if err := ctx.Err(); err != nil {
			return plan, err
		}
		if round > 1 {
			if err := step(models.StateStrategizing, fmt.Sprintf("qa retry %d", round-1)); err != nil {
				return plan, err
			}
		}
		plan.Rounds = round

		res, err := p.strategist.Plan(ctx, pack, feedback)
		plan.StrategyAttempts += len(res.Attempts)
		p.publishAttempts(caseID, res.Attempts)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return plan, ctxErr
			}
			p.logger.Warn("Strategy generation failed", zap.String("case_id", caseID), zap.Error(err))
			plan.Unavailable = true
			plan.Failure = err.Error()
			plan.QAStatus = models.QANotRun
			plan.State = models.StateComplete
			return plan, step(models.StateComplete, "strategy unavailable")
		}

		if err := step(models.StateValidating, ""); err != nil {
			return plan, err
		}
		guarded := p.guard.Check(ctx, caseID, &pack, res.Draft)
		report := p.critic.Review(&pack, guarded)
		plan.PolicyViolations += len(guarded.Violations)
		plan.QAStatus = report.Status
		plan.QAReasons = report.Reasons
		plan.QAWarnings = report.Warnings
		if p.events != nil {
			p.events.Publish(caseID, streaming.Event{Type: streaming.EventQA, Message: fmt.Sprintf("%s coverage=%.2f", report.Status, report.Coverage)})
		}

		if report.Passed() {
			plan.Draft = guarded.Draft
			plan.Notes = guarded.Notes
			plan.State = models.StateComplete
			return plan, step(models.StateComplete, "")
		}
		p.logger.Info("Strategy failed QA",
			zap.String("case_id", caseID),
			zap.Int("round", round),
			zap.Strings("reasons", report.Reasons),
		)
		feedback = report.Reasons
	}

	plan.Unavailable = true
	plan.State = models.StateQAFailed
	return plan, step(models.StateQAFailed, "qa retry budget exhausted")
}

func (p *Pipeline) explain(ctx context.Context, caseID string, pack models.EvidencePack) (*models.Explanation, string) {
	if p.explainer == nil {
		return nil, ""
	}
	e, err := p.explainer.Explain(ctx, pack)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ""
		}
		p.logger.Warn("Explanation unavailable", zap.String("case_id", caseID), zap.Error(err))
		return nil, err.Error()
	}
	return &e, ""
}

func (p *Pipeline) publishAttempts(caseID string, attempts []strategy.Attempt) {
	if p.events == nil {
		return
	}
	for _, a := range attempts {
		msg := fmt.Sprintf("attempt %d ok", a.Number)
		if a.Error != "" {
			msg = fmt.Sprintf("attempt %d: %s", a.Number, a.Error)
		}
		p.events.Publish(caseID, streaming.Event{Type: streaming.EventStrategy, Message: msg})
	}
}

// AgentVersions lists the version of every component that shaped a response.
func (p *Pipeline) AgentVersions() map[string]string {
	out := p.sources.Versions()
	out["risk_model"] = p.scorer.Model().Version
	out["strategy_agent"] = strategy.AgentVersion
	if p.explainer != nil {
		out["explanation_agent"] = explain.Version
	}
	out["policy_guard"] = policyguard.Version
	return out
}
