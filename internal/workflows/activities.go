package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/casemanager"
	"github.com/Kocoro-lab/riskcase/internal/metrics"
	"github.com/Kocoro-lab/riskcase/internal/models"
	"github.com/Kocoro-lab/riskcase/internal/sources"
	"github.com/Kocoro-lab/riskcase/internal/streaming"
	"github.com/Kocoro-lab/riskcase/internal/tracing"
)

// ActivityRegistry is satisfied by a Temporal worker and by the test
// workflow environment.
type ActivityRegistry interface {
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Activities runs pipeline stages on behalf of CaseWorkflow.
type Activities struct {
	pipeline *casemanager.Pipeline
	store    casemanager.Recorder
	events   streaming.Publisher
	logger   *zap.Logger
	now      func() time.Time
}

// NewActivities binds the activities to a pipeline. store and events may be nil.
func NewActivities(pipeline *casemanager.Pipeline, store casemanager.Recorder, events streaming.Publisher, logger *zap.Logger) *Activities {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{pipeline: pipeline, store: store, events: events, logger: logger, now: time.Now}
}

// Register registers every activity under its stable name.
func (a *Activities) Register(r ActivityRegistry) {
	r.RegisterActivityWithOptions(a.ResolveEntity, activity.RegisterOptions{Name: ResolveEntityActivity})
	r.RegisterActivityWithOptions(a.AcquireSignals, activity.RegisterOptions{Name: AcquireSignalsActivity})
	r.RegisterActivityWithOptions(a.Assess, activity.RegisterOptions{Name: AssessActivity})
	r.RegisterActivityWithOptions(a.Strategize, activity.RegisterOptions{Name: StrategizeActivity})
	r.RegisterActivityWithOptions(a.Finalize, activity.RegisterOptions{Name: FinalizeActivity})
}

// record publishes transitions the workflow took and saves the case at the
// state they end in. Both are best effort; a retried activity may publish
// the same transition twice.
func (a *Activities) record(ctx context.Context, c models.Case, pending []models.Transition) {
	if len(pending) == 0 {
		return
	}
	for _, t := range pending {
		if a.events != nil {
			a.events.Publish(c.ID, streaming.Event{
				Type:      streaming.EventState,
				From:      string(t.From),
				To:        string(t.To),
				Message:   t.Note,
				Timestamp: t.At,
			})
		}
	}
	if a.store == nil {
		return
	}
	c.Status = pending[len(pending)-1].To
	if err := a.store.SaveCase(ctx, c); err != nil {
		a.logger.Warn("Failed to save case", zap.String("case_id", c.ID), zap.Error(err))
	}
}

// ResolveEntity matches the request to a registry record. Ambiguous and
// unmatched requests are results, not errors.
func (a *Activities) ResolveEntity(ctx context.Context, in ResolveInput) (ResolveResult, error) {
	a.record(ctx, in.Case, in.Pending)
	ctx, span := tracing.StartStageSpan(ctx, in.Case.ID, string(models.StateResolving))
	defer span.End()

	entity, err := a.pipeline.Resolve(ctx, in.Case.Request)
	switch {
	case casemanager.NeedsConfirmation(err):
		limitations, questions := casemanager.ConfirmationPrompt(err)
		return ResolveResult{NeedsConfirmation: true, Reason: err.Error(), Limitations: limitations, Questions: questions}, nil
	case err != nil:
		return ResolveResult{}, temporal.NewApplicationErrorWithCause(err.Error(), ErrTypeResolve, err)
	}
	return ResolveResult{Entity: &entity}, nil
}

// AcquireSignals fans out to every source agent. Degraded sources are part
// of the result; only a contract violation fails the activity.
func (a *Activities) AcquireSignals(ctx context.Context, in AcquireInput) (casemanager.Acquisition, error) {
	a.record(ctx, in.Case, in.Pending)
	ctx, span := tracing.StartStageSpan(ctx, in.Case.ID, string(models.StateAcquiring))
	defer span.End()

	acq, err := a.pipeline.Acquire(ctx, in.Case.ID, in.Entity, in.Case.AsOf)
	if err != nil {
		return casemanager.Acquisition{}, nonRetryable(err)
	}
	a.logger.Info("Signals acquired",
		zap.String("case_id", in.Case.ID),
		zap.Int("sources", len(acq.Outcomes)),
		zap.Strings("degraded", acq.Degraded()),
	)
	return acq, nil
}

// Assess scores the acquisition and packages the evidence. It is
// deterministic over its input.
func (a *Activities) Assess(ctx context.Context, in AssessInput) (casemanager.Assessment, error) {
	a.record(ctx, in.Case, in.Pending)
	_, span := tracing.StartStageSpan(ctx, in.Case.ID, string(models.StateScoring))
	defer span.End()

	scored, err := a.pipeline.Score(in.Case.ID, in.Acquisition, in.Case.AsOf)
	if err != nil {
		return casemanager.Assessment{}, nonRetryable(err)
	}
	return a.pipeline.Package(in.Case, in.Entity, in.Acquisition, scored), nil
}

// Strategize runs the strategy, guard and QA loop.
func (a *Activities) Strategize(ctx context.Context, in StrategizeInput) (StrategizeResult, error) {
	a.record(ctx, in.Case, in.Pending)
	ctx, span := tracing.StartStageSpan(ctx, in.Case.ID, string(models.StateStrategizing))
	defer span.End()

	var out StrategizeResult
	current := models.StateStrategizing
	step := func(next models.CaseState, note string) error {
		if !casemanager.CanTransition(current, next) {
			return fmt.Errorf("illegal case transition %s -> %s", current, next)
		}
		t := models.Transition{From: current, To: next, At: a.now().UTC(), Note: note}
		out.Transitions = append(out.Transitions, t)
		current = next
		a.record(ctx, in.Case, []models.Transition{t})
		return nil
	}
	plan, err := a.pipeline.Strategize(ctx, in.Case.ID, in.Pack, step)
	if err != nil {
		return StrategizeResult{}, err
	}
	out.Planning = plan
	return out, nil
}

// Finalize assembles, persists and announces the response.
func (a *Activities) Finalize(ctx context.Context, in FinalizeInput) (*models.RiskAnalysisResponse, error) {
	a.record(ctx, in.Record.Case, in.Pending)
	rec := in.Record
	if rec.AgentVersions == nil {
		rec.AgentVersions = a.pipeline.AgentVersions()
	}
	resp := casemanager.Assemble(rec, in.State, in.Transitions, in.CompletedAt)
	if a.store != nil {
		if err := a.store.SaveResponse(ctx, resp); err != nil {
			return nil, fmt.Errorf("save response: %w", err)
		}
	}
	metrics.CasesCompleted.WithLabelValues(string(in.State)).Inc()
	if !rec.Case.CreatedAt.IsZero() {
		metrics.CaseDuration.WithLabelValues(string(in.State)).Observe(in.CompletedAt.Sub(rec.Case.CreatedAt).Seconds())
	}
	if a.events != nil {
		a.events.Publish(rec.Case.ID, streaming.Event{Type: streaming.EventDone, To: string(in.State)})
	}
	a.logger.Info("Case finished",
		zap.String("case_id", rec.Case.ID),
		zap.String("state", string(in.State)),
		zap.String("workflow_id", activity.GetInfo(ctx).WorkflowExecution.ID),
	)
	return resp, nil
}

func nonRetryable(err error) error {
	if errors.Is(err, sources.ErrMissingEvidence) {
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeContract, err)
	}
	return err
}
