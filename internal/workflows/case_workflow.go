package workflows

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/Kocoro-lab/riskcase/internal/casemanager"
	"github.com/Kocoro-lab/riskcase/internal/models"
)

// history is the workflow-side case status. Transitions are stamped with
// workflow time and handed to the next activity for publishing.
type history struct {
	state       models.CaseState
	transitions []models.Transition
	pending     []models.Transition
}

func (h *history) to(ctx workflow.Context, next models.CaseState, note string) error {
	if !casemanager.CanTransition(h.state, next) {
		return fmt.Errorf("illegal case transition %s -> %s", h.state, next)
	}
	t := models.Transition{From: h.state, To: next, At: workflow.Now(ctx).UTC(), Note: note}
	h.transitions = append(h.transitions, t)
	h.pending = append(h.pending, t)
	h.state = next
	return nil
}

// taken appends transitions an activity already recorded.
func (h *history) taken(ts []models.Transition) {
	h.transitions = append(h.transitions, ts...)
	if len(ts) > 0 {
		h.state = ts[len(ts)-1].To
	}
}

func (h *history) flush() []models.Transition {
	out := h.pending
	h.pending = nil
	return out
}

func withActivity(ctx workflow.Context, timeout time.Duration, attempts int32) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumAttempts:        attempts,
			NonRetryableErrorTypes: []string{ErrTypeContract},
		},
	})
}

// CaseWorkflow drives one case to a terminal state. A cancelled workflow
// still records a CANCELLED response before returning the cancellation.
func CaseWorkflow(ctx workflow.Context, in CaseInput) (*models.RiskAnalysisResponse, error) {
	logger := workflow.GetLogger(ctx)
	c := in.Case
	timeouts := DefaultTimeouts
	if in.Timeouts != nil {
		timeouts = *in.Timeouts
	}
	logger.Info("Starting CaseWorkflow", "case_id", c.ID, "raw_query", c.RawQuery)

	h := &history{state: models.StateCreated}
	rec := casemanager.Record{Case: c}

	finish := func(fctx workflow.Context) (*models.RiskAnalysisResponse, error) {
		var resp *models.RiskAnalysisResponse
		err := workflow.ExecuteActivity(withActivity(fctx, timeouts.Finalize, 3), FinalizeActivity, FinalizeInput{
			Record:      rec,
			State:       h.state,
			Transitions: h.transitions,
			Pending:     h.flush(),
			CompletedAt: workflow.Now(fctx).UTC(),
		}).Get(fctx, &resp)
		if err != nil {
			logger.Error("Finalize failed", "case_id", c.ID, "error", err)
			return nil, err
		}
		logger.Info("CaseWorkflow completed", "case_id", c.ID, "state", string(h.state))
		return resp, nil
	}
	fail := func(err error) (*models.RiskAnalysisResponse, error) {
		msg := cause(err)
		logger.Error("Case failed", "case_id", c.ID, "stage", string(h.state), "error", msg)
		rec.Limitations = append(rec.Limitations, fmt.Sprintf("Analysis failed during %s: %s", h.state, msg))
		if terr := h.to(ctx, models.StateFailed, msg); terr != nil {
			return nil, terr
		}
		return finish(ctx)
	}
	canceled := func() (*models.RiskAnalysisResponse, error) {
		rec.Limitations = append(rec.Limitations, fmt.Sprintf("Case cancelled during %s; results are partial", h.state))
		if terr := h.to(ctx, models.StateCancelled, "context canceled"); terr != nil {
			return nil, terr
		}
		dctx, _ := workflow.NewDisconnectedContext(ctx)
		resp, err := finish(dctx)
		if err != nil {
			return nil, err
		}
		return resp, temporal.NewCanceledError(resp.Status)
	}
	interrupted := func(err error) (*models.RiskAnalysisResponse, error) {
		if ctx.Err() != nil || temporal.IsCanceledError(err) {
			return canceled()
		}
		return fail(err)
	}

	// RESOLVING
	if err := h.to(ctx, models.StateResolving, ""); err != nil {
		return nil, err
	}
	var resolved ResolveResult
	if err := workflow.ExecuteActivity(withActivity(ctx, timeouts.Resolve, 3), ResolveEntityActivity, ResolveInput{
		Case:    c,
		Pending: h.flush(),
	}).Get(ctx, &resolved); err != nil {
		return interrupted(err)
	}
	if resolved.NeedsConfirmation {
		rec.Limitations, rec.Questions = resolved.Limitations, resolved.Questions
		if err := h.to(ctx, models.StateNeedsConfirmation, resolved.Reason); err != nil {
			return nil, err
		}
		return finish(ctx)
	}
	if resolved.Entity == nil {
		return fail(errors.New("resolver returned no entity"))
	}
	rec.Entity = resolved.Entity

	// ACQUIRING
	if err := h.to(ctx, models.StateAcquiring, ""); err != nil {
		return nil, err
	}
	var acq casemanager.Acquisition
	if err := workflow.ExecuteActivity(withActivity(ctx, timeouts.Acquire, 2), AcquireSignalsActivity, AcquireInput{
		Case:    c,
		Entity:  *resolved.Entity,
		Pending: h.flush(),
	}).Get(ctx, &acq); err != nil {
		return interrupted(err)
	}

	// SCORING, PACKAGING
	if ctx.Err() != nil {
		return canceled()
	}
	if err := h.to(ctx, models.StateScoring, ""); err != nil {
		return nil, err
	}
	var assessment casemanager.Assessment
	if err := workflow.ExecuteActivity(withActivity(ctx, timeouts.Assess, 2), AssessActivity, AssessInput{
		Case:        c,
		Entity:      *resolved.Entity,
		Acquisition: acq,
		Pending:     h.flush(),
	}).Get(ctx, &assessment); err != nil {
		return interrupted(err)
	}
	// packaging ran inside Assess; its transition is published with the next one
	if err := h.to(ctx, models.StatePackaging, ""); err != nil {
		return nil, err
	}
	rec.Assessment = &assessment

	// STRATEGIZING, VALIDATING
	if err := h.to(ctx, models.StateStrategizing, ""); err != nil {
		return nil, err
	}
	var planned StrategizeResult
	if err := workflow.ExecuteActivity(withActivity(ctx, timeouts.Strategize, 1), StrategizeActivity, StrategizeInput{
		Case:    c,
		Pack:    assessment.Pack,
		Pending: h.flush(),
	}).Get(ctx, &planned); err != nil {
		return interrupted(err)
	}
	h.taken(planned.Transitions)
	rec.Planning = &planned.Planning
	return finish(ctx)
}

// cause returns the activity's own message without the Temporal envelope.
func cause(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Message()
	}
	return err.Error()
}
