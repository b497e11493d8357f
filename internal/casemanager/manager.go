// Package casemanager runs a risk case through its stages and owns the case
// status. Every terminal state yields a well-formed response.
package casemanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/metrics"
	"github.com/Kocoro-lab/riskcase/internal/models"
	"github.com/Kocoro-lab/riskcase/internal/streaming"
	"github.com/Kocoro-lab/riskcase/internal/tracing"
)

// ErrCanceled is returned with the response of a cancelled case.
var ErrCanceled = errors.New("case canceled")

// ErrUnknownCase means no running case has the given id.
var ErrUnknownCase = errors.New("unknown or finished case")

// Recorder persists cases and responses. Failures are logged, never fatal.
type Recorder interface {
	SaveCase(ctx context.Context, c models.Case) error
	SaveResponse(ctx context.Context, resp *models.RiskAnalysisResponse) error
}

// Manager runs cases in-process.
type Manager struct {
	pipeline *Pipeline
	store    Recorder
	events   streaming.Publisher
	config   Config
	logger   *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a manager over a pipeline. store and events may be nil.
func NewManager(pipeline *Pipeline, store Recorder, events streaming.Publisher, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		pipeline: pipeline,
		store:    store,
		events:   events,
		config:   pipeline.config,
		logger:   logger,
		running:  make(map[string]context.CancelFunc),
	}
}

// Pipeline returns the stages the manager drives.
func (m *Manager) Pipeline() *Pipeline { return m.pipeline }

// NewCase validates req and creates a case in CREATED.
func (m *Manager) NewCase(req models.CaseRequest) (models.Case, error) {
	if err := req.Validate(); err != nil {
		return models.Case{}, err
	}
	now := m.config.Now().UTC()
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = now.Truncate(time.Second)
	}
	horizon := req.HorizonMonths
	if horizon == 0 {
		horizon = m.config.DefaultHorizon
	}
	return models.Case{
		ID:            uuid.NewString(),
		RawQuery:      req.RawQuery(),
		Request:       req,
		HorizonMonths: horizon,
		AsOf:          asOf.UTC(),
		CreatedAt:     now,
		Status:        models.StateCreated,
	}, nil
}

// Run creates and executes a case, blocking until it reaches a terminal
// state. The error is non-nil only for an invalid request or, alongside the
// response, for a cancelled case.
func (m *Manager) Run(ctx context.Context, req models.CaseRequest) (*models.RiskAnalysisResponse, error) {
	c, err := m.NewCase(req)
	if err != nil {
		return nil, err
	}
	return m.Execute(ctx, c)
}

// Submit starts a case in the background and returns it immediately. The
// case runs detached from ctx; use Cancel to stop it.
func (m *Manager) Submit(ctx context.Context, req models.CaseRequest) (models.Case, error) {
	c, err := m.NewCase(req)
	if err != nil {
		return models.Case{}, err
	}
	runCtx := context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.Execute(runCtx, c); err != nil && !errors.Is(err, ErrCanceled) {
			m.logger.Error("Background case failed", zap.String("case_id", c.ID), zap.Error(err))
		}
	}()
	return c, nil
}

// Cancel stops a running case. In-flight source calls are abandoned.
func (m *Manager) Cancel(caseID string) error {
	m.mu.Lock()
	cancel, ok := m.running[caseID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownCase
	}
	cancel()
	return nil
}

// Shutdown cancels every running case and waits for background cases to
// record their terminal state, or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, cancel := range m.running {
		cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) track(caseID string, cancel context.CancelFunc) func() {
	m.mu.Lock()
	m.running[caseID] = cancel
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.running, caseID)
		m.mu.Unlock()
		cancel()
	}
}

// Execute drives an existing case through every stage.
func (m *Manager) Execute(ctx context.Context, c models.Case) (*models.RiskAnalysisResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	untrack := m.track(c.ID, cancel)
	defer untrack()

	start := time.Now()
	metrics.CasesStarted.Inc()
	tr := NewTracker(c.ID, m.config.Now, m.events, m.logger)
	rec := Record{Case: c, AgentVersions: m.pipeline.AgentVersions()}
	m.saveCase(ctx, c, models.StateCreated)

	finish := func(state models.CaseState) *models.RiskAnalysisResponse {
		resp := Assemble(rec, state, tr.History(), m.config.Now())
		m.saveResponse(ctx, resp)
		metrics.CasesCompleted.WithLabelValues(string(state)).Inc()
		metrics.CaseDuration.WithLabelValues(string(state)).Observe(time.Since(start).Seconds())
		if m.events != nil {
			m.events.Publish(c.ID, streaming.Event{Type: streaming.EventDone, To: string(state)})
		}
		m.logger.Info("Case finished",
			zap.String("case_id", c.ID),
			zap.String("state", string(state)),
			zap.Duration("duration", time.Since(start)),
		)
		return resp
	}
	fail := func(err error) (*models.RiskAnalysisResponse, error) {
		m.logger.Error("Case failed", zap.String("case_id", c.ID), zap.String("stage", string(tr.State())), zap.Error(err))
		rec.Limitations = append(rec.Limitations, fmt.Sprintf("Analysis failed during %s: %v", tr.State(), err))
		if terr := tr.To(models.StateFailed, err.Error()); terr != nil {
			m.logger.Error("Failed to record failure", zap.Error(terr))
		}
		return finish(models.StateFailed), nil
	}
	canceled := func() (*models.RiskAnalysisResponse, error) {
		stage := tr.State()
		rec.Limitations = append(rec.Limitations, fmt.Sprintf("Case cancelled during %s; results are partial", stage))
		_ = tr.To(models.StateCancelled, context.Cause(ctx).Error())
		return finish(models.StateCancelled), ErrCanceled
	}
	enter := func(stage models.CaseState) (context.Context, func(), error) {
		if ctx.Err() != nil {
			return nil, nil, ErrCanceled
		}
		if err := tr.To(stage, ""); err != nil {
			return nil, nil, err
		}
		sctx, span := tracing.StartStageSpan(ctx, c.ID, string(stage))
		return sctx, func() { span.End() }, nil
	}

	// RESOLVING
	sctx, end, err := enter(models.StateResolving)
	if errors.Is(err, ErrCanceled) {
		return canceled()
	} else if err != nil {
		return fail(err)
	}
	entity, err := m.pipeline.Resolve(sctx, c.Request)
	end()
	switch {
	case ctx.Err() != nil:
		return canceled()
	case NeedsConfirmation(err):
		rec.Limitations, rec.Questions = ConfirmationPrompt(err)
		if terr := tr.To(models.StateNeedsConfirmation, err.Error()); terr != nil {
			return fail(terr)
		}
		return finish(models.StateNeedsConfirmation), nil
	case err != nil:
		return fail(err)
	}
	rec.Entity = &entity

	// ACQUIRING
	sctx, end, err = enter(models.StateAcquiring)
	if errors.Is(err, ErrCanceled) {
		return canceled()
	} else if err != nil {
		return fail(err)
	}
	acq, err := m.pipeline.Acquire(sctx, c.ID, entity, c.AsOf)
	end()
	if ctx.Err() != nil {
		return canceled()
	}
	if err != nil {
		return fail(err)
	}

	// SCORING
	if _, end, err = enter(models.StateScoring); errors.Is(err, ErrCanceled) {
		return canceled()
	} else if err != nil {
		return fail(err)
	}
	scored, err := m.pipeline.Score(c.ID, acq, c.AsOf)
	end()
	if err != nil {
		return fail(err)
	}

	// PACKAGING
	if _, end, err = enter(models.StatePackaging); errors.Is(err, ErrCanceled) {
		return canceled()
	} else if err != nil {
		return fail(err)
	}
	assessment := m.pipeline.Package(c, entity, acq, scored)
	end()
	rec.Assessment = &assessment

	// STRATEGIZING, VALIDATING
	sctx, end, err = enter(models.StateStrategizing)
	if errors.Is(err, ErrCanceled) {
		return canceled()
	} else if err != nil {
		return fail(err)
	}
	plan, err := m.pipeline.Strategize(sctx, c.ID, assessment.Pack, tr.To)
	end()
	rec.Planning = &plan
	if err != nil {
		if ctx.Err() != nil {
			return canceled()
		}
		return fail(err)
	}
	return finish(tr.State()), nil
}

func (m *Manager) saveCase(ctx context.Context, c models.Case, state models.CaseState) {
	if m.store == nil {
		return
	}
	c.Status = state
	if err := m.store.SaveCase(context.WithoutCancel(ctx), c); err != nil {
		m.logger.Warn("Failed to save case", zap.String("case_id", c.ID), zap.Error(err))
	}
}

func (m *Manager) saveResponse(ctx context.Context, resp *models.RiskAnalysisResponse) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveResponse(context.WithoutCancel(ctx), resp); err != nil {
		m.logger.Warn("Failed to save response", zap.String("case_id", resp.CaseID), zap.Error(err))
	}
}
