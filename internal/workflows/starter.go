package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/casemanager"
	"github.com/Kocoro-lab/riskcase/internal/metrics"
	"github.com/Kocoro-lab/riskcase/internal/models"
)

// CaseFactory validates a request and mints a case for it.
type CaseFactory interface {
	NewCase(req models.CaseRequest) (models.Case, error)
}

// Starter submits cases as CaseWorkflow executions.
type Starter struct {
	client     client.Client
	taskQueue  string
	cases      CaseFactory
	store      casemanager.Recorder
	logger     *zap.Logger
	timeouts   *Timeouts
	runTimeout time.Duration
}

// NewStarter creates a starter. store may be nil.
func NewStarter(c client.Client, taskQueue string, cases CaseFactory, store casemanager.Recorder, logger *zap.Logger) *Starter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Starter{client: c, taskQueue: taskQueue, cases: cases, store: store, logger: logger}
}

// WithTimeouts overrides the activity timeouts passed to new workflows.
func (s *Starter) WithTimeouts(t Timeouts) *Starter {
	s.timeouts = &t
	return s
}

// WithRunTimeout bounds each workflow execution. Zero means unbounded.
func (s *Starter) WithRunTimeout(d time.Duration) *Starter {
	s.runTimeout = d
	return s
}

// Submit creates the case and starts its workflow.
func (s *Starter) Submit(ctx context.Context, req models.CaseRequest) (models.Case, error) {
	c, err := s.cases.NewCase(req)
	if err != nil {
		return models.Case{}, err
	}
	if s.store != nil {
		if err := s.store.SaveCase(ctx, c); err != nil {
			s.logger.Warn("Failed to save case", zap.String("case_id", c.ID), zap.Error(err))
		}
	}
	run, err := s.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       WorkflowID(c.ID),
		TaskQueue:                s.taskQueue,
		WorkflowExecutionTimeout: s.runTimeout,
	}, CaseWorkflow, CaseInput{Case: c, Timeouts: s.timeouts})
	if err != nil {
		return models.Case{}, fmt.Errorf("start case workflow: %w", err)
	}
	metrics.CasesStarted.Inc()
	s.logger.Info("Case workflow started",
		zap.String("case_id", c.ID),
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return c, nil
}

// Cancel requests cancellation of the case workflow.
func (s *Starter) Cancel(caseID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.client.CancelWorkflow(ctx, WorkflowID(caseID), ""); err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return casemanager.ErrUnknownCase
		}
		return fmt.Errorf("cancel case %s: %w", caseID, err)
	}
	return nil
}

// Await blocks until the case workflow finishes and returns its response.
func (s *Starter) Await(ctx context.Context, caseID string) (*models.RiskAnalysisResponse, error) {
	var resp *models.RiskAnalysisResponse
	if err := s.client.GetWorkflow(ctx, WorkflowID(caseID), "").Get(ctx, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}
