package casemanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Kocoro-lab/riskcase/internal/degradation"
	"github.com/Kocoro-lab/riskcase/internal/models"
	"github.com/Kocoro-lab/riskcase/internal/sources"
	"github.com/Kocoro-lab/riskcase/internal/streaming"
)

// Acquisition is the fan-in of one acquisition round. Every registered
// category appears exactly once: in Results when it delivered, otherwise as
// a failed outcome.
type Acquisition struct {
	Results  []sources.Result      `json:"results"`
	Outcomes []degradation.Outcome `json:"outcomes"`
}

// Degraded returns the categories that did not deliver, sorted.
func (a Acquisition) Degraded() []string {
	var out []string
	for _, o := range a.Outcomes {
		if !o.Success {
			out = append(out, o.Category)
		}
	}
	sort.Strings(out)
	return out
}

type slot struct {
	done     bool
	result   sources.Result
	err      error
	duration time.Duration
}

// Acquire runs every source agent concurrently, bounded by MaxConcurrency,
// and waits at a barrier until all have finished or the acquisition deadline
// passes. Agents still running at the deadline are abandoned and recorded as
// timed out. The only error is a contract violation by an agent.
func (p *Pipeline) Acquire(ctx context.Context, caseID string, entity models.Entity, asOf time.Time) (Acquisition, error) {
	agents := p.sources.Agents()
	req := sources.FetchRequest{CaseID: caseID, Entity: entity, AsOf: asOf}

	deadlineCtx, cancel := context.WithTimeout(ctx, p.config.AcquisitionDeadline)
	defer cancel()

	var mu sync.Mutex
	slots := make([]slot, len(agents))
	sem := semaphore.NewWeighted(int64(p.config.MaxConcurrency))
	g, gctx := errgroup.WithContext(deadlineCtx)

	for i, agent := range agents {
		i, agent := i, agent
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				mu.Lock()
				slots[i] = slot{done: true, err: sources.Degraded(agent.Category(), err)}
				mu.Unlock()
				return nil
			}
			defer sem.Release(1)

			agentCtx, agentCancel := context.WithTimeout(gctx, p.config.AgentTimeout)
			defer agentCancel()
			start := time.Now()
			res, err := agent.Fetch(agentCtx, req)
			if err == nil && res.Category != agent.Category() {
				err = fmt.Errorf("%w: %s returned category %q", sources.ErrMissingEvidence, agent.Category(), res.Category)
			}
			if err == nil {
				err = res.Validate()
			}

			mu.Lock()
			slots[i] = slot{done: true, result: res, err: err, duration: time.Since(start)}
			mu.Unlock()
			p.publishSource(caseID, agent.Category(), err)
			// agent failures never cancel siblings
			return nil
		})
	}

	finished := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-deadlineCtx.Done():
	}

	mu.Lock()
	snapshot := append([]slot(nil), slots...)
	mu.Unlock()

	now := p.now()
	var acq Acquisition
	for i, agent := range agents {
		s := snapshot[i]
		category := agent.Category()
		if !s.done {
			if ctx.Err() != nil {
				s.err = sources.Degraded(category, ctx.Err())
			} else {
				s.err = &sources.DegradedError{Category: category, Kind: sources.KindTimeout,
					Reason: "acquisition deadline passed", Err: context.DeadlineExceeded}
			}
			s.duration = p.config.AcquisitionDeadline
		}
		if s.err != nil && errors.Is(s.err, sources.ErrMissingEvidence) {
			p.logger.Error("Source agent violated the evidence contract",
				zap.String("case_id", caseID),
				zap.String("source", category),
				zap.Error(s.err),
			)
			return Acquisition{}, fmt.Errorf("source %s: %w", category, s.err)
		}
		if s.err != nil {
			de := sources.Degraded(category, s.err)
			p.logger.Warn("Source degraded",
				zap.String("case_id", caseID),
				zap.String("source", category),
				zap.String("reason", de.Reason),
				zap.String("kind", string(de.Kind)),
			)
			acq.Outcomes = append(acq.Outcomes, degradation.Outcome{
				Category:  category,
				Kind:      string(de.Kind),
				Reason:    de.Reason,
				Duration:  s.duration,
				Timestamp: now,
			})
			continue
		}
		acq.Results = append(acq.Results, s.result)
		acq.Outcomes = append(acq.Outcomes, degradation.Outcome{
			Category:  category,
			Success:   true,
			Signals:   len(s.result.Signals),
			Stale:     s.result.Stale,
			Duration:  s.duration,
			Timestamp: now,
		})
	}
	return acq, nil
}

func (p *Pipeline) publishSource(caseID, category string, err error) {
	if p.events == nil {
		return
	}
	msg := "ok"
	if err != nil {
		msg = err.Error()
	}
	p.events.Publish(caseID, streaming.Event{Type: streaming.EventSource, Source: category, Message: msg})
}
