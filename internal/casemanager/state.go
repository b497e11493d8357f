package casemanager

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/metrics"
	"github.com/Kocoro-lab/riskcase/internal/models"
	"github.com/Kocoro-lab/riskcase/internal/streaming"
)

// transitions lists the legal edges of the case state machine. Any
// non-terminal state may also move to CANCELLED or FAILED.
var transitions = map[models.CaseState][]models.CaseState{
	models.StateCreated:      {models.StateResolving},
	models.StateResolving:    {models.StateAcquiring, models.StateNeedsConfirmation},
	models.StateAcquiring:    {models.StateScoring},
	models.StateScoring:      {models.StatePackaging},
	models.StatePackaging:    {models.StateStrategizing},
	models.StateStrategizing: {models.StateValidating, models.StateComplete},
	models.StateValidating:   {models.StateStrategizing, models.StateComplete, models.StateQAFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.CaseState) bool {
	if from.Terminal() {
		return false
	}
	if to == models.StateCancelled || to == models.StateFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Tracker owns the status of one case. It is the only writer of that status.
type Tracker struct {
	mu      sync.Mutex
	caseID  string
	state   models.CaseState
	entered time.Time
	history []models.Transition
	now     func() time.Time
	events  streaming.Publisher
	logger  *zap.Logger
}

// NewTracker starts a tracker in CREATED. events may be nil.
func NewTracker(caseID string, now func() time.Time, events streaming.Publisher, logger *zap.Logger) *Tracker {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		caseID:  caseID,
		state:   models.StateCreated,
		entered: now(),
		now:     now,
		events:  events,
		logger:  logger,
	}
}

// To moves the case to next, recording the transition and publishing it.
func (t *Tracker) To(next models.CaseState, note string) error {
	t.mu.Lock()
	from := t.state
	if !CanTransition(from, next) {
		t.mu.Unlock()
		return fmt.Errorf("illegal case transition %s -> %s", from, next)
	}
	at := t.now().UTC()
	stageDuration := at.Sub(t.entered)
	t.state = next
	t.entered = at
	tr := models.Transition{From: from, To: next, At: at, Note: note}
	t.history = append(t.history, tr)
	t.mu.Unlock()

	metrics.StageDuration.WithLabelValues(string(from)).Observe(stageDuration.Seconds())
	t.logger.Info("Case stage transition",
		zap.String("case_id", t.caseID),
		zap.String("stage", string(from)),
		zap.String("next", string(next)),
		zap.Duration("duration", stageDuration),
	)
	if t.events != nil {
		t.events.Publish(t.caseID, streaming.Event{
			Type:      streaming.EventState,
			From:      string(from),
			To:        string(next),
			Message:   note,
			Timestamp: at,
		})
	}
	return nil
}

// State returns the current state.
func (t *Tracker) State() models.CaseState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// History returns a copy of the recorded transitions.
func (t *Tracker) History() []models.Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.Transition(nil), t.history...)
}
