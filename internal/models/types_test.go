package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowStartUsesThirtyDayMonths(t *testing.T) {
	asOf := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, asOf.Add(-90*24*time.Hour), Window3M.Start(asOf))
	assert.Equal(t, asOf.Add(-360*24*time.Hour), Window12M.Start(asOf))
	assert.Equal(t, 0, Window("2w").Months())
}

func TestCaseStateTerminal(t *testing.T) {
	for _, s := range []CaseState{StateComplete, StateNeedsConfirmation, StateQAFailed, StateFailed, StateCancelled} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []CaseState{StateCreated, StateAcquiring, StateValidating} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestCaseRequestValidate(t *testing.T) {
	lat := 37.77
	assert.Error(t, CaseRequest{}.Validate())
	assert.Error(t, CaseRequest{BusinessName: "Cafe", Lat: &lat}.Validate())
	assert.Error(t, CaseRequest{BusinessName: "Cafe", HorizonMonths: 48}.Validate())
	assert.NoError(t, CaseRequest{BusinessName: "Cafe", Address: "1 Main St", HorizonMonths: 6}.Validate())
}

func TestDraftCloneIsDeep(t *testing.T) {
	d := StrategyDraft{Actions: []StrategyAction{{Action: "a", EvidenceRefs: []string{"ev-1"}}}}
	c := d.Clone()
	c.Actions[0].EvidenceRefs[0] = "ev-2"
	c.Actions[0].Action = "b"
	assert.Equal(t, "ev-1", d.Actions[0].EvidenceRefs[0])
	assert.Equal(t, "a", d.Actions[0].Action)
}
