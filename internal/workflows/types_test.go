package workflows

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeoutsForKeepsDefaultsAsFloor(t *testing.T) {
	got := TimeoutsFor(Budget{
		AgentTimeout:        5 * time.Second,
		AcquisitionDeadline: 20 * time.Second,
		LLMCallTimeout:      10 * time.Second,
		StrategyAttempts:    2,
		QARetries:           1,
	})
	assert.Equal(t, DefaultTimeouts, got)
}

func TestTimeoutsForScalesWithBudget(t *testing.T) {
	got := TimeoutsFor(Budget{
		AgentTimeout:        2 * time.Minute,
		AcquisitionDeadline: 4 * time.Minute,
		LLMCallTimeout:      2 * time.Minute,
		StrategyAttempts:    2,
		QARetries:           2,
	})

	assert.Equal(t, 2*time.Minute+activitySlack, got.Resolve)
	assert.Equal(t, 4*time.Minute+activitySlack, got.Acquire)
	// the explanation call plus two attempts in each of three rounds
	assert.Equal(t, 14*time.Minute+activitySlack, got.Strategize)
	assert.Equal(t, DefaultTimeouts.Assess, got.Assess)
	assert.Equal(t, DefaultTimeouts.Finalize, got.Finalize)
}

func TestTimeoutsForTreatsZeroAttemptsAsOne(t *testing.T) {
	got := TimeoutsFor(Budget{LLMCallTimeout: 3 * time.Minute})
	assert.Equal(t, 6*time.Minute+activitySlack, got.Strategize)
}
