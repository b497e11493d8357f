package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errUpstream = errors.New("upstream unavailable")

func fastConfig() Config {
	config := DefaultConfig()
	config.FailureThreshold = 3
	config.SuccessThreshold = 2
	config.MaxRequests = 5
	config.Timeout = 50 * time.Millisecond
	config.Interval = 0
	return config
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("socrata:complaints", fastConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, func() error { return errUpstream }), errUpstream)
	}
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(ctx, func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.True(t, IsBreakerError(err))
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("llm", fastConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errUpstream })
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(80 * time.Millisecond)

	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("llm", fastConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errUpstream })
	}
	time.Sleep(80 * time.Millisecond)

	_ = cb.Execute(ctx, func() error { return errUpstream })
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerHalfOpenAdmitsMaxRequests(t *testing.T) {
	config := DefaultConfig()
	config.MaxRequests = 2
	config.SuccessThreshold = 5

	cb := NewCircuitBreaker("database", config, zaptest.NewLogger(t))
	ctx := context.Background()

	cb.mutex.Lock()
	cb.state = StateHalfOpen
	cb.generation++
	cb.counts = Counts{}
	cb.mutex.Unlock()

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrTooManyRequests)
}

func TestBreakerCounts(t *testing.T) {
	cb := NewCircuitBreaker("redis", DefaultConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, func() error { return errUpstream })
	_ = cb.Execute(ctx, func() error { return nil })

	counts := cb.Counts()
	assert.Equal(t, uint32(3), counts.Requests)
	assert.Equal(t, uint32(2), counts.TotalSuccesses)
	assert.Equal(t, uint32(1), counts.TotalFailures)
	assert.Equal(t, uint32(0), counts.ConsecutiveFailures)
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	config := fastConfig()
	config.FailureThreshold = 1
	cb := NewCircuitBreaker("socrata:permits", config, zaptest.NewLogger(t))

	err := cb.Execute(context.Background(), func() error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err = cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Equal(t, uint32(0), cb.Counts().Requests)
}

func TestBreakerHalfOpenCancelledCallDoesNotClose(t *testing.T) {
	config := fastConfig()
	config.SuccessThreshold = 1
	config.MaxRequests = 1
	cb := NewCircuitBreaker("llm", config, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errUpstream })
	}
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	err := cb.Execute(ctx, func() error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.Equal(t, uint32(0), cb.Counts().Requests)
	assert.Equal(t, uint32(0), cb.Counts().ConsecutiveSuccesses)

	// the slot was handed back, so the next call is admitted
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerCustomFailureClassifier(t *testing.T) {
	errNotFound := errors.New("not found")
	config := fastConfig()
	config.FailureThreshold = 1
	config.IsFailure = func(err error) bool { return err != nil && !errors.Is(err, errNotFound) }

	cb := NewCircuitBreaker("database", config, zaptest.NewLogger(t))
	_ = cb.Execute(context.Background(), func() error { return errNotFound })
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().TotalSuccesses)
}

func TestStateChangeCallback(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 2

	var transitions []State
	config.OnStateChange = func(name string, from State, to State) {
		assert.Equal(t, "llm", name)
		transitions = append(transitions, from, to)
	}

	cb := NewCircuitBreaker("llm", config, zaptest.NewLogger(t))
	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func() error { return errUpstream })
	}

	assert.Equal(t, []State{StateClosed, StateOpen}, transitions)
}

func TestSettingsForHonorsEnvOverrides(t *testing.T) {
	t.Setenv("CB_SOCRATA_FAILURE_THRESHOLD", "9")
	t.Setenv("CB_SOCRATA_TIMEOUT", "2s")

	s := SettingsFor("socrata")
	assert.Equal(t, uint32(9), s.FailureThreshold)
	assert.Equal(t, 2*time.Second, s.Timeout)
	assert.Equal(t, uint32(3), s.MaxRequests)

	unknown := SettingsFor("geocoder")
	assert.Equal(t, uint32(3), unknown.FailureThreshold)
}
