// Package circuitbreaker guards the service's outbound dependencies: the
// Socrata datasets, the language-model endpoint, the case store and the
// dataset cache. Each dependency gets its own breaker so one failing
// upstream degrades only the categories that rely on it.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateHalfOpen: "half-open",
	StateOpen:     "open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

// IsBreakerError reports whether err was produced by a breaker rejecting the call.
func IsBreakerError(err error) bool {
	return errors.Is(err, ErrCircuitBreakerOpen) || errors.Is(err, ErrTooManyRequests)
}

type Config struct {
	MaxRequests      uint32        // trial calls admitted while half-open
	Interval         time.Duration // closed-state counter reset, 0 never resets
	Timeout          time.Duration // how long the breaker stays open
	FailureThreshold uint32        // consecutive failures that open the breaker
	SuccessThreshold uint32        // consecutive half-open successes that close it
	OnStateChange    func(name string, from State, to State)
	// IsFailure classifies an error returned by the protected call.
	// Nil means every non-nil error except caller cancellation counts.
	IsFailure func(err error) bool
}

// DefaultConfig returns the defaults used by dataset and model clients.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Counts are reset on every state change and at each closed-state interval.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker guards one upstream dependency.
type CircuitBreaker struct {
	name   string
	config Config
	logger *zap.Logger

	mutex sync.Mutex
	state State
	// generation increments on every reset; results that come back for an
	// older generation are discarded.
	generation uint64
	counts     Counts
	deadline   time.Time
}

func NewCircuitBreaker(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.IsFailure == nil {
		config.IsFailure = countsAsFailure
	}
	cb := &CircuitBreaker{name: name, config: config, logger: logger}
	cb.reset(time.Now())
	return cb
}

// A call abandoned by its caller says nothing about upstream health.
func countsAsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Name returns the breaker name used in logs and metrics.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the breaker admits the call. A context that is already
// done is returned without consuming a request slot.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	gen, err := cb.admit()
	if err != nil {
		return err
	}

	ok, abandoned := false, false
	defer func() {
		if abandoned {
			cb.release(gen)
			return
		}
		cb.record(gen, ok)
	}()
	err = fn()
	abandoned = errors.Is(err, context.Canceled)
	ok = !cb.config.IsFailure(err)
	return err
}

// State returns the current state, moving an expired open breaker to half-open.
func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.advance(time.Now())
	return cb.state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.counts
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.advance(time.Now())
	if cb.state == StateOpen {
		return cb.generation, ErrCircuitBreakerOpen
	}
	if cb.state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests {
		return cb.generation, ErrTooManyRequests
	}
	cb.counts.Requests++
	return cb.generation, nil
}

// release hands back the slot of a call its caller abandoned. The call is
// neither a success nor a failure, so a half-open breaker keeps testing.
func (cb *CircuitBreaker) release(gen uint64) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	if cb.generation == gen && cb.counts.Requests > 0 {
		cb.counts.Requests--
	}
}

// record books the outcome of a call admitted in generation gen. A panic in
// the protected call leaves ok false and is recorded as a failure.
func (cb *CircuitBreaker) record(gen uint64, ok bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	cb.advance(now)
	if cb.generation != gen {
		return
	}

	c := &cb.counts
	if ok {
		c.TotalSuccesses++
		c.ConsecutiveFailures = 0
		if cb.state != StateHalfOpen {
			return
		}
		c.ConsecutiveSuccesses++
		if c.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
		return
	}

	if cb.state == StateHalfOpen {
		cb.transition(StateOpen, now)
		return
	}
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
	if c.ConsecutiveFailures >= cb.config.FailureThreshold {
		cb.transition(StateOpen, now)
	}
}

// advance applies time-based changes: an elapsed closed interval clears the
// counts and an elapsed open timeout lets trial calls through.
func (cb *CircuitBreaker) advance(now time.Time) {
	if cb.deadline.IsZero() || now.Before(cb.deadline) {
		return
	}
	switch cb.state {
	case StateClosed:
		cb.reset(now)
	case StateOpen:
		cb.transition(StateHalfOpen, now)
	}
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.reset(now)

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, from, to)
	}
	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
}

func (cb *CircuitBreaker) reset(now time.Time) {
	cb.generation++
	cb.counts = Counts{}
	cb.deadline = time.Time{}
	switch {
	case cb.state == StateOpen:
		cb.deadline = now.Add(cb.config.Timeout)
	case cb.state == StateClosed && cb.config.Interval > 0:
		cb.deadline = now.Add(cb.config.Interval)
	}
}
