package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Kocoro-lab/riskcase/internal/circuitbreaker"
)

// PingChecker checks a dependency through a ping function and the state of
// its circuit breaker. It backs the database and redis checks.
type PingChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	ping     func(ctx context.Context) error
	breaker  *circuitbreaker.CircuitBreaker

	// Slow marks a successful ping as degraded.
	Slow time.Duration
}

// NewPingChecker creates a checker. breaker may be nil.
func NewPingChecker(name string, critical bool, ping func(ctx context.Context) error, breaker *circuitbreaker.CircuitBreaker) *PingChecker {
	return &PingChecker{
		name:     name,
		critical: critical,
		timeout:  5 * time.Second,
		ping:     ping,
		breaker:  breaker,
		Slow:     250 * time.Millisecond,
	}
}

func (p *PingChecker) Name() string           { return p.name }
func (p *PingChecker) IsCritical() bool       { return p.critical }
func (p *PingChecker) Timeout() time.Duration { return p.timeout }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	if p.breaker != nil && p.breaker.State() == circuitbreaker.StateOpen {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   "circuit breaker open",
			Message: fmt.Sprintf("%s circuit breaker is open", p.name),
		}
	}

	start := time.Now()
	err := p.ping(ctx)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   err.Error(),
			Message: fmt.Sprintf("%s ping failed", p.name),
			Details: map[string]interface{}{"latency_ms": latency.Milliseconds()},
		}
	}
	result := CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%s healthy", p.name),
		Details: map[string]interface{}{"latency_ms": latency.Milliseconds()},
	}
	if p.Slow > 0 && latency > p.Slow {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%s responding but with high latency", p.name)
	}
	return result
}

// BreakerChecker reports the state of an upstream circuit. An open circuit
// is degraded rather than unhealthy: cases still complete with the source
// flagged.
type BreakerChecker struct {
	name    string
	breaker *circuitbreaker.CircuitBreaker
}

// NewBreakerChecker creates a checker over breaker.
func NewBreakerChecker(name string, breaker *circuitbreaker.CircuitBreaker) *BreakerChecker {
	return &BreakerChecker{name: name, breaker: breaker}
}

func (b *BreakerChecker) Name() string           { return b.name }
func (b *BreakerChecker) IsCritical() bool       { return false }
func (b *BreakerChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerChecker) Check(ctx context.Context) CheckResult {
	state := b.breaker.State()
	counts := b.breaker.Counts()
	result := CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("circuit %s", state),
		Details: map[string]interface{}{
			"state":                state.String(),
			"consecutive_failures": counts.ConsecutiveFailures,
		},
	}
	if state != circuitbreaker.StateClosed {
		result.Status = StatusDegraded
	}
	return result
}

// EndpointChecker calls an HTTP endpoint. Any status below 500 counts as up,
// since model endpoints often reject unauthenticated requests with 401.
type EndpointChecker struct {
	name     string
	url      string
	critical bool
	client   *http.Client
	breaker  *circuitbreaker.CircuitBreaker
}

// NewEndpointChecker creates a checker for url. client and breaker may be nil.
func NewEndpointChecker(name, url string, critical bool, client *http.Client, breaker *circuitbreaker.CircuitBreaker) *EndpointChecker {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &EndpointChecker{name: name, url: url, critical: critical, client: client, breaker: breaker}
}

func (e *EndpointChecker) Name() string           { return e.name }
func (e *EndpointChecker) IsCritical() bool       { return e.critical }
func (e *EndpointChecker) Timeout() time.Duration { return 5 * time.Second }

func (e *EndpointChecker) Check(ctx context.Context) CheckResult {
	details := map[string]interface{}{"url": e.url}
	if e.breaker != nil {
		details["circuit"] = e.breaker.State().String()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Details: details}
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: "endpoint unreachable", Details: details}
	}
	resp.Body.Close()
	details["status_code"] = resp.StatusCode
	if resp.StatusCode >= 500 {
		return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("endpoint returned %d", resp.StatusCode), Details: details}
	}
	if e.breaker != nil && e.breaker.State() != circuitbreaker.StateClosed {
		return CheckResult{Status: StatusDegraded, Message: "endpoint up, circuit not closed", Details: details}
	}
	return CheckResult{Status: StatusHealthy, Message: "endpoint reachable", Details: details}
}

// CustomHealthChecker allows for custom health check logic
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult { return c.checkFn(ctx) }
