package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/llm"
	"github.com/Kocoro-lab/riskcase/internal/metrics"
	"github.com/Kocoro-lab/riskcase/internal/models"
)

// AgentVersion is reported in the audit record; bump it when the prompt changes.
const AgentVersion = "1.0.0"

// ErrGenerationFailed means no attempt produced a schema-valid draft.
var ErrGenerationFailed = errors.New("strategy generation failed")

// Config tunes generation.
type Config struct {
	Temperature float64
	MaxTokens   int
	// MaxAttempts counts the first call plus repair retries.
	MaxAttempts int
	CallTimeout time.Duration
}

// DefaultConfig returns low-temperature defaults with one repair retry.
func DefaultConfig() Config {
	return Config{Temperature: 0.2, MaxTokens: 3000, MaxAttempts: 2, CallTimeout: 45 * time.Second}
}

// Attempt records one model call.
type Attempt struct {
	Number   int           `json:"number"`
	Model    string        `json:"model,omitempty"`
	Latency  time.Duration `json:"latency"`
	Error    string        `json:"error,omitempty"`
	RawChars int           `json:"raw_chars"`
}

// Result is the outcome of one planning round.
type Result struct {
	Draft    models.StrategyDraft
	Attempts []Attempt
}

// Agent asks a language model for a mitigation plan over an evidence pack.
type Agent struct {
	client llm.Client
	config Config
	logger *zap.Logger
}

// NewAgent creates a strategy agent.
func NewAgent(client llm.Client, config Config, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return &Agent{client: client, config: config, logger: logger}
}

// Plan runs one planning round. A schema failure is retried with the
// validation error appended to the prompt; when every attempt fails the
// error wraps ErrGenerationFailed. Attempts are reported either way.
func (a *Agent) Plan(ctx context.Context, pack models.EvidencePack, feedback []string) (Result, error) {
	var res Result
	var repair string
	var lastErr error

	for n := 1; n <= a.config.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		system, user := BuildPrompt(pack, feedback, repair)

		callCtx := ctx
		cancel := func() {}
		if a.config.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, a.config.CallTimeout)
		}
		resp, err := a.client.Complete(callCtx, llm.Request{
			System:      system,
			User:        user,
			Temperature: a.config.Temperature,
			MaxTokens:   a.config.MaxTokens,
			JSON:        true,
		})
		cancel()

		attempt := Attempt{Number: n, Model: resp.Model, Latency: resp.Latency, RawChars: len(resp.Text)}
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			attempt.Error = err.Error()
			res.Attempts = append(res.Attempts, attempt)
			metrics.StrategyAttempts.WithLabelValues("call_error").Inc()
			a.logger.Warn("Strategy model call failed", zap.Int("attempt", n), zap.Error(err))
			lastErr = err
			continue
		}

		draft, err := ParseDraft(resp.Text)
		if err != nil {
			attempt.Error = err.Error()
			res.Attempts = append(res.Attempts, attempt)
			metrics.StrategyAttempts.WithLabelValues("invalid").Inc()
			a.logger.Info("Strategy reply failed validation", zap.Int("attempt", n), zap.Error(err))
			repair = err.Error()
			lastErr = err
			continue
		}

		res.Attempts = append(res.Attempts, attempt)
		res.Draft = draft
		metrics.StrategyAttempts.WithLabelValues("ok").Inc()
		return res, nil
	}
	return res, fmt.Errorf("%w after %d attempts: %w", ErrGenerationFailed, len(res.Attempts), lastErr)
}
