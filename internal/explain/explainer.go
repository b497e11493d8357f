// Package explain turns a scored evidence pack into a plain-language
// account of what changed, why it matters and what to monitor.
package explain

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/llm"
	"github.com/Kocoro-lab/riskcase/internal/metrics"
	"github.com/Kocoro-lab/riskcase/internal/models"
)

// Version is reported in the audit record; bump it when the prompt changes.
const Version = "1.0.0"

// Config tunes explanation calls.
type Config struct {
	Temperature float64
	MaxTokens   int
	MaxAttempts int
	CallTimeout time.Duration
}

// DefaultConfig returns a single low-temperature attempt.
func DefaultConfig() Config {
	return Config{Temperature: 0.2, MaxTokens: 2000, MaxAttempts: 1, CallTimeout: 45 * time.Second}
}

// Explainer asks a language model to explain a risk score.
type Explainer struct {
	client llm.Client
	config Config
	logger *zap.Logger
}

func New(client llm.Client, config Config, logger *zap.Logger) *Explainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return &Explainer{client: client, config: config, logger: logger}
}

// Explain returns an explanation whose every entry cites evidence in pack.
// Entries citing anything else are dropped; when nothing survives the error
// wraps ErrUngrounded.
func (x *Explainer) Explain(ctx context.Context, pack models.EvidencePack) (models.Explanation, error) {
	var repair string
	var lastErr error
	for n := 1; n <= x.config.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return models.Explanation{}, err
		}
		system, user := BuildPrompt(pack, repair)

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if x.config.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, x.config.CallTimeout)
		}
		resp, err := x.client.Complete(callCtx, llm.Request{
			System:      system,
			User:        user,
			Temperature: x.config.Temperature,
			MaxTokens:   x.config.MaxTokens,
			JSON:        true,
		})
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return models.Explanation{}, ctx.Err()
			}
			metrics.ExplanationOutcomes.WithLabelValues("call_error").Inc()
			x.logger.Warn("Explanation model call failed", zap.Int("attempt", n), zap.Error(err))
			lastErr = err
			continue
		}

		e, err := Parse(resp.Text)
		if err != nil {
			metrics.ExplanationOutcomes.WithLabelValues("invalid").Inc()
			x.logger.Info("Explanation reply failed validation", zap.Int("attempt", n), zap.Error(err))
			repair, lastErr = err.Error(), err
			continue
		}
		if dropped := Ground(&e, &pack); dropped > 0 {
			x.logger.Info("Dropped uncited explanation entries", zap.Int("dropped", dropped))
		}
		if Empty(&e) {
			metrics.ExplanationOutcomes.WithLabelValues("ungrounded").Inc()
			repair, lastErr = ErrUngrounded.Error(), ErrUngrounded
			continue
		}
		metrics.ExplanationOutcomes.WithLabelValues("ok").Inc()
		return e, nil
	}
	return models.Explanation{}, fmt.Errorf("explanation failed: %w", lastErr)
}
