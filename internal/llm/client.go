package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrEmptyResponse is returned when the model answers with no text.
	ErrEmptyResponse = errors.New("language model returned an empty response")
	// ErrRateLimited is returned when the provider throttles the call.
	ErrRateLimited = errors.New("language model provider rate limited the request")
)

// Request is one completion call.
type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
	// JSON asks the provider for a JSON object response where supported.
	JSON bool
}

// Response is the text the model produced.
type Response struct {
	Text         string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
}

// Client is a language model backend.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Config selects and tunes a backend.
type Config struct {
	Provider    string
	Endpoint    string
	APIKey      string
	Model       string
	CallTimeout time.Duration
}

// New creates the client for cfg.Provider. "google" uses the Gemini API;
// every other provider is reached over an OpenAI-compatible endpoint.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "google", "gemini":
		return NewGenAIClient(ctx, cfg, logger)
	case "openai", "ollama", "azure", "":
		return NewHTTPClient(cfg, nil, logger), nil
	default:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("provider %q needs an endpoint", cfg.Provider)
		}
		return NewHTTPClient(cfg, nil, logger), nil
	}
}

// EstimateTokens approximates the token count of text for rate pacing.
func EstimateTokens(text string) int {
	return len(text)/4 + 1
}
