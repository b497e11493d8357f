package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/Kocoro-lab/riskcase/internal/metrics"
	"github.com/Kocoro-lab/riskcase/internal/ratecontrol"
	"github.com/Kocoro-lab/riskcase/internal/tracing"
)

// GenAIClient calls Gemini models through the Google GenAI SDK.
type GenAIClient struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

// NewGenAIClient creates a Gemini backend.
func NewGenAIClient(ctx context.Context, cfg Config, logger *zap.Logger) (*GenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIClient{client: client, model: model, logger: logger}, nil
}

// Complete implements Client.
func (c *GenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	ctx, span := tracing.StartSpan(ctx, "llm.complete")
	defer span.End()

	limiter := ratecontrol.ForProvider("google")
	if err := limiter.Wait(ctx); err != nil {
		return Response{}, err
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	start := time.Now()
	result, err := c.client.Models.GenerateContent(ctx, c.model,
		[]*genai.Content{genai.NewContentFromText(req.User, genai.RoleUser)}, cfg)
	latency := time.Since(start)
	metrics.LLMLatency.WithLabelValues("google", c.model).Observe(latency.Seconds())
	if err != nil {
		return Response{}, fmt.Errorf("GenAI generate: %w", err)
	}

	text := result.Text()
	if strings.TrimSpace(text) == "" {
		return Response{}, ErrEmptyResponse
	}
	out := Response{Text: text, Provider: "google", Model: c.model, Latency: latency}
	if result.UsageMetadata != nil {
		out.InputTokens = int(result.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}
	limiter.Backoff(ratecontrol.TokenDelay("google", out.InputTokens+out.OutputTokens))
	return out, nil
}
