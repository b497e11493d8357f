package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/circuitbreaker"
	"github.com/Kocoro-lab/riskcase/internal/metrics"
	"github.com/Kocoro-lab/riskcase/internal/ratecontrol"
	"github.com/Kocoro-lab/riskcase/internal/tracing"
)

const defaultOpenAIEndpoint = "https://api.openai.com/v1"

// HTTPClient calls an OpenAI-compatible chat completions endpoint.
type HTTPClient struct {
	config Config
	http   *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// NewHTTPClient creates an HTTP backend. A nil httpClient uses one bounded
// by cfg.CallTimeout.
func NewHTTPClient(cfg Config, httpClient *http.Client, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.Endpoint == "" {
		switch cfg.Provider {
		case "ollama":
			cfg.Endpoint = "http://localhost:11434/v1"
		default:
			cfg.Endpoint = defaultOpenAIEndpoint
		}
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if httpClient == nil {
		timeout := cfg.CallTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		config: cfg,
		http:   circuitbreaker.NewHTTPWrapper(httpClient, "llm-"+cfg.Provider, "strategy", "llm", logger),
		logger: logger,
	}
}

// Breaker exposes the provider circuit for health checks.
func (c *HTTPClient) Breaker() *circuitbreaker.CircuitBreaker { return c.http.Breaker() }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete implements Client.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (Response, error) {
	ctx, span := tracing.StartSpan(ctx, "llm.complete")
	defer span.End()

	limiter := ratecontrol.ForProvider(c.config.Provider)
	if err := limiter.Wait(ctx); err != nil {
		return Response{}, err
	}

	body := chatRequest{
		Model:       c.config.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.User})
	if req.JSON {
		body.ResponseFormat = map[string]any{"type": "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	tracing.InjectTraceparent(ctx, httpReq)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("model call: %w", err)
	}
	defer resp.Body.Close()
	latency := time.Since(start)
	metrics.LLMLatency.WithLabelValues(c.config.Provider, c.config.Model).Observe(latency.Seconds())

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read model response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
			limiter.Backoff(time.Duration(secs) * time.Second)
		}
		return Response{}, ErrRateLimited
	}
	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 300 {
			msg = msg[:300]
		}
		return Response{}, fmt.Errorf("model provider returned %d: %s", resp.StatusCode, msg)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, fmt.Errorf("decode model response: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return Response{}, ErrEmptyResponse
	}
	tokens := out.Usage.PromptTokens + out.Usage.CompletionTokens
	if tokens == 0 {
		tokens = EstimateTokens(req.System + req.User + out.Choices[0].Message.Content)
	}
	limiter.Backoff(ratecontrol.TokenDelay(c.config.Provider, tokens))

	model := out.Model
	if model == "" {
		model = c.config.Model
	}
	return Response{
		Text:         out.Choices[0].Message.Content,
		Provider:     c.config.Provider,
		Model:        model,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
		Latency:      latency,
	}, nil
}
