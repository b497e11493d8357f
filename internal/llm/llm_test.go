package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHTTPClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "plan please", req.Messages[1].Content)
		assert.Equal(t, "json_object", req.ResponseFormat["type"])
		assert.InDelta(t, 0.2, req.Temperature, 1e-9)

		_, _ = w.Write([]byte(`{"model":"gpt-test-2025","choices":[{"message":{"role":"assistant","content":"{\"summary\":\"ok\"}"}}],"usage":{"prompt_tokens":12,"completion_tokens":5}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{Provider: "test-complete", Endpoint: srv.URL + "/v1/", APIKey: "sk-test", Model: "gpt-test"}, srv.Client(), zaptest.NewLogger(t))
	resp, err := c.Complete(context.Background(), Request{System: "be careful", User: "plan please", Temperature: 0.2, MaxTokens: 100, JSON: true})
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"ok"}`, resp.Text)
	assert.Equal(t, "gpt-test-2025", resp.Model)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, 5, resp.OutputTokens)
}

func TestHTTPClientThrottled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{Provider: "test-throttled", Endpoint: srv.URL}, srv.Client(), nil)
	_, err := c.Complete(context.Background(), Request{User: "x"})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestHTTPClientEmptyChoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  "}}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{Provider: "test-empty", Endpoint: srv.URL}, srv.Client(), nil)
	_, err := c.Complete(context.Background(), Request{User: "x"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestHTTPClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{Provider: "test-5xx", Endpoint: srv.URL}, srv.Client(), nil)
	_, err := c.Complete(context.Background(), Request{User: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestNewSelectsBackend(t *testing.T) {
	c, err := New(context.Background(), Config{Provider: "openai"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &HTTPClient{}, c)

	_, err = New(context.Background(), Config{Provider: "google"}, nil)
	assert.Error(t, err, "gemini needs an API key")

	_, err = New(context.Background(), Config{Provider: "vllm"}, nil)
	assert.Error(t, err)
}
