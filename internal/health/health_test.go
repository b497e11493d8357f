package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Kocoro-lab/riskcase/internal/circuitbreaker"
)

func ok(ctx context.Context) error   { return nil }
func down(ctx context.Context) error { return errors.New("connection refused") }

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		checkers []Checker
		status   CheckStatus
		ready    bool
	}{
		{"all healthy", []Checker{NewPingChecker("database", true, ok, nil), NewPingChecker("redis", false, ok, nil)}, StatusHealthy, true},
		{"optional down", []Checker{NewPingChecker("database", true, ok, nil), NewPingChecker("redis", false, down, nil)}, StatusDegraded, true},
		{"critical down", []Checker{NewPingChecker("database", true, down, nil), NewPingChecker("redis", false, ok, nil)}, StatusUnhealthy, false},
		{"none registered", nil, StatusHealthy, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(time.Minute, zaptest.NewLogger(t))
			for _, c := range tt.checkers {
				require.NoError(t, m.RegisterChecker(c))
			}
			overall := m.GetOverallHealth(context.Background())
			assert.Equal(t, tt.status, overall.Status)
			assert.Equal(t, tt.ready, overall.Ready)
			assert.True(t, overall.Live)
		})
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m := NewManager(time.Minute, zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(NewPingChecker("database", true, ok, nil)))
	assert.Error(t, m.RegisterChecker(NewPingChecker("database", true, ok, nil)))
}

func TestOpenBreakerFailsPingCheck(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig()
	cfg.FailureThreshold = 1
	cb := circuitbreaker.NewCircuitBreaker("database", cfg, zaptest.NewLogger(t))
	_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	require.Equal(t, circuitbreaker.StateOpen, cb.State())

	called := false
	c := NewPingChecker("database", true, func(ctx context.Context) error { called = true; return nil }, cb)
	res := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.False(t, called)

	b := NewBreakerChecker("socrata", cb).Check(context.Background())
	assert.Equal(t, StatusDegraded, b.Status)
	assert.Equal(t, "open", b.Details["state"])
}

func TestEndpointChecker(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer up.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	assert.Equal(t, StatusHealthy, NewEndpointChecker("llm", up.URL, false, nil, nil).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewEndpointChecker("llm", broken.URL, false, nil, nil).Check(context.Background()).Status)
}

func TestHTTPEndpoints(t *testing.T) {
	m := NewManager(time.Minute, zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(NewPingChecker("database", true, down, nil)))
	mux := chi.NewRouter()
	NewHTTPHandler(m, zaptest.NewLogger(t)).Routes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body["status"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	var detailed struct {
		Components map[string]struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detailed))
	assert.Equal(t, "unhealthy", detailed.Components["database"].Status)
	assert.Equal(t, "connection refused", detailed.Components["database"].Error)
}

func TestGRPCMirror(t *testing.T) {
	srv := grpchealth.NewServer()
	healthy := true
	m := NewManager(time.Minute, zaptest.NewLogger(t))
	m.MirrorTo(srv, "riskcase")
	require.NoError(t, m.RegisterChecker(NewCustomHealthChecker("store", true, time.Second, func(ctx context.Context) CheckResult {
		if healthy {
			return CheckResult{Status: StatusHealthy}
		}
		return CheckResult{Status: StatusUnhealthy}
	})))

	m.GetOverallHealth(context.Background())
	resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "riskcase"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	healthy = false
	m.GetOverallHealth(context.Background())
	resp, err = srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "riskcase"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}
