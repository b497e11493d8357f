package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/riskcase/internal/config"
	"github.com/Kocoro-lab/riskcase/internal/health"
	"github.com/Kocoro-lab/riskcase/internal/workflows"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	llmStub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(llmStub.Close)

	cfg := config.DefaultConfig()
	cfg.Service.ConfigDir = t.TempDir()
	cfg.Scoring.ModelPath = filepath.Join(cfg.Service.ConfigDir, "risk_model.yaml")
	cfg.Policy.Path = t.TempDir()
	cfg.LLM.Endpoint = llmStub.URL
	return cfg
}

func modelYAML(t *testing.T, version string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "..", "config", "risk_model.yaml"))
	require.NoError(t, err)
	return bytes.Replace(data, []byte("model_version: heuristic-v1"), []byte("model_version: "+version), 1)
}

func TestNewRegistersHealthCheckers(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()

	svc, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer svc.Shutdown(context.Background())

	detailed := svc.Health().GetDetailedHealth(context.Background())
	for _, name := range []string{"case_store", "socrata", "redis", "llm"} {
		res, ok := detailed.Components[name]
		require.True(t, ok, "missing checker %s", name)
		assert.Equal(t, health.StatusHealthy, res.Status, name)
	}
	assert.True(t, detailed.Overall.Ready)
}

func TestMissingModelFallsBackToBuiltin(t *testing.T) {
	svc, err := New(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer svc.Shutdown(context.Background())

	assert.NotEmpty(t, svc.Scorer().Model().Version)
}

func TestHandlerServesCaseAPI(t *testing.T) {
	svc, err := New(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer svc.Shutdown(context.Background())

	h, err := svc.Handler()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/cases/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerRejectsBadAuthConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Enabled = true
	svc, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer svc.Shutdown(context.Background())

	_, err = svc.Handler()
	assert.Error(t, err)
}

func TestWatchConfigReloadsModel(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.Scoring.ModelPath, modelYAML(t, "test-v1"), 0o644))

	svc, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer svc.Shutdown(context.Background())
	assert.Equal(t, "test-v1", svc.Scorer().Model().Version)

	require.NoError(t, svc.WatchConfig(context.Background()))
	require.NoError(t, os.WriteFile(cfg.Scoring.ModelPath, modelYAML(t, "test-v2"), 0o644))
	assert.Eventually(t, func() bool {
		return svc.Scorer().Model().Version == "test-v2"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWatchConfigRejectsInvalidModel(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.Scoring.ModelPath, []byte("features: [\n"), 0o644))

	svc, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer svc.Shutdown(context.Background())

	assert.Error(t, svc.WatchConfig(context.Background()))
}

func TestWorkflowTimeoutsFollowConfiguredBudget(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.CallTimeout = 3 * time.Minute
	cfg.Strategy.MaxAttempts = 2
	cfg.QA.MaxRetries = 1
	cfg.Sources.AcquisitionDeadline = 5 * time.Minute

	got := workflows.TimeoutsFor(budgetFor(cfg))
	assert.Greater(t, got.Strategize, 15*time.Minute)
	assert.Greater(t, got.Acquire, 5*time.Minute)
	assert.Greater(t, got.Strategize, workflows.DefaultTimeouts.Strategize)
}
