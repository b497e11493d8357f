package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 0.6, cfg.Identity.MatchThreshold)
	assert.Equal(t, 0.05, cfg.Identity.TieMargin)
	assert.Equal(t, 0.95, cfg.QA.CoverageThreshold)
	assert.Equal(t, 20, cfg.Evidence.MaxItems)
	assert.Equal(t, 168*time.Hour, cfg.Sources.FreshnessMaxAge)
	assert.Equal(t, "enforce", cfg.Policy.Mode)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "riskcase.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
identity:
  tie_margin: 0.1
sources:
  agent_timeout: 3s
  max_concurrency: 2
llm:
  provider: genai
  model: gemini-2.0-flash
`), 0o644))
	t.Setenv("RISKCASE_QA_COVERAGE_THRESHOLD", "0.9")
	t.Setenv("RISKCASE_SOURCES_MAX_CONCURRENCY", "6")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.1, cfg.Identity.TieMargin)
	assert.Equal(t, 3*time.Second, cfg.Sources.AgentTimeout)
	assert.Equal(t, 6, cfg.Sources.MaxConcurrency)
	assert.Equal(t, 0.9, cfg.QA.CoverageThreshold)
	assert.Equal(t, "genai", cfg.LLM.Provider)
	assert.Equal(t, 0.6, cfg.Identity.MatchThreshold)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.Mode = "audit"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.QA.CoverageThreshold = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Database.Driver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Auth.Enabled = true
	assert.Error(t, cfg.Validate())

	assert.NoError(t, DefaultConfig().Validate())
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "cases", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=cases sslmode=disable", d.DatabaseDSN())
	assert.Equal(t, "x.db", DatabaseConfig{Driver: "sqlite3", Name: "x.db"}.DatabaseDSN())
}

type weightFile struct {
	Weights map[string]float64 `yaml:"weights"`
}

func TestConfigManagerLoadsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "risk_model.yaml")
	require.NoError(t, os.WriteFile(path, []byte("weights:\n  a: 1\n"), 0o644))

	cm, err := NewConfigManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	var loads atomic.Int32
	cm.RegisterValidator("risk_model.yaml", YAMLValidator(func(w *weightFile) error {
		if len(w.Weights) == 0 {
			return errors.New("no weights")
		}
		return nil
	}))
	cm.RegisterHandler("risk_model.yaml", func(ev ChangeEvent) error {
		loads.Add(1)
		return nil
	})

	require.NoError(t, cm.Start(context.Background()))
	defer cm.Stop()
	assert.Equal(t, int32(1), loads.Load())

	require.NoError(t, os.WriteFile(path, []byte("weights:\n  a: 2\n"), 0o644))
	assert.Eventually(t, func() bool { return loads.Load() >= 2 }, 2*time.Second, 20*time.Millisecond)
}

func TestConfigManagerRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "risk_model.yaml"), []byte("weights: {}\n"), 0o644))

	cm, err := NewConfigManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	cm.RegisterValidator("risk_model.yaml", YAMLValidator(func(w *weightFile) error {
		if len(w.Weights) == 0 {
			return errors.New("no weights")
		}
		return nil
	}))
	cm.RegisterHandler("risk_model.yaml", func(ChangeEvent) error { return nil })

	err = cm.Start(context.Background())
	assert.ErrorContains(t, err, "no weights")
	_ = cm.Stop()
}

func TestConfigManagerPolicyReload(t *testing.T) {
	dir := t.TempDir()
	cm, err := NewConfigManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	var reloads atomic.Int32
	cm.RegisterPolicyHandler(func() error { reloads.Add(1); return nil })
	require.NoError(t, cm.Start(context.Background()))
	defer cm.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "strategy.rego"), []byte("package riskcase.strategy\n"), 0o644))
	assert.Eventually(t, func() bool { return reloads.Load() >= 1 }, 2*time.Second, 20*time.Millisecond)
}
