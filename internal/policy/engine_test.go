package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/riskcase/internal/models"
)

func draft(actions ...models.StrategyAction) models.StrategyDraft {
	return models.StrategyDraft{Summary: "plan", Actions: actions}
}

func TestOPAEngine_BuiltinPolicy(t *testing.T) {
	config := &Config{
		Enabled:    true,
		Mode:       ModeEnforce,
		Path:       t.TempDir(),
		FailClosed: true,
	}
	engine, err := NewOPAEngine(config, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create OPA engine: %v", err)
	}
	if !engine.IsEnabled() {
		t.Fatal("Engine should be enabled")
	}

	tests := []struct {
		name    string
		input   *Input
		denied  []int
		keyword string
	}{
		{
			name: "allowed_plan",
			input: &Input{
				CaseID:   "case-1",
				RiskBand: models.BandMedium,
				Draft: draft(models.StrategyAction{
					Horizon: models.HorizonNear,
					Action:  "Meet the landlord to review the lease",
				}),
			},
		},
		{
			name: "closure_on_low_band",
			input: &Input{
				CaseID:   "case-2",
				RiskBand: models.BandLow,
				Draft: draft(
					models.StrategyAction{Horizon: models.HorizonNear, Action: "Refresh signage"},
					models.StrategyAction{Horizon: models.HorizonLong, Action: "Sell the business before the lease ends"},
				),
			},
			denied:  []int{1},
			keyword: "closing or selling",
		},
		{
			name: "closure_allowed_on_high_band",
			input: &Input{
				CaseID:   "case-3",
				RiskBand: models.BandHigh,
				Draft: draft(models.StrategyAction{
					Horizon: models.HorizonLong,
					Action:  "Close the store and relocate",
				}),
			},
		},
		{
			name: "oversized_action",
			input: &Input{
				CaseID:   "case-4",
				RiskBand: models.BandMedium,
				Draft: draft(models.StrategyAction{
					Horizon: models.HorizonMid,
					Action:  strings.Repeat("a", 601),
				}),
			},
			denied:  []int{0},
			keyword: "600 characters",
		},
		{
			name: "near_depends_on_long",
			input: &Input{
				CaseID:   "case-5",
				RiskBand: models.BandMedium,
				Draft: draft(
					models.StrategyAction{Horizon: models.HorizonNear, Action: "Launch loyalty card", Dependencies: []string{"Open second site"}},
					models.StrategyAction{Horizon: models.HorizonLong, Action: "Open second site"},
				),
			},
			denied:  []int{0},
			keyword: "depends on a long-term",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := engine.Evaluate(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("Policy evaluation failed: %v", err)
			}
			if !decision.Enforced {
				t.Error("Enforce mode decisions should be enforced")
			}
			if len(decision.Denials) != len(tt.denied) {
				t.Fatalf("Expected %d denials, got %+v", len(tt.denied), decision.Denials)
			}
			for i, idx := range tt.denied {
				if decision.Denials[i].Action != idx {
					t.Errorf("Expected denial of action %d, got %d", idx, decision.Denials[i].Action)
				}
				if !strings.Contains(decision.Denials[i].Reason, tt.keyword) {
					t.Errorf("Reason %q should mention %q", decision.Denials[i].Reason, tt.keyword)
				}
			}
			if decision.PolicyVersion == "" {
				t.Error("Decision should carry the policy version")
			}
		})
	}
}

func TestOPAEngine_CustomPolicyDirectory(t *testing.T) {
	dir := t.TempDir()
	policy := `package riskcase.strategy

deny["no questions for the owner"] {
    count(input.draft.questions_for_user) == 0
}
`
	if err := os.WriteFile(filepath.Join(dir, "questions.rego"), []byte(policy), 0644); err != nil {
		t.Fatalf("Failed to write test policy: %v", err)
	}

	engine, err := NewOPAEngine(&Config{Enabled: true, Mode: ModeEnforce, Path: dir}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create OPA engine: %v", err)
	}

	in := &Input{CaseID: "c", Draft: models.StrategyDraft{Summary: "s", QuestionsForUser: []string{}}}
	decision, err := engine.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("Policy evaluation failed: %v", err)
	}
	if len(decision.Denials) != 1 || decision.Denials[0].Action != -1 {
		t.Fatalf("Expected one draft-level denial, got %+v", decision.Denials)
	}
}

func TestOPAEngine_DryRunDoesNotEnforce(t *testing.T) {
	engine, err := NewOPAEngine(&Config{Enabled: true, Mode: ModeDryRun}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create OPA engine: %v", err)
	}

	in := &Input{
		CaseID:   "case-dry",
		RiskBand: models.BandLow,
		Draft:    draft(models.StrategyAction{Horizon: models.HorizonLong, Action: "Sell the business"}),
	}
	decision, err := engine.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("Policy evaluation failed: %v", err)
	}
	if decision.Enforced {
		t.Error("Dry-run decisions must not be enforced")
	}
	if len(decision.Denials) != 1 {
		t.Fatalf("Dry-run should still report denials, got %+v", decision.Denials)
	}
	if len(decision.Denied()) != 0 {
		t.Error("Denied() should be empty for advisory decisions")
	}
}

func TestOPAEngine_Disabled(t *testing.T) {
	engine, err := NewOPAEngine(&Config{Enabled: true, Mode: ModeOff}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create OPA engine: %v", err)
	}
	if engine.IsEnabled() {
		t.Fatal("Engine should be disabled in off mode")
	}
	decision, err := engine.Evaluate(context.Background(), &Input{Draft: draft(models.StrategyAction{Action: "Sell the business"})})
	if err != nil {
		t.Fatalf("Evaluation should not fail when disabled: %v", err)
	}
	if len(decision.Denials) != 0 {
		t.Error("Disabled engine should not deny")
	}
}

func TestOPAEngine_InvalidPolicy(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package riskcase.strategy\n\ndeny[msg] {"), 0644); err != nil {
		t.Fatalf("Failed to write test policy: %v", err)
	}

	if _, err := NewOPAEngine(&Config{Enabled: true, Mode: ModeEnforce, Path: dir, FailClosed: true}, zaptest.NewLogger(t)); err == nil {
		t.Fatal("Fail-closed engine should refuse a broken policy")
	}

	engine, err := NewOPAEngine(&Config{Enabled: true, Mode: ModeEnforce, Path: dir}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Fail-open engine should start: %v", err)
	}
	if engine.IsEnabled() {
		t.Error("Fail-open engine with broken policies should be disabled")
	}
}

func TestOPAEngine_ReloadKeepsPreviousPolicies(t *testing.T) {
	dir := t.TempDir()
	engine, err := NewOPAEngine(&Config{Enabled: true, Mode: ModeEnforce, Path: dir}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create OPA engine: %v", err)
	}
	before := engine.version

	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package riskcase.strategy\n\ndeny[msg] {"), 0644); err != nil {
		t.Fatalf("Failed to write test policy: %v", err)
	}
	if err := engine.LoadPolicies(); err == nil {
		t.Fatal("Reload of a broken policy should fail")
	}
	if !engine.IsEnabled() || engine.version != before {
		t.Error("Failed reload should keep the previous policy set")
	}
}

func TestDecisionCache(t *testing.T) {
	engine, err := NewOPAEngine(&Config{Enabled: true, Mode: ModeEnforce, CacheSize: 8, CacheTTL: time.Minute}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create OPA engine: %v", err)
	}
	in := &Input{CaseID: "cached", RiskBand: models.BandMedium, Draft: draft(models.StrategyAction{Horizon: models.HorizonNear, Action: "Call suppliers"})}

	for i := 0; i < 3; i++ {
		if _, err := engine.Evaluate(context.Background(), in); err != nil {
			t.Fatalf("Policy evaluation failed: %v", err)
		}
	}
	hits, misses := engine.cache.Stats()
	if hits != 2 || misses != 1 {
		t.Errorf("Expected 2 hits and 1 miss, got %d/%d", hits, misses)
	}
}

func TestDecisionCache_EvictionAndExpiry(t *testing.T) {
	c := newDecisionCache(2, 20*time.Millisecond)
	c.Set("a", &Decision{})
	c.Set("b", &Decision{})
	c.Set("c", &Decision{})
	if _, ok := c.Get("a"); ok {
		t.Error("Least recently used entry should be evicted")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("Newest entry should be cached")
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("c"); ok {
		t.Error("Expired entry should not be returned")
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"enforce":  ModeEnforce,
		"DRY-RUN":  ModeDryRun,
		"dry_run":  ModeDryRun,
		"off":      ModeOff,
		"whatever": ModeOff,
	}
	for in, want := range cases {
		if got := ParseMode(in); got != want {
			t.Errorf("ParseMode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFailClosedDeniesEveryAction(t *testing.T) {
	engine := &OPAEngine{config: &Config{FailClosed: true, Mode: ModeEnforce}, logger: zaptest.NewLogger(t)}
	in := &Input{Draft: draft(models.StrategyAction{Action: "a"}, models.StrategyAction{Action: "b"})}
	d, err := engine.failure(in, "policy_evaluation", os.ErrInvalid)
	if err == nil {
		t.Fatal("Fail-closed failure should return the error")
	}
	if got := d.Denied(); len(got) != 2 {
		t.Errorf("Expected both actions denied, got %v", got)
	}
}
