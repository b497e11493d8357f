package policy

import (
	"container/list"
	"context"
	"crypto/md5"
	_ "embed"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/models"
)

// DecisionQuery is the rule every strategy policy must define.
const DecisionQuery = "data.riskcase.strategy.deny"

//go:embed default.rego
var defaultPolicy string

// Engine defines the policy evaluation interface
type Engine interface {
	Evaluate(ctx context.Context, input *Input) (*Decision, error)
	LoadPolicies() error
	IsEnabled() bool
	// Mode returns the current enforcement mode (off|dry-run|enforce)
	Mode() Mode
}

// Input is the document a strategy policy is evaluated against.
type Input struct {
	CaseID      string               `json:"case_id"`
	RiskBand    string               `json:"risk_band"`
	EvidenceIDs []string             `json:"evidence_ids"`
	DataGaps    []string             `json:"data_gaps"`
	Draft       models.StrategyDraft `json:"draft"`
}

// Denial names one action a policy rejects.
type Denial struct {
	Action int    `json:"action"`
	Reason string `json:"reason"`
}

// Decision represents the policy evaluation result
type Decision struct {
	Denials []Denial `json:"denials,omitempty"`
	// Enforced is false in dry-run mode; denials are then advisory.
	Enforced      bool   `json:"enforced"`
	PolicyVersion string `json:"policy_version,omitempty"`
}

// Denied returns the indexes of enforced denials.
func (d *Decision) Denied() map[int][]string {
	out := map[int][]string{}
	if d == nil || !d.Enforced {
		return out
	}
	for _, den := range d.Denials {
		out[den.Action] = append(out[den.Action], den.Reason)
	}
	return out
}

// OPAEngine implements the Engine interface using OPA rego
type OPAEngine struct {
	config   *Config
	logger   *zap.Logger
	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
	version  string
	enabled  bool
	// simple in-memory LRU cache for decisions
	cache *decisionCache
}

// NewOPAEngine creates a new OPA-based policy engine
func NewOPAEngine(config *Config, logger *zap.Logger) (*OPAEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &OPAEngine{
		config:  config,
		logger:  logger,
		enabled: config.Enabled && config.Mode != ModeOff,
		cache:   newDecisionCache(config.CacheSize, config.CacheTTL),
	}

	if engine.enabled {
		if err := engine.LoadPolicies(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
			engine.enabled = false
		}
	}

	return engine, nil
}

// LoadPolicies loads and compiles all policy files from the configured
// directory, falling back to the built-in policy. A failed reload keeps the
// previously compiled policies.
func (e *OPAEngine) LoadPolicies() error {
	if !e.config.Enabled {
		return nil
	}

	policies := make(map[string]string)
	if e.config.Path != "" {
		if _, statErr := os.Stat(e.config.Path); statErr == nil {
			err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if !info.IsDir() && strings.HasSuffix(info.Name(), ".rego") {
					content, err := os.ReadFile(path)
					if err != nil {
						return fmt.Errorf("failed to read policy file %s: %w", path, err)
					}
					relPath, _ := filepath.Rel(e.config.Path, path)
					policies[strings.TrimSuffix(relPath, ".rego")] = string(content)
					e.logger.Debug("Loaded policy file", zap.String("path", path))
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to walk policy directory: %w", err)
			}
		}
	}

	if len(policies) == 0 {
		e.logger.Info("No policy files found, using built-in strategy policy", zap.String("path", e.config.Path))
		policies["builtin/strategy"] = defaultPolicy
	}

	regoOptions := []func(*rego.Rego){rego.Query(DecisionQuery)}
	for moduleName, content := range policies {
		regoOptions = append(regoOptions, rego.Module(moduleName, content))
	}

	prepared, err := rego.New(regoOptions...).PrepareForEval(context.Background())
	if err != nil {
		RecordError("compile", string(e.config.Mode))
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	version := calculatePolicyVersion(policies)
	e.mu.Lock()
	e.prepared = &prepared
	e.version = version
	e.mu.Unlock()
	e.cache.Clear()

	e.logger.Info("Policies loaded and compiled successfully",
		zap.Int("policy_count", len(policies)),
		zap.String("decision_query", DecisionQuery),
		zap.String("version", version),
	)
	RecordPolicyLoad(len(policies), version)
	return nil
}

// Evaluate evaluates the policy against the given input
func (e *OPAEngine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	startTime := time.Now()

	e.mu.RLock()
	prepared, version := e.prepared, e.version
	e.mu.RUnlock()

	if !e.enabled || prepared == nil {
		return &Decision{}, nil
	}

	key, err := cacheKey(e.config.Mode, input)
	if err != nil {
		return e.failure(input, "input_conversion", err)
	}
	if d, ok := e.cache.Get(key); ok {
		RecordCacheHit()
		return d, nil
	}

	inputMap, err := inputToMap(input)
	if err != nil {
		return e.failure(input, "input_conversion", err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		return e.failure(input, "policy_evaluation", err)
	}

	decision := &Decision{
		Denials:       parseDenials(results),
		Enforced:      e.config.Mode == ModeEnforce,
		PolicyVersion: version,
	}
	if !decision.Enforced && len(decision.Denials) > 0 {
		e.logger.Info("Dry-run policy evaluation",
			zap.String("case_id", input.CaseID),
			zap.Int("would_deny", len(decision.Denials)),
		)
	}

	outcome := "allow"
	if len(decision.Denials) > 0 {
		outcome = "deny"
	}
	RecordEvaluation(string(e.config.Mode), outcome, time.Since(startTime))
	e.cache.Set(key, decision)
	return decision, nil
}

// failure applies the fail-open or fail-closed policy to an evaluation error.
func (e *OPAEngine) failure(input *Input, kind string, err error) (*Decision, error) {
	e.logger.Error("Policy evaluation failed", zap.String("kind", kind), zap.Error(err))
	RecordError(kind, string(e.config.Mode))
	if !e.config.FailClosed {
		return &Decision{}, nil
	}
	d := &Decision{Enforced: true}
	for i := range input.Draft.Actions {
		d.Denials = append(d.Denials, Denial{Action: i, Reason: "policy evaluation error"})
	}
	return d, err
}

// IsEnabled returns whether the policy engine is enabled and ready
func (e *OPAEngine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled && e.prepared != nil
}

// Mode returns the configured enforcement mode for the engine
func (e *OPAEngine) Mode() Mode { return e.config.Mode }

func inputToMap(input *Input) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// parseDenials reads the deny set. Entries may be objects with an action
// index or bare strings, which apply to the whole draft (action -1).
func parseDenials(results rego.ResultSet) []Denial {
	var out []Denial
	for _, r := range results {
		for _, expr := range r.Expressions {
			items, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, item := range items {
				switch v := item.(type) {
				case string:
					out = append(out, Denial{Action: -1, Reason: v})
				case map[string]interface{}:
					d := Denial{Action: -1}
					if n, ok := v["action"].(json.Number); ok {
						if i, err := n.Int64(); err == nil {
							d.Action = int(i)
						}
					}
					if reason, ok := v["reason"].(string); ok {
						d.Reason = reason
					}
					out = append(out, d)
				}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Action != out[j].Action {
			return out[i].Action < out[j].Action
		}
		return out[i].Reason < out[j].Reason
	})
	return out
}

// --- internal decision cache (simple LRU with TTL) ---

type decisionCache struct {
	cap    int
	ttl    time.Duration
	mu     sync.Mutex
	list   *list.List               // MRU at front
	m      map[string]*list.Element // key -> element
	hits   int64
	misses int64
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 256
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

// cacheKey hashes the mode and the full input document.
func cacheKey(mode Mode, input *Input) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(mode))
	_, _ = h.Write(data)
	return fmt.Sprintf("%x", h.Sum64()), nil
}

func (c *decisionCache) Get(key string) (*Decision, bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		ce := el.Value.(cacheEntry)
		if ce.expiresAt.After(now) {
			c.list.MoveToFront(el)
			atomic.AddInt64(&c.hits, 1)
			return ce.decision, true
		}
		// expired
		c.list.Remove(el)
		delete(c.m, key)
	}
	atomic.AddInt64(&c.misses, 1)
	return nil, false
}

func (c *decisionCache) Set(key string, d *Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
		c.list.MoveToFront(el)
		return
	}
	el := c.list.PushFront(cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d})
	c.m[key] = el
	if c.list.Len() > c.cap {
		if lru := c.list.Back(); lru != nil {
			ce := lru.Value.(cacheEntry)
			delete(c.m, ce.key)
			c.list.Remove(lru)
		}
	}
	RecordCacheSize(c.list.Len())
}

// Clear drops every cached decision, after a policy reload.
func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
}

// Stats returns cumulative cache hit/miss counts
func (c *decisionCache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}

// calculatePolicyVersion creates a version hash from policy content for tracking
func calculatePolicyVersion(policies map[string]string) string {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)

	h := md5.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte(policies[name]))
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:4])
}
