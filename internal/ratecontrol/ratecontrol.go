package ratecontrol

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

type limitEntry struct {
	RPM   int `yaml:"rpm"`
	TPM   int `yaml:"tpm"`
	Burst int `yaml:"burst"`
}

type config struct {
	RateLimits struct {
		DefaultRPM        int                   `yaml:"default_rpm"`
		DefaultBurst      int                   `yaml:"default_burst"`
		DatasetOverrides  map[string]limitEntry `yaml:"dataset_overrides"`
		ProviderOverrides map[string]limitEntry `yaml:"provider_overrides"`
	} `yaml:"rate_limits"`
}

// RateLimit is a requests/tokens per minute budget.
type RateLimit struct {
	RPM   int
	TPM   int
	Burst int
}

var (
	mu          sync.RWMutex
	loaded      *config
	initialized bool
)

func candidatePaths() []string {
	return []string{
		os.Getenv("RISKCASE_RATE_LIMITS_PATH"),
		"/app/config/rate_limits.yaml",
		"./config/rate_limits.yaml",
	}
}

func loadLocked() {
	var cfg config
	paths := candidatePaths()
	if p, ok := findUpConfig(); ok {
		paths = append(paths, p)
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var tmp config
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			zap.L().Warn("Failed to parse rate limit configuration", zap.String("path", p), zap.Error(err))
			continue
		}
		cfg = tmp
		zap.L().Info("Loaded rate limit configuration", zap.String("path", p))
		break
	}
	loaded = &cfg
	initialized = true
}

func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "rate_limits.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

func get() *config {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return loaded
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
	return loaded
}

func normalize(key string) string { return strings.ToLower(strings.TrimSpace(key)) }

// Open-data portals throttle anonymous clients near 1000 requests/hour.
var builtInDatasetLimits = map[string]RateLimit{
	"business_registry": {RPM: 60, Burst: 5},
	"complaints_311":    {RPM: 30, Burst: 3},
	"dbi_complaints":    {RPM: 30, Burst: 3},
	"permits":           {RPM: 30, Burst: 3},
	"sfpd_incidents":    {RPM: 30, Burst: 3},
	"evictions":         {RPM: 20, Burst: 2},
	"vacancy":           {RPM: 20, Burst: 2},
}

var builtInProviderLimits = map[string]RateLimit{
	"openai":  {RPM: 30, TPM: 60000, Burst: 1},
	"google":  {RPM: 40, TPM: 80000, Burst: 1},
	"ollama":  {RPM: 120, Burst: 2},
	"unknown": {RPM: 30, TPM: 60000, Burst: 1},
}

// LimitForDataset returns the request budget for a dataset.
func LimitForDataset(dataset string) RateLimit {
	cfg := get()
	key := normalize(dataset)
	if cfg != nil && cfg.RateLimits.DatasetOverrides != nil {
		if o, ok := cfg.RateLimits.DatasetOverrides[key]; ok {
			return RateLimit{RPM: o.RPM, TPM: o.TPM, Burst: o.Burst}
		}
	}
	if limit, ok := builtInDatasetLimits[key]; ok {
		return limit
	}
	if cfg != nil && cfg.RateLimits.DefaultRPM > 0 {
		return RateLimit{RPM: cfg.RateLimits.DefaultRPM, Burst: cfg.RateLimits.DefaultBurst}
	}
	return RateLimit{RPM: 30, Burst: 2}
}

// LimitForProvider returns the request and token budget for a model provider.
func LimitForProvider(provider string) RateLimit {
	cfg := get()
	key := normalize(provider)
	if cfg != nil && cfg.RateLimits.ProviderOverrides != nil {
		if o, ok := cfg.RateLimits.ProviderOverrides[key]; ok {
			return RateLimit{RPM: o.RPM, TPM: o.TPM, Burst: o.Burst}
		}
	}
	if limit, ok := builtInProviderLimits[key]; ok {
		return limit
	}
	return builtInProviderLimits["unknown"]
}

// CombineLimits keeps the tighter positive bound of each dimension.
func CombineLimits(a, b RateLimit) RateLimit {
	limit := RateLimit{
		RPM:   minPositive(a.RPM, b.RPM),
		TPM:   minPositive(a.TPM, b.TPM),
		Burst: minPositive(a.Burst, b.Burst),
	}
	return limit
}

// DelayForRequest is the pacing delay for a model call of estimatedTokens.
func DelayForRequest(provider string, estimatedTokens int) time.Duration {
	return delayForLimit(LimitForProvider(provider), estimatedTokens)
}

// TokenDelay is how long to hold back the next model call after one that
// consumed tokens, under the provider's tokens-per-minute budget alone.
func TokenDelay(provider string, tokens int) time.Duration {
	limit := LimitForProvider(provider)
	if limit.TPM <= 0 || tokens <= 0 {
		return 0
	}
	return delayForLimit(RateLimit{TPM: limit.TPM}, tokens)
}

func delayForLimit(limit RateLimit, estimatedTokens int) time.Duration {
	if (limit.RPM <= 0 && limit.TPM <= 0) || estimatedTokens < 0 {
		return 0
	}
	var delayMs float64
	if limit.RPM > 0 {
		delayMs = math.Max(delayMs, 60000.0/float64(limit.RPM))
	}
	if limit.TPM > 0 && estimatedTokens > 0 {
		perToken := 60000.0 / float64(limit.TPM)
		delayMs = math.Max(delayMs, perToken*float64(estimatedTokens))
	}
	if delayMs <= 0 {
		return 0
	}
	if delayMs > 60000 {
		delayMs = 60000
	}
	return time.Duration(math.Ceil(delayMs)) * time.Millisecond
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

// Reload re-reads the configuration file and drops cached limiters.
func Reload() {
	mu.Lock()
	initialized = false
	loadLocked()
	mu.Unlock()

	limitersMu.Lock()
	limiters = map[string]*Limiter{}
	limitersMu.Unlock()
}

// Limiter paces calls to one upstream with a token bucket and honors
// server-requested backoff after throttling responses.
type Limiter struct {
	mu      sync.Mutex
	bucket  *rate.Limiter
	retryAt time.Time
}

// NewLimiter builds a limiter for limit. A zero RPM means unlimited.
func NewLimiter(limit RateLimit) *Limiter {
	burst := limit.Burst
	if burst <= 0 {
		burst = 1
	}
	r := rate.Inf
	if limit.RPM > 0 {
		r = rate.Limit(float64(limit.RPM) / 60.0)
	}
	return &Limiter{bucket: rate.NewLimiter(r, burst)}
}

// Wait blocks until a call may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	retryAt := l.retryAt
	l.mu.Unlock()

	if wait := time.Until(retryAt); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return l.bucket.Wait(ctx)
}

// Backoff defers subsequent calls by d, typically from a Retry-After header.
func (l *Limiter) Backoff(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if until := time.Now().Add(d); until.After(l.retryAt) {
		l.retryAt = until
	}
}

var (
	limitersMu sync.Mutex
	limiters   = map[string]*Limiter{}
)

// ForDataset returns the shared limiter for a dataset.
func ForDataset(dataset string) *Limiter {
	return shared("dataset:"+normalize(dataset), func() RateLimit { return LimitForDataset(dataset) })
}

// ForProvider returns the shared limiter for a model provider.
func ForProvider(provider string) *Limiter {
	return shared("provider:"+normalize(provider), func() RateLimit { return LimitForProvider(provider) })
}

func shared(key string, limit func() RateLimit) *Limiter {
	limitersMu.Lock()
	defer limitersMu.Unlock()
	if l, ok := limiters[key]; ok {
		return l
	}
	l := NewLimiter(limit())
	limiters[key] = l
	return l
}
