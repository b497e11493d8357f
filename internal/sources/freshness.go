package sources

import (
	"fmt"
	"time"
)

// FreshnessPolicy flags datasets whose snapshot is older than allowed.
type FreshnessPolicy struct {
	MaxAge    time.Duration
	Overrides map[string]time.Duration
}

func (p FreshnessPolicy) maxAge(category string) time.Duration {
	if d, ok := p.Overrides[category]; ok && d > 0 {
		return d
	}
	return p.MaxAge
}

// Warnings returns the confidence notes owed for r. Stale cache fallbacks and
// snapshots older than the category's limit are both reported.
func (p FreshnessPolicy) Warnings(r Result, asOf time.Time) []string {
	var out []string
	if r.Stale {
		out = append(out, fmt.Sprintf("%s data served from cache pulled %s; the provider was unavailable",
			r.Category, r.PulledAt.UTC().Format("2006-01-02 15:04 MST")))
	}
	limit := p.maxAge(r.Category)
	if limit <= 0 || r.DatasetUpdatedAt.IsZero() {
		return out
	}
	if age := asOf.Sub(r.DatasetUpdatedAt); age > limit {
		out = append(out, fmt.Sprintf("%s dataset last updated %s, %d days before the analysis date",
			r.Category, r.DatasetUpdatedAt.UTC().Format("2006-01-02"), int(age.Hours()/24)))
	}
	return out
}
