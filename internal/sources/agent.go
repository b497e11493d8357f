package sources

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Kocoro-lab/riskcase/internal/circuitbreaker"
	"github.com/Kocoro-lab/riskcase/internal/models"
)

// ErrMissingEvidence is a contract violation: a signal was emitted without
// evidence, or referenced evidence the agent did not return.
var ErrMissingEvidence = errors.New("signal without evidence")

// ErrRateLimited is returned when a provider keeps throttling after retries.
var ErrRateLimited = errors.New("rate limited by data provider")

// ErrNoData means the provider answered but holds nothing for the entity.
var ErrNoData = errors.New("no records for entity")

// ErrNoLocation means the entity carries nothing an agent can join on.
var ErrNoLocation = errors.New("entity has no usable location")

// DegradeKind classifies why a source could not deliver.
type DegradeKind string

// Degrade kinds
const (
	KindTimeout     DegradeKind = "timeout"
	KindRateLimited DegradeKind = "rate_limited"
	KindUpstream    DegradeKind = "upstream"
	KindCanceled    DegradeKind = "canceled"
	KindNoLocation  DegradeKind = "no_location"
	KindNoData      DegradeKind = "no_data"
)

// DegradedError is the expected, recoverable outcome of a source that could
// not deliver data. The pipeline continues with the category flagged.
type DegradedError struct {
	Category string
	Kind     DegradeKind
	Reason   string
	Err      error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("%s degraded (%s): %s", e.Category, e.Kind, e.Reason)
}

func (e *DegradedError) Unwrap() error { return e.Err }

// Degraded classifies err into a DegradedError for category.
func Degraded(category string, err error) *DegradedError {
	var de *DegradedError
	if errors.As(err, &de) {
		return de
	}
	kind := KindUpstream
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case errors.Is(err, ErrRateLimited):
		kind = KindRateLimited
	case errors.Is(err, ErrNoLocation):
		kind = KindNoLocation
	case errors.Is(err, ErrNoData):
		kind = KindNoData
	case circuitbreaker.IsBreakerError(err):
		kind = KindUpstream
	}
	return &DegradedError{Category: category, Kind: kind, Reason: err.Error(), Err: err}
}

// FetchRequest is the input of one source fetch.
type FetchRequest struct {
	CaseID string
	Entity models.Entity
	AsOf   time.Time
}

// Result is the immutable output of one successful fetch.
type Result struct {
	Category         string
	Signals          []models.Signal
	Evidence         []models.EvidenceItem
	DatasetID        string
	PulledAt         time.Time
	DatasetUpdatedAt time.Time
	// Stale is set when the rows came from the fallback cache.
	Stale bool
}

// DatasetVersion identifies the dataset snapshot used, for the audit record.
func (r Result) DatasetVersion() string {
	if r.DatasetUpdatedAt.IsZero() {
		return r.DatasetID + "@unknown"
	}
	return r.DatasetID + "@" + r.DatasetUpdatedAt.UTC().Format(time.RFC3339)
}

// Validate enforces that every signal cites at least one evidence item the
// result itself carries.
func (r Result) Validate() error {
	ids := make(map[string]bool, len(r.Evidence))
	for _, ev := range r.Evidence {
		ids[ev.ID] = true
	}
	for _, s := range r.Signals {
		if len(s.EvidenceRefs) == 0 {
			return fmt.Errorf("%w: %s/%s", ErrMissingEvidence, r.Category, s.MetricName)
		}
		for _, ref := range s.EvidenceRefs {
			if !ids[ref] {
				return fmt.Errorf("%w: %s/%s cites unknown %s", ErrMissingEvidence, r.Category, s.MetricName, ref)
			}
		}
	}
	return nil
}

// SourceAgent fetches and normalizes records of one data category. A fetch
// that cannot deliver returns a *DegradedError, not a pipeline fault.
type SourceAgent interface {
	Category() string
	Version() string
	Fetch(ctx context.Context, req FetchRequest) (Result, error)
}

// Registry maps categories to agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]SourceAgent
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]SourceAgent)}
}

// Register adds or replaces the agent for its category.
func (r *Registry) Register(agent SourceAgent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[agent.Category()]; !exists {
		r.order = append(r.order, agent.Category())
	}
	r.agents[agent.Category()] = agent
}

// Get returns the agent of a category.
func (r *Registry) Get(category string) (SourceAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[category]
	return a, ok
}

// Agents returns the registered agents sorted by category.
func (r *Registry) Agents() []SourceAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	out := make([]SourceAgent, len(names))
	for i, n := range names {
		out[i] = r.agents[n]
	}
	return out
}

// Versions returns agent versions keyed by category.
func (r *Registry) Versions() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.agents))
	for c, a := range r.agents {
		out[c] = a.Version()
	}
	return out
}
