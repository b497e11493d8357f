package identity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/models"
)

var (
	// ErrNoCandidates means the registry returned nothing for the query.
	ErrNoCandidates = errors.New("no registry candidates matched the query")
	// ErrAmbiguousEntity matches an *AmbiguousEntityError.
	ErrAmbiguousEntity = errors.New("ambiguous entity")
	// ErrLowConfidence matches a *LowConfidenceError.
	ErrLowConfidence = errors.New("match confidence below threshold")
)

// AmbiguousEntityError carries the candidates whose scores fell inside the tie margin.
type AmbiguousEntityError struct {
	Candidates []models.Candidate
	Margin     float64
}

func (e *AmbiguousEntityError) Error() string {
	names := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		names[i] = fmt.Sprintf("%s (%.2f)", c.Name, c.Score)
	}
	return fmt.Sprintf("ambiguous entity: top candidates within %.2f: %s", e.Margin, strings.Join(names, ", "))
}

// Is makes errors.Is(err, ErrAmbiguousEntity) match.
func (e *AmbiguousEntityError) Is(target error) bool { return target == ErrAmbiguousEntity }

// LowConfidenceError carries the best candidate when it scored under the threshold.
type LowConfidenceError struct {
	Best      models.Candidate
	Threshold float64
}

func (e *LowConfidenceError) Error() string {
	return fmt.Sprintf("best candidate %q scored %.2f, below threshold %.2f", e.Best.Name, e.Best.Score, e.Threshold)
}

// Is makes errors.Is(err, ErrLowConfidence) match.
func (e *LowConfidenceError) Is(target error) bool { return target == ErrLowConfidence }

// Query is a normalized resolution request.
type Query struct {
	Name    string
	Address Address
	Lat     *float64
	Lon     *float64
	Limit   int
}

// HasLocation reports whether the query carries coordinates.
func (q Query) HasLocation() bool { return q.Lat != nil && q.Lon != nil }

// CandidateLookup is a registry-like source of candidate entities.
type CandidateLookup interface {
	LookupCandidates(ctx context.Context, q Query) ([]models.Candidate, error)
}

// MatchScorer scores one candidate against a query in [0,1].
type MatchScorer interface {
	Score(q Query, c models.Candidate) float64
}

// WeightedScorer combines name, address and geo similarity.
type WeightedScorer struct {
	NameWeight    float64
	AddressWeight float64
	GeoWeight     float64
}

// DefaultScorer weighs name and address equally and geo proximity lightly.
func DefaultScorer() WeightedScorer {
	return WeightedScorer{NameWeight: 0.4, AddressWeight: 0.4, GeoWeight: 0.2}
}

// Score implements MatchScorer. Without coordinates on both sides the geo
// weight is dropped and the rest renormalized.
func (s WeightedScorer) Score(q Query, c models.Candidate) float64 {
	name := NameSimilarity(q.Name, c.Name)
	addr := AddressSimilarity(q.Address, NormalizeAddress(c.Address))

	total := s.NameWeight*name + s.AddressWeight*addr
	weights := s.NameWeight + s.AddressWeight
	if q.HasLocation() && c.Lat != nil && c.Lon != nil {
		total += s.GeoWeight * GeoProximity(*q.Lat, *q.Lon, *c.Lat, *c.Lon)
		weights += s.GeoWeight
	}
	if weights <= 0 {
		return 0
	}
	return math.Round(total/weights*1e4) / 1e4
}

// Config controls resolution thresholds.
type Config struct {
	MatchThreshold float64
	TieMargin      float64
	MaxCandidates  int
}

// Resolver turns a free-text business query into a canonical Entity.
type Resolver struct {
	lookup CandidateLookup
	scorer MatchScorer
	config Config
	logger *zap.Logger
}

// NewResolver creates a resolver. A nil scorer uses DefaultScorer.
func NewResolver(lookup CandidateLookup, scorer MatchScorer, config Config, logger *zap.Logger) *Resolver {
	if scorer == nil {
		scorer = DefaultScorer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxCandidates <= 0 {
		config.MaxCandidates = 10
	}
	return &Resolver{lookup: lookup, scorer: scorer, config: config, logger: logger}
}

// Resolve returns the best matching entity. It fails with ErrNoCandidates,
// an *AmbiguousEntityError when the top two are within the tie margin, or a
// *LowConfidenceError when the best match is under the threshold.
func (r *Resolver) Resolve(ctx context.Context, req models.CaseRequest) (models.Entity, error) {
	q := Query{
		Name:    strings.TrimSpace(req.BusinessName),
		Address: NormalizeAddress(req.Address),
		Lat:     req.Lat,
		Lon:     req.Lon,
		Limit:   r.config.MaxCandidates,
	}

	candidates, err := r.lookup.LookupCandidates(ctx, q)
	if err != nil {
		return models.Entity{}, fmt.Errorf("candidate lookup: %w", err)
	}
	if len(candidates) == 0 {
		return models.Entity{}, ErrNoCandidates
	}

	scored := make([]models.Candidate, len(candidates))
	for i, c := range candidates {
		c.Score = r.scorer.Score(q, c)
		scored[i] = c
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].EntityID < scored[j].EntityID
	})

	best := scored[0]
	r.logger.Debug("Scored registry candidates",
		zap.String("query", req.RawQuery()),
		zap.Int("candidates", len(scored)),
		zap.Float64("best_score", best.Score),
	)

	if len(scored) > 1 && withinMargin(best.Score, scored[1].Score, r.config.TieMargin) {
		tied := []models.Candidate{best}
		for _, c := range scored[1:] {
			if withinMargin(best.Score, c.Score, r.config.TieMargin) {
				tied = append(tied, c)
			}
		}
		return models.Entity{}, &AmbiguousEntityError{Candidates: tied, Margin: r.config.TieMargin}
	}
	if best.Score < r.config.MatchThreshold {
		return models.Entity{}, &LowConfidenceError{Best: best, Threshold: r.config.MatchThreshold}
	}

	canonical := NormalizeAddress(best.Address)
	entity := models.Entity{
		EntityID:         best.EntityID,
		CanonicalName:    best.Name,
		CanonicalAddress: best.Address,
		Neighborhood:     best.Neighborhood,
		Zip:              firstNonEmpty(best.Zip, canonical.Zip),
		AddressKey:       canonical.Key,
		Lat:              best.Lat,
		Lon:              best.Lon,
		StartDate:        best.StartDate,
		EndDate:          best.EndDate,
		MatchConfidence:  best.Score,
		Candidates:       scored[:min(len(scored), 5)],
	}
	if !entity.HasLocation() && q.HasLocation() {
		entity.Lat, entity.Lon = q.Lat, q.Lon
	}
	return entity, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// withinMargin compares in units of 1e-4 so a gap of exactly margin is not a tie.
func withinMargin(best, other, margin float64) bool {
	return math.Round((best-other)*1e4) < math.Round(margin*1e4)
}
