package scoring

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"github.com/Kocoro-lab/riskcase/internal/models"
)

// ErrIncompleteFeatures is a contract violation: the vector lacks a model
// feature or carries a non-finite value.
var ErrIncompleteFeatures = errors.New("incomplete feature vector")

// Scorer applies the active model. The model can be swapped at runtime; each
// Score call uses a single model snapshot.
type Scorer struct {
	model atomic.Pointer[Model]
}

// NewScorer creates a scorer; a nil model uses DefaultModel.
func NewScorer(m *Model) *Scorer {
	if m == nil {
		m = DefaultModel()
	}
	s := &Scorer{}
	s.model.Store(m)
	return s
}

// Model returns the active model.
func (s *Scorer) Model() *Model { return s.model.Load() }

// SetModel replaces the active model after validating it.
func (s *Scorer) SetModel(m *Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.model.Store(m)
	return nil
}

type term struct {
	feature      models.Feature
	order        int
	contribution float64
}

// Score computes the risk score, band and ranked drivers. Unknown features
// contribute nothing. The output depends only on the vector's contents and
// the model version.
func (s *Scorer) Score(v models.FeatureVector) (models.RiskScore, error) {
	m := s.model.Load()

	byName := make(map[string]models.Feature, len(v.Features))
	for _, f := range v.Features {
		byName[f.Name] = f
	}

	terms := make([]term, 0, len(m.Features))
	total := m.Base
	for i, w := range m.Features {
		f, ok := byName[w.Name]
		if !ok {
			return models.RiskScore{}, fmt.Errorf("%w: missing %q", ErrIncompleteFeatures, w.Name)
		}
		if !f.Known {
			continue
		}
		if !finite(f.Value) {
			return models.RiskScore{}, fmt.Errorf("%w: %q is not finite", ErrIncompleteFeatures, w.Name)
		}
		norm := f.Value
		if w.Cap > 0 {
			norm = f.Value / w.Cap
		}
		c := round(w.Weight * clamp(norm, -1, 1))
		total += c
		terms = append(terms, term{feature: f, order: i, contribution: c})
	}

	score := round(clamp(total, 0, 1))
	return models.RiskScore{
		Score:        score,
		Band:         m.band(score),
		ModelVersion: m.Version,
		Drivers:      m.drivers(terms),
	}, nil
}

func (m *Model) band(score float64) string {
	switch {
	case score >= m.Bands.High:
		return models.BandHigh
	case score >= m.Bands.Medium:
		return models.BandMedium
	default:
		return models.BandLow
	}
}

// drivers ranks terms by contribution magnitude, breaking ties by model
// declaration order.
func (m *Model) drivers(terms []term) []models.Driver {
	ranked := make([]term, 0, len(terms))
	for _, t := range terms {
		if math.Abs(t.contribution) >= m.MinMagnitude {
			ranked = append(ranked, t)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		ai, aj := math.Abs(ranked[i].contribution), math.Abs(ranked[j].contribution)
		if ai != aj {
			return ai > aj
		}
		return ranked[i].order < ranked[j].order
	})
	if len(ranked) > m.TopK {
		ranked = ranked[:m.TopK]
	}

	out := make([]models.Driver, len(ranked))
	for i, t := range ranked {
		dir := models.DirectionIncreasesRisk
		if t.contribution < 0 {
			dir = models.DirectionDecreasesRisk
		}
		out[i] = models.Driver{
			Name:         t.feature.Name,
			Direction:    dir,
			Magnitude:    math.Abs(t.contribution),
			Contribution: t.contribution,
			Value:        t.feature.Value,
			EvidenceRefs: append([]string(nil), t.feature.EvidenceRefs...),
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// round keeps outputs stable across platforms that differ in the last ulp.
func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
