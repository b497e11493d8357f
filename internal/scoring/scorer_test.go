package scoring

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/riskcase/internal/features"
	"github.com/Kocoro-lab/riskcase/internal/models"
)

func vector(known map[string]float64, refs map[string][]string) models.FeatureVector {
	var v models.FeatureVector
	for _, name := range features.Names() {
		val, ok := known[name]
		v.Features = append(v.Features, models.Feature{Name: name, Value: val, Known: ok, EvidenceRefs: refs[name]})
	}
	return v
}

func TestScoreComplaintHeavyBusinessIsHigh(t *testing.T) {
	v := vector(map[string]float64{
		"complaint_count_6m": 15,
		"permit_count_12m":   0,
		"incident_count_6m":  0,
	}, map[string][]string{"complaint_count_6m": {"ev-complaints"}})

	score, err := NewScorer(nil).Score(v)
	require.NoError(t, err)

	assert.Equal(t, 0.85, score.Score)
	assert.Equal(t, models.BandHigh, score.Band)
	assert.Equal(t, "heuristic-v1", score.ModelVersion)
	require.NotEmpty(t, score.Drivers)
	assert.Equal(t, "complaint_count_6m", score.Drivers[0].Name)
	assert.Equal(t, []string{"ev-complaints"}, score.Drivers[0].EvidenceRefs)
	assert.Equal(t, models.DirectionIncreasesRisk, score.Drivers[0].Direction)
}

func TestComplaintHeavyBusinessIsHighWhateverAgeOrTrend(t *testing.T) {
	tests := []struct {
		name  string
		trend float64
		age   float64
		want  float64
	}{
		{"new business, rising", 1, 0, 0.9},
		{"established, stable", 0, 12, 0.79},
		{"established, falling", -1, 12, 0.74},
	}
	s := NewScorer(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, err := s.Score(vector(map[string]float64{
				"complaint_count_6m": 15,
				"complaint_trend":    tt.trend,
				"permit_count_12m":   0,
				"incident_count_6m":  0,
				"business_age_years": tt.age,
			}, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, score.Score)
			assert.Equal(t, models.BandHigh, score.Band)
			assert.Equal(t, "complaint_count_6m", score.Drivers[0].Name)
		})
	}
}

func TestScoreIsReproducible(t *testing.T) {
	v := vector(map[string]float64{
		"complaint_count_6m":  7,
		"complaint_trend":     1,
		"dbi_count_6m":        2,
		"has_open_violations": 1,
		"vacancy_rate_pct":    11.3,
		"business_age_years":  12,
	}, nil)

	s := NewScorer(nil)
	first, err := s.Score(v)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := s.Score(v)
		require.NoError(t, err)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("score changed between runs:\n%s", diff)
		}
	}

	reordered := v
	reordered.Features = append([]models.Feature(nil), v.Features...)
	for i, j := 0, len(reordered.Features)-1; i < j; i, j = i+1, j-1 {
		reordered.Features[i], reordered.Features[j] = reordered.Features[j], reordered.Features[i]
	}
	again, err := s.Score(reordered)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(first, again))
}

func TestDriversTieBreakByDeclarationOrder(t *testing.T) {
	m := &Model{
		Version: "tie", Base: 0.2, Bands: Bands{High: 0.7, Medium: 0.4}, TopK: 2, MinMagnitude: 0.01,
		Features: []FeatureWeight{{Name: "b", Weight: 0.1}, {Name: "a", Weight: 0.1}, {Name: "c", Weight: -0.1}},
	}
	v := models.FeatureVector{Features: []models.Feature{
		{Name: "a", Value: 1, Known: true},
		{Name: "c", Value: 1, Known: true},
		{Name: "b", Value: 1, Known: true},
	}}

	score, err := NewScorer(m).Score(v)
	require.NoError(t, err)
	require.Len(t, score.Drivers, 2)
	assert.Equal(t, "b", score.Drivers[0].Name)
	assert.Equal(t, "a", score.Drivers[1].Name)
	assert.Equal(t, 0.3, score.Score)
}

func TestScoreUnknownContributesNothing(t *testing.T) {
	score, err := NewScorer(nil).Score(vector(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, 0.3, score.Score)
	assert.Equal(t, models.BandLow, score.Band)
	assert.Empty(t, score.Drivers)
}

func TestScoreRejectsIncompleteVector(t *testing.T) {
	v := vector(map[string]float64{"complaint_count_6m": 3}, nil)
	v.Features = v.Features[1:]
	_, err := NewScorer(nil).Score(v)
	assert.ErrorIs(t, err, ErrIncompleteFeatures)
}

func TestScoreClampsToUnitInterval(t *testing.T) {
	m := DefaultModel()
	m.Features[0].Weight = 5
	s := NewScorer(nil)
	require.NoError(t, s.SetModel(m))

	score, err := s.Score(vector(map[string]float64{"complaint_count_6m": 100}, nil))
	require.NoError(t, err)
	assert.Equal(t, 1.0, score.Score)
}

func TestParseModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk_model.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model_version: heuristic-v2
base: 0.25
bands: {high: 0.8, medium: 0.5}
top_k: 3
min_magnitude: 0.02
features:
  - {name: complaint_count_6m, weight: 0.5, cap: 10}
`), 0o644))

	m, err := LoadModel(path)
	require.NoError(t, err)
	assert.Equal(t, "heuristic-v2", m.Version)
	assert.Equal(t, 10.0, m.Features[0].Cap)

	_, err = ParseModel([]byte("model_version: x\nbands: {high: 0.3, medium: 0.5}\ntop_k: 1\nfeatures: [{name: a, weight: 1}]\n"))
	assert.Error(t, err)
	_, err = ParseModel([]byte("model_version: x\nbands: {high: 0.8, medium: 0.5}\ntop_k: 1\nfeatures: [{name: a, weight: 1}, {name: a, weight: 2}]\n"))
	assert.ErrorContains(t, err, "duplicate")
}
