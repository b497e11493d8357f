package scoring

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// FeatureWeight is one linear term of the model.
type FeatureWeight struct {
	Name   string  `yaml:"name" json:"name"`
	Weight float64 `yaml:"weight" json:"weight"`
	// Cap normalizes the raw value; zero means the value is already in [-1,1].
	Cap float64 `yaml:"cap,omitempty" json:"cap,omitempty"`
}

// Bands are the fixed score thresholds.
type Bands struct {
	High   float64 `yaml:"high" json:"high"`
	Medium float64 `yaml:"medium" json:"medium"`
}

// Model is a versioned, additive risk model.
type Model struct {
	Version      string          `yaml:"model_version" json:"model_version"`
	Base         float64         `yaml:"base" json:"base"`
	Bands        Bands           `yaml:"bands" json:"bands"`
	TopK         int             `yaml:"top_k" json:"top_k"`
	MinMagnitude float64         `yaml:"min_magnitude" json:"min_magnitude"`
	Features     []FeatureWeight `yaml:"features" json:"features"`
}

// DefaultModel is the built-in heuristic model.
func DefaultModel() *Model {
	return &Model{
		Version:      "heuristic-v1",
		Base:         0.3,
		Bands:        Bands{High: 0.70, Medium: 0.40},
		TopK:         5,
		MinMagnitude: 0.01,
		Features: []FeatureWeight{
			{Name: "complaint_count_6m", Weight: 0.55, Cap: 15},
			{Name: "complaint_trend", Weight: 0.05},
			{Name: "business_relevant_complaints_6m", Weight: 0.05, Cap: 5},
			{Name: "dbi_count_6m", Weight: 0.10, Cap: 10},
			{Name: "has_open_violations", Weight: 0.10},
			{Name: "incident_count_6m", Weight: 0.08, Cap: 50},
			{Name: "business_relevant_incidents_6m", Weight: 0.04, Cap: 10},
			{Name: "eviction_count_12m", Weight: 0.06, Cap: 10},
			{Name: "vacancy_rate_pct", Weight: 0.07, Cap: 20},
			{Name: "permit_count_12m", Weight: -0.05, Cap: 10},
			{Name: "business_age_years", Weight: -0.06, Cap: 10},
		},
	}
}

// ParseModel decodes and validates a YAML model definition.
func ParseModel(data []byte) (*Model, error) {
	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse risk model: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadModel reads a model file.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read risk model: %w", err)
	}
	return ParseModel(data)
}

// Validate rejects malformed weight tables.
func (m *Model) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("risk model: model_version is required")
	}
	if len(m.Features) == 0 {
		return fmt.Errorf("risk model %s: no features", m.Version)
	}
	if !(m.Bands.High > m.Bands.Medium && m.Bands.Medium > 0 && m.Bands.High <= 1) {
		return fmt.Errorf("risk model %s: bands must satisfy 0 < medium < high <= 1", m.Version)
	}
	if m.TopK <= 0 {
		return fmt.Errorf("risk model %s: top_k must be positive", m.Version)
	}
	if !finite(m.Base) || m.Base < 0 || m.Base > 1 {
		return fmt.Errorf("risk model %s: base must be within [0,1]", m.Version)
	}
	seen := map[string]bool{}
	for _, f := range m.Features {
		if f.Name == "" {
			return fmt.Errorf("risk model %s: feature without name", m.Version)
		}
		if seen[f.Name] {
			return fmt.Errorf("risk model %s: duplicate feature %q", m.Version, f.Name)
		}
		seen[f.Name] = true
		if !finite(f.Weight) || f.Cap < 0 || !finite(f.Cap) {
			return fmt.Errorf("risk model %s: invalid weight or cap for %q", m.Version, f.Name)
		}
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
