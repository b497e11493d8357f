package models

import "time"

// Feature is one entry of a feature vector. Known is false when the source
// category was degraded or absent; Value is then meaningless.
type Feature struct {
	Name         string   `json:"name"`
	Category     string   `json:"category"`
	Value        float64  `json:"value"`
	Known        bool     `json:"known"`
	EvidenceRefs []string `json:"evidence_refs,omitempty"`
}

// FeatureVector is the fixed, ordered feature snapshot a score is computed from.
type FeatureVector struct {
	Features []Feature `json:"features"`
	Degraded []string  `json:"degraded,omitempty"`
	AsOf     time.Time `json:"as_of"`
}

// Get returns the named feature.
func (v FeatureVector) Get(name string) (Feature, bool) {
	for _, f := range v.Features {
		if f.Name == name {
			return f, true
		}
	}
	return Feature{}, false
}

// EvidencePack is the bounded, citation-indexed bundle handed to the strategy agent.
type EvidencePack struct {
	EntitySummary   string            `json:"entity_summary"`
	RiskScore       float64           `json:"risk_score"`
	RiskBand        string            `json:"risk_band"`
	TopDrivers      []Driver          `json:"top_drivers"`
	SignalSummaries map[string]string `json:"signal_summaries"`
	EvidenceItems   []EvidenceItem    `json:"evidence_items"`
	DataGaps        []string          `json:"data_gaps"`
	ConfidenceNotes []string          `json:"confidence_notes"`
	AsOf            time.Time         `json:"as_of"`
	HorizonMonths   int               `json:"horizon_months"`
}

// Contains reports whether id is one of the pack's evidence items.
func (p *EvidencePack) Contains(id string) bool {
	for _, item := range p.EvidenceItems {
		if item.ID == id {
			return true
		}
	}
	return false
}

// IDSet returns the pack's evidence ids.
func (p *EvidencePack) IDSet() map[string]struct{} {
	set := make(map[string]struct{}, len(p.EvidenceItems))
	for _, item := range p.EvidenceItems {
		set[item.ID] = struct{}{}
	}
	return set
}
