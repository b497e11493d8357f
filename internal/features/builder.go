package features

import (
	"sort"
	"time"

	"github.com/Kocoro-lab/riskcase/internal/models"
)

// Metric names emitted by source agents.
const (
	MetricComplaintCount3M       = "complaint_count_3m"
	MetricComplaintCount6M       = "complaint_count_6m"
	MetricComplaintCount12M      = "complaint_count_12m"
	MetricRelevantComplaints6M   = "business_relevant_complaints_6m"
	MetricDBICount6M             = "dbi_count_6m"
	MetricDBICount12M            = "dbi_count_12m"
	MetricOpenViolations         = "open_violation_count"
	MetricIncidentCount3M        = "incident_count_3m"
	MetricIncidentCount6M        = "incident_count_6m"
	MetricRelevantIncidents6M    = "business_relevant_incidents_6m"
	MetricEvictionCount12M       = "eviction_count_12m"
	MetricPermitCount12M         = "permit_count_12m"
	MetricVacancyRatePct         = "vacancy_rate_pct"
	MetricBusinessAgeYears       = "business_age_years"
	MetricRegistryCandidateCount = "registry_location_count"
)

// Trend values
const (
	TrendDown   = -1.0
	TrendStable = 0.0
	TrendUp     = 1.0
)

// Declaration maps one feature to the signals it is computed from.
type Declaration struct {
	Name     string
	Category string
	// Metrics are read from signals of Category; every one must be present.
	Metrics []string
	Compute func(values []float64) float64
}

func identity(values []float64) float64 { return values[0] }

func indicator(values []float64) float64 {
	if values[0] > 0 {
		return 1
	}
	return 0
}

// Trend compares the last three months with the three before them.
// Changes within 10% are stable; growth from zero is up.
func Trend(last3, last6 float64) float64 {
	prior := last6 - last3
	switch {
	case prior <= 0 && last3 > 0:
		return TrendUp
	case prior <= 0:
		return TrendStable
	case last3 > prior*1.1:
		return TrendUp
	case last3 < prior*0.9:
		return TrendDown
	default:
		return TrendStable
	}
}

// Declarations is the fixed feature table, in declaration order. Driver ties
// are broken by this order.
var Declarations = []Declaration{
	{Name: "complaint_count_6m", Category: models.CategoryComplaints311, Metrics: []string{MetricComplaintCount6M}, Compute: identity},
	{Name: "complaint_trend", Category: models.CategoryComplaints311, Metrics: []string{MetricComplaintCount3M, MetricComplaintCount6M},
		Compute: func(v []float64) float64 { return Trend(v[0], v[1]) }},
	{Name: "business_relevant_complaints_6m", Category: models.CategoryComplaints311, Metrics: []string{MetricRelevantComplaints6M}, Compute: identity},
	{Name: "dbi_count_6m", Category: models.CategoryDBIComplaints, Metrics: []string{MetricDBICount6M}, Compute: identity},
	{Name: "has_open_violations", Category: models.CategoryDBIComplaints, Metrics: []string{MetricOpenViolations}, Compute: indicator},
	{Name: "incident_count_6m", Category: models.CategorySFPDIncidents, Metrics: []string{MetricIncidentCount6M}, Compute: identity},
	{Name: "business_relevant_incidents_6m", Category: models.CategorySFPDIncidents, Metrics: []string{MetricRelevantIncidents6M}, Compute: identity},
	{Name: "eviction_count_12m", Category: models.CategoryEvictions, Metrics: []string{MetricEvictionCount12M}, Compute: identity},
	{Name: "vacancy_rate_pct", Category: models.CategoryVacancy, Metrics: []string{MetricVacancyRatePct}, Compute: identity},
	{Name: "permit_count_12m", Category: models.CategoryPermits, Metrics: []string{MetricPermitCount12M}, Compute: identity},
	{Name: "business_age_years", Category: models.CategoryBusinessRegistry, Metrics: []string{MetricBusinessAgeYears}, Compute: identity},
}

// Names returns the declared feature names in order.
func Names() []string {
	names := make([]string, len(Declarations))
	for i, d := range Declarations {
		names[i] = d.Name
	}
	return names
}

// Builder turns signals into a FeatureVector. It holds no state.
type Builder struct {
	declarations []Declaration
}

// NewBuilder creates a builder over the standard declarations.
func NewBuilder() *Builder {
	return &Builder{declarations: Declarations}
}

// Build computes every declared feature. A feature whose category is
// degraded, or whose signals are missing, is marked unknown rather than zero.
// The result depends only on the set of signals, not their order.
func (b *Builder) Build(signals []models.Signal, degraded []string, asOf time.Time) models.FeatureVector {
	degradedSet := make(map[string]bool, len(degraded))
	for _, c := range degraded {
		degradedSet[c] = true
	}

	index := map[string]models.Signal{}
	for _, s := range signals {
		key := s.Source + "|" + s.MetricName
		if prev, ok := index[key]; !ok || s.ID < prev.ID {
			index[key] = s
		}
	}

	out := models.FeatureVector{
		Features: make([]models.Feature, 0, len(b.declarations)),
		AsOf:     asOf,
	}
	for _, d := range b.declarations {
		f := models.Feature{Name: d.Name, Category: d.Category}
		if !degradedSet[d.Category] {
			values := make([]float64, 0, len(d.Metrics))
			var refs []string
			for _, m := range d.Metrics {
				s, ok := index[d.Category+"|"+m]
				if !ok {
					break
				}
				values = append(values, s.Value)
				refs = appendUnique(refs, s.EvidenceRefs...)
			}
			if len(values) == len(d.Metrics) {
				f.Value = d.Compute(values)
				f.Known = true
				f.EvidenceRefs = refs
			}
		}
		out.Features = append(out.Features, f)
	}

	out.Degraded = append([]string(nil), degraded...)
	sort.Strings(out.Degraded)
	return out
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
