package sources

import (
	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/features"
	"github.com/Kocoro-lab/riskcase/internal/models"
)

// Dataset names one open-data dataset and the category it feeds.
type Dataset struct {
	Category string
	ID       string
}

// JoinKind selects how a dataset is matched to an entity.
type JoinKind int

const (
	// JoinLocation matches records near the entity, falling back to the
	// street address and then the neighborhood.
	JoinLocation JoinKind = iota
	// JoinNeighborhood matches records in the entity's neighborhood only.
	JoinNeighborhood
)

// DatasetSpec describes how a windowed-count dataset is queried and read.
type DatasetSpec struct {
	Dataset
	Title string
	// Noun is used in evidence text, e.g. "311 complaints".
	Noun string
	Join JoinKind

	DateField         string
	PointField        string
	AddressField      string
	StreetNumberField string
	NeighborhoodField string
	TypeField         string
	StatusField       string
	RecordIDField     string

	// RelevantTypes are TypeField values that bear directly on a storefront.
	RelevantTypes []string
	// OpenStatuses are StatusField values counted as unresolved.
	OpenStatuses []string

	WindowMetrics  map[models.Window]string
	RelevantMetric string
	OpenMetric     string
}

// Default dataset ids on data.sfgov.org
const (
	DatasetBusinessRegistry = "g8m3-pdis"
	DatasetComplaints311    = "vw6y-z8j6"
	DatasetDBIComplaints    = "gm2e-bten"
	DatasetPermits          = "i98e-djp9"
	DatasetSFPDIncidents    = "wg3w-h783"
	DatasetEvictions        = "5cei-gny5"
	DatasetVacancy          = "rzkk-54yv"
)

// DefaultDatasetIDs maps each category to its default dataset.
var DefaultDatasetIDs = map[string]string{
	models.CategoryBusinessRegistry: DatasetBusinessRegistry,
	models.CategoryComplaints311:    DatasetComplaints311,
	models.CategoryDBIComplaints:    DatasetDBIComplaints,
	models.CategoryPermits:          DatasetPermits,
	models.CategorySFPDIncidents:    DatasetSFPDIncidents,
	models.CategoryEvictions:        DatasetEvictions,
	models.CategoryVacancy:          DatasetVacancy,
}

// DatasetFor returns the dataset of category, honoring overrides.
func DatasetFor(category string, overrides map[string]string) Dataset {
	if id, ok := overrides[category]; ok && id != "" {
		return Dataset{Category: category, ID: id}
	}
	return Dataset{Category: category, ID: DefaultDatasetIDs[category]}
}

// WindowedSpecs returns the specs of every windowed-count dataset.
func WindowedSpecs(overrides map[string]string) []DatasetSpec {
	return []DatasetSpec{
		{
			Dataset:           DatasetFor(models.CategoryComplaints311, overrides),
			RecordIDField:     "service_request_id",
			Title:             "SF 311 Cases",
			Noun:              "311 complaints",
			DateField:         "requested_datetime",
			PointField:        "point",
			AddressField:      "address",
			NeighborhoodField: "neighborhoods_sffind_boundaries",
			TypeField:         "service_name",
			StatusField:       "status_description",
			RelevantTypes: []string{
				"Homeless Concerns", "Street and Sidewalk Cleaning", "Graffiti", "Noise Report",
				"Illegal Dumping", "Encampment", "Damaged Property", "Abandoned Vehicle", "Streetlight",
			},
			WindowMetrics: map[models.Window]string{
				models.Window3M:  features.MetricComplaintCount3M,
				models.Window6M:  features.MetricComplaintCount6M,
				models.Window12M: features.MetricComplaintCount12M,
			},
			RelevantMetric: features.MetricRelevantComplaints6M,
		},
		{
			Dataset:           DatasetFor(models.CategoryDBIComplaints, overrides),
			RecordIDField:     "complaint_number",
			Title:             "DBI Complaints",
			Noun:              "building inspection complaints",
			DateField:         "date_filed",
			PointField:        "location",
			AddressField:      "street_name",
			StreetNumberField: "street_number",
			StatusField:       "status",
			OpenStatuses:      []string{"active", "open", "pending"},
			WindowMetrics: map[models.Window]string{
				models.Window6M:  features.MetricDBICount6M,
				models.Window12M: features.MetricDBICount12M,
			},
			OpenMetric: features.MetricOpenViolations,
		},
		{
			Dataset:           DatasetFor(models.CategoryPermits, overrides),
			RecordIDField:     "permit_number",
			Title:             "Building Permits",
			Noun:              "building permits",
			DateField:         "filed_date",
			PointField:        "location",
			AddressField:      "street_name",
			StreetNumberField: "street_number",
			StatusField:       "status",
			WindowMetrics: map[models.Window]string{
				models.Window12M: features.MetricPermitCount12M,
			},
		},
		{
			Dataset:           DatasetFor(models.CategorySFPDIncidents, overrides),
			RecordIDField:     "incident_id",
			Title:             "SFPD Incident Reports",
			Noun:              "police incident reports",
			DateField:         "incident_date",
			PointField:        "point",
			AddressField:      "intersection",
			NeighborhoodField: "analysis_neighborhood",
			TypeField:         "incident_category",
			RelevantTypes: []string{
				"Larceny Theft", "Burglary", "Vandalism", "Robbery", "Motor Vehicle Theft",
				"Assault", "Drug Offense", "Disorderly Conduct",
			},
			WindowMetrics: map[models.Window]string{
				models.Window3M: features.MetricIncidentCount3M,
				models.Window6M: features.MetricIncidentCount6M,
			},
			RelevantMetric: features.MetricRelevantIncidents6M,
		},
		{
			Dataset:           DatasetFor(models.CategoryEvictions, overrides),
			RecordIDField:     "eviction_id",
			Title:             "Eviction Notices",
			Noun:              "eviction notices",
			Join:              JoinNeighborhood,
			DateField:         "file_date",
			NeighborhoodField: "neighborhood",
			WindowMetrics: map[models.Window]string{
				models.Window12M: features.MetricEvictionCount12M,
			},
		},
	}
}

// NewStandardRegistry registers one agent per category over q. The registry
// agent is also returned for identity resolution.
func NewStandardRegistry(q Querier, overrides map[string]string, config AgentConfig, logger *zap.Logger) (*Registry, *RegistryAgent) {
	reg := NewRegistry()
	registry := NewRegistryAgent(DatasetFor(models.CategoryBusinessRegistry, overrides), q, logger)
	reg.Register(registry)
	for _, spec := range WindowedSpecs(overrides) {
		reg.Register(NewDatasetAgent(spec, q, config, logger))
	}
	reg.Register(NewVacancyAgent(DatasetFor(models.CategoryVacancy, overrides), q, config, logger))
	return reg, registry
}
