package sources

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/evidence"
	"github.com/Kocoro-lab/riskcase/internal/features"
	"github.com/Kocoro-lab/riskcase/internal/identity"
	"github.com/Kocoro-lab/riskcase/internal/models"
)

// Registered business locations fields
const (
	registryIDField           = "uniqueid"
	registryAccountField      = "ttxid"
	registryNameField         = "dba_name"
	registryAddressField      = "full_business_address"
	registryZipField          = "business_zip"
	registryNeighborhoodField = "neighborhoods_analysis_boundaries"
	registryPointField        = "location"
	registryStartField        = "location_start_date"
	registryEndField          = "location_end_date"
)

// candidateRadiusMeters bounds the coordinate search for candidates.
const candidateRadiusMeters = 250

// RegistryAgent reads the registered business locations dataset. It serves
// identity resolution as a CandidateLookup and contributes registry signals
// for the resolved entity.
type RegistryAgent struct {
	dataset Dataset
	querier Querier
	logger  *zap.Logger
}

var _ identity.CandidateLookup = (*RegistryAgent)(nil)

// NewRegistryAgent creates the registry agent.
func NewRegistryAgent(dataset Dataset, querier Querier, logger *zap.Logger) *RegistryAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistryAgent{dataset: dataset, querier: querier, logger: logger}
}

// Category implements SourceAgent.
func (a *RegistryAgent) Category() string { return models.CategoryBusinessRegistry }

// Version implements SourceAgent.
func (a *RegistryAgent) Version() string { return AgentVersion }

// LookupCandidates implements identity.CandidateLookup. Records are matched
// by the most distinctive name word, the street address or proximity.
func (a *RegistryAgent) LookupCandidates(ctx context.Context, q identity.Query) ([]models.Candidate, error) {
	var clauses []string
	if word := distinctiveWord(q.Name); word != "" {
		clauses = append(clauses, fmt.Sprintf("upper(%s) like %s", registryNameField, Quote("%"+word+"%")))
	}
	if q.Address.Number != "" && q.Address.Street != "" {
		prefix := q.Address.Number + " " + strings.Fields(q.Address.Street)[0]
		clauses = append(clauses, fmt.Sprintf("upper(%s) like %s", registryAddressField, Quote(prefix+"%")))
	}
	if q.HasLocation() {
		clauses = append(clauses, fmt.Sprintf("within_circle(%s, %f, %f, %d)", registryPointField, *q.Lat, *q.Lon, candidateRadiusMeters))
	}
	if len(clauses) == 0 {
		return nil, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	qr, err := a.querier.Query(ctx, a.dataset, SoQL{
		Where: "(" + strings.Join(clauses, " OR ") + ")",
		Order: registryStartField + " DESC",
		Limit: limit * 5,
	})
	if err != nil {
		return nil, fmt.Errorf("registry query: %w", err)
	}

	seen := map[string]bool{}
	out := make([]models.Candidate, 0, len(qr.Rows))
	for _, r := range qr.Rows {
		c := rowToCandidate(r)
		if c.EntityID == "" || seen[c.EntityID] {
			continue
		}
		seen[c.EntityID] = true
		out = append(out, c)
	}
	return out, nil
}

func rowToCandidate(r Row) models.Candidate {
	c := models.Candidate{
		EntityID:     r.String(registryIDField),
		Name:         r.String(registryNameField),
		Address:      r.String(registryAddressField),
		Neighborhood: r.String(registryNeighborhoodField),
		Zip:          r.String(registryZipField),
	}
	if c.EntityID == "" {
		c.EntityID = r.String(registryAccountField)
	}
	if lat, lon, ok := r.Point(registryPointField); ok {
		c.Lat, c.Lon = &lat, &lon
	}
	if t, ok := r.Time(registryStartField); ok {
		c.StartDate = &t
	}
	if t, ok := r.Time(registryEndField); ok {
		c.EndDate = &t
	}
	return c
}

// distinctiveWord returns the longest upper-cased name word, ignoring
// generic business words.
func distinctiveWord(name string) string {
	words := strings.Fields(strings.ToUpper(name))
	sort.SliceStable(words, func(i, j int) bool { return len(words[i]) > len(words[j]) })
	for _, w := range words {
		w = strings.Trim(w, ".,&'\"")
		if len(w) < 3 || genericNameWords[w] {
			continue
		}
		return w
	}
	return ""
}

var genericNameWords = map[string]bool{
	"THE": true, "INC": true, "LLC": true, "CORP": true, "COMPANY": true,
	"CAFE": true, "SHOP": true, "STORE": true, "AND": true, "RESTAURANT": true,
}

// Fetch implements SourceAgent. It reports the age of the resolved location
// and how many open locations the business operates.
func (a *RegistryAgent) Fetch(ctx context.Context, req FetchRequest) (Result, error) {
	e := req.Entity
	if strings.TrimSpace(e.CanonicalName) == "" {
		return Result{}, Degraded(a.Category(), fmt.Errorf("entity has no registered name"))
	}

	qr, err := a.querier.Query(ctx, a.dataset, SoQL{
		Where: fmt.Sprintf("upper(%s) = %s AND %s IS NULL",
			registryNameField, Quote(strings.ToUpper(e.CanonicalName)), registryEndField),
		Limit: 500,
	})
	if err != nil {
		return Result{}, Degraded(a.Category(), err)
	}

	res := Result{
		Category:  a.Category(),
		DatasetID: a.dataset.ID,
		PulledAt:  qr.FetchedAt,
		Stale:     qr.Stale,
	}
	res.DatasetUpdatedAt = datasetUpdatedAt(ctx, a.querier, a.dataset, a.logger)
	freshness := res.DatasetUpdatedAt
	if freshness.IsZero() {
		freshness = res.PulledAt
	}
	source := fmt.Sprintf("Registered Business Locations (%s)", a.dataset.ID)

	locations := map[string]bool{}
	for _, r := range qr.Rows {
		c := rowToCandidate(r)
		if c.EntityID != "" {
			locations[c.EntityID] = true
		}
	}
	if e.EndDate == nil && e.EntityID != "" {
		locations[e.EntityID] = true
	}
	content := fmt.Sprintf("%s has %d open registered location(s) as of %s",
		e.CanonicalName, len(locations), req.AsOf.Format("2006-01-02"))
	item := models.EvidenceItem{
		ID:      evidence.NewID(req.CaseID, a.Category(), content),
		Content: content,
		Source:  source,
		AsOf:    req.AsOf,
	}
	res.Evidence = append(res.Evidence, item)
	res.Signals = append(res.Signals, models.Signal{
		ID:                 a.Category() + ":" + features.MetricRegistryCandidateCount,
		Source:             a.Category(),
		MetricName:         features.MetricRegistryCandidateCount,
		Value:              float64(len(locations)),
		EvidenceRefs:       []string{item.ID},
		FreshnessTimestamp: freshness,
	})

	if e.StartDate != nil && !e.StartDate.After(req.AsOf) {
		years := math.Round(req.AsOf.Sub(*e.StartDate).Hours()/24/365.25*10) / 10
		content := fmt.Sprintf("Location at %s registered since %s (registry id %s)",
			e.CanonicalAddress, e.StartDate.Format("2006-01-02"), e.EntityID)
		if e.EndDate != nil {
			content += fmt.Sprintf(", closed %s", e.EndDate.Format("2006-01-02"))
		}
		item := models.EvidenceItem{
			ID:      evidence.NewID(req.CaseID, a.Category(), content),
			Content: content,
			Source:  source,
			AsOf:    *e.StartDate,
		}
		res.Evidence = append(res.Evidence, item)
		res.Signals = append(res.Signals, models.Signal{
			ID:                 a.Category() + ":" + features.MetricBusinessAgeYears,
			Source:             a.Category(),
			MetricName:         features.MetricBusinessAgeYears,
			Value:              years,
			Detail:             "years since location start",
			EvidenceRefs:       []string{item.ID},
			FreshnessTimestamp: freshness,
		})
	} else {
		a.logger.Debug("Registry start date unknown", zap.String("entity_id", e.EntityID))
	}

	if err := res.Validate(); err != nil {
		return Result{}, err
	}
	return res, nil
}
