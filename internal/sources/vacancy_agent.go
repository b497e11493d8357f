package sources

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/evidence"
	"github.com/Kocoro-lab/riskcase/internal/features"
	"github.com/Kocoro-lab/riskcase/internal/models"
)

// Commercial vacancy dataset fields. Filer names are never selected.
const (
	vacancyNeighborhoodField = "analysis_neighborhood"
	vacancyFlagField         = "vacant"
	vacancyYearField         = "tax_year"
)

// VacancyAgent reports the share of vacant commercial spaces in the
// entity's neighborhood for the latest reported tax year.
type VacancyAgent struct {
	dataset Dataset
	querier Querier
	config  AgentConfig
	logger  *zap.Logger
}

// NewVacancyAgent creates the vacancy agent.
func NewVacancyAgent(dataset Dataset, querier Querier, config AgentConfig, logger *zap.Logger) *VacancyAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VacancyAgent{dataset: dataset, querier: querier, config: config.withDefaults(), logger: logger}
}

// Category implements SourceAgent.
func (a *VacancyAgent) Category() string { return models.CategoryVacancy }

// Version implements SourceAgent.
func (a *VacancyAgent) Version() string { return AgentVersion }

// Fetch implements SourceAgent.
func (a *VacancyAgent) Fetch(ctx context.Context, req FetchRequest) (Result, error) {
	hood := strings.TrimSpace(req.Entity.Neighborhood)
	if hood == "" {
		return Result{}, Degraded(a.Category(), ErrNoLocation)
	}

	qr, err := a.querier.Query(ctx, a.dataset, SoQL{
		Select: strings.Join([]string{vacancyNeighborhoodField, vacancyFlagField, vacancyYearField}, ","),
		Where:  fmt.Sprintf("%s = %s", vacancyNeighborhoodField, Quote(hood)),
		Order:  vacancyYearField + " DESC",
		Limit:  a.config.RowLimit,
	})
	if err != nil {
		return Result{}, Degraded(a.Category(), err)
	}

	// Only the newest tax year counts; rows are ordered newest first.
	var year string
	var total, vacant int
	for _, r := range qr.Rows {
		y := r.String(vacancyYearField)
		if year == "" {
			year = y
		}
		if y != year {
			break
		}
		total++
		if isTruthy(r.String(vacancyFlagField)) {
			vacant++
		}
	}
	if total == 0 {
		return Result{}, &DegradedError{
			Category: a.Category(),
			Kind:     KindNoData,
			Reason:   "no commercial spaces recorded in " + hood,
			Err:      ErrNoData,
		}
	}

	rate := math.Round(float64(vacant)/float64(total)*1000) / 10
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

	content := fmt.Sprintf("%d of %d commercial spaces in %s reported vacant for tax year %s (%.1f%%)",
		vacant, total, hood, year, rate)
	item := models.EvidenceItem{
		ID:      evidence.NewID(req.CaseID, a.Category(), content),
		Content: content,
		Source:  fmt.Sprintf("Commercial Vacancy Tax (%s)", a.dataset.ID),
		AsOf:    req.AsOf,
	}
	res.Evidence = []models.EvidenceItem{item}
	res.Signals = []models.Signal{{
		ID:                 a.Category() + ":" + features.MetricVacancyRatePct,
		Source:             a.Category(),
		MetricName:         features.MetricVacancyRatePct,
		Value:              rate,
		Detail:             "tax year " + year,
		EvidenceRefs:       []string{item.ID},
		FreshnessTimestamp: freshness,
	}}
	return res, nil
}

func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y", "1", "vacant":
		return true
	}
	return false
}
