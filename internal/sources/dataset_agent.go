package sources

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/evidence"
	"github.com/Kocoro-lab/riskcase/internal/identity"
	"github.com/Kocoro-lab/riskcase/internal/models"
)

// AgentVersion is reported in the audit record of every case.
const AgentVersion = "1.0.0"

// soqlTime is the floating timestamp format of SoQL literals.
const soqlTime = "2006-01-02T15:04:05"

// AgentConfig holds the knobs shared by dataset agents.
type AgentConfig struct {
	SearchRadiusMeters int
	RecordSampleSize   int
	RowLimit           int
}

func (c AgentConfig) withDefaults() AgentConfig {
	if c.SearchRadiusMeters <= 0 {
		c.SearchRadiusMeters = 100
	}
	if c.RecordSampleSize < 0 {
		c.RecordSampleSize = 0
	}
	if c.RowLimit <= 0 {
		c.RowLimit = 1000
	}
	return c
}

// DatasetAgent counts dataset records near an entity over rolling windows.
// One query covers the longest window; shorter windows are counted locally.
type DatasetAgent struct {
	spec    DatasetSpec
	querier Querier
	config  AgentConfig
	logger  *zap.Logger
}

// NewDatasetAgent creates an agent for spec.
func NewDatasetAgent(spec DatasetSpec, querier Querier, config AgentConfig, logger *zap.Logger) *DatasetAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DatasetAgent{spec: spec, querier: querier, config: config.withDefaults(), logger: logger}
}

// Category implements SourceAgent.
func (a *DatasetAgent) Category() string { return a.spec.Category }

// Version implements SourceAgent.
func (a *DatasetAgent) Version() string { return AgentVersion }

// Fetch implements SourceAgent.
func (a *DatasetAgent) Fetch(ctx context.Context, req FetchRequest) (Result, error) {
	join, scope, err := a.joinClause(req.Entity)
	if err != nil {
		return Result{}, Degraded(a.spec.Category, err)
	}

	longest := a.longestWindow()
	start := longest.Start(req.AsOf)
	where := fmt.Sprintf("%s AND %s >= %s AND %s <= %s",
		join,
		a.spec.DateField, Quote(start.UTC().Format(soqlTime)),
		a.spec.DateField, Quote(req.AsOf.UTC().Format(soqlTime)),
	)

	qr, err := a.querier.Query(ctx, a.spec.Dataset, SoQL{
		Where: where,
		Order: a.spec.DateField + " DESC",
		Limit: a.config.RowLimit,
	})
	if err != nil {
		return Result{}, Degraded(a.spec.Category, err)
	}
	if len(qr.Rows) >= a.config.RowLimit {
		a.logger.Warn("Dataset query hit the row limit; counts are lower bounds",
			zap.String("category", a.spec.Category),
			zap.Int("limit", a.config.RowLimit),
		)
	}

	res := Result{
		Category:  a.spec.Category,
		DatasetID: a.spec.ID,
		PulledAt:  qr.FetchedAt,
		Stale:     qr.Stale,
	}
	res.DatasetUpdatedAt = datasetUpdatedAt(ctx, a.querier, a.spec.Dataset, a.logger)
	freshness := res.DatasetUpdatedAt
	if freshness.IsZero() {
		freshness = res.PulledAt
	}

	records := a.datedRows(qr.Rows, start, req.AsOf)
	samples := a.sampleEvidence(req.CaseID, records)
	for _, s := range samples {
		res.Evidence = append(res.Evidence, s.item)
	}

	windows := make([]models.Window, 0, len(a.spec.WindowMetrics))
	for w := range a.spec.WindowMetrics {
		windows = append(windows, w)
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].Months() < windows[j].Months() })

	for _, w := range windows {
		wStart := w.Start(req.AsOf)
		var count int
		for _, r := range records {
			if !r.at.Before(wStart) {
				count++
			}
		}
		content := fmt.Sprintf("%d %s %s in the %d months to %s",
			count, a.spec.Noun, scope, w.Months(), req.AsOf.Format("2006-01-02"))
		summary := a.evidenceItem(req.CaseID, content, req.AsOf)
		res.Evidence = append(res.Evidence, summary)
		res.Signals = append(res.Signals, a.signal(a.spec.WindowMetrics[w], float64(count), w, summary.ID, samplesSince(samples, wStart), freshness))
	}

	if a.spec.RelevantMetric != "" {
		wStart := models.Window6M.Start(req.AsOf)
		relevant := map[string]bool{}
		for _, t := range a.spec.RelevantTypes {
			relevant[strings.ToLower(t)] = true
		}
		var count int
		for _, r := range records {
			if !r.at.Before(wStart) && relevant[strings.ToLower(r.row.String(a.spec.TypeField))] {
				count++
			}
		}
		content := fmt.Sprintf("%d storefront-relevant %s %s in the 6 months to %s",
			count, a.spec.Noun, scope, req.AsOf.Format("2006-01-02"))
		summary := a.evidenceItem(req.CaseID, content, req.AsOf)
		res.Evidence = append(res.Evidence, summary)
		res.Signals = append(res.Signals, a.signal(a.spec.RelevantMetric, float64(count), models.Window6M, summary.ID, nil, freshness))
	}

	if a.spec.OpenMetric != "" {
		open := map[string]bool{}
		for _, s := range a.spec.OpenStatuses {
			open[strings.ToLower(s)] = true
		}
		var count int
		for _, r := range records {
			if open[strings.ToLower(r.row.String(a.spec.StatusField))] {
				count++
			}
		}
		content := fmt.Sprintf("%d unresolved %s %s filed in the %d months to %s",
			count, a.spec.Noun, scope, longest.Months(), req.AsOf.Format("2006-01-02"))
		summary := a.evidenceItem(req.CaseID, content, req.AsOf)
		res.Evidence = append(res.Evidence, summary)
		res.Signals = append(res.Signals, a.signal(a.spec.OpenMetric, float64(count), longest, summary.ID, nil, freshness))
	}

	if err := res.Validate(); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (a *DatasetAgent) longestWindow() models.Window {
	longest := models.Window3M
	for w := range a.spec.WindowMetrics {
		if w.Months() > longest.Months() {
			longest = w
		}
	}
	return longest
}

// joinClause matches records to the entity and describes the match scope
// for evidence text.
func (a *DatasetAgent) joinClause(e models.Entity) (string, string, error) {
	if a.spec.Join == JoinLocation {
		if e.HasLocation() && a.spec.PointField != "" {
			return fmt.Sprintf("within_circle(%s, %f, %f, %d)", a.spec.PointField, *e.Lat, *e.Lon, a.config.SearchRadiusMeters),
				fmt.Sprintf("within %dm of %s", a.config.SearchRadiusMeters, e.CanonicalAddress), nil
		}
		if number, street := addressParts(e.CanonicalAddress); number != "" && a.spec.AddressField != "" {
			scope := "at " + e.CanonicalAddress
			if a.spec.StreetNumberField != "" {
				return fmt.Sprintf("%s = %s AND upper(%s) like %s",
					a.spec.StreetNumberField, Quote(number), a.spec.AddressField, Quote(street+"%")), scope, nil
			}
			return fmt.Sprintf("upper(%s) like %s", a.spec.AddressField, Quote(number+" "+street+"%")), scope, nil
		}
	}
	if e.Neighborhood != "" && a.spec.NeighborhoodField != "" {
		return fmt.Sprintf("%s = %s", a.spec.NeighborhoodField, Quote(e.Neighborhood)),
			"in " + e.Neighborhood, nil
	}
	return "", "", ErrNoLocation
}

// addressParts returns the house number and first street word, which is how
// city datasets agree on addresses most often.
func addressParts(raw string) (number, street string) {
	addr := identity.NormalizeAddress(raw)
	if addr.Number == "" || addr.Street == "" {
		return "", ""
	}
	return addr.Number, strings.Fields(addr.Street)[0]
}

type datedRow struct {
	row Row
	at  time.Time
}

// datedRows keeps rows dated inside [start, asOf], newest first. Ties keep
// provider order.
func (a *DatasetAgent) datedRows(rows []Row, start, asOf time.Time) []datedRow {
	out := make([]datedRow, 0, len(rows))
	for _, r := range rows {
		at, ok := r.Time(a.spec.DateField)
		if !ok || at.Before(start) || at.After(asOf) {
			continue
		}
		out = append(out, datedRow{row: r, at: at})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].at.After(out[j].at) })
	return out
}

type sample struct {
	item models.EvidenceItem
	at   time.Time
}

// sampleEvidence cites the newest distinct records.
func (a *DatasetAgent) sampleEvidence(caseID string, records []datedRow) []sample {
	out := make([]sample, 0, a.config.RecordSampleSize)
	seen := map[string]bool{}
	for _, r := range records {
		if len(out) >= a.config.RecordSampleSize {
			break
		}
		item := a.evidenceItem(caseID, a.describe(r), r.at)
		if seen[item.ID] {
			continue
		}
		seen[item.ID] = true
		out = append(out, sample{item: item, at: r.at})
	}
	return out
}

func (a *DatasetAgent) describe(r datedRow) string {
	parts := []string{r.at.Format("2006-01-02"), a.spec.Title, "record"}
	if id := r.row.String(a.spec.RecordIDField); a.spec.RecordIDField != "" && id != "" {
		parts[2] = "record " + id
	}
	if t := r.row.String(a.spec.TypeField); a.spec.TypeField != "" && t != "" {
		parts = append(parts, "type "+t)
	}
	if s := r.row.String(a.spec.StatusField); a.spec.StatusField != "" && s != "" {
		parts = append(parts, "status "+s)
	}
	return strings.Join(parts, ", ")
}

func (a *DatasetAgent) evidenceItem(caseID, content string, asOf time.Time) models.EvidenceItem {
	return models.EvidenceItem{
		ID:      evidence.NewID(caseID, a.spec.Category, content),
		Content: content,
		Source:  fmt.Sprintf("%s (%s)", a.spec.Title, a.spec.ID),
		AsOf:    asOf,
	}
}

func (a *DatasetAgent) signal(metric string, value float64, w models.Window, summaryID string, extra []string, freshness time.Time) models.Signal {
	return models.Signal{
		ID:                 a.spec.Category + ":" + metric,
		Source:             a.spec.Category,
		MetricName:         metric,
		Value:              value,
		Window:             w,
		EvidenceRefs:       append([]string{summaryID}, extra...),
		FreshnessTimestamp: freshness,
	}
}

// samplesSince returns the ids of sampled records dated on or after start.
func samplesSince(samples []sample, start time.Time) []string {
	var ids []string
	for _, s := range samples {
		if !s.at.Before(start) {
			ids = append(ids, s.item.ID)
		}
	}
	return ids
}

// datasetUpdatedAt reads the snapshot time; failures leave it unknown.
func datasetUpdatedAt(ctx context.Context, q Querier, ds Dataset, logger *zap.Logger) time.Time {
	md, err := q.Metadata(ctx, ds)
	if err != nil {
		logger.Debug("Dataset metadata unavailable", zap.String("dataset", ds.ID), zap.Error(err))
		return time.Time{}
	}
	return md.RowsUpdatedAt
}
