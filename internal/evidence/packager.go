package evidence

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Kocoro-lab/riskcase/internal/models"
	"github.com/Kocoro-lab/riskcase/internal/util"
)

// Limits bounds an evidence pack.
type Limits struct {
	MaxItems     int
	MaxChars     int
	MaxItemChars int
}

// DefaultLimits fits a pack comfortably inside a small model context.
func DefaultLimits() Limits {
	return Limits{MaxItems: 20, MaxChars: 4000, MaxItemChars: 300}
}

// PackInput is everything the packager compacts.
type PackInput struct {
	Entity          models.Entity
	Score           models.RiskScore
	Signals         []models.Signal
	Evidence        []models.EvidenceItem
	DataGaps        []string
	ConfidenceNotes []string
	AsOf            time.Time
	HorizonMonths   int
}

// Packager compacts drivers and signals into a bounded EvidencePack.
type Packager struct {
	limits Limits
}

// NewPackager creates a packager, falling back to defaults for unset limits.
func NewPackager(limits Limits) *Packager {
	d := DefaultLimits()
	if limits.MaxItems <= 0 {
		limits.MaxItems = d.MaxItems
	}
	if limits.MaxChars <= 0 {
		limits.MaxChars = d.MaxChars
	}
	if limits.MaxItemChars <= 0 {
		limits.MaxItemChars = d.MaxItemChars
	}
	return &Packager{limits: limits}
}

// Pack selects evidence in priority order: the first reference of every
// driver, then the drivers' remaining references, then signal references.
// Items past the item or character budget are dropped from the tail. Ids are
// never rewritten, and driver references are narrowed to included items.
func (p *Packager) Pack(in PackInput) models.EvidencePack {
	byID := make(map[string]models.EvidenceItem, len(in.Evidence))
	for _, item := range in.Evidence {
		byID[item.ID] = item
	}

	var order []string
	seen := map[string]bool{}
	push := func(id string) {
		if _, ok := byID[id]; ok && !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	for _, d := range in.Score.Drivers {
		if len(d.EvidenceRefs) > 0 {
			push(d.EvidenceRefs[0])
		}
	}
	for _, d := range in.Score.Drivers {
		for _, ref := range d.EvidenceRefs {
			push(ref)
		}
	}
	for _, s := range sortedSignals(in.Signals) {
		for _, ref := range s.EvidenceRefs {
			push(ref)
		}
	}

	items := make([]models.EvidenceItem, 0, min(len(order), p.limits.MaxItems))
	included := map[string]bool{}
	total := 0
	for _, id := range order {
		if len(items) >= p.limits.MaxItems {
			break
		}
		item := byID[id]
		item.Content = util.TruncateString(item.Content, p.limits.MaxItemChars, false)
		n := utf8.RuneCountInString(item.Content)
		if total+n > p.limits.MaxChars {
			continue
		}
		total += n
		items = append(items, item)
		included[id] = true
	}

	drivers := make([]models.Driver, len(in.Score.Drivers))
	for i, d := range in.Score.Drivers {
		refs := make([]string, 0, len(d.EvidenceRefs))
		for _, ref := range d.EvidenceRefs {
			if included[ref] {
				refs = append(refs, ref)
			}
		}
		d.EvidenceRefs = refs
		drivers[i] = d
	}

	return models.EvidencePack{
		EntitySummary:   entitySummary(in.Entity),
		RiskScore:       in.Score.Score,
		RiskBand:        in.Score.Band,
		TopDrivers:      drivers,
		SignalSummaries: signalSummaries(in.Signals),
		EvidenceItems:   items,
		DataGaps:        append([]string{}, in.DataGaps...),
		ConfidenceNotes: append([]string{}, in.ConfidenceNotes...),
		AsOf:            in.AsOf,
		HorizonMonths:   in.HorizonMonths,
	}
}

func sortedSignals(signals []models.Signal) []models.Signal {
	out := append([]models.Signal(nil), signals...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].MetricName < out[j].MetricName
	})
	return out
}

func signalSummaries(signals []models.Signal) map[string]string {
	parts := map[string][]string{}
	for _, s := range sortedSignals(signals) {
		text := fmt.Sprintf("%s=%s", s.MetricName, formatValue(s.Value))
		if s.Window != "" {
			text += " (" + string(s.Window) + ")"
		}
		parts[s.Source] = append(parts[s.Source], text)
	}
	out := make(map[string]string, len(parts))
	for source, texts := range parts {
		out[source] = strings.Join(texts, "; ")
	}
	return out
}

func entitySummary(e models.Entity) string {
	var b strings.Builder
	b.WriteString(e.CanonicalName)
	if e.CanonicalAddress != "" {
		b.WriteString(", " + e.CanonicalAddress)
	}
	if e.Neighborhood != "" {
		b.WriteString(" (" + e.Neighborhood + ")")
	}
	fmt.Fprintf(&b, "; match confidence %.2f", e.MatchConfidence)
	return b.String()
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}
