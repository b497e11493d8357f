package explain

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/Kocoro-lab/riskcase/internal/models"
	"github.com/Kocoro-lab/riskcase/internal/strategy"
)

// ErrUngrounded means no entry of a reply cited the pack's evidence.
var ErrUngrounded = errors.New("explanation cites no evidence from the pack")

type rawExplanation struct {
	WhatChanged   *[]models.Change    `json:"what_changed"`
	WhyItMatters  *[]models.Insight   `json:"why_it_matters"`
	WhatToMonitor *[]models.WatchItem `json:"what_to_monitor"`
	Summary       string              `json:"summary"`
	Limitations   []string            `json:"limitations"`
}

// Parse extracts an explanation from a model reply. The three sections are
// required; a reply missing any of them is a *strategy.SchemaError.
func Parse(text string) (models.Explanation, error) {
	raw, err := strategy.ExtractJSON(text)
	if err != nil {
		return models.Explanation{}, err
	}
	var re rawExplanation
	if err := json.Unmarshal([]byte(raw), &re); err != nil {
		return models.Explanation{}, &strategy.SchemaError{Problems: []string{err.Error()}}
	}

	var problems []string
	if re.WhatChanged == nil {
		problems = append(problems, `missing "what_changed" array`)
	}
	if re.WhyItMatters == nil {
		problems = append(problems, `missing "why_it_matters" array`)
	}
	if re.WhatToMonitor == nil {
		problems = append(problems, `missing "what_to_monitor" array`)
	}
	if len(problems) > 0 {
		return models.Explanation{}, &strategy.SchemaError{Problems: problems}
	}

	e := models.Explanation{
		Summary:       strings.TrimSpace(re.Summary),
		WhatChanged:   *re.WhatChanged,
		WhyItMatters:  *re.WhyItMatters,
		WhatToMonitor: *re.WhatToMonitor,
		Limitations:   trimmed(re.Limitations),
	}
	for i := range e.WhatChanged {
		e.WhatChanged[i].EvidenceRefs = trimmed(e.WhatChanged[i].EvidenceRefs)
	}
	for i := range e.WhyItMatters {
		e.WhyItMatters[i].Impact = normalizeImpact(e.WhyItMatters[i].Impact)
		e.WhyItMatters[i].EvidenceRefs = trimmed(e.WhyItMatters[i].EvidenceRefs)
	}
	for i := range e.WhatToMonitor {
		e.WhatToMonitor[i].EvidenceRefs = trimmed(e.WhatToMonitor[i].EvidenceRefs)
	}
	return e, nil
}

func normalizeImpact(s string) string {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case models.ImpactPositive, models.ImpactNegative:
		return v
	default:
		return models.ImpactNeutral
	}
}

// Ground drops every entry with empty text, no citation, or a citation that
// does not resolve in pack. It returns the number of entries dropped.
func Ground(e *models.Explanation, pack *models.EvidencePack) int {
	dropped := 0
	keep := func(text string, refs []string) bool {
		ok := strings.TrimSpace(text) != "" && cited(refs, pack)
		if !ok {
			dropped++
		}
		return ok
	}

	changes := e.WhatChanged[:0]
	for _, c := range e.WhatChanged {
		if keep(c.Change, c.EvidenceRefs) {
			changes = append(changes, c)
		}
	}
	insights := e.WhyItMatters[:0]
	for _, in := range e.WhyItMatters {
		if keep(in.Insight, in.EvidenceRefs) {
			insights = append(insights, in)
		}
	}
	watch := e.WhatToMonitor[:0]
	for _, w := range e.WhatToMonitor {
		if keep(w.Metric, w.EvidenceRefs) {
			watch = append(watch, w)
		}
	}
	e.WhatChanged, e.WhyItMatters, e.WhatToMonitor = changes, insights, watch
	return dropped
}

func cited(refs []string, pack *models.EvidencePack) bool {
	if len(refs) == 0 {
		return false
	}
	for _, ref := range refs {
		if !pack.Contains(ref) {
			return false
		}
	}
	return true
}

// Empty reports whether no section kept an entry.
func Empty(e *models.Explanation) bool {
	return len(e.WhatChanged) == 0 && len(e.WhyItMatters) == 0 && len(e.WhatToMonitor) == 0
}

func trimmed(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
