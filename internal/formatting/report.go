// Package formatting renders a case response as a Markdown report.
package formatting

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Kocoro-lab/riskcase/internal/models"
	"github.com/Kocoro-lab/riskcase/internal/util"
)

const maxCellChars = 80

// Markdown renders resp for people. Every evidence id cited anywhere in the
// response is listed once under Sources.
func Markdown(resp *models.RiskAnalysisResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder

	title := "unresolved business"
	if resp.Entity != nil && resp.Entity.CanonicalName != "" {
		title = resp.Entity.CanonicalName
	}
	fmt.Fprintf(&b, "# Risk analysis: %s\n\n", title)
	fmt.Fprintf(&b, "Case `%s`, status **%s**, as of %s, horizon %d months.\n",
		resp.CaseID, resp.Status, resp.AsOf.Format("2006-01-02"), resp.HorizonMonths)

	if e := resp.Entity; e != nil {
		b.WriteString("\n## Business\n\n")
		fmt.Fprintf(&b, "%s, %s", e.CanonicalName, e.CanonicalAddress)
		if e.Neighborhood != "" {
			fmt.Fprintf(&b, " (%s)", e.Neighborhood)
		}
		fmt.Fprintf(&b, ". Match confidence %.2f.\n", e.MatchConfidence)
	}

	if r := resp.Risk; r != nil {
		b.WriteString("\n## Risk\n\n")
		fmt.Fprintf(&b, "**%s** risk, score %.2f (model %s).\n", strings.ToUpper(r.Band), r.Score, r.ModelVersion)
		if len(r.Drivers) > 0 {
			b.WriteString("\n| Driver | Direction | Contribution | Value | Evidence |\n")
			b.WriteString("|---|---|---|---|---|\n")
			for _, d := range r.Drivers {
				fmt.Fprintf(&b, "| %s | %s | %+.3f | %g | %s |\n",
					cell(d.Name), d.Direction, d.Contribution, d.Value, cell(strings.Join(d.EvidenceRefs, ", ")))
			}
		}
	}

	if e := resp.Explanation; e != nil {
		b.WriteString("\n## What it means\n")
		if e.Summary != "" {
			b.WriteString("\n" + e.Summary + "\n")
		}
		var changed, matters, watch []string
		for _, c := range e.WhatChanged {
			changed = append(changed, cited(c.Change, c.EvidenceRefs))
		}
		for _, in := range e.WhyItMatters {
			matters = append(matters, cited(fmt.Sprintf("%s (%s)", in.Insight, in.Impact), in.EvidenceRefs))
		}
		for _, w := range e.WhatToMonitor {
			text := w.Metric + ": " + w.Reason
			if w.Threshold != "" {
				text += ", act at " + w.Threshold
			}
			watch = append(watch, cited(text, w.EvidenceRefs))
		}
		writeSubList(&b, "What changed", changed)
		writeSubList(&b, "Why it matters", matters)
		writeSubList(&b, "What to monitor", watch)
	}

	b.WriteString("\n## Strategy\n\n")
	if resp.Strategy.Unavailable {
		b.WriteString("No validated strategy could be produced.\n")
	} else {
		if resp.Strategy.Summary != "" {
			b.WriteString(resp.Strategy.Summary + "\n\n")
		}
		for i, a := range resp.Strategy.Actions {
			fmt.Fprintf(&b, "%d. **%s** [%s, effort %s]. %s", i+1, a.Action, a.Horizon, a.Effort, a.Why)
			if a.ExpectedImpact != "" {
				fmt.Fprintf(&b, " Expected impact: %s.", strings.TrimSuffix(a.ExpectedImpact, "."))
			}
			if len(a.EvidenceRefs) > 0 {
				fmt.Fprintf(&b, " Evidence: %s.", strings.Join(a.EvidenceRefs, ", "))
			}
			b.WriteString("\n")
		}
	}
	writeList(&b, "Questions", resp.Strategy.QuestionsForUser)
	writeList(&b, "Limitations", resp.Limitations)
	writeList(&b, "Sources", sources(resp))
	return b.String()
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n\n", heading)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}

func writeSubList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n### %s\n\n", heading)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}

func cited(text string, refs []string) string {
	return fmt.Sprintf("%s. Evidence: %s.", strings.TrimSuffix(text, "."), strings.Join(refs, ", "))
}

func sources(resp *models.RiskAnalysisResponse) []string {
	seen := map[string]bool{}
	var out []string
	for _, ref := range resp.EvidenceRefs() {
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, "`"+ref+"`")
	}
	sort.Strings(out)
	return out
}

func cell(s string) string {
	return strings.ReplaceAll(util.TruncateString(s, maxCellChars, true), "|", "\\|")
}
