package strategy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Kocoro-lab/riskcase/internal/models"
)

const systemPrompt = `You are a strategic advisor for small businesses in San Francisco. You write prioritized plans that reduce the risk of a business closing.

Rules:
- Use only the facts listed under "Evidence items". Do not introduce any other facts, figures or events.
- Every action must cite at least one evidence id from that list in "evidence_refs".
- Do not give legal, financial or medical advice. If an action touches on legal or financial matters, say it is not legal or financial advice and suggest consulting a professional.
- Never promise outcomes.
- If the data is insufficient, say so in the summary and ask clarifying questions.
- Respond with a single JSON object and nothing else.`

const schemaDescription = `Respond with this JSON object:
{
  "summary": "2-3 sentence executive summary",
  "actions": [
    {
      "horizon": "near" | "mid" | "long",
      "action": "specific, actionable recommendation",
      "why": "how this addresses the risk, citing the evidence",
      "expected_impact": "low" | "medium" | "high",
      "effort": "low" | "medium" | "high",
      "evidence_refs": ["ev-..."],
      "success_metric": "how to measure success",
      "dependencies": ["prerequisites, if any"]
    }
  ],
  "questions_for_user": ["questions that would refine the plan"],
  "priority_rationale": "why the actions are ordered this way",
  "risk_if_no_action": "consequences of inaction"
}
near is the next two weeks, mid the next 60 days, long the next six months.`

// BuildPrompt renders the system and user messages for one attempt. feedback
// carries QA reasons from a rejected round; repair carries the validation
// error of the previous reply in this round.
func BuildPrompt(pack models.EvidencePack, feedback []string, repair string) (system, user string) {
	var b strings.Builder

	b.WriteString("## Business\n")
	b.WriteString(pack.EntitySummary)
	b.WriteString("\n\n## Risk assessment\n")
	fmt.Fprintf(&b, "Score: %.2f (%s risk)\n", pack.RiskScore, pack.RiskBand)
	fmt.Fprintf(&b, "Analysis date: %s\nHorizon: %d months\n", pack.AsOf.Format("2006-01-02"), pack.HorizonMonths)

	b.WriteString("\n## Top risk drivers\n")
	if len(pack.TopDrivers) == 0 {
		b.WriteString("- none above the reporting threshold\n")
	}
	for _, d := range pack.TopDrivers {
		fmt.Fprintf(&b, "- %s (%s, contribution %+.3f) evidence: %s\n",
			d.Name, d.Direction, d.Contribution, strings.Join(d.EvidenceRefs, ", "))
	}

	if len(pack.SignalSummaries) > 0 {
		b.WriteString("\n## Signal summaries\n")
		keys := make([]string, 0, len(pack.SignalSummaries))
		for k := range pack.SignalSummaries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, pack.SignalSummaries[k])
		}
	}

	b.WriteString("\n## Evidence items (cite these ids)\n")
	for _, item := range pack.EvidenceItems {
		fmt.Fprintf(&b, "- [%s] %s (source: %s, date: %s)\n", item.ID, item.Content, item.Source, item.AsOf.Format("2006-01-02"))
	}

	writeList(&b, "Data gaps", pack.DataGaps)
	writeList(&b, "Confidence notes", pack.ConfidenceNotes)

	if len(feedback) > 0 {
		writeList(&b, "A reviewer rejected the previous plan for these reasons; fix them", feedback)
	}

	b.WriteString("\n## Output\n")
	b.WriteString(schemaDescription)
	b.WriteString("\n")

	if repair != "" {
		b.WriteString("\n## Your previous reply was invalid\n")
		b.WriteString(repair)
		b.WriteString("\nReturn only the corrected JSON object.\n")
	}
	return systemPrompt, b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}
