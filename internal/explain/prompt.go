package explain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Kocoro-lab/riskcase/internal/models"
)

const systemPrompt = `You are a business risk analyst explaining a risk assessment to the owner of a small business in San Francisco.

Rules:
- Use only the facts listed under "Evidence items". Do not introduce any other facts, figures or events.
- Every entry must cite at least one evidence id from that list in "evidence_refs".
- If data is missing, say so under "limitations".
- Use plain language and be specific about numbers and timeframes.
- Respond with a single JSON object and nothing else.`

const schemaDescription = `Respond with this JSON object:
{
  "what_changed": [
    {"change": "a recent development affecting risk", "timeframe": "when it happened", "evidence_refs": ["ev-..."]}
  ],
  "why_it_matters": [
    {"insight": "why the change affects the business", "impact": "positive" | "negative" | "neutral", "evidence_refs": ["ev-..."]}
  ],
  "what_to_monitor": [
    {"metric": "what to watch", "reason": "why", "threshold": "level that should prompt action", "evidence_refs": ["ev-..."]}
  ],
  "summary": "one paragraph summary",
  "limitations": ["caveats about the analysis"]
}`

// BuildPrompt renders the messages of an explanation call. repair carries
// the validation error of the previous reply.
func BuildPrompt(pack models.EvidencePack, repair string) (system, user string) {
	var b strings.Builder

	b.WriteString("## Business\n")
	b.WriteString(pack.EntitySummary)
	fmt.Fprintf(&b, "\n\n## Risk score\nScore: %.2f (%s risk)\nHorizon: %d months\n", pack.RiskScore, pack.RiskBand, pack.HorizonMonths)

	b.WriteString("\n## Top risk drivers\n")
	if len(pack.TopDrivers) == 0 {
		b.WriteString("- none identified\n")
	}
	for i, d := range pack.TopDrivers {
		fmt.Fprintf(&b, "%d. %s (%s, contribution %+.3f) refs: %s\n",
			i+1, d.Name, d.Direction, d.Contribution, strings.Join(d.EvidenceRefs, ", "))
	}

	b.WriteString("\n## Signal summaries\n")
	if len(pack.SignalSummaries) == 0 {
		b.WriteString("- no signals available\n")
	}
	keys := make([]string, 0, len(pack.SignalSummaries))
	for k := range pack.SignalSummaries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, pack.SignalSummaries[k])
	}

	b.WriteString("\n## Evidence items (cite these ids)\n")
	for _, item := range pack.EvidenceItems {
		fmt.Fprintf(&b, "- [%s] %s (source: %s)\n", item.ID, item.Content, item.Source)
	}

	b.WriteString("\n## Data gaps\n")
	if len(pack.DataGaps) == 0 {
		b.WriteString("- none identified\n")
	}
	for _, g := range pack.DataGaps {
		fmt.Fprintf(&b, "- %s\n", g)
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
