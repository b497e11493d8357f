// Package policyguard is the rule-based filter between a generated strategy
// draft and the QA critic. It never calls a language model.
package policyguard

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/metrics"
	"github.com/Kocoro-lab/riskcase/internal/models"
	"github.com/Kocoro-lab/riskcase/internal/policy"
)

// Version of the rule table.
const Version = "1.0.0"

// Rule names that are not part of the language table.
const (
	RuleUnknownEvidence = "unknown_evidence_ref"
	RuleInvalidEnum     = "invalid_enum"
	RulePolicyPrefix    = "policy:"
)

// Violation is one problem found in a draft. Action is the index in the
// incoming draft, or -1 for the draft as a whole.
type Violation struct {
	Rule     string `json:"rule"`
	Action   int    `json:"action"`
	Detail   string `json:"detail"`
	Stripped bool   `json:"stripped"`
}

func (v Violation) String() string {
	if v.Action < 0 {
		return fmt.Sprintf("%s: %s", v.Rule, v.Detail)
	}
	return fmt.Sprintf("action %d %s: %s", v.Action+1, v.Rule, v.Detail)
}

// Result is the cleaned draft plus what was found. Notes record softening
// rewrites; they are not violations.
type Result struct {
	Draft      models.StrategyDraft `json:"draft"`
	Violations []Violation          `json:"violations"`
	Notes      []string             `json:"notes,omitempty"`
}

// Passed reports whether the draft needed no stripping.
func (r Result) Passed() bool { return len(r.Violations) == 0 }

// Reasons renders the violations for QA feedback.
func (r Result) Reasons() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.String())
	}
	return out
}

// Guard applies the rule table and the optional rego policies.
type Guard struct {
	rules  []Rule
	engine policy.Engine
	logger *zap.Logger
}

// New creates a guard. engine may be nil.
func New(engine policy.Engine, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{rules: DefaultRules, engine: engine, logger: logger}
}

// Check filters draft against pack. The input draft is never modified.
func (g *Guard) Check(ctx context.Context, caseID string, pack *models.EvidencePack, draft models.StrategyDraft) Result {
	d := draft.Clone()
	res := Result{}
	ids := pack.IDSet()

	summary, hits := soften(d.Summary)
	if len(hits) > 0 {
		d.Summary = summary
		res.Notes = append(res.Notes, fmt.Sprintf("summary: softened %s", quoteAll(hits)))
	}

	kept := make([]models.StrategyAction, 0, len(d.Actions))
	origin := make([]int, 0, len(d.Actions))
	for i, a := range d.Actions {
		a, notes := softenAction(a)
		for _, n := range notes {
			res.Notes = append(res.Notes, fmt.Sprintf("action %d: %s", i+1, n))
		}
		found := g.checkAction(i, a, ids)
		if len(found) > 0 {
			res.Violations = append(res.Violations, found...)
			continue
		}
		kept = append(kept, a)
		origin = append(origin, i)
	}
	d.Actions = kept

	if g.engine != nil && g.engine.IsEnabled() {
		d, origin = g.applyPolicy(ctx, caseID, pack, d, origin, &res)
	}

	for _, v := range res.Violations {
		metrics.PolicyViolations.WithLabelValues(metricRule(v.Rule)).Inc()
	}
	if len(res.Violations) > 0 {
		g.logger.Info("Policy guard stripped actions",
			zap.String("case_id", caseID),
			zap.Int("violations", len(res.Violations)),
			zap.Int("kept", len(d.Actions)),
		)
	}
	res.Draft = d
	return res
}

// checkAction returns every violation of one action; any violation strips it.
func (g *Guard) checkAction(i int, a models.StrategyAction, ids map[string]struct{}) []Violation {
	var out []Violation
	var unknown []string
	for _, ref := range a.EvidenceRefs {
		if _, ok := ids[ref]; !ok {
			unknown = append(unknown, ref)
		}
	}
	if len(unknown) > 0 {
		out = append(out, Violation{Rule: RuleUnknownEvidence, Action: i, Stripped: true,
			Detail: "cites evidence not in the pack: " + strings.Join(unknown, ", ")})
	}
	if !validLevel(a.ExpectedImpact) || !validLevel(a.Effort) {
		out = append(out, Violation{Rule: RuleInvalidEnum, Action: i, Stripped: true,
			Detail: fmt.Sprintf("expected_impact %q / effort %q outside low|medium|high", a.ExpectedImpact, a.Effort)})
	}
	if !validHorizon(a.Horizon) {
		out = append(out, Violation{Rule: RuleInvalidEnum, Action: i, Stripped: true,
			Detail: fmt.Sprintf("horizon %q outside near|mid|long", a.Horizon)})
	}

	text := actionText(a)
	for _, r := range g.rules {
		m := r.Pattern.FindString(text)
		if m == "" {
			continue
		}
		if r.Kind == KindDisclaimer && hasDisclaimer(text, r.Disclaimers) {
			continue
		}
		detail := fmt.Sprintf("matched %q", m)
		if r.Kind == KindDisclaimer {
			detail += " without a disclaimer"
		}
		if strings.HasPrefix(r.Name, "pii_") {
			detail = "contains personal data"
		}
		out = append(out, Violation{Rule: r.Name, Action: i, Detail: detail, Stripped: true})
	}
	return out
}

// applyPolicy evaluates the rego layer over the cleaned draft. Enforced
// denials strip the named action; draft-level denials are reported only.
func (g *Guard) applyPolicy(ctx context.Context, caseID string, pack *models.EvidencePack, d models.StrategyDraft, origin []int, res *Result) (models.StrategyDraft, []int) {
	in := &policy.Input{
		CaseID:      caseID,
		RiskBand:    pack.RiskBand,
		EvidenceIDs: evidenceIDs(pack),
		DataGaps:    pack.DataGaps,
		Draft:       d,
	}
	decision, err := g.engine.Evaluate(ctx, in)
	if err != nil {
		g.logger.Warn("Policy evaluation error", zap.String("case_id", caseID), zap.Error(err))
	}
	if decision == nil || !decision.Enforced {
		return d, origin
	}

	denied := decision.Denied()
	for idx, reasons := range denied {
		if idx >= 0 {
			continue
		}
		for _, reason := range reasons {
			res.Violations = append(res.Violations, Violation{Rule: RulePolicyPrefix + "draft", Action: -1, Detail: reason})
		}
	}

	kept := d.Actions[:0:0]
	keptOrigin := origin[:0:0]
	for i, a := range d.Actions {
		reasons, ok := denied[i]
		if !ok {
			kept = append(kept, a)
			keptOrigin = append(keptOrigin, origin[i])
			continue
		}
		for _, reason := range reasons {
			res.Violations = append(res.Violations, Violation{Rule: RulePolicyPrefix + "deny", Action: origin[i], Detail: reason, Stripped: true})
		}
	}
	d.Actions = kept
	return d, keptOrigin
}

func softenAction(a models.StrategyAction) (models.StrategyAction, []string) {
	var notes []string
	fields := []struct {
		name string
		val  *string
	}{
		{"action", &a.Action},
		{"why", &a.Why},
		{"success_metric", &a.SuccessMetric},
	}
	for _, f := range fields {
		out, hits := soften(*f.val)
		if len(hits) == 0 {
			continue
		}
		*f.val = out
		notes = append(notes, fmt.Sprintf("softened %s in %s", quoteAll(hits), f.name))
	}
	return a, notes
}

func actionText(a models.StrategyAction) string {
	return strings.Join([]string{a.Action, a.Why, a.SuccessMetric}, "\n")
}

func hasDisclaimer(text string, disclaimers []*regexp.Regexp) bool {
	for _, d := range disclaimers {
		if d.MatchString(text) {
			return true
		}
	}
	return false
}

func validLevel(v string) bool {
	switch v {
	case models.LevelLow, models.LevelMedium, models.LevelHigh:
		return true
	}
	return false
}

func validHorizon(v string) bool {
	switch v {
	case models.HorizonNear, models.HorizonMid, models.HorizonLong:
		return true
	}
	return false
}

func evidenceIDs(pack *models.EvidencePack) []string {
	out := make([]string, 0, len(pack.EvidenceItems))
	for _, item := range pack.EvidenceItems {
		out = append(out, item.ID)
	}
	return out
}

func quoteAll(ss []string) string {
	q := make([]string, len(ss))
	for i, s := range ss {
		q[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(q, ", ")
}

// metricRule keeps the label set bounded.
func metricRule(rule string) string {
	if strings.HasPrefix(rule, RulePolicyPrefix) {
		return "policy"
	}
	return rule
}
