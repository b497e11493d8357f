package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Kocoro-lab/riskcase/internal/models"
)

// ErrNoJSON is returned when no JSON object can be found in a model reply.
var ErrNoJSON = errors.New("no JSON object in model response")

// SchemaError lists every way a reply departed from the action schema.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return "schema validation failed: " + strings.Join(e.Problems, "; ")
}

var (
	fencePattern         = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(\\{.*?\\})\\s*```")
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON pulls the JSON object out of a model reply. It accepts a bare
// object, a fenced block, or the outermost braces of surrounding prose, and
// tolerates trailing commas.
func ExtractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	candidates := []string{text}
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, m[1])
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		candidates = append(candidates, text[start:end+1])
	}
	for _, c := range candidates {
		if json.Valid([]byte(c)) && strings.HasPrefix(c, "{") {
			return c, nil
		}
		if fixed := trailingCommaPattern.ReplaceAllString(c, "$1"); json.Valid([]byte(fixed)) && strings.HasPrefix(fixed, "{") {
			return fixed, nil
		}
	}
	return "", ErrNoJSON
}

// horizonAliases maps accepted spellings onto wire horizons.
var horizonAliases = map[string]string{
	"near":      models.HorizonNear,
	"near_term": models.HorizonNear,
	"2_weeks":   models.HorizonNear,
	"mid":       models.HorizonMid,
	"mid_term":  models.HorizonMid,
	"60_days":   models.HorizonMid,
	"long":      models.HorizonLong,
	"long_term": models.HorizonLong,
	"6_months":  models.HorizonLong,
}

// NormalizeHorizon maps a horizon spelling to near, mid or long.
func NormalizeHorizon(h string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(h))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	v, ok := horizonAliases[key]
	return v, ok
}

type rawAction struct {
	Horizon        *string  `json:"horizon"`
	Action         *string  `json:"action"`
	Why            string   `json:"why"`
	ExpectedImpact string   `json:"expected_impact"`
	Effort         string   `json:"effort"`
	EvidenceRefs   []string `json:"evidence_refs"`
	SuccessMetric  string   `json:"success_metric"`
	Dependencies   any      `json:"dependencies"`
}

type rawDraft struct {
	Summary           *string      `json:"summary"`
	Actions           *[]rawAction `json:"actions"`
	QuestionsForUser  []string     `json:"questions_for_user"`
	PriorityRationale string       `json:"priority_rationale"`
	RiskIfNoAction    string       `json:"risk_if_no_action"`
}

// ParseDraft extracts and validates a StrategyDraft. Impact and effort are
// lower-cased but not range checked; out-of-range values are policy matters.
func ParseDraft(text string) (models.StrategyDraft, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return models.StrategyDraft{}, err
	}
	var rd rawDraft
	if err := json.Unmarshal([]byte(raw), &rd); err != nil {
		return models.StrategyDraft{}, &SchemaError{Problems: []string{err.Error()}}
	}

	var problems []string
	if rd.Summary == nil {
		problems = append(problems, `missing "summary"`)
	}
	if rd.Actions == nil {
		problems = append(problems, `missing "actions" array`)
	}

	draft := models.StrategyDraft{
		QuestionsForUser:  nonEmpty(rd.QuestionsForUser),
		PriorityRationale: strings.TrimSpace(rd.PriorityRationale),
		RiskIfNoAction:    strings.TrimSpace(rd.RiskIfNoAction),
	}
	if rd.Summary != nil {
		draft.Summary = strings.TrimSpace(*rd.Summary)
	}
	if rd.Actions != nil {
		draft.Actions = make([]models.StrategyAction, 0, len(*rd.Actions))
		for i, ra := range *rd.Actions {
			a, actionProblems := convertAction(ra)
			for _, p := range actionProblems {
				problems = append(problems, fmt.Sprintf("actions[%d]: %s", i, p))
			}
			draft.Actions = append(draft.Actions, a)
		}
	}
	if len(problems) > 0 {
		return models.StrategyDraft{}, &SchemaError{Problems: problems}
	}
	return draft, nil
}

func convertAction(ra rawAction) (models.StrategyAction, []string) {
	var problems []string
	a := models.StrategyAction{
		Why:            strings.TrimSpace(ra.Why),
		ExpectedImpact: strings.ToLower(strings.TrimSpace(ra.ExpectedImpact)),
		Effort:         strings.ToLower(strings.TrimSpace(ra.Effort)),
		EvidenceRefs:   nonEmpty(ra.EvidenceRefs),
		SuccessMetric:  strings.TrimSpace(ra.SuccessMetric),
		Dependencies:   stringList(ra.Dependencies),
	}
	if ra.Action == nil || strings.TrimSpace(*ra.Action) == "" {
		problems = append(problems, `missing "action" text`)
	} else {
		a.Action = strings.TrimSpace(*ra.Action)
	}
	if ra.Horizon == nil {
		problems = append(problems, `missing "horizon"`)
	} else if h, ok := NormalizeHorizon(*ra.Horizon); ok {
		a.Horizon = h
	} else {
		problems = append(problems, fmt.Sprintf("horizon %q is not one of near, mid, long", *ra.Horizon))
	}
	if a.EvidenceRefs == nil {
		a.EvidenceRefs = []string{}
	}
	return a, problems
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// stringList accepts a string or a list of strings.
func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		return nonEmpty([]string{t})
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}
