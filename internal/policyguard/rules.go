package policyguard

import "regexp"

// RuleKind decides what happens to an action a rule matches.
type RuleKind int

const (
	// KindDisclaimer strips the action unless one of the rule's disclaimers is present.
	KindDisclaimer RuleKind = iota
	// KindStrip always strips the action.
	KindStrip
)

// Rule is one language rule checked against action text.
type Rule struct {
	Name        string
	Kind        RuleKind
	Pattern     *regexp.Regexp
	Disclaimers []*regexp.Regexp
}

var (
	legalDisclaimer     = regexp.MustCompile(`(?i)(not legal advice|consult (an|a qualified|a licensed) (attorney|lawyer)|seek legal counsel)`)
	financialDisclaimer = regexp.MustCompile(`(?i)(not financial advice|consult (a|an) (financial advisor|financial adviser|accountant|cpa))`)
	medicalDisclaimer   = regexp.MustCompile(`(?i)(not medical advice|consult (a|your) (doctor|physician|health ?care provider))`)
)

// DefaultRules is the built-in rule table.
var DefaultRules = []Rule{
	{
		Name:        "legal_advice",
		Kind:        KindDisclaimer,
		Pattern:     regexp.MustCompile(`(?i)\b(sue|lawsuit|litigat\w*|legal action|breach of contract|file a claim against|your legal rights)\b`),
		Disclaimers: []*regexp.Regexp{legalDisclaimer},
	},
	{
		Name:        "financial_advice",
		Kind:        KindDisclaimer,
		Pattern:     regexp.MustCompile(`(?i)\b(invest (your )?(savings|retirement|money) in|take out a (personal |home equity )?loan|refinanc\w*|declare bankruptcy|buy (stocks?|shares|bonds|crypto\w*)|tax (shelter|avoidance))\b`),
		Disclaimers: []*regexp.Regexp{financialDisclaimer},
	},
	{
		Name:        "medical_advice",
		Kind:        KindDisclaimer,
		Pattern:     regexp.MustCompile(`(?i)\b(diagnos\w*|prescri\w*|medication)\b`),
		Disclaimers: []*regexp.Regexp{medicalDisclaimer},
	},
	{
		Name:    "discrimination",
		Kind:    KindStrip,
		Pattern: regexp.MustCompile(`(?i)\b(avoid|refuse|exclude|deny|screen out|turn away|discourage)\b[^.]{0,40}\b(race|racial|ethnic\w*|religio\w*|immigrants?|disab\w*|gender|pregnan\w*|homeless\w*|elderly|national origin)\b`),
	},
	{
		Name:    "pii_ssn",
		Kind:    KindStrip,
		Pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	},
	{
		Name:    "pii_email",
		Kind:    KindStrip,
		Pattern: regexp.MustCompile(`[a-zA-Z0-9_.%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
	},
	{
		Name:    "pii_phone",
		Kind:    KindStrip,
		Pattern: regexp.MustCompile(`(\(\d{3}\)\s?|\b\d{3}[-.\s])\d{3}[-.\s]\d{4}\b`),
	},
}

// rewrite softens one absolute phrase.
type rewrite struct {
	pattern *regexp.Regexp
	with    string
}

// softeners run in order; earlier, longer phrases win.
var softeners = []rewrite{
	{regexp.MustCompile(`(?i)\bwill definitely\b`), "may"},
	{regexp.MustCompile(`(?i)\bwill certainly\b`), "may"},
	{regexp.MustCompile(`(?i)\bguaranteed to\b`), "expected to"},
	{regexp.MustCompile(`(?i)\bguaranteed\b`), "expected"},
	{regexp.MustCompile(`(?i)\bguarantees?\b`), "aims for"},
	{regexp.MustCompile(`100\s?%`), "substantially"},
	{regexp.MustCompile(`(?i)\brisk[- ]free\b`), "lower-risk"},
}

// soften rewrites absolute language and reports the phrases it replaced.
func soften(text string) (string, []string) {
	var hits []string
	for _, r := range softeners {
		for _, m := range r.pattern.FindAllString(text, -1) {
			hits = append(hits, m)
		}
		text = r.pattern.ReplaceAllString(text, r.with)
	}
	return text, hits
}
