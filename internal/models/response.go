package models

import "time"

// RiskAnalysisResponse is the payload returned for every terminal case state.
type RiskAnalysisResponse struct {
	CaseID        string       `json:"case_id"`
	Status        CaseState    `json:"status"`
	AsOf          time.Time    `json:"as_of"`
	HorizonMonths int          `json:"horizon_months"`
	Entity        *Entity      `json:"entity,omitempty"`
	Risk          *RiskScore   `json:"risk,omitempty"`
	Explanation   *Explanation `json:"explanation,omitempty"`
	Strategy      StrategyView `json:"strategy"`
	Limitations   []string     `json:"limitations"`
	Audit         AuditRecord  `json:"audit"`
}

// StrategyView is the strategy block of a response. Unavailable is set
// whenever no validated plan could be produced.
type StrategyView struct {
	Summary          string           `json:"summary"`
	Actions          []StrategyAction `json:"actions"`
	QuestionsForUser []string         `json:"questions_for_user"`
	Unavailable      bool             `json:"unavailable,omitempty"`
}

// EvidenceRefs returns every evidence id cited by the drivers, the
// explanation and the actions of the response.
func (r *RiskAnalysisResponse) EvidenceRefs() []string {
	var refs []string
	if r.Risk != nil {
		for _, d := range r.Risk.Drivers {
			refs = append(refs, d.EvidenceRefs...)
		}
	}
	refs = append(refs, r.Explanation.EvidenceRefs()...)
	for _, a := range r.Strategy.Actions {
		refs = append(refs, a.EvidenceRefs...)
	}
	return refs
}
