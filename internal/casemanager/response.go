package casemanager

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Kocoro-lab/riskcase/internal/identity"
	"github.com/Kocoro-lab/riskcase/internal/models"
)

// NeedsConfirmation reports whether a resolution error should be surfaced to
// the caller for confirmation rather than failing the case.
func NeedsConfirmation(err error) bool {
	return errors.Is(err, identity.ErrAmbiguousEntity) ||
		errors.Is(err, identity.ErrLowConfidence) ||
		errors.Is(err, identity.ErrNoCandidates)
}

// ConfirmationPrompt turns a resolution error into limitations and questions.
func ConfirmationPrompt(err error) (limitations, questions []string) {
	var amb *identity.AmbiguousEntityError
	var low *identity.LowConfidenceError
	switch {
	case errors.As(err, &amb):
		options := make([]string, len(amb.Candidates))
		for i, c := range amb.Candidates {
			options[i] = fmt.Sprintf("%s at %s", c.Name, c.Address)
		}
		limitations = append(limitations, fmt.Sprintf("%d registered businesses match the request equally well", len(amb.Candidates)))
		questions = append(questions, "Which business did you mean: "+strings.Join(options, "; ")+"?")
	case errors.As(err, &low):
		limitations = append(limitations, fmt.Sprintf("Best registry match %q scored %.2f, below the %.2f threshold", low.Best.Name, low.Best.Score, low.Threshold))
		questions = append(questions, fmt.Sprintf("Is %s at %s the business you asked about?", low.Best.Name, low.Best.Address))
	default:
		limitations = append(limitations, "No registered business matched the request")
		questions = append(questions, "Can you provide the registered business name and full street address?")
	}
	return limitations, questions
}

// Record accumulates what a response is assembled from. Stages fill it in
// as they complete; a case ending early leaves later fields empty.
type Record struct {
	Case          models.Case
	Entity        *models.Entity
	Assessment    *Assessment
	Planning      *Planning
	Limitations   []string
	Questions     []string
	AgentVersions map[string]string
}

// Assemble builds the response for a terminal state. It always returns a
// well-formed payload: strategy actions and limitations are never nil.
func Assemble(rec Record, state models.CaseState, transitions []models.Transition, completedAt time.Time) *models.RiskAnalysisResponse {
	resp := &models.RiskAnalysisResponse{
		CaseID:        rec.Case.ID,
		Status:        state,
		AsOf:          rec.Case.AsOf,
		HorizonMonths: rec.Case.HorizonMonths,
		Entity:        rec.Entity,
		Strategy: models.StrategyView{
			Actions:          []models.StrategyAction{},
			QuestionsForUser: []string{},
			Unavailable:      true,
		},
		Limitations: []string{},
		Audit: models.AuditRecord{
			CaseID:          rec.Case.ID,
			DatasetVersions: map[string]string{},
			AgentVersions:   rec.AgentVersions,
			QAStatus:        models.QANotRun,
			RetryCounts:     map[string]int{"strategy": 0, "qa": 0},
			Transitions:     transitions,
			CompletedAt:     completedAt.UTC(),
		},
	}
	if resp.Audit.AgentVersions == nil {
		resp.Audit.AgentVersions = map[string]string{}
	}
	if resp.Audit.Transitions == nil {
		resp.Audit.Transitions = []models.Transition{}
	}

	if a := rec.Assessment; a != nil {
		score := a.Score
		resp.Risk = &score
		resp.Limitations = append(resp.Limitations, a.Limitations...)
		resp.Audit.DataPulledAt = a.DataPulledAt
		for k, v := range a.DatasetVersions {
			resp.Audit.DatasetVersions[k] = v
		}
		resp.Audit.DegradedSources = append([]string(nil), a.Degraded...)
	}

	if p := rec.Planning; p != nil {
		resp.Explanation = p.Explanation
		if p.ExplainFailure != "" {
			resp.Limitations = append(resp.Limitations, "Plain-language explanation unavailable: "+p.ExplainFailure)
		}
		resp.Audit.QAStatus = p.QAStatus
		resp.Audit.QAReasons = p.QAReasons
		resp.Audit.PolicyViolations = p.PolicyViolations
		resp.Audit.RetryCounts["strategy"] = max(p.StrategyAttempts-p.Rounds, 0)
		resp.Audit.RetryCounts["qa"] = max(p.Rounds-1, 0)
		if !p.Unavailable && state == models.StateComplete {
			resp.Strategy = models.StrategyView{
				Summary:          p.Draft.Summary,
				Actions:          nonNilActions(p.Draft.Actions),
				QuestionsForUser: nonNilStrings(p.Draft.QuestionsForUser),
			}
		}
		switch {
		case state == models.StateQAFailed:
			resp.Limitations = append(resp.Limitations,
				"Strategy unavailable: no draft passed quality checks within the retry budget")
		case state != models.StateComplete:
			resp.Limitations = append(resp.Limitations, "Strategy unavailable: the case ended before a plan was validated")
		case p.Unavailable:
			resp.Limitations = append(resp.Limitations,
				"Strategy unavailable: the strategy model did not return a valid plan")
		}
	} else if state != models.StateComplete {
		resp.Limitations = append(resp.Limitations, "Strategy unavailable: the case ended before a plan was drafted")
	}

	resp.Limitations = append(resp.Limitations, rec.Limitations...)
	resp.Strategy.QuestionsForUser = append(resp.Strategy.QuestionsForUser, rec.Questions...)
	return resp
}

func nonNilActions(a []models.StrategyAction) []models.StrategyAction {
	if a == nil {
		return []models.StrategyAction{}
	}
	return a
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
