package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Kocoro-lab/riskcase/internal/models"
)

// TransitionRow is one persisted state change.
type TransitionRow struct {
	CaseID string    `db:"case_id"`
	Seq    int       `db:"seq"`
	From   string    `db:"from_state"`
	To     string    `db:"to_state"`
	Note   *string   `db:"note"`
	At     time.Time `db:"at"`
}

// writeTransitions replaces the transition log of a case.
func writeTransitions(ctx context.Context, tx *sqlx.Tx, caseID string, transitions []models.Transition) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM case_transitions WHERE case_id = ?`), caseID); err != nil {
		return err
	}
	for i, t := range transitions {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO case_transitions (case_id, seq, from_state, to_state, note, at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			caseID, i+1, string(t.From), string(t.To), nullIfEmpty(t.Note), t.At.UTC())
		if err != nil {
			return err
		}
	}
	return nil
}

// Transitions returns the recorded state changes of a case in order.
func (s *SQLStore) Transitions(ctx context.Context, caseID string) ([]models.Transition, error) {
	var rows []TransitionRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT case_id, seq, from_state, to_state, note, at
		FROM case_transitions WHERE case_id = ? ORDER BY seq`, caseID); err != nil {
		return nil, err
	}
	out := make([]models.Transition, len(rows))
	for i, r := range rows {
		out[i] = models.Transition{From: models.CaseState(r.From), To: models.CaseState(r.To), At: r.At.UTC()}
		if r.Note != nil {
			out[i].Note = *r.Note
		}
	}
	return out, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
