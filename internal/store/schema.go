package store

import "fmt"

// schema returns the DDL for driver. Payload columns are jsonb on postgres.
func schema(driver string) []string {
	doc := "TEXT"
	if driver == "postgres" {
		doc = "JSONB"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS cases (
	id TEXT PRIMARY KEY,
	raw_query TEXT NOT NULL,
	status TEXT NOT NULL,
	horizon_months INTEGER NOT NULL,
	as_of TIMESTAMP NOT NULL,
	request %s,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`, doc),
		`CREATE INDEX IF NOT EXISTS idx_cases_status ON cases (status)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS case_responses (
	case_id TEXT PRIMARY KEY REFERENCES cases (id),
	status TEXT NOT NULL,
	risk_score DOUBLE PRECISION,
	risk_band TEXT,
	model_version TEXT,
	qa_status TEXT NOT NULL,
	payload %s NOT NULL,
	completed_at TIMESTAMP NOT NULL
)`, doc),
		`CREATE TABLE IF NOT EXISTS case_transitions (
	case_id TEXT NOT NULL REFERENCES cases (id),
	seq INTEGER NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	note TEXT,
	at TIMESTAMP NOT NULL,
	PRIMARY KEY (case_id, seq)
)`,
	}
}
