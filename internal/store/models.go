package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Kocoro-lab/riskcase/internal/models"
)

// JSON is a json document column. It is written as text so that the same
// value binds to a postgres jsonb column and a sqlite text column.
type JSON []byte

// Value implements the driver.Valuer interface
func (j JSON) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements the sql.Scanner interface
func (j *JSON) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSON(nil), v...)
	case string:
		*j = JSON(v)
	default:
		return fmt.Errorf("cannot scan %T into JSON", value)
	}
	return nil
}

// CaseRow is one row of the cases table.
type CaseRow struct {
	ID            string    `db:"id"`
	RawQuery      string    `db:"raw_query"`
	Status        string    `db:"status"`
	HorizonMonths int       `db:"horizon_months"`
	AsOf          time.Time `db:"as_of"`
	Request       JSON      `db:"request"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func caseRow(c models.Case, now time.Time) (CaseRow, error) {
	req, err := json.Marshal(c.Request)
	if err != nil {
		return CaseRow{}, fmt.Errorf("encode request: %w", err)
	}
	return CaseRow{
		ID:            c.ID,
		RawQuery:      c.RawQuery,
		Status:        string(c.Status),
		HorizonMonths: c.HorizonMonths,
		AsOf:          c.AsOf.UTC(),
		Request:       req,
		CreatedAt:     c.CreatedAt.UTC(),
		UpdatedAt:     now.UTC(),
	}, nil
}

// Case converts the row back into the domain type.
func (r CaseRow) Case() (models.Case, error) {
	c := models.Case{
		ID:            r.ID,
		RawQuery:      r.RawQuery,
		Status:        models.CaseState(r.Status),
		HorizonMonths: r.HorizonMonths,
		AsOf:          r.AsOf.UTC(),
		CreatedAt:     r.CreatedAt.UTC(),
	}
	if len(r.Request) > 0 {
		if err := json.Unmarshal(r.Request, &c.Request); err != nil {
			return models.Case{}, fmt.Errorf("decode request of %s: %w", r.ID, err)
		}
	}
	return c, nil
}

// ResponseRow is one row of the case_responses table. Score and band are
// denormalized out of the payload for reporting queries.
type ResponseRow struct {
	CaseID       string    `db:"case_id"`
	Status       string    `db:"status"`
	RiskScore    *float64  `db:"risk_score"`
	RiskBand     *string   `db:"risk_band"`
	ModelVersion *string   `db:"model_version"`
	QAStatus     string    `db:"qa_status"`
	Payload      JSON      `db:"payload"`
	CompletedAt  time.Time `db:"completed_at"`
}

func responseRow(resp *models.RiskAnalysisResponse) (ResponseRow, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return ResponseRow{}, fmt.Errorf("encode response: %w", err)
	}
	row := ResponseRow{
		CaseID:      resp.CaseID,
		Status:      string(resp.Status),
		QAStatus:    resp.Audit.QAStatus,
		Payload:     payload,
		CompletedAt: resp.Audit.CompletedAt.UTC(),
	}
	if r := resp.Risk; r != nil {
		score, band, version := r.Score, r.Band, r.ModelVersion
		row.RiskScore, row.RiskBand, row.ModelVersion = &score, &band, &version
	}
	return row, nil
}

// Response decodes the stored payload.
func (r ResponseRow) Response() (*models.RiskAnalysisResponse, error) {
	var resp models.RiskAnalysisResponse
	if err := json.Unmarshal(r.Payload, &resp); err != nil {
		return nil, fmt.Errorf("decode response of %s: %w", r.CaseID, err)
	}
	return &resp, nil
}
