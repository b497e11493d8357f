// Package store persists cases, their transitions and final responses.
package store

import (
	"context"
	"errors"

	"github.com/Kocoro-lab/riskcase/internal/models"
)

// ErrNotFound is returned when no row exists for the requested case.
var ErrNotFound = errors.New("case not found")

// Store is the case repository used by the manager and the HTTP API.
type Store interface {
	SaveCase(ctx context.Context, c models.Case) error
	SaveResponse(ctx context.Context, resp *models.RiskAnalysisResponse) error
	GetCase(ctx context.Context, id string) (models.Case, error)
	GetResponse(ctx context.Context, id string) (*models.RiskAnalysisResponse, error)
	Ping(ctx context.Context) error
	Close() error
}
