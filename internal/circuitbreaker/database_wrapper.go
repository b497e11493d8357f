package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper wraps the case store connection with a circuit breaker
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	config := SettingsFor("database").ToConfig()
	// missing rows are an answer, not an outage
	config.IsFailure = func(err error) bool {
		return countsAsFailure(err) && !errors.Is(err, sql.ErrNoRows)
	}
	cb := NewCircuitBreaker(driverName(db), config, logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(cb.Name(), "case-store", cb)

	return &DatabaseWrapper{db: db, cb: cb, logger: logger}
}

func driverName(db *sqlx.DB) string {
	if db == nil || db.DriverName() == "" {
		return "database"
	}
	return db.DriverName()
}

func (dw *DatabaseWrapper) record(err error) {
	GlobalMetricsCollector.RecordRequest(dw.cb.Name(), "case-store", dw.cb.State(), err == nil || errors.Is(err, sql.ErrNoRows))
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	err := dw.cb.Execute(ctx, func() error { return dw.db.PingContext(ctx) })
	dw.record(err)
	return err
}

// ExecContext wraps an exec with circuit breaker
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.cb.Execute(ctx, func() error {
		var execErr error
		result, execErr = dw.db.ExecContext(ctx, dw.db.Rebind(query), args...)
		return execErr
	})
	dw.record(err)
	return result, err
}

// GetContext wraps sqlx GetContext with circuit breaker
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := dw.cb.Execute(ctx, func() error {
		return dw.db.GetContext(ctx, dest, dw.db.Rebind(query), args...)
	})
	dw.record(err)
	return err
}

// SelectContext wraps sqlx SelectContext with circuit breaker
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := dw.cb.Execute(ctx, func() error {
		return dw.db.SelectContext(ctx, dest, dw.db.Rebind(query), args...)
	})
	dw.record(err)
	return err
}

// WithTx runs fn in a transaction admitted by the breaker as a single call.
func (dw *DatabaseWrapper) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	err := dw.cb.Execute(ctx, func() error {
		tx, err := dw.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				dw.logger.Warn("Rollback failed", zap.Error(rbErr))
			}
			return err
		}
		return tx.Commit()
	})
	dw.record(err)
	return err
}

// Breaker exposes the underlying breaker for health checks.
func (dw *DatabaseWrapper) Breaker() *CircuitBreaker { return dw.cb }

// DB returns the raw connection.
func (dw *DatabaseWrapper) DB() *sqlx.DB { return dw.db }

// Close closes the underlying connection.
func (dw *DatabaseWrapper) Close() error { return dw.db.Close() }
