package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDatabaseWrapperTreatsNoRowsAsAnswer(t *testing.T) {
	t.Setenv("CB_DATABASE_FAILURE_THRESHOLD", "1")
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	dw := NewDatabaseWrapper(sqlx.NewDb(raw, "sqlmock"), zaptest.NewLogger(t))
	mock.ExpectQuery("SELECT status FROM cases").WillReturnError(sql.ErrNoRows)

	var status string
	err = dw.GetContext(context.Background(), &status, "SELECT status FROM cases WHERE id = ?", "case-1")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.Equal(t, StateClosed, dw.Breaker().State())

	mock.ExpectQuery("SELECT status FROM cases").WillReturnError(errors.New("connection reset"))
	err = dw.GetContext(context.Background(), &status, "SELECT status FROM cases WHERE id = ?", "case-1")
	assert.Error(t, err)
	assert.Equal(t, StateOpen, dw.Breaker().State())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisWrapperTreatsMissingKeyAsAnswer(t *testing.T) {
	t.Setenv("CB_REDIS_FAILURE_THRESHOLD", "1")
	mr := miniredis.RunT(t)
	rw := NewRedisWrapper(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zaptest.NewLogger(t))
	defer rw.Close()
	ctx := context.Background()

	_, err := rw.Get(ctx, "socrata:missing")
	assert.ErrorIs(t, err, redis.Nil)
	assert.Equal(t, StateClosed, rw.Breaker().State())

	require.NoError(t, rw.Set(ctx, "socrata:k", []byte("v"), 0))
	got, err := rw.Get(ctx, "socrata:k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	mr.Close()
	_, err = rw.Get(ctx, "socrata:k")
	assert.Error(t, err)
	assert.Equal(t, StateOpen, rw.Breaker().State())
}
