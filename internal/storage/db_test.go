// Copyright 2025 James Ross
package storage

import (
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/flyingrobots/taskqueue/internal/breaker"
	"github.com/flyingrobots/taskqueue/internal/taskerrors"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	return &DB{
		sqlx:               sqlx.NewDb(mockDB, "postgres"),
		driver:             "postgres",
		log:                zap.NewNop(),
		breaker:            breaker.New(time.Minute, time.Second, 0.99, 1000),
		slowQueryThreshold: 0,
		deadlockMaxRetries: 2,
	}, mock
}

func TestClassifyUniqueViolation(t *testing.T) {
	err := classify("postgres", &pq.Error{Code: "23505"})
	require.True(t, errors.Is(err, taskerrors.ErrUniqueViolation))
}

func TestWithDeadlockRetryRetriesThenSucceeds(t *testing.T) {
	db, _ := newMockDB(t)

	calls := 0
	err := db.WithDeadlockRetry(nil, func() error {
		calls++
		if calls < 2 {
			return classify("postgres", &pq.Error{Code: "40P01"})
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestWithDeadlockRetryGivesUpAfterMax(t *testing.T) {
	db, _ := newMockDB(t)
	db.deadlockMaxRetries = 2

	calls := 0
	err := db.WithDeadlockRetry(nil, func() error {
		calls++
		return classify("postgres", &pq.Error{Code: "40P01"})
	})
	require.Error(t, err)
	require.Equal(t, 3, calls) // initial + 2 retries
}

func TestWithDeadlockRetryDoesNotRetryNonDeadlock(t *testing.T) {
	db, _ := newMockDB(t)

	calls := 0
	err := db.WithDeadlockRetry(nil, func() error {
		calls++
		return classify("postgres", &pq.Error{Code: "23505"})
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
