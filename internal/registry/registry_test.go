// Copyright 2025 James Ross
package registry

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/flyingrobots/taskqueue/internal/storage"
	"github.com/flyingrobots/taskqueue/internal/taskerrors"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := storage.NewForTesting(sqlx.NewDb(mockDB, "postgres"), "postgres")
	return New(db), mock
}

func TestRegisterInsertsNewType(t *testing.T) {
	r, mock := newTestRegistry(t)

	mock.ExpectExec("INSERT INTO task_types").
		WithArgs("email.send", "1", `{"type":"object"}`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT id, name, version, param_schema, is_active, created_at, updated_at").
		WithArgs("email.send").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "version", "param_schema", "is_active", "created_at", "updated_at"}).
			AddRow(1, "email.send", "1", `{"type":"object"}`, true, time.Now(), time.Now()))

	got, err := r.Register(context.Background(), "email.send", "1", `{"type":"object"}`)
	require.NoError(t, err)
	require.Equal(t, "email.send", got.Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterRetriesAsUpdateOnConflict(t *testing.T) {
	r, mock := newTestRegistry(t)

	mock.ExpectExec("INSERT INTO task_types").
		WithArgs("email.send", "2", `{"type":"object"}`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectExec("UPDATE task_types").
		WithArgs("2", `{"type":"object"}`, "email.send").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, name, version, param_schema, is_active, created_at, updated_at").
		WithArgs("email.send").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "version", "param_schema", "is_active", "created_at", "updated_at"}).
			AddRow(1, "email.send", "2", `{"type":"object"}`, true, time.Now(), time.Now()))

	got, err := r.Register(context.Background(), "email.send", "2", `{"type":"object"}`)
	require.NoError(t, err)
	require.Equal(t, "2", got.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterRejectsInvalidSchema(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Register(context.Background(), "bad.type", "1", `not json`)
	require.ErrorIs(t, err, taskerrors.ErrInvalidSchema)
}

func TestGetReturnsNotFoundOnNoRows(t *testing.T) {
	r, mock := newTestRegistry(t)

	mock.ExpectQuery("SELECT id, name, version, param_schema, is_active, created_at, updated_at").
		WithArgs("missing.type").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "version", "param_schema", "is_active", "created_at", "updated_at"}))

	_, err := r.Get(context.Background(), "missing.type")
	require.ErrorIs(t, err, taskerrors.ErrNotFound)
}

func TestListAggregatesUsage(t *testing.T) {
	r, mock := newTestRegistry(t)

	mock.ExpectQuery("SELECT tt.id, tt.name").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "version", "param_schema", "is_active", "created_at", "updated_at", "task_count", "last_used_at",
		}).AddRow(1, "email.send", "1", `{"type":"object"}`, true, time.Now(), time.Now(), 3, time.Now()))

	usages, err := r.List(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, usages, 1)
	require.Equal(t, int64(3), usages[0].TaskCount)
	require.NotNil(t, usages[0].LastUsedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}
