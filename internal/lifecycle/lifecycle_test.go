// Copyright 2025 James Ross
package lifecycle

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/flyingrobots/taskqueue/internal/claimpolicy"
	"github.com/flyingrobots/taskqueue/internal/registry"
	"github.com/flyingrobots/taskqueue/internal/storage"
	"github.com/flyingrobots/taskqueue/internal/task"
	"github.com/flyingrobots/taskqueue/internal/taskerrors"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := storage.NewForTesting(sqlx.NewDb(mockDB, "sqlite3"), "sqlite3")
	reg := registry.New(db)
	return New(db, reg, 3, true, 300*time.Second), mock
}

var typeRow = []string{"id", "name", "version", "param_schema", "is_active", "created_at", "updated_at"}

func TestSubmitInsertsNewTask(t *testing.T) {
	e, mock := newTestEngine(t)

	mock.ExpectQuery("SELECT id, name, version, param_schema, is_active, created_at, updated_at").
		WithArgs("t.echo").
		WillReturnRows(sqlmock.NewRows(typeRow).
			AddRow(1, "t.echo", "1", `{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`, true, time.Now(), time.Now()))
	mock.ExpectExec("INSERT INTO tasks").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT id, status FROM tasks WHERE dedupe_key").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(1, "pending"))

	res, err := e.Submit(context.Background(), "t.echo", []byte(`{"msg":"hi"}`), 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.ID)
	require.False(t, res.Deduplicated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitRejectsValidationFailure(t *testing.T) {
	e, mock := newTestEngine(t)

	mock.ExpectQuery("SELECT id, name, version, param_schema, is_active, created_at, updated_at").
		WithArgs("t.echo").
		WillReturnRows(sqlmock.NewRows(typeRow).
			AddRow(1, "t.echo", "1", `{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`, true, time.Now(), time.Now()))

	_, err := e.Submit(context.Background(), "t.echo", []byte(`{}`), 0)
	var ve *taskerrors.ValidationError
	require.ErrorAs(t, err, &ve)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitRejectsUnknownType(t *testing.T) {
	e, mock := newTestEngine(t)

	mock.ExpectQuery("SELECT id, name, version, param_schema, is_active, created_at, updated_at").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(typeRow))

	_, err := e.Submit(context.Background(), "nope", []byte(`{}`), 0)
	require.ErrorIs(t, err, taskerrors.ErrUnknownType)
}

func TestClaimReturnsNilWhenNoEligibleTask(t *testing.T) {
	e, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tasks.id FROM tasks").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	got, err := e.Claim(context.Background(), "w1", claimpolicy.DefaultParams())
	require.NoError(t, err)
	require.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimHappyPath(t *testing.T) {
	e, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tasks.id FROM tasks").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectExec("UPDATE tasks SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO task_history").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT id, type_id, status, params").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "type_id", "status", "params", "dedupe_key", "result", "error_message",
			"priority", "progress", "attempts", "claimed_by", "claimed_at", "completed_at",
			"created_at", "updated_at",
		}).AddRow(7, 1, "claimed", `{"msg":"hi"}`, "deadbeef", nil, nil, 0, 0, 1, "w1", time.Now(), nil, time.Now(), time.Now()))
	mock.ExpectCommit()

	got, err := e.Claim(context.Background(), "w1", claimpolicy.DefaultParams())
	require.NoError(t, err)
	require.Equal(t, int64(7), got.ID)
	require.Equal(t, task.StatusClaimed, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProgressRejectsWrongOwner(t *testing.T) {
	e, mock := newTestEngine(t)

	other := "w2"
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, type_id, status, params").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "type_id", "status", "params", "dedupe_key", "result", "error_message",
			"priority", "progress", "attempts", "claimed_by", "claimed_at", "completed_at",
			"created_at", "updated_at",
		}).AddRow(7, 1, "claimed", `{}`, "deadbeef", nil, nil, 0, 10, 1, other, time.Now(), nil, time.Now(), time.Now()))
	mock.ExpectRollback()

	err := e.UpdateProgress(context.Background(), 7, "w1", 20)
	require.ErrorIs(t, err, taskerrors.ErrWrongOwner)
}

func TestCompleteSuccessIsTerminal(t *testing.T) {
	e, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, type_id, status, params").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "type_id", "status", "params", "dedupe_key", "result", "error_message",
			"priority", "progress", "attempts", "claimed_by", "claimed_at", "completed_at",
			"created_at", "updated_at",
		}).AddRow(7, 1, "claimed", `{}`, "deadbeef", nil, nil, 0, 50, 1, "w1", time.Now(), nil, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE tasks SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO task_history").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	result := `{"echoed":"hi"}`
	res, err := e.Complete(context.Background(), 7, "w1", true, &result, nil)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, res.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteFailureRequeuesUnderAttemptBound(t *testing.T) {
	e, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, type_id, status, params").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "type_id", "status", "params", "dedupe_key", "result", "error_message",
			"priority", "progress", "attempts", "claimed_by", "claimed_at", "completed_at",
			"created_at", "updated_at",
		}).AddRow(7, 1, "claimed", `{}`, "deadbeef", nil, nil, 0, 0, 1, "w1", time.Now(), nil, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE tasks SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO task_history").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	errMsg := "e1"
	res, err := e.Complete(context.Background(), 7, "w1", false, nil, &errMsg)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, res.Status)
}

func TestCompleteFailureTerminatesAtAttemptBound(t *testing.T) {
	e, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, type_id, status, params").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "type_id", "status", "params", "dedupe_key", "result", "error_message",
			"priority", "progress", "attempts", "claimed_by", "claimed_at", "completed_at",
			"created_at", "updated_at",
		}).AddRow(7, 1, "claimed", `{}`, "deadbeef", nil, nil, 0, 0, 3, "w1", time.Now(), nil, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE tasks SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO task_history").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	errMsg := "e2"
	res, err := e.Complete(context.Background(), 7, "w1", false, nil, &errMsg)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, res.Status)
}
