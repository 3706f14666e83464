// Copyright 2025 James Ross
package storage

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/flyingrobots/taskqueue/internal/taskerrors"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// classify wraps a raw driver error into the taskerrors taxonomy. sql.ErrNoRows
// passes through unchanged — callers decide its meaning per operation.
func classify(driver string, err error) error {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}

	switch driver {
	case "postgres":
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return classifyPostgres(pqErr)
		}
	case "sqlite3":
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) {
			return classifySQLite(sqliteErr)
		}
	}

	if strings.Contains(err.Error(), "deadlock") {
		return taskerrors.NewStorageError("exec", taskerrors.ErrDeadlock)
	}
	return taskerrors.NewStorageError("exec", taskerrors.ErrFatal)
}

func classifyPostgres(pqErr *pq.Error) error {
	switch pqErr.Code.Name() {
	case "unique_violation":
		return taskerrors.NewStorageError("exec", taskerrors.ErrUniqueViolation)
	case "foreign_key_violation":
		return taskerrors.NewStorageError("exec", taskerrors.ErrForeignKey)
	case "deadlock_detected", "serialization_failure":
		return taskerrors.NewStorageError("exec", taskerrors.ErrDeadlock)
	case "query_canceled", "connection_exception", "connection_failure":
		return taskerrors.NewStorageError("exec", taskerrors.ErrTransient)
	default:
		return taskerrors.NewStorageError("exec", taskerrors.ErrFatal)
	}
}

func classifySQLite(sqliteErr sqlite3.Error) error {
	switch sqliteErr.Code {
	case sqlite3.ErrConstraint:
		return taskerrors.NewStorageError("exec", taskerrors.ErrUniqueViolation)
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return taskerrors.NewStorageError("exec", taskerrors.ErrDeadlock)
	default:
		return taskerrors.NewStorageError("exec", taskerrors.ErrFatal)
	}
}

func isDeadlock(err error) bool {
	return errors.Is(err, taskerrors.ErrDeadlock)
}
