// Copyright 2025 James Ross
package reclaimsweep

import (
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/flyingrobots/taskqueue/internal/lifecycle"
	"github.com/flyingrobots/taskqueue/internal/registry"
	"github.com/flyingrobots/taskqueue/internal/storage"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

func TestNormalizeScheduleKeepsEveryShorthand(t *testing.T) {
	if got := normalizeSchedule("@every 30s"); got != "@every 30s" {
		t.Errorf("expected @every expressions untouched, got %q", got)
	}
}

func TestNormalizeSchedulePadsFiveFieldExpression(t *testing.T) {
	got := normalizeSchedule("*/5 * * * *")
	want := "0 */5 * * * *"
	if got != want {
		t.Errorf("normalizeSchedule(%q) = %q, want %q", "*/5 * * * *", got, want)
	}
}

func TestNewRejectsInvalidSchedule(t *testing.T) {
	mockDB, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer mockDB.Close()

	db := storage.NewForTesting(sqlx.NewDb(mockDB, "sqlite3"), "sqlite3")
	eng := lifecycle.New(db, registry.New(db), 3, true, 300*time.Second)

	if _, err := New(eng, "not a valid cron expression", zap.NewNop()); err == nil {
		t.Error("expected an error for a malformed schedule")
	}
}

func TestRunOnceInvokesReclaimExpired(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer mockDB.Close()

	db := storage.NewForTesting(sqlx.NewDb(mockDB, "sqlite3"), "sqlite3")
	eng := lifecycle.New(db, registry.New(db), 3, true, 300*time.Second)

	mock.ExpectQuery("SELECT id FROM tasks").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	s, err := New(eng, "@every 1h", zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.runOnce()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
