// Copyright 2025 James Ross
package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
)

func TestAdminStatsReturnsAggregatedCounts(t *testing.T) {
	_, eng, mock := setupHandlerTest(t)

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 3).AddRow("claimed", 1))
	mock.ExpectQuery("SELECT task_types.name, tasks.status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"name", "status", "count"}).
			AddRow("t.echo", "pending", 3))
	mock.ExpectQuery("SELECT created_at FROM tasks").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now().Add(-time.Minute)))
	mock.ExpectQuery("SELECT claimed_at FROM tasks").
		WillReturnRows(sqlmock.NewRows([]string{"claimed_at"}).AddRow(time.Now().Add(-10 * time.Second)))

	router := NewAdminRouter(eng, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAdminForceReclaimRejectsNonNumericID(t *testing.T) {
	_, eng, _ := setupHandlerTest(t)

	router := NewAdminRouter(eng, zap.NewNop())
	req := httptest.NewRequest(http.MethodPost, "/admin/tasks/abc/force-reclaim", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-numeric id, got %d", rec.Code)
	}
}

func TestAdminForceReclaimRejectsNonClaimedTask(t *testing.T) {
	_, eng, mock := setupHandlerTest(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, type_id, status").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "type_id", "status", "params", "dedupe_key", "result", "error_message",
			"priority", "progress", "attempts", "claimed_by", "claimed_at", "completed_at",
			"created_at", "updated_at",
		}).AddRow(1, 1, "pending", `{}`, "deadbeef", nil, nil, 0, 0, 0, nil, nil, nil, time.Now(), time.Now()))
	mock.ExpectRollback()

	router := NewAdminRouter(eng, zap.NewNop())
	req := httptest.NewRequest(http.MethodPost, "/admin/tasks/1/force-reclaim", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for a non-claimed task, got %d: %s", rec.Code, rec.Body.String())
	}
}
