// Copyright 2025 James Ross
package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flyingrobots/taskqueue/internal/lifecycle"
	"github.com/flyingrobots/taskqueue/internal/taskerrors"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// adminHandler holds the dependencies for the admin introspection surface
// (SUPPLEMENTAL FEATURES), mirroring the teacher's admin-api Handler shape
// but bound to the Lifecycle Engine instead of a Redis client.
type adminHandler struct {
	eng *lifecycle.Engine
	log *zap.Logger
}

// NewAdminRouter builds the standalone admin mux mounted under /admin. It is
// deliberately kept separate from the data-driven Endpoint Router: these two
// routes are operator-facing, JWT-protected, and don't belong in the
// whitelist-validated request table the primary API uses.
func NewAdminRouter(eng *lifecycle.Engine, log *zap.Logger) http.Handler {
	h := &adminHandler{eng: eng, log: log}
	r := mux.NewRouter()
	r.HandleFunc("/admin/stats", h.getStats).Methods(http.MethodGet)
	r.HandleFunc("/admin/tasks/{id}/force-reclaim", h.forceReclaim).Methods(http.MethodPost)
	return r
}

type statsResponse struct {
	ByStatus          []statusCountView     `json:"by_status"`
	ByType            []typeStatusCountView `json:"by_type"`
	OldestPendingAgeS *float64              `json:"oldest_pending_age_seconds,omitempty"`
	ClaimedAgeBuckets map[string]int        `json:"claimed_age_buckets"`
}

type statusCountView struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type typeStatusCountView struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Count  int    `json:"count"`
}

func (h *adminHandler) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.eng.Stats(r.Context(), time.Now().UTC())
	if err != nil {
		h.log.Error("admin stats query failed", zap.Error(err))
		writeDomainError(w, err)
		return
	}

	resp := statsResponse{
		ByStatus:          make([]statusCountView, len(stats.ByStatus)),
		ByType:            make([]typeStatusCountView, len(stats.ByTypeAndStatus)),
		ClaimedAgeBuckets: stats.ClaimedAgeBuckets,
	}
	for i, sc := range stats.ByStatus {
		resp.ByStatus[i] = statusCountView{Status: string(sc.Status), Count: sc.Count}
	}
	for i, tc := range stats.ByTypeAndStatus {
		resp.ByType[i] = typeStatusCountView{Type: tc.TypeName, Status: string(tc.Status), Count: tc.Count}
	}
	if stats.OldestPendingAge != nil {
		seconds := stats.OldestPendingAge.Seconds()
		resp.OldestPendingAgeS = &seconds
	}

	writeSuccess(w, http.StatusOK, resp, "")
}

func (h *adminHandler) forceReclaim(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer", nil)
		return
	}

	sub, _ := r.Context().Value(contextKeyAdminSub).(string)
	newStatus, err := h.eng.ForceReclaim(r.Context(), id)
	if err != nil {
		if !strings.Contains(err.Error(), taskerrors.ErrWrongState.Error()) {
			h.log.Error("admin force-reclaim failed", zap.Int64("task_id", id), zap.Error(err))
		}
		writeDomainError(w, err)
		return
	}

	h.log.Info("admin forced reclaim", zap.Int64("task_id", id), zap.String("admin_subject", sub))
	writeSuccess(w, http.StatusOK, map[string]any{"id": id, "status": string(newStatus)}, "task reclaimed")
}
