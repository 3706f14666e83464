// Copyright 2025 James Ross

// Handlers adapts the core operations (Registry, Lifecycle Engine) into
// the Handler shape the Router dispatches to. Every handler here binds
// with ActionCustom; none of the Query/Insert/Update/Delete variants are
// produced because this system's fixed endpoint set always runs
// domain-specific logic rather than a generic table operation.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/flyingrobots/taskqueue/internal/claimpolicy"
	"github.com/flyingrobots/taskqueue/internal/lifecycle"
	"github.com/flyingrobots/taskqueue/internal/reqvalidate"
	"github.com/flyingrobots/taskqueue/internal/registry"
	"github.com/flyingrobots/taskqueue/internal/task"
	"github.com/flyingrobots/taskqueue/internal/taskerrors"
)

// RegisterRoutes binds every fixed endpoint from the endpoint table (spec.md
// §6) to its Handler and declares the endpoint on the Router. Call this
// once, before Load, so Load's lookup by (method, path template) succeeds
// for every row api_endpoints holds.
func RegisterRoutes(rt *Router, reg *registry.Registry, eng *lifecycle.Engine) {
	rt.RegisterHandler(http.MethodGet, "/health", healthHandler())
	rt.RegisterHandler(http.MethodPost, "/task-types/register", registerTaskTypeHandler(reg))
	rt.RegisterHandler(http.MethodGet, "/task-types/:name", getTaskTypeHandler(reg))
	rt.RegisterHandler(http.MethodGet, "/task-types", listTaskTypesHandler(reg))
	rt.RegisterHandler(http.MethodPost, "/tasks", submitTaskHandler(eng))
	rt.RegisterHandler(http.MethodPost, "/tasks/claim", claimTaskHandler(eng))
	rt.RegisterHandler(http.MethodPost, "/tasks/:id/progress", updateProgressHandler(eng))
	rt.RegisterHandler(http.MethodPost, "/tasks/:id/complete", completeTaskHandler(eng))
	rt.RegisterHandler(http.MethodGet, "/tasks/:id", getTaskHandler(eng))
	rt.RegisterHandler(http.MethodGet, "/tasks", listTasksHandler(eng))
}

func healthHandler() Handler {
	return func(_ context.Context, _ reqvalidate.Request) (int, any, error) {
		return http.StatusOK, map[string]string{"status": "ok"}, nil
	}
}

func registerTaskTypeHandler(reg *registry.Registry) Handler {
	return func(ctx context.Context, req reqvalidate.Request) (int, any, error) {
		name, _ := req.Body["name"].(string)
		version, _ := req.Body["version"].(string)
		paramSchema, err := bodyObjectAsJSON(req.Body, "param_schema")
		if err != nil {
			return 0, nil, err
		}

		t, err := reg.Register(ctx, name, version, paramSchema)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, taskTypeView(t), nil
	}
}

func getTaskTypeHandler(reg *registry.Registry) Handler {
	return func(ctx context.Context, req reqvalidate.Request) (int, any, error) {
		t, err := reg.Get(ctx, req.Path["name"])
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, taskTypeView(t), nil
	}
}

func listTaskTypesHandler(reg *registry.Registry) Handler {
	return func(ctx context.Context, req reqvalidate.Request) (int, any, error) {
		activeOnly := req.Query["active_only"] == "true"
		usages, err := reg.List(ctx, activeOnly)
		if err != nil {
			return 0, nil, err
		}
		out := make([]map[string]any, len(usages))
		for i, u := range usages {
			view := taskTypeView(&u.Type)
			view["task_count"] = u.TaskCount
			view["last_used_at"] = u.LastUsedAt
			out[i] = view
		}
		return http.StatusOK, out, nil
	}
}

func submitTaskHandler(eng *lifecycle.Engine) Handler {
	return func(ctx context.Context, req reqvalidate.Request) (int, any, error) {
		typeName, _ := req.Body["type"].(string)
		params, err := bodyValueAsJSON(req.Body, "params")
		if err != nil {
			return 0, nil, err
		}
		priority := bodyInt(req.Body, "priority", 0)

		res, err := eng.Submit(ctx, typeName, json.RawMessage(params), priority)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]any{
			"id":           res.ID,
			"status":       res.Status,
			"deduplicated": res.Deduplicated,
		}, nil
	}
}

func claimTaskHandler(eng *lifecycle.Engine) Handler {
	return func(ctx context.Context, req reqvalidate.Request) (int, any, error) {
		workerID, _ := req.Body["worker_id"].(string)

		p := claimpolicy.DefaultParams()
		if v, ok := req.Body["sort_by"].(string); ok && v != "" {
			p.SortBy = v
		}
		if v, ok := req.Body["sort_order"].(string); ok && v != "" {
			p.SortOrder = v
		}
		if v, ok := req.Body["type_pattern"].(string); ok {
			p.TypePattern = v
		}
		if v, ok := req.Body["task_type_id"]; ok {
			id := int64(asFloat64(v))
			p.TaskTypeID = &id
		}

		t, err := eng.Claim(ctx, workerID, p)
		if err != nil {
			return 0, nil, err
		}
		if t == nil {
			return http.StatusOK, nil, nil
		}
		return http.StatusOK, taskView(t), nil
	}
}

func updateProgressHandler(eng *lifecycle.Engine) Handler {
	return func(ctx context.Context, req reqvalidate.Request) (int, any, error) {
		id, err := pathInt64(req, "id")
		if err != nil {
			return 0, nil, err
		}
		workerID, _ := req.Body["worker_id"].(string)
		progress := bodyInt(req.Body, "progress", 0)

		if err := eng.UpdateProgress(ctx, id, workerID, progress); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]any{"id": id, "progress": progress}, nil
	}
}

func completeTaskHandler(eng *lifecycle.Engine) Handler {
	return func(ctx context.Context, req reqvalidate.Request) (int, any, error) {
		id, err := pathInt64(req, "id")
		if err != nil {
			return 0, nil, err
		}
		workerID, _ := req.Body["worker_id"].(string)
		success, _ := req.Body["success"].(bool)

		var result, errMsg *string
		if _, ok := req.Body["result"]; ok {
			s, err := bodyValueAsJSON(req.Body, "result")
			if err != nil {
				return 0, nil, err
			}
			result = &s
		}
		if v, ok := req.Body["error"].(string); ok {
			errMsg = &v
		}

		res, err := eng.Complete(ctx, id, workerID, success, result, errMsg)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]any{"id": id, "status": res.Status}, nil
	}
}

func getTaskHandler(eng *lifecycle.Engine) Handler {
	return func(ctx context.Context, req reqvalidate.Request) (int, any, error) {
		id, err := pathInt64(req, "id")
		if err != nil {
			return 0, nil, err
		}
		t, err := eng.Get(ctx, id)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, taskView(t), nil
	}
}

func listTasksHandler(eng *lifecycle.Engine) Handler {
	return func(ctx context.Context, req reqvalidate.Request) (int, any, error) {
		f := lifecycle.ListFilter{
			Status:   task.Status(req.Query["status"]),
			TypeName: req.Query["type"],
			Limit:    queryInt(req.Query, "limit", 50),
			Offset:   queryInt(req.Query, "offset", 0),
		}
		tasks, err := eng.List(ctx, f)
		if err != nil {
			return 0, nil, err
		}
		out := make([]map[string]any, len(tasks))
		for i := range tasks {
			out[i] = taskView(&tasks[i])
		}
		return http.StatusOK, out, nil
	}
}

func taskTypeView(t *task.Type) map[string]any {
	return map[string]any{
		"id":           t.ID,
		"name":         t.Name,
		"version":      t.Version,
		"param_schema": json.RawMessage(t.ParamSchema),
		"is_active":    t.IsActive,
		"created_at":   t.CreatedAt,
		"updated_at":   t.UpdatedAt,
	}
}

func taskView(t *task.Task) map[string]any {
	v := map[string]any{
		"id":            t.ID,
		"type_id":       t.TypeID,
		"status":        t.Status,
		"params":        json.RawMessage(t.Params),
		"priority":      t.Priority,
		"progress":      t.Progress,
		"attempts":      t.Attempts,
		"claimed_by":    t.ClaimedBy,
		"claimed_at":    t.ClaimedAt,
		"completed_at":  t.CompletedAt,
		"created_at":    t.CreatedAt,
		"updated_at":    t.UpdatedAt,
		"error_message": t.ErrorMessage,
	}
	if t.Result != nil {
		v["result"] = json.RawMessage(*t.Result)
	}
	return v
}

func bodyObjectAsJSON(body map[string]any, key string) (string, error) {
	v, ok := body[key]
	if !ok {
		return "", taskerrors.NewValidationError([]taskerrors.Violation{{
			Path: key, Rule: "required", Message: "missing or empty",
		}})
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", taskerrors.NewValidationError([]taskerrors.Violation{{
			Path: key, Rule: "type", Message: "value is not serializable JSON",
		}})
	}
	return string(b), nil
}

func bodyValueAsJSON(body map[string]any, key string) (string, error) {
	v, ok := body[key]
	if !ok {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", taskerrors.NewValidationError([]taskerrors.Violation{{
			Path: key, Rule: "type", Message: "value is not serializable JSON",
		}})
	}
	return string(b), nil
}

func bodyInt(body map[string]any, key string, def int64) int64 {
	v, ok := body[key]
	if !ok {
		return def
	}
	return int64(asFloat64(v))
}

func asFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func pathInt64(req reqvalidate.Request, key string) (int64, error) {
	raw := req.Path[key]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, taskerrors.NewValidationError([]taskerrors.Violation{{
			Path: key, Rule: "type", Message: "must be an integer",
		}})
	}
	return id, nil
}

func queryInt(q map[string]string, key string, def int) int {
	raw, ok := q[key]
	if !ok || raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
