// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"net/http"

	sq "github.com/Masterminds/squirrel"
	"github.com/flyingrobots/taskqueue/internal/storage"
)

// routeSpec is the fixed endpoint table this system ships (spec.md §6).
// It is not hardcoded into the Router's dispatch — SeedEndpoints writes it
// into api_endpoints/api_validations at startup, and Load reads it back
// out, so the router's own code path is identical whether these rows came
// from this seed or from an operator editing the tables directly.
type routeSpec struct {
	method, path string
	loadOrder    int
	rules        []ruleSpec
}

type ruleSpec struct {
	paramName, source, typ, pattern string
	required                        bool
	minLength, maxLength            *int
	minimum, maximum                *float64
}

var fixedRoutes = []routeSpec{
	{method: http.MethodGet, path: "/health", loadOrder: 1},
	{method: http.MethodPost, path: "/task-types/register", loadOrder: 2, rules: []ruleSpec{
		{paramName: "name", source: "body", required: true, typ: "string"},
		{paramName: "version", source: "body", required: true, typ: "string"},
		{paramName: "param_schema", source: "body", required: true, typ: "object"},
	}},
	{method: http.MethodGet, path: "/task-types/:name", loadOrder: 3, rules: []ruleSpec{
		{paramName: "name", source: "path", required: true, typ: "string"},
	}},
	{method: http.MethodGet, path: "/task-types", loadOrder: 4},
	{method: http.MethodPost, path: "/tasks", loadOrder: 5, rules: []ruleSpec{
		{paramName: "type", source: "body", required: true, typ: "string"},
		{paramName: "params", source: "body", required: true, typ: "object"},
	}},
	{method: http.MethodPost, path: "/tasks/claim", loadOrder: 6, rules: []ruleSpec{
		{paramName: "worker_id", source: "body", required: true, typ: "string"},
	}},
	{method: http.MethodPost, path: "/tasks/:id/progress", loadOrder: 7, rules: []ruleSpec{
		{paramName: "id", source: "path", required: true, typ: "integer"},
		{paramName: "worker_id", source: "body", required: true, typ: "string"},
		{paramName: "progress", source: "body", required: true, typ: "integer", minimum: floatPtr(0), maximum: floatPtr(100)},
	}},
	{method: http.MethodPost, path: "/tasks/:id/complete", loadOrder: 8, rules: []ruleSpec{
		{paramName: "id", source: "path", required: true, typ: "integer"},
		{paramName: "worker_id", source: "body", required: true, typ: "string"},
		{paramName: "success", source: "body", required: true, typ: "boolean"},
	}},
	{method: http.MethodGet, path: "/tasks/:id", loadOrder: 9, rules: []ruleSpec{
		{paramName: "id", source: "path", required: true, typ: "integer"},
	}},
	{method: http.MethodGet, path: "/tasks", loadOrder: 10},
}

func floatPtr(f float64) *float64 { return &f }

// SeedEndpoints replaces api_endpoints/api_validations with the fixed route
// table above, inside one transaction. It is meant to run once at startup
// before Router.Load, and is idempotent: re-running it with an unchanged
// fixedRoutes produces the same rows every time.
func SeedEndpoints(ctx context.Context, db *storage.DB) error {
	tx, err := db.BeginTx(ctx, storage.ReadCommitted)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.Exec(`DELETE FROM api_validations`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM api_endpoints`); err != nil {
		return err
	}

	ph := db.PlaceholderFormat()
	for _, r := range fixedRoutes {
		insSQL, args, err := sq.StatementBuilder.PlaceholderFormat(ph).
			Insert("api_endpoints").
			Columns("method", "path_template", "action_kind", "load_order").
			Values(r.method, r.path, string(ActionCustom), r.loadOrder).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(insSQL, args...); err != nil {
			return err
		}

		var endpointID int64
		idSQL, idArgs, err := sq.StatementBuilder.PlaceholderFormat(ph).
			Select("id").From("api_endpoints").
			Where(sq.Eq{"method": r.method, "path_template": r.path}).
			ToSql()
		if err != nil {
			return err
		}
		if err := tx.QueryRow(idSQL, idArgs...).Scan(&endpointID); err != nil {
			return err
		}

		for _, rule := range r.rules {
			valSQL, valArgs, err := sq.StatementBuilder.PlaceholderFormat(ph).
				Insert("api_validations").
				Columns("endpoint_id", "param_name", "source", "required", "type", "min_length", "max_length", "minimum", "maximum", "pattern").
				Values(endpointID, rule.paramName, rule.source, rule.required, rule.typ, rule.minLength, rule.maxLength, rule.minimum, rule.maximum, rule.pattern).
				ToSql()
			if err != nil {
				return err
			}
			if _, err := tx.Exec(valSQL, valArgs...); err != nil {
				return err
			}
		}
	}

	committed = true
	return tx.Commit()
}
