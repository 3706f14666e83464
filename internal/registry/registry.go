// Copyright 2025 James Ross

// Package registry implements the Task Registry (spec.md §4.4, C4):
// register/update/list task types and their JSON-Schema documents.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flyingrobots/taskqueue/internal/schema"
	"github.com/flyingrobots/taskqueue/internal/storage"
	"github.com/flyingrobots/taskqueue/internal/task"
	"github.com/flyingrobots/taskqueue/internal/taskerrors"
)

// Registry mediates all task_types mutations.
type Registry struct {
	db *storage.DB
}

func New(db *storage.DB) *Registry {
	return &Registry{db: db}
}

// Register upserts by name: inserts a new active row, or if name already
// exists updates version/schema, marks active, and bumps updated_at.
// Concurrent Register calls on the same name are serialized by the unique
// index on task_types.name; a racing insert is retried once as an update
// (spec.md §4.4's stated invariant).
func (r *Registry) Register(ctx context.Context, name, version, paramSchema string) (*task.Type, error) {
	if _, err := schema.Parse(paramSchema); err != nil {
		return nil, fmt.Errorf("%w: %v", taskerrors.ErrInvalidSchema, err)
	}

	_, err := r.db.Exec(ctx, r.insertSQL(), name, version, paramSchema)
	if err == nil {
		return r.Get(ctx, name)
	}
	if !errors.Is(err, taskerrors.ErrUniqueViolation) {
		return nil, err
	}

	// Name already exists: retry once as an update.
	if _, err := r.db.Exec(ctx, r.updateSQL(), version, paramSchema, name); err != nil {
		return nil, err
	}
	return r.Get(ctx, name)
}

func (r *Registry) insertSQL() string {
	if r.db.Driver() == "postgres" {
		return `INSERT INTO task_types (name, version, param_schema, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, true, now(), now())`
	}
	return `INSERT INTO task_types (name, version, param_schema, is_active, created_at, updated_at)
		VALUES (?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`
}

func (r *Registry) updateSQL() string {
	if r.db.Driver() == "postgres" {
		return `UPDATE task_types SET version=$1, param_schema=$2, is_active=true, updated_at=now() WHERE name=$3`
	}
	return `UPDATE task_types SET version=?, param_schema=?, is_active=1, updated_at=CURRENT_TIMESTAMP WHERE name=?`
}

// Get fetches a type by name.
func (r *Registry) Get(ctx context.Context, name string) (*task.Type, error) {
	query := `SELECT id, name, version, param_schema, is_active, created_at, updated_at
		FROM task_types WHERE name = ` + r.db.Placeholder(1)

	var t task.Type
	row := r.db.QueryRow(ctx, query, name)
	if err := row.Scan(&t.ID, &t.Name, &t.Version, &t.ParamSchema, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, taskerrors.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// List returns all types, optionally filtered to active ones, each joined
// with an on-demand usage aggregate — never a cached back-pointer
// (spec.md §9's design note).
func (r *Registry) List(ctx context.Context, activeOnly bool) ([]task.TypeUsage, error) {
	query := `SELECT tt.id, tt.name, tt.version, tt.param_schema, tt.is_active, tt.created_at, tt.updated_at,
			COUNT(t.id) AS task_count, MAX(t.created_at) AS last_used_at
		FROM task_types tt
		LEFT JOIN tasks t ON t.type_id = tt.id`
	if activeOnly {
		query += ` WHERE tt.is_active = ` + trueLiteral(r.db.Driver())
	}
	query += ` GROUP BY tt.id, tt.name, tt.version, tt.param_schema, tt.is_active, tt.created_at, tt.updated_at
		ORDER BY tt.name ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.TypeUsage
	for rows.Next() {
		var u task.TypeUsage
		var lastUsed sql.NullTime
		if err := rows.Scan(&u.ID, &u.Name, &u.Version, &u.ParamSchema, &u.IsActive, &u.CreatedAt, &u.UpdatedAt, &u.TaskCount, &lastUsed); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			t := lastUsed.Time
			u.LastUsedAt = &t
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func trueLiteral(driver string) string {
	if driver == "postgres" {
		return "true"
	}
	return "1"
}
