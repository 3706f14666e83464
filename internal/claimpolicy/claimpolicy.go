// Copyright 2025 James Ross

// Package claimpolicy composes the whitelist-validated ordering and filter
// fragment for the Claim query (spec.md §4.6, C6). Both sort_by and
// sort_order are checked against a fixed whitelist before any SQL text is
// built; user-supplied values are never interpolated as identifiers or
// operators. Query composition uses Masterminds/squirrel, grounded on
// ClusterCockpit-cc-backend's internal/repository/jobQuery.go, which builds
// its ORDER BY fragment the same way: validate the field name against a
// whitelist in Go, then hand the already-validated literal to squirrel.
package claimpolicy

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/flyingrobots/taskqueue/internal/taskerrors"
)

// allowedSortBy is the compile-time whitelist from spec.md §4.5 step 1.
var allowedSortBy = map[string]bool{
	"created_at": true,
	"priority":   true,
	"id":         true,
	"attempts":   true,
}

var allowedSortOrder = map[string]bool{
	"ASC":  true,
	"DESC": true,
}

// Params are the caller-supplied Claim filters and ordering.
type Params struct {
	TaskTypeID  *int64
	TypePattern string
	SortBy      string
	SortOrder   string
}

// DefaultParams fills in the spec's default ordering.
func DefaultParams() Params {
	return Params{SortBy: "created_at", SortOrder: "ASC"}
}

// Validate rejects any sort_by/sort_order outside the whitelist, as an
// explicit 400 (spec.md Open Questions: sort_order outside {ASC,DESC} is
// tightened to a 400, not a silent fallthrough).
func (p Params) Validate() error {
	if !allowedSortBy[p.SortBy] {
		return fmt.Errorf("%w: sort_by %q is not one of the allowed columns", taskerrors.ErrBadRequest, p.SortBy)
	}
	if !allowedSortOrder[p.SortOrder] {
		return fmt.Errorf("%w: sort_order %q must be ASC or DESC", taskerrors.ErrBadRequest, p.SortOrder)
	}
	return nil
}

// BuildClaimSelect composes the parameterized SELECT used to find the next
// eligible task id. It selects from tasks, optionally joined to task_types
// for the type_pattern LIKE filter, ordered by the whitelisted column, and
// suffixed with the pessimistic row lock. Callers run this inside a
// transaction and follow it with the atomic UPDATE (spec.md §4.5 step 5).
func BuildClaimSelect(p Params, placeholder sq.PlaceholderFormat) (sq.SelectBuilder, error) {
	if err := p.Validate(); err != nil {
		return sq.SelectBuilder{}, err
	}

	q := sq.StatementBuilder.PlaceholderFormat(placeholder).
		Select("tasks.id").
		From("tasks").
		Where(sq.Eq{"tasks.status": "pending"})

	if p.TaskTypeID != nil {
		q = q.Where(sq.Eq{"tasks.type_id": *p.TaskTypeID})
	}

	if p.TypePattern != "" {
		q = q.Join("task_types ON task_types.id = tasks.type_id").
			Where("task_types.name LIKE ?", p.TypePattern)
	}

	// sort_by/sort_order were checked against the whitelist above; this is
	// the one sanctioned place a non-parameterized identifier is built.
	q = q.OrderBy(fmt.Sprintf("tasks.%s %s", p.SortBy, p.SortOrder)).
		Limit(1).
		Suffix("FOR UPDATE SKIP LOCKED")

	return q, nil
}

// BuildClaimSelectNoSkipLocked is the fallback for storage backends lacking
// SKIP LOCKED (e.g. SQLite): a plain SELECT ... LIMIT 1 with no row-lock
// clause, so two concurrent claimants can be handed the same id. The
// caller's UPDATE, guarded on status = 'pending', decides which one wins.
func BuildClaimSelectNoSkipLocked(p Params, placeholder sq.PlaceholderFormat) (sq.SelectBuilder, error) {
	if err := p.Validate(); err != nil {
		return sq.SelectBuilder{}, err
	}
	q := sq.StatementBuilder.PlaceholderFormat(placeholder).
		Select("tasks.id").
		From("tasks").
		Where(sq.Eq{"tasks.status": "pending"})

	if p.TaskTypeID != nil {
		q = q.Where(sq.Eq{"tasks.type_id": *p.TaskTypeID})
	}
	if p.TypePattern != "" {
		q = q.Join("task_types ON task_types.id = tasks.type_id").
			Where("task_types.name LIKE ?", p.TypePattern)
	}
	q = q.OrderBy(fmt.Sprintf("tasks.%s %s", p.SortBy, p.SortOrder)).Limit(1)
	return q, nil
}
