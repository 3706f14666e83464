// Copyright 2025 James Ross

// Package lifecycle implements the Task Lifecycle Engine (spec.md §4.5,
// C5): submit, claim, progress reporting, completion, and timeout-based
// reclaim. It is the central component mediating every mutation to the
// tasks table; nothing above the Storage Adapter writes to tasks directly.
//
// Grounded on the teacher's internal/worker claim-loop shape (a stateless
// engine driven by an outer caller, with metrics and structured logging
// wrapping each operation) and on internal/exactly-once-patterns for the
// "insert, and on unique-violation fetch the existing row" dedupe pattern.
package lifecycle

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/flyingrobots/taskqueue/internal/claimpolicy"
	"github.com/flyingrobots/taskqueue/internal/dedupe"
	"github.com/flyingrobots/taskqueue/internal/obs"
	"github.com/flyingrobots/taskqueue/internal/registry"
	"github.com/flyingrobots/taskqueue/internal/schema"
	"github.com/flyingrobots/taskqueue/internal/storage"
	"github.com/flyingrobots/taskqueue/internal/task"
	"github.com/flyingrobots/taskqueue/internal/taskerrors"
	"go.uber.org/zap"
)

// Engine wires the Storage Adapter, Task Registry, and JSON-Schema
// Validator into the five lifecycle operations.
type Engine struct {
	db             *storage.DB
	registry       *registry.Registry
	validator      *schema.Validator
	maxAttempts    int
	historyEnabled bool
	claimTimeout   time.Duration
	log            *zap.Logger
}

// Option customizes Engine construction.
type Option func(*Engine)

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

// New builds an Engine. maxAttempts, historyEnabled, and claimTimeout come
// from config.Lifecycle (spec.md §6).
func New(db *storage.DB, reg *registry.Registry, maxAttempts int, historyEnabled bool, claimTimeout time.Duration, opts ...Option) *Engine {
	e := &Engine{
		db:             db,
		registry:       reg,
		validator:      schema.NewValidator(),
		maxAttempts:    maxAttempts,
		historyEnabled: historyEnabled,
		claimTimeout:   claimTimeout,
		log:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// withTx runs fn inside a transaction, retrying the whole attempt (a fresh
// BeginTx each time) through db.WithDeadlockRetry when the backend reports
// a deadlock, gated by the storage circuit breaker (spec.md §5: "deadlocks
// retried at most twice before surfacing"). fn must not call tx.Commit or
// tx.Rollback itself; withTx commits on a nil return and rolls back
// otherwise.
func (e *Engine) withTx(ctx context.Context, fn func(tx *storage.Tx) error) error {
	return e.db.WithDeadlockRetry(ctx, func() error {
		tx, err := e.db.BeginTx(ctx, storage.ReadCommitted)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()

		if err := fn(tx); err != nil {
			return err
		}
		committed = true
		return tx.Commit()
	})
}

// SubmitResult is Submit's return shape: {id, status, deduplicated}.
type SubmitResult struct {
	ID           int64
	Status       task.Status
	Deduplicated bool
}

// Submit validates params against the named type's schema, computes the
// dedupe key, and inserts a pending task — or, on a dedupe-key collision,
// returns the existing row regardless of its current status (spec.md Open
// Questions: duplicate-by-dedupe-key preserves the observed at-any-status
// behavior rather than re-submitting).
func (e *Engine) Submit(ctx context.Context, typeName string, params json.RawMessage, priority int64) (*SubmitResult, error) {
	t, err := e.registry.Get(ctx, typeName)
	if err != nil {
		if errors.Is(err, taskerrors.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", taskerrors.ErrUnknownType, typeName)
		}
		return nil, err
	}
	if !t.IsActive {
		return nil, fmt.Errorf("%w: %s", taskerrors.ErrUnknownType, typeName)
	}

	sch, err := schema.Parse(t.ParamSchema)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", taskerrors.ErrInvalidSchema, err)
	}

	var decoded any
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, taskerrors.NewValidationError([]taskerrors.Violation{{
			Path: "$", Rule: "type", Message: "params is not valid JSON",
		}})
	}

	filled, violations := e.validator.Validate(sch, decoded)
	if len(violations) > 0 {
		out := make([]taskerrors.Violation, len(violations))
		for i, v := range violations {
			out[i] = taskerrors.Violation{Path: v.Path, Rule: v.Rule, Message: v.Message}
		}
		return nil, taskerrors.NewValidationError(out)
	}

	filledParams, err := json.Marshal(filled)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal filled params: %v", taskerrors.ErrFatal, err)
	}

	key, err := dedupe.Key(typeName, filled)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", taskerrors.ErrFatal, err)
	}

	existing, err := e.insertOrFetch(ctx, t.ID, string(filledParams), key, priority)
	if err != nil {
		return nil, err
	}

	obs.TasksSubmitted.Inc()
	if existing.Deduplicated {
		obs.TasksDeduplicated.Inc()
	}
	return existing, nil
}

func (e *Engine) insertOrFetch(ctx context.Context, typeID int64, params, dedupeKey string, priority int64) (*SubmitResult, error) {
	insertSQL, args, err := sq.StatementBuilder.PlaceholderFormat(e.db.PlaceholderFormat()).
		Insert("tasks").
		Columns("type_id", "status", "params", "dedupe_key", "priority", "attempts", "progress").
		Values(typeID, string(task.StatusPending), params, dedupeKey, priority, 0, 0).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", taskerrors.ErrFatal, err)
	}

	_, insertErr := e.db.Exec(ctx, insertSQL, args...)
	if insertErr != nil && !errors.Is(insertErr, taskerrors.ErrUniqueViolation) {
		return nil, insertErr
	}

	// Fetch by dedupe_key either way: on a fresh insert this is the row we
	// just created; on a unique-violation race this is the row that won
	// (spec.md §4.5 step 4 — no partial inserts are ever visible to callers).
	selSQL, selArgs, err := sq.StatementBuilder.PlaceholderFormat(e.db.PlaceholderFormat()).
		Select("id", "status").
		From("tasks").
		Where(sq.Eq{"dedupe_key": dedupeKey}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", taskerrors.ErrFatal, err)
	}
	row := e.db.QueryRow(ctx, selSQL, selArgs...)
	var id int64
	var status string
	if err := row.Scan(&id, &status); err != nil {
		return nil, fmt.Errorf("%w: dedupe key row not found after insert: %v", taskerrors.ErrFatal, err)
	}
	return &SubmitResult{ID: id, Status: task.Status(status), Deduplicated: insertErr != nil}, nil
}

// Claim runs the exactly-one-winner claim protocol (spec.md §4.5 steps
// 1-6): validate the ordering whitelist, select-for-update the next
// eligible row, then atomically mark it claimed and bump attempts. Returns
// (nil, nil) when no eligible task exists.
func (e *Engine) Claim(ctx context.Context, workerID string, p claimpolicy.Params) (*task.Task, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var claimed *task.Task
	err := e.withTx(ctx, func(tx *storage.Tx) error {
		claimed = nil

		var selectBuilder sq.SelectBuilder
		var err error
		if e.db.SupportsSkipLocked() {
			selectBuilder, err = claimpolicy.BuildClaimSelect(p, e.db.PlaceholderFormat())
		} else {
			selectBuilder, err = claimpolicy.BuildClaimSelectNoSkipLocked(p, e.db.PlaceholderFormat())
		}
		if err != nil {
			return err
		}
		selSQL, selArgs, err := selectBuilder.ToSql()
		if err != nil {
			return fmt.Errorf("%w: %v", taskerrors.ErrFatal, err)
		}

		var id int64
		row := tx.QueryRow(selSQL, selArgs...)
		if err := row.Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		// The status=pending guard plus RowsAffected check is the only
		// thing standing between two concurrent claimants and a double
		// claim on SQLite, which has no row-level locking: the SELECT
		// above (BuildClaimSelectNoSkipLocked) can hand the same row to
		// two callers in a race, but only one of their UPDATEs can match
		// a still-pending row. Postgres's FOR UPDATE SKIP LOCKED already
		// prevents the race at the SELECT, so this is redundant but
		// harmless there.
		now := time.Now().UTC()
		updSQL, updArgs, err := sq.StatementBuilder.PlaceholderFormat(e.db.PlaceholderFormat()).
			Update("tasks").
			Set("status", string(task.StatusClaimed)).
			Set("claimed_by", workerID).
			Set("claimed_at", now).
			Set("attempts", sq.Expr("attempts + 1")).
			Set("updated_at", now).
			Where(sq.Eq{"id": id, "status": string(task.StatusPending)}).
			ToSql()
		if err != nil {
			return fmt.Errorf("%w: %v", taskerrors.ErrFatal, err)
		}
		res, err := tx.Exec(updSQL, updArgs...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Lost the race: someone else claimed this row first. Return
			// no task rather than erroring, same as the no-rows case.
			return nil
		}

		e.recordHistory(tx, id, "claimed", workerID, "")

		t, err := e.fetchTx(tx, id)
		if err != nil {
			return err
		}
		claimed = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	if claimed != nil {
		obs.TasksClaimed.Inc()
	}
	return claimed, nil
}

// UpdateProgress requires the caller to hold the claim. Same (task,
// progress) is a no-op, per spec.md §4.5.
func (e *Engine) UpdateProgress(ctx context.Context, taskID int64, workerID string, progress int) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("%w: progress must be in [0,100]", taskerrors.ErrBadRequest)
	}

	return e.withTx(ctx, func(tx *storage.Tx) error {
		t, err := e.fetchTx(tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != task.StatusClaimed {
			return fmt.Errorf("%w: task %d is %s, not claimed", taskerrors.ErrWrongState, taskID, t.Status)
		}
		if t.ClaimedBy == nil || *t.ClaimedBy != workerID {
			return fmt.Errorf("%w: task %d is not claimed by %s", taskerrors.ErrWrongOwner, taskID, workerID)
		}
		if t.Progress == progress {
			return nil
		}

		updSQL, updArgs, err := sq.StatementBuilder.PlaceholderFormat(e.db.PlaceholderFormat()).
			Update("tasks").
			Set("progress", progress).
			Set("updated_at", time.Now().UTC()).
			Where(sq.Eq{"id": taskID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("%w: %v", taskerrors.ErrFatal, err)
		}
		_, err = tx.Exec(updSQL, updArgs...)
		return err
	})
}

// CompleteResult reports the task's status after Complete.
type CompleteResult struct {
	Status task.Status
}

// Complete finalizes a claimed task: success is terminal; failure either
// re-queues (attempts < MaxTaskAttempts) or terminates as failed.
func (e *Engine) Complete(ctx context.Context, taskID int64, workerID string, success bool, result, errMsg *string) (*CompleteResult, error) {
	var newStatus task.Status
	err := e.withTx(ctx, func(tx *storage.Tx) error {
		t, err := e.fetchTx(tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != task.StatusClaimed {
			return fmt.Errorf("%w: task %d is %s, not claimed", taskerrors.ErrWrongState, taskID, t.Status)
		}
		if t.ClaimedBy == nil || *t.ClaimedBy != workerID {
			return fmt.Errorf("%w: task %d is not claimed by %s", taskerrors.ErrWrongOwner, taskID, workerID)
		}

		newStatus, err = e.applyCompletion(tx, t, success, result, errMsg)
		if err != nil {
			return err
		}

		e.recordHistory(tx, taskID, string(newStatus), workerID, derefOr(errMsg, ""))
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch newStatus {
	case task.StatusCompleted:
		obs.TasksCompleted.Inc()
	case task.StatusFailed:
		obs.TasksFailed.Inc()
	}
	return &CompleteResult{Status: newStatus}, nil
}

func (e *Engine) applyCompletion(tx *storage.Tx, t *task.Task, success bool, result, errMsg *string) (task.Status, error) {
	now := time.Now().UTC()
	if success {
		sqlStr, args, err := sq.StatementBuilder.PlaceholderFormat(e.db.PlaceholderFormat()).
			Update("tasks").
			Set("status", string(task.StatusCompleted)).
			Set("result", result).
			Set("progress", 100).
			Set("completed_at", now).
			Set("updated_at", now).
			Where(sq.Eq{"id": t.ID}).
			ToSql()
		if err != nil {
			return "", fmt.Errorf("%w: %v", taskerrors.ErrFatal, err)
		}
		if _, err := tx.Exec(sqlStr, args...); err != nil {
			return "", err
		}
		return task.StatusCompleted, nil
	}

	if t.Attempts < e.maxAttempts {
		sqlStr, args, err := sq.StatementBuilder.PlaceholderFormat(e.db.PlaceholderFormat()).
			Update("tasks").
			Set("status", string(task.StatusPending)).
			Set("claimed_by", nil).
			Set("claimed_at", nil).
			Set("error_message", errMsg).
			Set("updated_at", now).
			Where(sq.Eq{"id": t.ID}).
			ToSql()
		if err != nil {
			return "", fmt.Errorf("%w: %v", taskerrors.ErrFatal, err)
		}
		if _, err := tx.Exec(sqlStr, args...); err != nil {
			return "", err
		}
		obs.TasksRequeued.Inc()
		return task.StatusPending, nil
	}

	sqlStr, args, err := sq.StatementBuilder.PlaceholderFormat(e.db.PlaceholderFormat()).
		Update("tasks").
		Set("status", string(task.StatusFailed)).
		Set("error_message", errMsg).
		Set("completed_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"id": t.ID}).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("%w: %v", taskerrors.ErrFatal, err)
	}
	if _, err := tx.Exec(sqlStr, args...); err != nil {
		return "", err
	}
	return task.StatusFailed, nil
}

// ReclaimExpired applies the failure policy to every claimed task whose
// lease has expired, exactly as if its worker had reported failure. Safe to
// call concurrently and repeatedly; already-reclaimed rows simply don't
// match the WHERE clause a second time.
func (e *Engine) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-e.claimTimeout)

	selSQL, selArgs, err := sq.StatementBuilder.PlaceholderFormat(e.db.PlaceholderFormat()).
		Select("id").
		From("tasks").
		Where(sq.Eq{"status": string(task.StatusClaimed)}).
		Where(sq.Lt{"claimed_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", taskerrors.ErrFatal, err)
	}

	rows, err := e.db.Query(ctx, selSQL, selArgs...)
	if err != nil {
		return 0, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, id := range ids {
		reclaimed, err := e.reclaimOne(ctx, id, now)
		if err != nil {
			e.log.Warn("reclaim failed", obs.String("task_id", fmt.Sprint(id)), zap.Error(err))
			continue
		}
		if reclaimed {
			count++
		}
	}
	return count, nil
}

func (e *Engine) reclaimOne(ctx context.Context, taskID int64, now time.Time) (bool, error) {
	reclaimed := false
	err := e.withTx(ctx, func(tx *storage.Tx) error {
		reclaimed = false
		t, err := e.fetchTx(tx, taskID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		if t.Status != task.StatusClaimed || t.ClaimedAt == nil || !t.ClaimedAt.Before(now.Add(-e.claimTimeout)) {
			return nil
		}

		errMsg := "reclaimed: worker lease expired"
		if _, err := e.applyCompletion(tx, t, false, nil, &errMsg); err != nil {
			return err
		}
		e.recordHistory(tx, taskID, "reclaimed", "", errMsg)
		reclaimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if reclaimed {
		obs.TasksReclaimed.Inc()
	}
	return reclaimed, nil
}

// Get fetches a single task by id, outside any transaction.
func (e *Engine) Get(ctx context.Context, taskID int64) (*task.Task, error) {
	sqlStr, args, err := sq.StatementBuilder.PlaceholderFormat(e.db.PlaceholderFormat()).
		Select("id", "type_id", "status", "params", "dedupe_key", "result", "error_message",
			"priority", "progress", "attempts", "claimed_by", "claimed_at", "completed_at",
			"created_at", "updated_at").
		From("tasks").
		Where(sq.Eq{"id": taskID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", taskerrors.ErrFatal, err)
	}

	var t task.Task
	row := e.db.QueryRow(ctx, sqlStr, args...)
	if err := row.Scan(&t.ID, &t.TypeID, &t.Status, &t.Params, &t.DedupeKey, &t.Result, &t.ErrorMessage,
		&t.Priority, &t.Progress, &t.Attempts, &t.ClaimedBy, &t.ClaimedAt, &t.CompletedAt,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, taskerrors.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// ListFilter narrows List's result set; zero values mean unfiltered.
type ListFilter struct {
	Status     task.Status
	TypeName   string
	Limit      int
	Offset     int
}

// List returns tasks ordered newest-first, optionally filtered by status
// and/or type name, with a bounded page (spec.md §6's `limit`/`offset`).
func (e *Engine) List(ctx context.Context, f ListFilter) ([]task.Task, error) {
	q := sq.StatementBuilder.PlaceholderFormat(e.db.PlaceholderFormat()).
		Select("tasks.id", "tasks.type_id", "tasks.status", "tasks.params", "tasks.dedupe_key",
			"tasks.result", "tasks.error_message", "tasks.priority", "tasks.progress",
			"tasks.attempts", "tasks.claimed_by", "tasks.claimed_at", "tasks.completed_at",
			"tasks.created_at", "tasks.updated_at").
		From("tasks")

	if f.Status != "" {
		q = q.Where(sq.Eq{"tasks.status": string(f.Status)})
	}
	if f.TypeName != "" {
		q = q.Join("task_types ON task_types.id = tasks.type_id").
			Where(sq.Eq{"task_types.name": f.TypeName})
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q = q.OrderBy("tasks.created_at DESC").Limit(uint64(limit)).Offset(uint64(f.Offset))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", taskerrors.ErrFatal, err)
	}

	rows, err := e.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		var t task.Task
		if err := rows.Scan(&t.ID, &t.TypeID, &t.Status, &t.Params, &t.DedupeKey, &t.Result, &t.ErrorMessage,
			&t.Priority, &t.Progress, &t.Attempts, &t.ClaimedBy, &t.ClaimedAt, &t.CompletedAt,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// StatusCount pairs a status with the number of tasks currently in it.
type StatusCount struct {
	Status task.Status
	Count  int
}

// TypeStatusCount is StatusCount narrowed to one task type.
type TypeStatusCount struct {
	TypeName string
	Status   task.Status
	Count    int
}

// Stats is the admin introspection snapshot (SUPPLEMENTAL FEATURES):
// queue depth by status, queue depth by type and status, how long the
// oldest pending task has been waiting, and the age distribution of
// currently-claimed tasks. Grounded on the teacher's admin-api GetStats,
// repurposed from Redis LLEN/key-scan counts to GROUP BY aggregates over
// the relational tasks table.
type Stats struct {
	ByStatus          []StatusCount
	ByTypeAndStatus   []TypeStatusCount
	OldestPendingAge  *time.Duration
	ClaimedAgeBuckets map[string]int
}

// claimedAgeBucketLabels are the upper bounds (exclusive) of the
// claimed-task age histogram, in ascending order; the last bucket is
// unbounded.
var claimedAgeBucketLabels = []struct {
	upTo  time.Duration
	label string
}{
	{30 * time.Second, "<30s"},
	{2 * time.Minute, "30s-2m"},
	{10 * time.Minute, "2m-10m"},
	{time.Hour, "10m-1h"},
}

const claimedAgeBucketOverflow = ">1h"

// Stats computes the admin introspection snapshot as of now.
func (e *Engine) Stats(ctx context.Context, now time.Time) (*Stats, error) {
	ph := e.db.PlaceholderFormat()

	byStatusSQL, byStatusArgs, err := sq.StatementBuilder.PlaceholderFormat(ph).
		Select("status", "COUNT(*)").From("tasks").GroupBy("status").ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", taskerrors.ErrFatal, err)
	}
	rows, err := e.db.Query(ctx, byStatusSQL, byStatusArgs...)
	if err != nil {
		return nil, err
	}
	var byStatus []StatusCount
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			rows.Close()
			return nil, err
		}
		byStatus = append(byStatus, sc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	byTypeSQL, byTypeArgs, err := sq.StatementBuilder.PlaceholderFormat(ph).
		Select("task_types.name", "tasks.status", "COUNT(*)").
		From("tasks").
		Join("task_types ON task_types.id = tasks.type_id").
		GroupBy("task_types.name", "tasks.status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", taskerrors.ErrFatal, err)
	}
	rows, err = e.db.Query(ctx, byTypeSQL, byTypeArgs...)
	if err != nil {
		return nil, err
	}
	var byType []TypeStatusCount
	for rows.Next() {
		var tc TypeStatusCount
		if err := rows.Scan(&tc.TypeName, &tc.Status, &tc.Count); err != nil {
			rows.Close()
			return nil, err
		}
		byType = append(byType, tc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	oldestSQL, oldestArgs, err := sq.StatementBuilder.PlaceholderFormat(ph).
		Select("created_at").From("tasks").
		Where(sq.Eq{"status": string(task.StatusPending)}).
		OrderBy("created_at ASC").Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", taskerrors.ErrFatal, err)
	}
	var oldestPendingAge *time.Duration
	var oldestCreatedAt time.Time
	switch err := e.db.QueryRow(ctx, oldestSQL, oldestArgs...).Scan(&oldestCreatedAt); {
	case err == nil:
		age := now.Sub(oldestCreatedAt)
		oldestPendingAge = &age
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, err
	}

	claimedSQL, claimedArgs, err := sq.StatementBuilder.PlaceholderFormat(ph).
		Select("claimed_at").From("tasks").
		Where(sq.Eq{"status": string(task.StatusClaimed)}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", taskerrors.ErrFatal, err)
	}
	rows, err = e.db.Query(ctx, claimedSQL, claimedArgs...)
	if err != nil {
		return nil, err
	}
	buckets := make(map[string]int, len(claimedAgeBucketLabels)+1)
	for rows.Next() {
		var claimedAt sql.NullTime
		if err := rows.Scan(&claimedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if !claimedAt.Valid {
			continue
		}
		buckets[bucketFor(now.Sub(claimedAt.Time))]++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Stats{
		ByStatus:          byStatus,
		ByTypeAndStatus:   byType,
		OldestPendingAge:  oldestPendingAge,
		ClaimedAgeBuckets: buckets,
	}, nil
}

func bucketFor(age time.Duration) string {
	for _, b := range claimedAgeBucketLabels {
		if age < b.upTo {
			return b.label
		}
	}
	return claimedAgeBucketOverflow
}

// ForceReclaim fails a claimed task immediately regardless of whether its
// claim lease has actually expired, for operator intervention on a stuck
// worker (SUPPLEMENTAL FEATURES' admin introspection surface). It reuses
// the same completion path ReclaimExpired's sweep uses, just without the
// cutoff check.
func (e *Engine) ForceReclaim(ctx context.Context, taskID int64) (task.Status, error) {
	var newStatus task.Status
	err := e.withTx(ctx, func(tx *storage.Tx) error {
		t, err := e.fetchTx(tx, taskID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return taskerrors.ErrNotFound
			}
			return err
		}
		if t.Status != task.StatusClaimed {
			return fmt.Errorf("%w: task %d is not claimed", taskerrors.ErrWrongState, taskID)
		}

		errMsg := "reclaimed: forced by operator"
		newStatus, err = e.applyCompletion(tx, t, false, nil, &errMsg)
		if err != nil {
			return err
		}
		e.recordHistory(tx, taskID, "reclaimed", "", errMsg)
		return nil
	})
	if err != nil {
		return "", err
	}
	obs.TasksReclaimed.Inc()
	return newStatus, nil
}

func (e *Engine) fetchTx(tx *storage.Tx, taskID int64) (*task.Task, error) {
	sel := sq.StatementBuilder.PlaceholderFormat(e.db.PlaceholderFormat()).
		Select("id", "type_id", "status", "params", "dedupe_key", "result", "error_message",
			"priority", "progress", "attempts", "claimed_by", "claimed_at", "completed_at",
			"created_at", "updated_at").
		From("tasks").
		Where(sq.Eq{"id": taskID})
	if e.db.Driver() == "postgres" {
		// SQLite has no FOR UPDATE clause; it relies on its single-writer
		// transactions instead.
		sel = sel.Suffix("FOR UPDATE")
	}
	sqlStr, args, err := sel.ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", taskerrors.ErrFatal, err)
	}

	var t task.Task
	row := tx.QueryRow(sqlStr, args...)
	if err := row.Scan(&t.ID, &t.TypeID, &t.Status, &t.Params, &t.DedupeKey, &t.Result, &t.ErrorMessage,
		&t.Priority, &t.Progress, &t.Attempts, &t.ClaimedBy, &t.ClaimedAt, &t.CompletedAt,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (e *Engine) recordHistory(tx *storage.Tx, taskID int64, statusChange, workerID, message string) {
	if !e.historyEnabled {
		return
	}
	sqlStr, args, err := sq.StatementBuilder.PlaceholderFormat(e.db.PlaceholderFormat()).
		Insert("task_history").
		Columns("task_id", "status_change", "worker_id", "message").
		Values(taskID, statusChange, workerID, message).
		ToSql()
	if err != nil {
		e.log.Warn("failed to build history insert", zap.Error(err))
		return
	}
	if _, err := tx.Exec(sqlStr, args...); err != nil {
		e.log.Warn("failed to write task history", zap.Error(err))
	}
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
