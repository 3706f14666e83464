// Copyright 2025 James Ross

// Package task defines the stored entities of the task queue's data
// model: TaskType, Task, and TaskHistory. Worker identity is not a stored
// entity — it is a caller-supplied string recorded in Task.ClaimedBy.
package task

import "time"

// Status is one of the four lifecycle states a Task can occupy.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Type is a named, schema-bearing category of work.
type Type struct {
	ID          int64     `db:"id"`
	Name        string    `db:"name"`
	Version     string    `db:"version"`
	ParamSchema string    `db:"param_schema"`
	IsActive    bool      `db:"is_active"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// TypeUsage augments a Type with on-demand aggregated usage, computed by a
// query over tasks rather than a cached back-pointer (spec design note §9).
type TypeUsage struct {
	Type
	TaskCount    int64      `db:"task_count"`
	LastUsedAt   *time.Time `db:"last_used_at"`
}

// Task is a unit of work.
type Task struct {
	ID           int64      `db:"id"`
	TypeID       int64      `db:"type_id"`
	Status       Status     `db:"status"`
	Params       string     `db:"params"` // validated JSON, stored as text
	DedupeKey    string     `db:"dedupe_key"`
	Result       *string    `db:"result"`
	ErrorMessage *string    `db:"error_message"`
	Priority     int64      `db:"priority"`
	Progress     int        `db:"progress"`
	Attempts     int        `db:"attempts"`
	ClaimedBy    *string    `db:"claimed_by"`
	ClaimedAt    *time.Time `db:"claimed_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// History is an append-only audit record of a status transition.
type History struct {
	ID           int64     `db:"id"`
	TaskID       int64     `db:"task_id"`
	StatusChange string    `db:"status_change"`
	WorkerID     string    `db:"worker_id"`
	Message      string    `db:"message"`
	CreatedAt    time.Time `db:"created_at"`
}
