// Copyright 2025 James Ross
package storage

// postgresSchema implements SchemaProvider for the Postgres driver,
// grounded on spec.md §6's five-table persisted state layout and the hot
// path indexes spec.md §4.1 requires.
type postgresSchema struct{}

func (postgresSchema) CreateStatements() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS task_types (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			version TEXT NOT NULL DEFAULT '',
			param_schema TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id BIGSERIAL PRIMARY KEY,
			type_id INTEGER NOT NULL REFERENCES task_types(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'pending',
			params TEXT NOT NULL,
			dedupe_key TEXT NOT NULL UNIQUE,
			result TEXT,
			error_message TEXT,
			priority BIGINT NOT NULL DEFAULT 0,
			progress INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			claimed_by TEXT,
			claimed_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_type_status ON tasks(type_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claimed_at ON tasks(claimed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at)`,
		`CREATE TABLE IF NOT EXISTS task_history (
			id BIGSERIAL PRIMARY KEY,
			task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			status_change TEXT NOT NULL,
			worker_id TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_history_task_id ON task_history(task_id)`,
		`CREATE TABLE IF NOT EXISTS api_endpoints (
			id SERIAL PRIMARY KEY,
			method TEXT NOT NULL,
			path_template TEXT NOT NULL,
			action_kind TEXT NOT NULL,
			load_order INTEGER NOT NULL DEFAULT 0,
			UNIQUE(method, path_template)
		)`,
		`CREATE TABLE IF NOT EXISTS api_validations (
			id SERIAL PRIMARY KEY,
			endpoint_id INTEGER NOT NULL REFERENCES api_endpoints(id) ON DELETE CASCADE,
			param_name TEXT NOT NULL,
			source TEXT NOT NULL,
			required BOOLEAN NOT NULL DEFAULT false,
			type TEXT NOT NULL DEFAULT '',
			min_length INTEGER,
			max_length INTEGER,
			minimum DOUBLE PRECISION,
			maximum DOUBLE PRECISION,
			pattern TEXT NOT NULL DEFAULT ''
		)`,
	}
}
