// Copyright 2025 James Ross
package storage

// sqliteSchema implements SchemaProvider for the SQLite driver, used for
// tests and single-node deployments without a Postgres server.
type sqliteSchema struct{}

func (sqliteSchema) CreateStatements() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS task_types (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			version TEXT NOT NULL DEFAULT '',
			param_schema TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type_id INTEGER NOT NULL REFERENCES task_types(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'pending',
			params TEXT NOT NULL,
			dedupe_key TEXT NOT NULL UNIQUE,
			result TEXT,
			error_message TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			progress INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			claimed_by TEXT,
			claimed_at DATETIME,
			completed_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_type_status ON tasks(type_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claimed_at ON tasks(claimed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at)`,
		`CREATE TABLE IF NOT EXISTS task_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			status_change TEXT NOT NULL,
			worker_id TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_history_task_id ON task_history(task_id)`,
		`CREATE TABLE IF NOT EXISTS api_endpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			method TEXT NOT NULL,
			path_template TEXT NOT NULL,
			action_kind TEXT NOT NULL,
			load_order INTEGER NOT NULL DEFAULT 0,
			UNIQUE(method, path_template)
		)`,
		`CREATE TABLE IF NOT EXISTS api_validations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			endpoint_id INTEGER NOT NULL REFERENCES api_endpoints(id) ON DELETE CASCADE,
			param_name TEXT NOT NULL,
			source TEXT NOT NULL,
			required BOOLEAN NOT NULL DEFAULT 0,
			type TEXT NOT NULL DEFAULT '',
			min_length INTEGER,
			max_length INTEGER,
			minimum REAL,
			maximum REAL,
			pattern TEXT NOT NULL DEFAULT ''
		)`,
	}
}
