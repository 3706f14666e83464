// Copyright 2025 James Ross
package storage

import (
	"context"
	"fmt"
	"sync"
)

// SchemaProvider supplies the DDL for one backend driver. Adapted from the
// teacher's BackendRegistry/BackendFactory pattern
// (internal/storage-backends/storage-backends.go): instead of swapping
// whole queue implementations, this registry swaps the DDL dialect between
// Postgres and SQLite, since the five persisted tables (spec.md §6) differ
// in autoincrement/serial syntax and index support between the two.
type SchemaProvider interface {
	CreateStatements() []string
}

// Registry holds one SchemaProvider per driver name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]SchemaProvider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]SchemaProvider)}
}

func (r *Registry) Register(driver string, p SchemaProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[driver] = p
}

func (r *Registry) Get(driver string) (SchemaProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[driver]
	if !ok {
		return nil, fmt.Errorf("storage: no schema provider registered for driver %q", driver)
	}
	return p, nil
}

// DefaultRegistry is pre-populated with the Postgres and SQLite providers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("postgres", postgresSchema{})
	r.Register("sqlite3", sqliteSchema{})
	return r
}

// EnsureSchema runs the driver's CREATE TABLE IF NOT EXISTS statements.
func (r *Registry) EnsureSchema(ctx context.Context, db *DB) error {
	provider, err := r.Get(db.driver)
	if err != nil {
		return err
	}
	for _, stmt := range provider.CreateStatements() {
		if _, err := db.sqlx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: apply schema statement: %w", err)
		}
	}
	return nil
}
