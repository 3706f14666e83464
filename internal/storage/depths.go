// Copyright 2025 James Ross
package storage

import (
	"context"

	"github.com/flyingrobots/taskqueue/internal/obs"
)

// QueueDepths computes on-demand per-(type,status) counts, satisfying
// obs.DepthSource. This is the "on-demand aggregation query, never a cached
// back-pointer" design note from spec.md §9.
func (d *DB) QueueDepths(ctx context.Context) ([]obs.DepthCount, error) {
	rows, err := d.sqlx.QueryxContext(ctx, `
		SELECT task_types.name AS type_name, tasks.status AS status, COUNT(*) AS count
		FROM tasks
		JOIN task_types ON task_types.id = tasks.type_id
		GROUP BY task_types.name, tasks.status
	`)
	if err != nil {
		return nil, classify(d.driver, err)
	}
	defer rows.Close()

	var out []obs.DepthCount
	for rows.Next() {
		var c obs.DepthCount
		if err := rows.Scan(&c.TypeName, &c.Status, &c.Count); err != nil {
			return nil, classify(d.driver, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
