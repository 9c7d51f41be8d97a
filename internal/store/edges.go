package store

import (
	"context"
	"fmt"

	"github.com/kairoshq/kairos/internal/core"
)

// AddEdge records a dependency. Re-adding an edge updates its kind.
func (db *DB) AddEdge(ctx context.Context, e core.DependencyEdge) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO dependency_edges (entity_id, depends_on_entity_id, kind)
		VALUES (?, ?, ?)
		ON CONFLICT (entity_id, depends_on_entity_id) DO UPDATE SET kind = excluded.kind
	`, e.EntityID, e.DependsOnEntityID, e.Kind)
	if err != nil {
		return fmt.Errorf("add edge %s -> %s: %w", e.EntityID, e.DependsOnEntityID, err)
	}
	return nil
}

// EdgesFor returns the outgoing dependency edges of the given entities.
func (db *DB) EdgesFor(ctx context.Context, entityIDs []string) ([]core.DependencyEdge, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	q := "SELECT entity_id, depends_on_entity_id, kind FROM dependency_edges WHERE entity_id IN (?"
	args := []any{entityIDs[0]}
	for _, id := range entityIDs[1:] {
		q += ", ?"
		args = append(args, id)
	}
	q += ") ORDER BY entity_id, depends_on_entity_id"

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("edges for: %w", err)
	}
	defer rows.Close()

	var out []core.DependencyEdge
	for rows.Next() {
		var e core.DependencyEdge
		if err := rows.Scan(&e.EntityID, &e.DependsOnEntityID, &e.Kind); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
