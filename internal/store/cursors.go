package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Cursor is a background consumer's event log checkpoint.
type Cursor struct {
	Name        string
	LastEventID int64
	UpdatedAt   int64
}

// GetCursor returns the checkpoint for a named consumer. An unknown
// name yields a zero cursor, so new consumers start from the log head.
func (db *DB) GetCursor(ctx context.Context, name string) (Cursor, error) {
	c := Cursor{Name: name}
	err := db.QueryRowContext(ctx,
		"SELECT last_event_id, updated_at FROM cursors WHERE name = ?", name,
	).Scan(&c.LastEventID, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("get cursor %s: %w", name, err)
	}
	return c, nil
}

// SaveCursor advances a consumer's checkpoint.
func (db *DB) SaveCursor(ctx context.Context, name string, lastEventID int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO cursors (name, last_event_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			last_event_id = excluded.last_event_id,
			updated_at    = excluded.updated_at
	`, name, lastEventID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", name, err)
	}
	return nil
}
