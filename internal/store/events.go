package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kairoshq/kairos/internal/core"
)

// ScanFilter narrows an event log scan. Zero values mean no filter.
type ScanFilter struct {
	UserID    string
	EventType string
	Limit     int
}

func (f ScanFilter) limit() int {
	if f.Limit <= 0 {
		return 500
	}
	return f.Limit
}

// AppendEvent appends one event to the log and returns its id. The log
// records what happened; it does not validate beyond schema shape.
// DayOfWeek/HourOfDay are derived from the timestamp when unset.
func (db *DB) AppendEvent(ctx context.Context, ev core.Event) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	id, err := appendEventTx(tx, ev)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return id, nil
}

func appendEventTx(tx *sql.Tx, ev core.Event) (int64, error) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	if ev.DayOfWeek == 0 && ev.HourOfDay == 0 {
		t := time.UnixMilli(ev.Timestamp).UTC()
		ev.DayOfWeek = int(t.Weekday())
		ev.HourOfDay = t.Hour()
	}

	var payload any
	if len(ev.Payload) > 0 {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payload = string(raw)
	}

	var entityID any
	if ev.EntityID != "" {
		entityID = ev.EntityID
	}
	var signature any
	if ev.Signature != "" {
		signature = ev.Signature
	}

	res, err := tx.Exec(`
		INSERT INTO events (entity_id, user_id, event_type, signature, timestamp, day_of_week, hour_of_day, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entityID, ev.UserID, ev.EventType, signature, ev.Timestamp, ev.DayOfWeek, ev.HourOfDay, payload)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event id: %w", err)
	}
	return id, nil
}

// ScanEvents returns events with event_id > since, ordered by
// (timestamp, event_id), up to the filter's limit. Consumers call it
// repeatedly from their checkpoint; a short batch means caught up.
func (db *DB) ScanEvents(ctx context.Context, since int64, f ScanFilter) ([]core.Event, error) {
	q := `
		SELECT event_id, entity_id, user_id, event_type, signature, timestamp, day_of_week, hour_of_day, payload
		FROM events WHERE event_id > ?`
	args := []any{since}
	if f.UserID != "" {
		q += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.EventType != "" {
		q += " AND event_type = ?"
		args = append(args, f.EventType)
	}
	q += " ORDER BY event_id LIMIT ?"
	args = append(args, f.limit())

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	defer rows.Close()

	var out []core.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EventsInWindow returns a user's events with timestamp in [from, to),
// ordered by (timestamp, event_id). The capacity estimator reads its
// trailing activity window through this.
func (db *DB) EventsInWindow(ctx context.Context, userID string, from, to int64) ([]core.Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT event_id, entity_id, user_id, event_type, signature, timestamp, day_of_week, hour_of_day, payload
		FROM events
		WHERE user_id = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp, event_id
	`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("events in window: %w", err)
	}
	defer rows.Close()

	var out []core.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (core.Event, error) {
	var ev core.Event
	var entityID, signature, payload sql.NullString
	err := rows.Scan(&ev.EventID, &entityID, &ev.UserID, &ev.EventType, &signature,
		&ev.Timestamp, &ev.DayOfWeek, &ev.HourOfDay, &payload)
	if err != nil {
		return core.Event{}, fmt.Errorf("scan event: %w", err)
	}
	ev.EntityID = entityID.String
	ev.Signature = signature.String
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
			return core.Event{}, fmt.Errorf("unmarshal event payload %d: %w", ev.EventID, err)
		}
	}
	return ev, nil
}
