package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kairoshq/kairos/internal/core"
)

// SaveSnapshot stores one capacity snapshot. Snapshots are immutable;
// superseded ones age out of the queries, nothing is deleted.
func (db *DB) SaveSnapshot(ctx context.Context, s core.CapacitySnapshot) error {
	var factors any
	if len(s.Factors) > 0 {
		raw, err := json.Marshal(s.Factors)
		if err != nil {
			return fmt.Errorf("marshal factors: %w", err)
		}
		factors = string(raw)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO capacity_snapshots (user_id, timestamp, score, confidence, source, factors)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.UserID, s.Timestamp, s.Score, s.Confidence, s.Source, factors)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the user's most recent snapshot of the given
// source at or before asOf. Source "" matches any. Returns nil when
// the user has none.
func (db *DB) LatestSnapshot(ctx context.Context, userID, source string, asOf int64) (*core.CapacitySnapshot, error) {
	q := `
		SELECT user_id, timestamp, score, confidence, source, factors
		FROM capacity_snapshots WHERE user_id = ? AND timestamp <= ?`
	args := []any{userID, asOf}
	if source != "" {
		q += " AND source = ?"
		args = append(args, source)
	}
	q += " ORDER BY timestamp DESC LIMIT 1"

	var s core.CapacitySnapshot
	var factors sql.NullString
	err := db.QueryRowContext(ctx, q, args...).Scan(
		&s.UserID, &s.Timestamp, &s.Score, &s.Confidence, &s.Source, &factors)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	if factors.Valid && factors.String != "" {
		if err := json.Unmarshal([]byte(factors.String), &s.Factors); err != nil {
			return nil, fmt.Errorf("unmarshal factors: %w", err)
		}
	}
	return &s, nil
}

// BaselineCell is an hour-of-day/day-of-week aggregate of historical
// snapshot scores. The estimator's baseline curve is built from these.
type BaselineCell struct {
	DayOfWeek int
	HourOfDay int
	MeanScore float64
	Samples   int
}

// BaselineCurve aggregates a user's snapshot history into per-cell
// means. Only explicit and inferred snapshots feed the curve so
// predictions never feed back into themselves.
func (db *DB) BaselineCurve(ctx context.Context, userID string) ([]BaselineCell, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT
			CAST(strftime('%w', timestamp / 1000, 'unixepoch') AS INTEGER) AS dow,
			CAST(strftime('%H', timestamp / 1000, 'unixepoch') AS INTEGER) AS hod,
			AVG(score), COUNT(*)
		FROM capacity_snapshots
		WHERE user_id = ? AND source IN ('explicit', 'inferred')
		GROUP BY dow, hod
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("baseline curve: %w", err)
	}
	defer rows.Close()

	var out []BaselineCell
	for rows.Next() {
		var c BaselineCell
		if err := rows.Scan(&c.DayOfWeek, &c.HourOfDay, &c.MeanScore, &c.Samples); err != nil {
			return nil, fmt.Errorf("scan baseline cell: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
