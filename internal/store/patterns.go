package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kairoshq/kairos/internal/core"
)

// UpsertPattern writes the detector's running statistics for one
// signature. Only the pattern detector calls this.
func (db *DB) UpsertPattern(ctx context.Context, p core.RecurrencePattern) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO recurrence_patterns
			(user_id, signature, entity_type, sample_count, mean_interval, variance,
			 confidence, last_observed, next_predicted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, signature) DO UPDATE SET
			entity_type    = excluded.entity_type,
			sample_count   = excluded.sample_count,
			mean_interval  = excluded.mean_interval,
			variance       = excluded.variance,
			confidence     = excluded.confidence,
			last_observed  = excluded.last_observed,
			next_predicted = excluded.next_predicted,
			updated_at     = excluded.updated_at
	`, p.UserID, p.Signature, p.EntityType, p.SampleCount, p.MeanInterval, p.Variance,
		p.Confidence, p.LastObserved, p.NextPredicted, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert pattern %s: %w", p.Signature, err)
	}
	return nil
}

// GetPattern returns the pattern for a signature, or nil.
func (db *DB) GetPattern(ctx context.Context, userID, signature string) (*core.RecurrencePattern, error) {
	row := db.QueryRowContext(ctx, `
		SELECT user_id, signature, entity_type, sample_count, mean_interval, variance,
		       confidence, last_observed, next_predicted, updated_at
		FROM recurrence_patterns WHERE user_id = ? AND signature = ?
	`, userID, signature)

	p, err := scanPattern(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pattern %s: %w", signature, err)
	}
	return &p, nil
}

// DuePatterns returns patterns predicted to recur at or before asOf,
// soonest first. Only patterns with at least one interval qualify.
func (db *DB) DuePatterns(ctx context.Context, userID string, asOf int64) ([]core.RecurrencePattern, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id, signature, entity_type, sample_count, mean_interval, variance,
		       confidence, last_observed, next_predicted, updated_at
		FROM recurrence_patterns
		WHERE user_id = ? AND sample_count >= 2 AND next_predicted > 0 AND next_predicted <= ?
		ORDER BY next_predicted, signature
	`, userID, asOf)
	if err != nil {
		return nil, fmt.Errorf("due patterns: %w", err)
	}
	defer rows.Close()

	var out []core.RecurrencePattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPattern(s rowScanner) (core.RecurrencePattern, error) {
	var p core.RecurrencePattern
	err := s.Scan(&p.UserID, &p.Signature, &p.EntityType, &p.SampleCount, &p.MeanInterval,
		&p.Variance, &p.Confidence, &p.LastObserved, &p.NextPredicted, &p.UpdatedAt)
	return p, err
}
