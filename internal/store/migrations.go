package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "entity_versions: bi-temporal entity store",
		SQL: `
CREATE TABLE entity_versions (
    version_id   TEXT PRIMARY KEY,
    entity_id    TEXT NOT NULL,
    entity_type  TEXT NOT NULL CHECK (entity_type IN ('task', 'list_item', 'preference')),
    user_id      TEXT NOT NULL,

    -- Validity time: when the fact holds in the real world
    valid_from   INTEGER NOT NULL,
    valid_to     INTEGER,

    -- Transaction time: when the system believed it
    stored_from  INTEGER NOT NULL,
    stored_to    INTEGER,

    is_current   INTEGER NOT NULL DEFAULT 0,
    state        TEXT NOT NULL DEFAULT 'open' CHECK (state IN ('open', 'done', 'dropped')),
    payload      TEXT NOT NULL,

    -- Duplicate suppression: key + coarse time bucket for the active index
    dedup_key    TEXT,
    dedup_bucket INTEGER
);

CREATE INDEX idx_versions_entity ON entity_versions(entity_id, stored_from);
CREATE UNIQUE INDEX idx_versions_head ON entity_versions(entity_id)
    WHERE is_current = 1;
CREATE INDEX idx_versions_user_current ON entity_versions(user_id, entity_type)
    WHERE is_current = 1;
-- Bucketing lets an expired key be reused without touching the old
-- row. Two concurrent creates straddling a bucket boundary fall in
-- different buckets and both land; a later capture of that key merges
-- into whichever the key lookup returns, so the spare head goes idle
-- and expires with its window.
CREATE UNIQUE INDEX idx_versions_active_key
    ON entity_versions(user_id, entity_type, dedup_key, dedup_bucket)
    WHERE is_current = 1 AND state = 'open' AND dedup_key IS NOT NULL;
`,
	},
	{
		Version:     2,
		Description: "events: append-only event log",
		SQL: `
CREATE TABLE events (
    event_id    INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_id   TEXT,
    user_id     TEXT NOT NULL,
    event_type  TEXT NOT NULL,
    signature   TEXT,
    timestamp   INTEGER NOT NULL,
    day_of_week INTEGER NOT NULL,
    hour_of_day INTEGER NOT NULL,
    payload     TEXT
);

CREATE INDEX idx_events_user_time ON events(user_id, timestamp);
CREATE INDEX idx_events_type ON events(event_type, event_id);
`,
	},
	{
		Version:     3,
		Description: "capacity_snapshots: explicit and derived energy estimates",
		SQL: `
CREATE TABLE capacity_snapshots (
    id         INTEGER PRIMARY KEY,
    user_id    TEXT NOT NULL,
    timestamp  INTEGER NOT NULL,
    score      REAL NOT NULL,
    confidence REAL NOT NULL,
    source     TEXT NOT NULL CHECK (source IN ('explicit', 'inferred', 'predicted')),
    factors    TEXT
);

CREATE INDEX idx_snapshots_user_time ON capacity_snapshots(user_id, timestamp DESC);
CREATE INDEX idx_snapshots_user_source ON capacity_snapshots(user_id, source, timestamp DESC);
`,
	},
	{
		Version:     4,
		Description: "recurrence_patterns: per-signature running statistics",
		SQL: `
CREATE TABLE recurrence_patterns (
    user_id        TEXT NOT NULL,
    signature      TEXT NOT NULL,
    entity_type    TEXT NOT NULL,
    sample_count   INTEGER NOT NULL DEFAULT 0,
    mean_interval  REAL NOT NULL DEFAULT 0,
    variance       REAL NOT NULL DEFAULT 0,
    confidence     REAL NOT NULL DEFAULT 0,
    last_observed  INTEGER NOT NULL DEFAULT 0,
    next_predicted INTEGER NOT NULL DEFAULT 0,
    updated_at     INTEGER NOT NULL,

    PRIMARY KEY (user_id, signature)
);

CREATE INDEX idx_patterns_due ON recurrence_patterns(user_id, next_predicted);
`,
	},
	{
		Version:     5,
		Description: "dependency_edges: readiness graph",
		SQL: `
CREATE TABLE dependency_edges (
    entity_id            TEXT NOT NULL,
    depends_on_entity_id TEXT NOT NULL,
    kind                 TEXT NOT NULL CHECK (kind IN ('hard', 'soft')),

    PRIMARY KEY (entity_id, depends_on_entity_id)
);

CREATE INDEX idx_edges_target ON dependency_edges(depends_on_entity_id);
`,
	},
	{
		Version:     6,
		Description: "cursors: event log checkpoints for background consumers",
		SQL: `
CREATE TABLE cursors (
    name          TEXT PRIMARY KEY,
    last_event_id INTEGER NOT NULL DEFAULT 0,
    updated_at    INTEGER NOT NULL
);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
