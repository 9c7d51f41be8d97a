package store

import (
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMemory(t *testing.T) {
	db := testDB(t)

	if db.Path != ":memory:" {
		t.Errorf("Path = %q, want :memory:", db.Path)
	}
}

func TestSchemaVersion(t *testing.T) {
	db := testDB(t)

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 6 {
		t.Errorf("SchemaVersion = %d, want 6", v)
	}
}

func TestTablesExist(t *testing.T) {
	db := testDB(t)

	tables := []string{
		"schema_versions", "entity_versions", "events",
		"capacity_snapshots", "recurrence_patterns", "dependency_edges", "cursors",
	}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestEntityVersionsConstraints(t *testing.T) {
	db := testDB(t)

	// Valid insert
	_, err := db.Exec(`
		INSERT INTO entity_versions (version_id, entity_id, entity_type, user_id, valid_from, stored_from, is_current, state, payload)
		VALUES ('v-1', 'e-1', 'task', 'u-1', 1000, 1000, 1, 'open', '{}')
	`)
	if err != nil {
		t.Fatalf("valid insert failed: %v", err)
	}

	// Invalid entity_type
	_, err = db.Exec(`
		INSERT INTO entity_versions (version_id, entity_id, entity_type, user_id, valid_from, stored_from, is_current, state, payload)
		VALUES ('v-2', 'e-2', 'invalid', 'u-1', 1000, 1000, 1, 'open', '{}')
	`)
	if err == nil {
		t.Error("expected error for invalid entity_type, got nil")
	}

	// Invalid state
	_, err = db.Exec(`
		INSERT INTO entity_versions (version_id, entity_id, entity_type, user_id, valid_from, stored_from, is_current, state, payload)
		VALUES ('v-3', 'e-3', 'task', 'u-1', 1000, 1000, 1, 'invalid', '{}')
	`)
	if err == nil {
		t.Error("expected error for invalid state, got nil")
	}

	// Two current versions for one entity
	_, err = db.Exec(`
		INSERT INTO entity_versions (version_id, entity_id, entity_type, user_id, valid_from, stored_from, is_current, state, payload)
		VALUES ('v-4', 'e-1', 'task', 'u-1', 2000, 2000, 1, 'open', '{}')
	`)
	if err == nil {
		t.Error("expected unique violation for second current version, got nil")
	}
}

func TestActiveKeyIndex(t *testing.T) {
	db := testDB(t)

	insert := `
		INSERT INTO entity_versions
			(version_id, entity_id, entity_type, user_id, valid_from, stored_from, is_current, state, payload, dedup_key, dedup_bucket)
		VALUES (?, ?, 'task', 'u-1', 1000, 1000, ?, ?, '{}', ?, ?)`

	if _, err := db.Exec(insert, "v-1", "e-1", 1, "open", "buy milk", 10); err != nil {
		t.Fatalf("first keyed insert: %v", err)
	}

	// Same key, same bucket, both open and current: rejected.
	if _, err := db.Exec(insert, "v-2", "e-2", 1, "open", "buy milk", 10); err == nil {
		t.Error("expected unique violation for duplicate active key, got nil")
	}
	if !IsUniqueViolation(func() error {
		_, err := db.Exec(insert, "v-2", "e-2", 1, "open", "buy milk", 10)
		return err
	}()) {
		t.Error("IsUniqueViolation = false for active key collision")
	}

	// Different bucket: allowed.
	if _, err := db.Exec(insert, "v-3", "e-3", 1, "open", "buy milk", 11); err != nil {
		t.Errorf("different bucket rejected: %v", err)
	}

	// Same bucket but done: allowed, the index only covers open heads.
	if _, err := db.Exec(insert, "v-4", "e-4", 1, "done", "buy milk", 10); err != nil {
		t.Errorf("terminal state rejected: %v", err)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	db := testDB(t)

	// Running migrate again should be a no-op
	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 6 {
		t.Errorf("SchemaVersion after re-migrate = %d, want 6", v)
	}
}

func TestForeignKeysEnabled(t *testing.T) {
	db := testDB(t)

	var on int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&on); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if on != 1 {
		t.Errorf("foreign_keys = %d, want 1", on)
	}
}
