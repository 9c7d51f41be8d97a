package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kairoshq/kairos/internal/core"
)

// WriteRequest describes one bi-temporal write. Mode selects between a
// forward evolution and a retroactive correction; ExpectVersionID is
// the optimistic-concurrency token (the version_id the caller believes
// is current, empty only for an entity's first version).
type WriteRequest struct {
	EntityID        string
	EntityType      string
	UserID          string
	Mode            core.WriteMode
	Payload         core.Payload
	State           string // empty = carry prior state (or "open" for a first version)
	ValidFrom       int64
	ValidTo         *int64
	ExpectVersionID string
	EventType       string // empty = derived from mode and state

	// Set by the duplicate suppressor on first versions so the active
	// key index can arbitrate concurrent creates.
	DedupKey    string
	DedupBucket int64

	// Now overrides the write clock in tests. Zero means time.Now.
	Now int64
}

// Write inserts a new version for an entity, closing out the prior
// version per the request mode, and appends the causing event in the
// same transaction. Returns the inserted version.
func (db *DB) Write(ctx context.Context, req WriteRequest) (core.VersionedEntity, error) {
	now := req.Now
	if now == 0 {
		now = time.Now().UnixMilli()
	}
	if req.ValidTo != nil && req.ValidFrom > *req.ValidTo {
		return core.VersionedEntity{}, fmt.Errorf("write %s: %w", req.EntityID, core.ErrInvalidTimeRange)
	}
	if req.EntityID == "" {
		req.EntityID = uuid.NewString()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return core.VersionedEntity{}, fmt.Errorf("begin write: %w", err)
	}
	defer tx.Rollback()

	head, err := getHeadTx(tx, req.EntityID)
	if err != nil {
		return core.VersionedEntity{}, err
	}

	var inserted core.VersionedEntity
	switch {
	case head == nil:
		if req.Mode == core.ModeCorrect {
			return core.VersionedEntity{}, fmt.Errorf("correct %s: %w", req.EntityID, core.ErrEntityNotFound)
		}
		if req.ExpectVersionID != "" {
			return core.VersionedEntity{}, fmt.Errorf("write %s: %w", req.EntityID, core.ErrStaleWrite)
		}
		inserted, err = insertFirstTx(tx, req, now)
	case req.Mode == core.ModeEvolve:
		inserted, err = evolveTx(tx, req, head, now)
	default:
		inserted, err = correctTx(tx, req, head, now)
	}
	if err != nil {
		return core.VersionedEntity{}, err
	}

	ev := core.Event{
		EntityID:  req.EntityID,
		UserID:    inserted.UserID,
		EventType: req.EventType,
		Signature: req.Payload.Signature(),
		Timestamp: now,
		Payload: map[string]any{
			"entity_type": inserted.EntityType,
			"state":       inserted.State,
		},
	}
	if ev.EventType == "" {
		ev.EventType = defaultEventType(req.Mode, head == nil, inserted.State)
	}
	if _, err := appendEventTx(tx, ev); err != nil {
		return core.VersionedEntity{}, err
	}

	if err := tx.Commit(); err != nil {
		return core.VersionedEntity{}, fmt.Errorf("commit write: %w", err)
	}
	return inserted, nil
}

func defaultEventType(mode core.WriteMode, first bool, state string) string {
	switch {
	case first:
		return core.EventItemAdded
	case mode == core.ModeCorrect:
		return core.EventItemCorrected
	case state == core.StateDone:
		return core.EventItemCompleted
	default:
		return core.EventItemEvolved
	}
}

func insertFirstTx(tx *sql.Tx, req WriteRequest, now int64) (core.VersionedEntity, error) {
	state := req.State
	if state == "" {
		state = core.StateOpen
	}
	v := core.VersionedEntity{
		EntityID:   req.EntityID,
		EntityType: req.EntityType,
		UserID:     req.UserID,
		VersionID:  uuid.NewString(),
		ValidFrom:  req.ValidFrom,
		ValidTo:    req.ValidTo,
		StoredFrom: now,
		IsCurrent:  true,
		State:      state,
		Payload:    req.Payload,
	}
	if err := insertVersionTx(tx, v, req.DedupKey, req.DedupBucket); err != nil {
		return core.VersionedEntity{}, err
	}
	return v, nil
}

func evolveTx(tx *sql.Tx, req WriteRequest, head *core.VersionedEntity, now int64) (core.VersionedEntity, error) {
	if req.ExpectVersionID != head.VersionID {
		return core.VersionedEntity{}, fmt.Errorf("evolve %s: %w", req.EntityID, core.ErrStaleWrite)
	}
	if req.ValidFrom < head.ValidFrom {
		return core.VersionedEntity{}, fmt.Errorf("evolve %s: valid_from precedes head: %w", req.EntityID, core.ErrOutOfOrderEvolution)
	}

	// Close the prior head's validity at the new valid_from. Its stored
	// interval stays open: the closed validity slice is still believed.
	res, err := tx.Exec(`
		UPDATE entity_versions SET valid_to = ?, is_current = 0
		WHERE version_id = ? AND is_current = 1
	`, req.ValidFrom, head.VersionID)
	if err != nil {
		return core.VersionedEntity{}, fmt.Errorf("close head %s: %w", req.EntityID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.VersionedEntity{}, fmt.Errorf("evolve %s: %w", req.EntityID, core.ErrStaleWrite)
	}

	state := req.State
	if state == "" {
		state = head.State
	}
	v := core.VersionedEntity{
		EntityID:   req.EntityID,
		EntityType: head.EntityType,
		UserID:     head.UserID,
		VersionID:  uuid.NewString(),
		ValidFrom:  req.ValidFrom,
		ValidTo:    req.ValidTo,
		StoredFrom: now,
		IsCurrent:  true,
		State:      state,
		Payload:    req.Payload,
	}
	key, bucket, err := getDedupKeyTx(tx, head.VersionID)
	if err != nil {
		return core.VersionedEntity{}, err
	}
	if err := insertVersionTx(tx, v, key, bucket); err != nil {
		return core.VersionedEntity{}, err
	}
	return v, nil
}

func correctTx(tx *sql.Tx, req WriteRequest, head *core.VersionedEntity, now int64) (core.VersionedEntity, error) {
	if req.ExpectVersionID != head.VersionID {
		return core.VersionedEntity{}, fmt.Errorf("correct %s: %w", req.EntityID, core.ErrStaleWrite)
	}

	// A correction targets the currently believed version covering the
	// given valid_from; with no valid_from it targets the head.
	target := head
	if req.ValidFrom != 0 && req.ValidFrom != head.ValidFrom {
		t, err := getBelievedAtTx(tx, req.EntityID, req.ValidFrom)
		if err != nil {
			return core.VersionedEntity{}, err
		}
		if t == nil {
			return core.VersionedEntity{}, fmt.Errorf("correct %s at %d: %w", req.EntityID, req.ValidFrom, core.ErrEntityNotFound)
		}
		target = t
	}

	res, err := tx.Exec(`
		UPDATE entity_versions SET stored_to = ?, is_current = 0
		WHERE version_id = ? AND stored_to IS NULL
	`, now, target.VersionID)
	if err != nil {
		return core.VersionedEntity{}, fmt.Errorf("supersede %s: %w", target.VersionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.VersionedEntity{}, fmt.Errorf("correct %s: %w", req.EntityID, core.ErrStaleWrite)
	}

	state := req.State
	if state == "" {
		state = target.State
	}
	validTo := target.ValidTo
	if req.ValidTo != nil {
		validTo = req.ValidTo
	}
	v := core.VersionedEntity{
		EntityID:   req.EntityID,
		EntityType: target.EntityType,
		UserID:     target.UserID,
		VersionID:  uuid.NewString(),
		ValidFrom:  target.ValidFrom,
		ValidTo:    validTo,
		StoredFrom: now,
		IsCurrent:  target.IsCurrent,
		State:      state,
		Payload:    req.Payload,
	}
	key, bucket, err := getDedupKeyTx(tx, target.VersionID)
	if err != nil {
		return core.VersionedEntity{}, err
	}
	if err := insertVersionTx(tx, v, key, bucket); err != nil {
		return core.VersionedEntity{}, err
	}
	return v, nil
}

func insertVersionTx(tx *sql.Tx, v core.VersionedEntity, dedupKey string, dedupBucket int64) error {
	payload, err := json.Marshal(v.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var key any
	var bucket any
	if dedupKey != "" {
		key = dedupKey
		bucket = dedupBucket
	}
	_, err = tx.Exec(`
		INSERT INTO entity_versions
			(version_id, entity_id, entity_type, user_id,
			 valid_from, valid_to, stored_from, stored_to,
			 is_current, state, payload, dedup_key, dedup_bucket)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?)
	`, v.VersionID, v.EntityID, v.EntityType, v.UserID,
		v.ValidFrom, nullable(v.ValidTo), v.StoredFrom,
		boolToInt(v.IsCurrent), v.State, string(payload), key, bucket)
	if err != nil {
		return fmt.Errorf("insert version %s: %w", v.VersionID, err)
	}
	return nil
}

func getDedupKeyTx(tx *sql.Tx, versionID string) (string, int64, error) {
	var key sql.NullString
	var bucket sql.NullInt64
	err := tx.QueryRow(
		"SELECT dedup_key, dedup_bucket FROM entity_versions WHERE version_id = ?",
		versionID,
	).Scan(&key, &bucket)
	if err != nil {
		return "", 0, fmt.Errorf("get dedup key %s: %w", versionID, err)
	}
	return key.String, bucket.Int64, nil
}

const versionColumns = `
	version_id, entity_id, entity_type, user_id,
	valid_from, valid_to, stored_from, stored_to,
	is_current, state, payload`

func getHeadTx(tx *sql.Tx, entityID string) (*core.VersionedEntity, error) {
	row := tx.QueryRow(
		"SELECT"+versionColumns+" FROM entity_versions WHERE entity_id = ? AND is_current = 1",
		entityID,
	)
	return scanVersionRow(row)
}

// getBelievedAtTx returns the stored_to IS NULL version whose validity
// window covers validAt, if any.
func getBelievedAtTx(tx *sql.Tx, entityID string, validAt int64) (*core.VersionedEntity, error) {
	row := tx.QueryRow(`
		SELECT`+versionColumns+` FROM entity_versions
		WHERE entity_id = ? AND stored_to IS NULL
		  AND valid_from <= ? AND (valid_to IS NULL OR valid_to > ?)
		ORDER BY stored_from DESC LIMIT 1
	`, entityID, validAt, validAt)
	return scanVersionRow(row)
}

// ReadCurrent returns the entity's open-ended current version, or
// ErrEntityNotFound.
func (db *DB) ReadCurrent(ctx context.Context, entityID string) (core.VersionedEntity, error) {
	row := db.QueryRowContext(ctx,
		"SELECT"+versionColumns+" FROM entity_versions WHERE entity_id = ? AND is_current = 1",
		entityID,
	)
	v, err := scanVersionRow(row)
	if err != nil {
		return core.VersionedEntity{}, err
	}
	if v == nil {
		return core.VersionedEntity{}, fmt.Errorf("read current %s: %w", entityID, core.ErrEntityNotFound)
	}
	return *v, nil
}

// ReadAsOf returns the version whose validity window covers validAt
// and whose transaction window covers storedAt, or ErrEntityNotFound.
// The matching version is unique by the no-overlap invariant.
func (db *DB) ReadAsOf(ctx context.Context, entityID string, validAt, storedAt int64) (core.VersionedEntity, error) {
	row := db.QueryRowContext(ctx, `
		SELECT`+versionColumns+` FROM entity_versions
		WHERE entity_id = ?
		  AND valid_from <= ? AND (valid_to IS NULL OR valid_to > ?)
		  AND stored_from <= ? AND (stored_to IS NULL OR stored_to > ?)
		ORDER BY stored_from DESC LIMIT 1
	`, entityID, validAt, validAt, storedAt, storedAt)
	v, err := scanVersionRow(row)
	if err != nil {
		return core.VersionedEntity{}, err
	}
	if v == nil {
		return core.VersionedEntity{}, fmt.Errorf("read as-of %s: %w", entityID, core.ErrEntityNotFound)
	}
	return *v, nil
}

// History returns every version of an entity ordered by stored_from.
func (db *DB) History(ctx context.Context, entityID string) ([]core.VersionedEntity, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT"+versionColumns+" FROM entity_versions WHERE entity_id = ? ORDER BY stored_from, version_id",
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", entityID, err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

// ListCurrentByUser returns the current versions of a user's entities.
// entityType filters when non-empty.
func (db *DB) ListCurrentByUser(ctx context.Context, userID, entityType string) ([]core.VersionedEntity, error) {
	q := "SELECT" + versionColumns + " FROM entity_versions WHERE user_id = ? AND is_current = 1"
	args := []any{userID}
	if entityType != "" {
		q += " AND entity_type = ?"
		args = append(args, entityType)
	}
	q += " ORDER BY entity_id"

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list current for %s: %w", userID, err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

// FindActiveByKey returns the current non-terminal entity carrying the
// given dedup key, or nil. Used by the duplicate suppressor.
func (db *DB) FindActiveByKey(ctx context.Context, userID, entityType, dedupKey string) (*core.VersionedEntity, error) {
	row := db.QueryRowContext(ctx, `
		SELECT`+versionColumns+` FROM entity_versions
		WHERE user_id = ? AND entity_type = ? AND dedup_key = ?
		  AND is_current = 1 AND state = 'open'
		ORDER BY stored_from DESC LIMIT 1
	`, userID, entityType, dedupKey)
	return scanVersionRow(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(s rowScanner) (core.VersionedEntity, error) {
	var v core.VersionedEntity
	var validTo, storedTo sql.NullInt64
	var isCurrent int
	var payload string
	err := s.Scan(&v.VersionID, &v.EntityID, &v.EntityType, &v.UserID,
		&v.ValidFrom, &validTo, &v.StoredFrom, &storedTo,
		&isCurrent, &v.State, &payload)
	if err != nil {
		return core.VersionedEntity{}, err
	}
	if validTo.Valid {
		v.ValidTo = &validTo.Int64
	}
	if storedTo.Valid {
		v.StoredTo = &storedTo.Int64
	}
	v.IsCurrent = isCurrent == 1
	if err := json.Unmarshal([]byte(payload), &v.Payload); err != nil {
		return core.VersionedEntity{}, fmt.Errorf("unmarshal payload %s: %w", v.VersionID, err)
	}
	return v, nil
}

func scanVersionRow(row *sql.Row) (*core.VersionedEntity, error) {
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan version: %w", err)
	}
	return &v, nil
}

func scanVersions(rows *sql.Rows) ([]core.VersionedEntity, error) {
	var out []core.VersionedEntity
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func nullable(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
