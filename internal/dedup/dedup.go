// Package dedup sits in front of entity creation and folds repeated
// captures of the same thing into one entity. A constraint race with a
// concurrent creator is expected control flow here: the loser re-reads
// and merges.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kairoshq/kairos/internal/core"
	"github.com/kairoshq/kairos/internal/store"
)

// DefaultWindow is how long an active entity attracts duplicates.
const DefaultWindow = 24 * time.Hour

// maxRetries bounds the stale-write / constraint-race retry loop. Each
// retry re-reads fresh state; generous because a burst of identical
// captures can advance the head between a loser's re-read and merge.
const maxRetries = 16

// Outcome statuses.
const (
	StatusCreated = "created"
	StatusMerged  = "merged"
)

// Request is one capture to create or merge. NormalizedKey is the
// caller's grouping key (see NormalizeKey); Window 0 means the
// suppressor default.
type Request struct {
	UserID        string
	EntityType    string
	NormalizedKey string
	Payload       core.Payload
	Window        time.Duration
	Now           int64 // test clock override
}

// Outcome reports whether the capture created a new entity or merged
// into an existing one.
type Outcome struct {
	Status string               `json:"status"`
	Entity core.VersionedEntity `json:"entity"`
}

// Suppressor implements create-or-merge over the versioned store.
type Suppressor struct {
	db     *store.DB
	window time.Duration
}

// New returns a Suppressor. window 0 means DefaultWindow.
func New(db *store.DB, window time.Duration) *Suppressor {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Suppressor{db: db, window: window}
}

// NormalizeKey case-folds and whitespace-collapses a label into a
// dedup grouping key.
func NormalizeKey(label string) string {
	return strings.ToLower(strings.Join(strings.Fields(label), " "))
}

// CreateOrMerge looks for an active same-key entity inside the dedup
// window; found means merge (bump the counter, refresh last_observed),
// not found means create. Concurrent same-key creates settle to
// exactly one created entity: the unique active-key index rejects the
// loser, which retries into the merge path.
func (s *Suppressor) CreateOrMerge(ctx context.Context, req Request) (Outcome, error) {
	if req.NormalizedKey == "" {
		return Outcome{}, fmt.Errorf("create or merge: empty normalized key")
	}
	now := req.Now
	if now == 0 {
		now = time.Now().UnixMilli()
	}
	window := req.Window
	if window <= 0 {
		window = s.window
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		active, err := s.db.FindActiveByKey(ctx, req.UserID, req.EntityType, req.NormalizedKey)
		if err != nil {
			return Outcome{}, err
		}

		if active != nil && now-lastObserved(*active) <= window.Milliseconds() {
			out, err := s.merge(ctx, *active, now)
			if errors.Is(err, core.ErrStaleWrite) {
				continue // another writer advanced the head; re-read
			}
			return out, err
		}

		out, err := s.create(ctx, req, now, window)
		if store.IsUniqueViolation(err) {
			continue // lost the create race; merge on the next pass
		}
		return out, err
	}
	return Outcome{}, fmt.Errorf("create or merge %q: retries exhausted: %w", req.NormalizedKey, core.ErrStaleWrite)
}

func (s *Suppressor) merge(ctx context.Context, active core.VersionedEntity, now int64) (Outcome, error) {
	// Capture clocks can lag the head when arrivals are reordered; clamp
	// so the evolve never lands before the head's valid_from.
	at := now
	if active.ValidFrom > at {
		at = active.ValidFrom
	}
	v, err := s.db.Write(ctx, store.WriteRequest{
		EntityID:        active.EntityID,
		EntityType:      active.EntityType,
		UserID:          active.UserID,
		Mode:            core.ModeEvolve,
		Payload:         active.Payload.Merged(at),
		ValidFrom:       at,
		ExpectVersionID: active.VersionID,
		EventType:       core.EventDuplicateMerged,
		Now:             at,
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: StatusMerged, Entity: v}, nil
}

func (s *Suppressor) create(ctx context.Context, req Request, now int64, window time.Duration) (Outcome, error) {
	v, err := s.db.Write(ctx, store.WriteRequest{
		EntityType:  req.EntityType,
		UserID:      req.UserID,
		Mode:        core.ModeEvolve,
		Payload:     stampObserved(req.Payload, now),
		ValidFrom:   now,
		EventType:   core.EventItemAdded,
		DedupKey:    req.NormalizedKey,
		DedupBucket: now / window.Milliseconds(),
		Now:         now,
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: StatusCreated, Entity: v}, nil
}

// lastObserved prefers the payload's last_observed stamp and falls
// back to the version's stored_from.
func lastObserved(v core.VersionedEntity) int64 {
	switch {
	case v.Payload.Task != nil && v.Payload.Task.LastObservedAt > 0:
		return v.Payload.Task.LastObservedAt
	case v.Payload.ListItem != nil && v.Payload.ListItem.LastObservedAt > 0:
		return v.Payload.ListItem.LastObservedAt
	}
	return v.StoredFrom
}

func stampObserved(p core.Payload, now int64) core.Payload {
	out := p
	if p.Task != nil {
		t := *p.Task
		t.LastObservedAt = now
		out.Task = &t
	}
	if p.ListItem != nil {
		li := *p.ListItem
		li.LastObservedAt = now
		out.ListItem = &li
	}
	return out
}
