// Package readiness decides which entities are actionable right now
// and in what order to present them. Rank performs no writes and reads
// only already-materialized state, so it is safe at arbitrary read
// concurrency.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kairoshq/kairos/internal/capacity"
	"github.com/kairoshq/kairos/internal/core"
	"github.com/kairoshq/kairos/internal/store"
)

// Capacity ordinals to score thresholds. Any monotone mapping works;
// these leave "low" tasks doable on most days and gate "high" ones
// behind a genuinely good stretch.
var capacityThresholds = map[string]float64{
	"":       0.0,
	"low":    0.2,
	"medium": 0.45,
	"high":   0.7,
}

// Predicate is an opaque caller-supplied readiness check (tool or
// location availability and the like). A false result carries a reason.
type Predicate func(core.VersionedEntity) (bool, string)

// Options tunes one Rank call.
type Options struct {
	// At is the evaluation instant; zero means now.
	At int64
	// Capacity overrides the estimator lookup (tests, batch callers).
	Capacity *core.CapacitySnapshot
	// Predicates are extra pass-through readiness checks.
	Predicates []Predicate
}

// Ranked is one candidate's verdict.
type Ranked struct {
	Entity  core.VersionedEntity `json:"entity"`
	Ready   bool                 `json:"ready"`
	Reasons []string             `json:"reasons,omitempty"`
	// Score is the unlocks-others weight after soft-dependency
	// discount; it is the secondary sort key among ready entities.
	Score float64 `json:"score"`
}

// Matcher ranks candidates against dependencies and current capacity.
type Matcher struct {
	db  *store.DB
	est *capacity.Estimator
}

// New returns a Matcher.
func New(db *store.DB, est *capacity.Estimator) *Matcher {
	return &Matcher{db: db, est: est}
}

// Rank evaluates each candidate independently and returns ready
// entities first, ordered by deadline proximity, then unlock score
// descending, then estimated duration, then entity id. The same state
// always produces the same order.
func (m *Matcher) Rank(ctx context.Context, userID string, candidates []core.VersionedEntity, opts Options) ([]Ranked, error) {
	at := opts.At
	if at == 0 {
		at = time.Now().UnixMilli()
	}

	capSnap := opts.Capacity
	if capSnap == nil {
		snap, err := m.est.Estimate(ctx, userID, at)
		if err != nil {
			return nil, err
		}
		capSnap = &snap
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.EntityID
	}
	edges, err := m.db.EdgesFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	edgesByEntity := map[string][]core.DependencyEdge{}
	depIDs := map[string]bool{}
	for _, e := range edges {
		edgesByEntity[e.EntityID] = append(edgesByEntity[e.EntityID], e)
		depIDs[e.DependsOnEntityID] = true
	}

	depState := map[string]string{}
	for id := range depIDs {
		dep, err := m.db.ReadCurrent(ctx, id)
		if errors.Is(err, core.ErrEntityNotFound) {
			continue // unknown dependency stays unmet
		}
		if err != nil {
			return nil, err
		}
		depState[id] = dep.State
	}

	out := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, evaluate(c, edgesByEntity[c.EntityID], depState, capSnap.Score, opts.Predicates))
	}

	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i], out[j])
	})
	return out, nil
}

func evaluate(c core.VersionedEntity, edges []core.DependencyEdge, depState map[string]string, capScore float64, preds []Predicate) Ranked {
	r := Ranked{Entity: c, Ready: true}

	unmetSoft := 0
	for _, e := range edges {
		done := depState[e.DependsOnEntityID] == core.StateDone
		if done {
			continue
		}
		if e.Kind == core.EdgeHard {
			r.Ready = false
			r.Reasons = append(r.Reasons, fmt.Sprintf("blocked by %s", e.DependsOnEntityID))
		} else {
			unmetSoft++
		}
	}

	required := requiredCapacity(c)
	if capScore < capacityThresholds[required] {
		r.Ready = false
		r.Reasons = append(r.Reasons, fmt.Sprintf("needs %s capacity", required))
	}

	for _, p := range preds {
		if ok, reason := p(c); !ok {
			r.Ready = false
			r.Reasons = append(r.Reasons, reason)
		}
	}

	// Soft dependencies discount the unlock score but never below a
	// fifth of it, and never flip readiness.
	discount := math.Max(0.2, 1-0.2*float64(unmetSoft))
	r.Score = unlocksWeight(c) * discount
	return r
}

func less(a, b Ranked) bool {
	if a.Ready != b.Ready {
		return a.Ready
	}
	if !a.Ready {
		return a.Entity.EntityID < b.Entity.EntityID
	}
	da, db := deadlineOf(a.Entity), deadlineOf(b.Entity)
	if da != db {
		return da < db
	}
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	ea, eb := durationOf(a.Entity), durationOf(b.Entity)
	if ea != eb {
		return ea < eb
	}
	return a.Entity.EntityID < b.Entity.EntityID
}

func requiredCapacity(c core.VersionedEntity) string {
	if c.Payload.Task != nil {
		return c.Payload.Task.RequiredCapacity
	}
	return ""
}

func unlocksWeight(c core.VersionedEntity) float64 {
	if c.Payload.Task != nil {
		return c.Payload.Task.UnlocksWeight
	}
	return 0
}

func deadlineOf(c core.VersionedEntity) int64 {
	if c.Payload.Task != nil && c.Payload.Task.DeadlineAt != nil {
		return *c.Payload.Task.DeadlineAt
	}
	return math.MaxInt64
}

func durationOf(c core.VersionedEntity) int {
	if c.Payload.Task != nil && c.Payload.Task.EstimatedMinutes > 0 {
		return c.Payload.Task.EstimatedMinutes
	}
	return math.MaxInt32
}
