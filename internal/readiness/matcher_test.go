package readiness

import (
	"context"
	"math"
	"testing"

	"github.com/kairoshq/kairos/internal/capacity"
	"github.com/kairoshq/kairos/internal/core"
	"github.com/kairoshq/kairos/internal/store"
)

func testMatcher(t *testing.T) (*Matcher, *store.DB) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, capacity.New(db, nil)), db
}

func fixedCapacity(score float64) Options {
	return Options{
		At:       1000,
		Capacity: &core.CapacitySnapshot{Score: score, Confidence: 1.0},
	}
}

func task(entityID string, mutate func(*core.TaskPayload)) core.VersionedEntity {
	p := &core.TaskPayload{Label: entityID}
	if mutate != nil {
		mutate(p)
	}
	return core.VersionedEntity{
		EntityID:   entityID,
		EntityType: core.EntityTask,
		UserID:     "u-1",
		State:      core.StateOpen,
		IsCurrent:  true,
		Payload:    core.Payload{Task: p},
	}
}

// write inserts a current version so dependency lookups can see it.
func write(t *testing.T, db *store.DB, entityID, state string) {
	t.Helper()
	v, err := db.Write(context.Background(), store.WriteRequest{
		EntityID:   entityID,
		EntityType: core.EntityTask,
		UserID:     "u-1",
		Mode:       core.ModeEvolve,
		Payload:    core.Payload{Task: &core.TaskPayload{Label: entityID}},
		ValidFrom:  100,
		Now:        100,
	})
	if err != nil {
		t.Fatalf("write %s: %v", entityID, err)
	}
	if state != core.StateOpen {
		if _, err := db.Write(context.Background(), store.WriteRequest{
			EntityID:        entityID,
			Mode:            core.ModeEvolve,
			Payload:         v.Payload,
			State:           state,
			ValidFrom:       200,
			ExpectVersionID: v.VersionID,
			Now:             200,
		}); err != nil {
			t.Fatalf("advance %s: %v", entityID, err)
		}
	}
}

func TestHardDependencyBlocks(t *testing.T) {
	m, db := testMatcher(t)
	ctx := context.Background()

	write(t, db, "dep-open", core.StateOpen)
	if err := db.AddEdge(ctx, core.DependencyEdge{EntityID: "t-1", DependsOnEntityID: "dep-open", Kind: core.EdgeHard}); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	ranked, err := m.Rank(ctx, "u-1", []core.VersionedEntity{task("t-1", nil)}, fixedCapacity(0.9))
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if ranked[0].Ready {
		t.Error("entity with open hard dependency reported ready")
	}
	if len(ranked[0].Reasons) == 0 {
		t.Error("blocked entity carries no reason")
	}
}

func TestDoneDependencyUnblocks(t *testing.T) {
	m, db := testMatcher(t)
	ctx := context.Background()

	write(t, db, "dep-done", core.StateDone)
	if err := db.AddEdge(ctx, core.DependencyEdge{EntityID: "t-1", DependsOnEntityID: "dep-done", Kind: core.EdgeHard}); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	ranked, err := m.Rank(ctx, "u-1", []core.VersionedEntity{task("t-1", nil)}, fixedCapacity(0.9))
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if !ranked[0].Ready {
		t.Errorf("satisfied hard dependency still blocks: %v", ranked[0].Reasons)
	}
}

func TestDroppedDependencyStaysUnmet(t *testing.T) {
	m, db := testMatcher(t)
	ctx := context.Background()

	write(t, db, "dep-dropped", core.StateDropped)
	if err := db.AddEdge(ctx, core.DependencyEdge{EntityID: "t-1", DependsOnEntityID: "dep-dropped", Kind: core.EdgeHard}); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	ranked, err := m.Rank(ctx, "u-1", []core.VersionedEntity{task("t-1", nil)}, fixedCapacity(0.9))
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if ranked[0].Ready {
		t.Error("dropped dependency must not satisfy a hard edge")
	}
}

func TestUnknownDependencyStaysUnmet(t *testing.T) {
	m, db := testMatcher(t)
	ctx := context.Background()

	if err := db.AddEdge(ctx, core.DependencyEdge{EntityID: "t-1", DependsOnEntityID: "ghost", Kind: core.EdgeHard}); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	ranked, err := m.Rank(ctx, "u-1", []core.VersionedEntity{task("t-1", nil)}, fixedCapacity(0.9))
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if ranked[0].Ready {
		t.Error("edge to a nonexistent entity reported ready")
	}
}

func TestCapacityGate(t *testing.T) {
	m, _ := testMatcher(t)
	ctx := context.Background()

	demanding := task("t-high", func(p *core.TaskPayload) { p.RequiredCapacity = "high" })
	easy := task("t-low", func(p *core.TaskPayload) { p.RequiredCapacity = "low" })

	ranked, err := m.Rank(ctx, "u-1", []core.VersionedEntity{demanding, easy}, fixedCapacity(0.3))
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	// Ready entities sort first.
	if ranked[0].Entity.EntityID != "t-low" || !ranked[0].Ready {
		t.Errorf("first = %s ready=%v, want ready t-low", ranked[0].Entity.EntityID, ranked[0].Ready)
	}
	if ranked[1].Ready {
		t.Error("high-capacity task ready on a 0.3 day")
	}

	// On a good day the gate opens.
	ranked, err = m.Rank(ctx, "u-1", []core.VersionedEntity{demanding}, fixedCapacity(0.8))
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if !ranked[0].Ready {
		t.Errorf("high-capacity task blocked on a 0.8 day: %v", ranked[0].Reasons)
	}
}

func TestSoftDependencyDiscountsOnly(t *testing.T) {
	m, db := testMatcher(t)
	ctx := context.Background()

	write(t, db, "dep-open", core.StateOpen)
	if err := db.AddEdge(ctx, core.DependencyEdge{EntityID: "t-1", DependsOnEntityID: "dep-open", Kind: core.EdgeSoft}); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	weighted := task("t-1", func(p *core.TaskPayload) { p.UnlocksWeight = 1.0 })
	ranked, err := m.Rank(ctx, "u-1", []core.VersionedEntity{weighted}, fixedCapacity(0.9))
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if !ranked[0].Ready {
		t.Errorf("soft dependency flipped readiness: %v", ranked[0].Reasons)
	}
	if math.Abs(ranked[0].Score-0.8) > 1e-9 {
		t.Errorf("score = %f, want 0.8 after one soft discount", ranked[0].Score)
	}
}

func TestSoftDiscountFloor(t *testing.T) {
	m, db := testMatcher(t)
	ctx := context.Background()

	for _, dep := range []string{"d-1", "d-2", "d-3", "d-4", "d-5", "d-6"} {
		write(t, db, dep, core.StateOpen)
		if err := db.AddEdge(ctx, core.DependencyEdge{EntityID: "t-1", DependsOnEntityID: dep, Kind: core.EdgeSoft}); err != nil {
			t.Fatalf("AddEdge: %v", err)
		}
	}

	weighted := task("t-1", func(p *core.TaskPayload) { p.UnlocksWeight = 1.0 })
	ranked, err := m.Rank(ctx, "u-1", []core.VersionedEntity{weighted}, fixedCapacity(0.9))
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if math.Abs(ranked[0].Score-0.2) > 1e-9 {
		t.Errorf("score = %f, want floor 0.2", ranked[0].Score)
	}
}

func TestPredicates(t *testing.T) {
	m, _ := testMatcher(t)
	ctx := context.Background()

	opts := fixedCapacity(0.9)
	opts.Predicates = []Predicate{
		func(c core.VersionedEntity) (bool, string) {
			if c.Payload.Task.EstimatedMinutes > 30 {
				return false, "not enough time before the next meeting"
			}
			return true, ""
		},
	}

	long := task("t-long", func(p *core.TaskPayload) { p.EstimatedMinutes = 60 })
	short := task("t-short", func(p *core.TaskPayload) { p.EstimatedMinutes = 10 })

	ranked, err := m.Rank(ctx, "u-1", []core.VersionedEntity{long, short}, opts)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if ranked[0].Entity.EntityID != "t-short" || !ranked[0].Ready {
		t.Errorf("first = %s ready=%v", ranked[0].Entity.EntityID, ranked[0].Ready)
	}
	if ranked[1].Ready {
		t.Error("predicate-failed task reported ready")
	}
	if len(ranked[1].Reasons) != 1 || ranked[1].Reasons[0] != "not enough time before the next meeting" {
		t.Errorf("reasons = %v", ranked[1].Reasons)
	}
}

func TestDeterministicOrdering(t *testing.T) {
	m, _ := testMatcher(t)
	ctx := context.Background()

	deadline := int64(50_000)
	candidates := []core.VersionedEntity{
		task("t-plain", nil),
		task("t-deadline", func(p *core.TaskPayload) { p.DeadlineAt = &deadline }),
		task("t-unlocks", func(p *core.TaskPayload) { p.UnlocksWeight = 2.0 }),
		task("t-quick", func(p *core.TaskPayload) { p.EstimatedMinutes = 5 }),
		task("t-blocked", func(p *core.TaskPayload) { p.RequiredCapacity = "high" }),
	}

	// Deadline first, then unlock weight, then shorter duration, then
	// id; the blocked one trails.
	want := []string{"t-deadline", "t-unlocks", "t-quick", "t-plain", "t-blocked"}

	first, err := m.Rank(ctx, "u-1", candidates, fixedCapacity(0.5))
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	for i, r := range first {
		if r.Entity.EntityID != want[i] {
			t.Fatalf("position %d = %s, want %s", i, r.Entity.EntityID, want[i])
		}
	}

	// Same state, same order.
	second, err := m.Rank(ctx, "u-1", candidates, fixedCapacity(0.5))
	if err != nil {
		t.Fatalf("Rank again: %v", err)
	}
	for i := range first {
		if first[i].Entity.EntityID != second[i].Entity.EntityID {
			t.Fatalf("order not stable at %d: %s vs %s", i, first[i].Entity.EntityID, second[i].Entity.EntityID)
		}
	}
}

func TestTieBreakByEntityID(t *testing.T) {
	m, _ := testMatcher(t)
	ctx := context.Background()

	ranked, err := m.Rank(ctx, "u-1", []core.VersionedEntity{
		task("t-b", nil), task("t-a", nil), task("t-c", nil),
	}, fixedCapacity(0.5))
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	got := []string{ranked[0].Entity.EntityID, ranked[1].Entity.EntityID, ranked[2].Entity.EntityID}
	if got[0] != "t-a" || got[1] != "t-b" || got[2] != "t-c" {
		t.Errorf("order = %v", got)
	}
}
