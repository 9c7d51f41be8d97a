package engine

import (
	"context"
	"testing"

	"github.com/kairoshq/kairos/internal/core"
	"github.com/kairoshq/kairos/internal/dedup"
	"github.com/kairoshq/kairos/internal/pattern"
	"github.com/kairoshq/kairos/internal/readiness"
	"github.com/kairoshq/kairos/internal/store"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, Options{})
}

func TestCaptureReadEvolveFlow(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	out, err := eng.CreateOrMerge(ctx, dedup.Request{
		UserID:        "u-1",
		EntityType:    core.EntityTask,
		NormalizedKey: dedup.NormalizeKey("Buy Milk"),
		Payload:       core.Payload{Task: &core.TaskPayload{Label: "Buy Milk"}},
		Now:           1000,
	})
	if err != nil {
		t.Fatalf("CreateOrMerge: %v", err)
	}
	if out.Status != dedup.StatusCreated {
		t.Fatalf("status = %s", out.Status)
	}

	v, err := eng.Write(ctx, store.WriteRequest{
		EntityID:        out.Entity.EntityID,
		Mode:            core.ModeEvolve,
		Payload:         out.Entity.Payload,
		State:           core.StateDone,
		ValidFrom:       2000,
		ExpectVersionID: out.Entity.VersionID,
		Now:             2000,
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if v.State != core.StateDone {
		t.Errorf("state = %s", v.State)
	}

	got, err := eng.ReadCurrent(ctx, out.Entity.EntityID)
	if err != nil {
		t.Fatalf("ReadCurrent: %v", err)
	}
	if got.VersionID != v.VersionID {
		t.Errorf("head = %s, want %s", got.VersionID, v.VersionID)
	}

	hist, err := eng.History(ctx, out.Entity.EntityID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 {
		t.Errorf("history len = %d, want 2", len(hist))
	}
}

func TestRankDefaultsToOpenTasks(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	open, err := eng.CreateOrMerge(ctx, dedup.Request{
		UserID: "u-1", EntityType: core.EntityTask,
		NormalizedKey: "open task",
		Payload:       core.Payload{Task: &core.TaskPayload{Label: "open task"}},
		Now:           1000,
	})
	if err != nil {
		t.Fatalf("create open: %v", err)
	}
	done, err := eng.CreateOrMerge(ctx, dedup.Request{
		UserID: "u-1", EntityType: core.EntityTask,
		NormalizedKey: "done task",
		Payload:       core.Payload{Task: &core.TaskPayload{Label: "done task"}},
		Now:           1000,
	})
	if err != nil {
		t.Fatalf("create done: %v", err)
	}
	if _, err := eng.Write(ctx, store.WriteRequest{
		EntityID: done.Entity.EntityID, Mode: core.ModeEvolve,
		Payload: done.Entity.Payload, State: core.StateDone,
		ValidFrom: 2000, ExpectVersionID: done.Entity.VersionID, Now: 2000,
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	ranked, err := eng.Rank(ctx, "u-1", nil, readiness.Options{
		At:       3000,
		Capacity: &core.CapacitySnapshot{Score: 0.5},
	})
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if len(ranked) != 1 {
		t.Fatalf("ranked len = %d, want 1 (done tasks excluded)", len(ranked))
	}
	if ranked[0].Entity.EntityID != open.Entity.EntityID {
		t.Errorf("ranked %s, want the open task", ranked[0].Entity.EntityID)
	}
}

func TestStartStop(t *testing.T) {
	eng := testEngine(t)

	eng.Start()
	eng.Stop()

	last, err := eng.LastRuns(context.Background())
	if err != nil {
		t.Fatalf("LastRuns: %v", err)
	}
	if len(last) != 2 {
		t.Errorf("last runs = %v, want both consumers", last)
	}
}

func TestRestartResumesConsumers(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	eng.Start()
	eng.Stop()

	// Work arriving between cycles must be picked up by the next one.
	evID, err := eng.DB.AppendEvent(ctx, core.Event{
		UserID:    "u-1",
		EntityID:  "e-1",
		EventType: core.EventItemCompleted,
		Signature: "task:water plants",
		Timestamp: 1000,
	})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	// Stop waits for the in-flight pass, so by the time the second
	// cycle returns the consumers have run at least once.
	eng.Start()
	eng.Stop()

	cur, err := eng.DB.GetCursor(ctx, pattern.CursorName)
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if cur.LastEventID < evID {
		t.Errorf("detector cursor = %d, want at least %d", cur.LastEventID, evID)
	}
}
