package store

import (
	"context"
	"testing"

	"github.com/kairoshq/kairos/internal/core"
)

func TestLatestSnapshot(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, s := range []core.CapacitySnapshot{
		{UserID: "u-1", Timestamp: 1000, Score: 0.3, Confidence: 1.0, Source: core.SourceExplicit},
		{UserID: "u-1", Timestamp: 2000, Score: 0.8, Confidence: 1.0, Source: core.SourceExplicit},
		{UserID: "u-1", Timestamp: 3000, Score: 0.6, Confidence: 0.4, Source: core.SourceInferred},
	} {
		if err := db.SaveSnapshot(ctx, s); err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}
	}

	got, err := db.LatestSnapshot(ctx, "u-1", core.SourceExplicit, 5000)
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if got == nil || got.Timestamp != 2000 || got.Score != 0.8 {
		t.Errorf("latest explicit = %+v, want the 2000 check-in", got)
	}

	// asOf pins the lookup.
	got, err = db.LatestSnapshot(ctx, "u-1", core.SourceExplicit, 1500)
	if err != nil {
		t.Fatalf("LatestSnapshot pinned: %v", err)
	}
	if got == nil || got.Timestamp != 1000 {
		t.Errorf("pinned = %+v, want the 1000 check-in", got)
	}

	// Source "" matches any.
	got, err = db.LatestSnapshot(ctx, "u-1", "", 5000)
	if err != nil {
		t.Fatalf("LatestSnapshot any: %v", err)
	}
	if got == nil || got.Source != core.SourceInferred {
		t.Errorf("any-source latest = %+v, want the inferred one", got)
	}

	got, err = db.LatestSnapshot(ctx, "nobody", "", 5000)
	if err != nil {
		t.Fatalf("LatestSnapshot unknown user: %v", err)
	}
	if got != nil {
		t.Errorf("unknown user = %+v, want nil", got)
	}
}

func TestSnapshotFactorsRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	in := core.CapacitySnapshot{
		UserID: "u-1", Timestamp: 1000, Score: 0.7, Confidence: 0.5,
		Source:  core.SourceInferred,
		Factors: map[string]float64{"explicit_value": 0.8, "explicit_weight": 0.6},
	}
	if err := db.SaveSnapshot(ctx, in); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	got, err := db.LatestSnapshot(ctx, "u-1", "", 5000)
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if got.Factors["explicit_value"] != 0.8 {
		t.Errorf("factors = %v", got.Factors)
	}
}

func TestBaselineCurve(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// 2026-01-07 09:00 UTC, a Wednesday.
	const wed9 = int64(1767776400000)
	hour := int64(3600 * 1000)
	week := 7 * 24 * hour

	// Five Wednesdays at 09:00, plus one predicted snapshot that must
	// not count.
	for i := int64(0); i < 5; i++ {
		if err := db.SaveSnapshot(ctx, core.CapacitySnapshot{
			UserID: "u-1", Timestamp: wed9 + i*week, Score: 0.8, Confidence: 1.0, Source: core.SourceExplicit,
		}); err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}
	}
	if err := db.SaveSnapshot(ctx, core.CapacitySnapshot{
		UserID: "u-1", Timestamp: wed9 + 5*week, Score: 0.1, Confidence: 0.1, Source: core.SourcePredicted,
	}); err != nil {
		t.Fatalf("SaveSnapshot predicted: %v", err)
	}

	cells, err := db.BaselineCurve(ctx, "u-1")
	if err != nil {
		t.Fatalf("BaselineCurve: %v", err)
	}
	if len(cells) != 1 {
		t.Fatalf("cells = %d, want 1", len(cells))
	}
	c := cells[0]
	if c.DayOfWeek != 3 || c.HourOfDay != 9 {
		t.Errorf("cell = dow %d hod %d, want 3/9", c.DayOfWeek, c.HourOfDay)
	}
	if c.Samples != 5 {
		t.Errorf("samples = %d, want 5 (predicted excluded)", c.Samples)
	}
	if c.MeanScore < 0.79 || c.MeanScore > 0.81 {
		t.Errorf("mean = %f, want 0.8", c.MeanScore)
	}
}
