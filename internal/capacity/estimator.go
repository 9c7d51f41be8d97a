// Package capacity estimates a user's current energy from three
// layered inputs: explicit check-ins, behavior inferred from recent
// events, and a time-of-day baseline curve.
//
// Blending:
//   - explicit weight decays linearly from 1.0 to 0.0 over 4 hours
//   - inferred weight grows with recent activity, never above the
//     explicit signal's current weight while a check-in is live
//   - the baseline always contributes at least a floor weight, so an
//     estimate always has support
//
// score = sum(w*v)/sum(w), confidence = sum(w)/maxPossibleWeight.
// Missing inputs zero their weight; they never raise an error.
package capacity

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/kairoshq/kairos/internal/core"
	"github.com/kairoshq/kairos/internal/store"
)

// CursorName is the estimator's event log checkpoint.
const CursorName = "capacity-estimator"

const (
	explicitDecayWindow = 4 * time.Hour
	inferredWindow      = 2 * time.Hour

	maxInferredWeight = 0.8
	baselineWeight    = 0.5
	baselineFloor     = 0.2
	maxPossibleWeight = 3.0

	// Per-cell sample minimum before a user's own baseline cell is
	// trusted over the population default.
	minCellSamples = 5
)

// populationCurve is the default time-of-day energy curve used until a
// user has enough history of their own.
var populationCurve = [24]float64{
	0.25, 0.22, 0.20, 0.20, 0.22, 0.30, // 00-05
	0.45, 0.55, 0.65, 0.75, 0.78, 0.75, // 06-11
	0.60, 0.58, 0.68, 0.72, 0.70, 0.65, // 12-17
	0.55, 0.50, 0.45, 0.38, 0.32, 0.28, // 18-23
}

// Estimator blends capacity signals into snapshots.
type Estimator struct {
	db  *store.DB
	log *slog.Logger
}

// New returns an Estimator over the given store.
func New(db *store.DB, log *slog.Logger) *Estimator {
	if log == nil {
		log = slog.Default()
	}
	return &Estimator{db: db, log: log.With("component", "capacity-estimator")}
}

// RecordExplicit stores a check-in (source=explicit, confidence=1.0)
// and appends the corresponding event. Scores are clamped to [0,1].
func (e *Estimator) RecordExplicit(ctx context.Context, userID string, score float64, at int64) (core.CapacitySnapshot, error) {
	if at == 0 {
		at = time.Now().UnixMilli()
	}
	score = clamp01(score)

	snap := core.CapacitySnapshot{
		UserID:     userID,
		Timestamp:  at,
		Score:      score,
		Confidence: 1.0,
		Source:     core.SourceExplicit,
		Factors:    map[string]float64{"explicit": score},
	}
	if err := e.db.SaveSnapshot(ctx, snap); err != nil {
		return core.CapacitySnapshot{}, err
	}
	if _, err := e.db.AppendEvent(ctx, core.Event{
		UserID:    userID,
		EventType: core.EventCapacityCheckin,
		Timestamp: at,
		Payload:   map[string]any{"score": score},
	}); err != nil {
		return core.CapacitySnapshot{}, err
	}
	return snap, nil
}

// Estimate blends whatever signals exist at the given time into one
// snapshot. Sparse data degrades confidence, never errors; with no
// support at all the estimate is the fixed neutral (0.5, 0.0).
func (e *Estimator) Estimate(ctx context.Context, userID string, at int64) (core.CapacitySnapshot, error) {
	if at == 0 {
		at = time.Now().UnixMilli()
	}
	factors := map[string]float64{}

	expValue, expWeight, err := e.explicitSignal(ctx, userID, at)
	if err != nil {
		return core.CapacitySnapshot{}, err
	}
	if expWeight > 0 {
		factors["explicit_value"] = expValue
		factors["explicit_weight"] = expWeight
	}

	infValue, infWeight, err := e.inferredSignal(ctx, userID, at, expWeight)
	if err != nil {
		return core.CapacitySnapshot{}, err
	}
	if infWeight > 0 {
		factors["inferred_value"] = infValue
		factors["inferred_weight"] = infWeight
	}

	baseValue, baseWeight, err := e.baselineSignal(ctx, userID, at)
	if err != nil {
		return core.CapacitySnapshot{}, err
	}
	if baseWeight > 0 {
		factors["baseline_value"] = baseValue
		factors["baseline_weight"] = baseWeight
	}

	totalWeight := expWeight + infWeight + baseWeight
	if totalWeight == 0 {
		return core.CapacitySnapshot{
			UserID:    userID,
			Timestamp: at,
			Score:     0.5,
			Source:    core.SourcePredicted,
		}, nil
	}

	score := (expWeight*expValue + infWeight*infValue + baseWeight*baseValue) / totalWeight
	source := core.SourcePredicted
	if expWeight > 0 || infWeight > 0 {
		source = core.SourceInferred
	}
	return core.CapacitySnapshot{
		UserID:     userID,
		Timestamp:  at,
		Score:      clamp01(score),
		Confidence: clamp01(totalWeight / maxPossibleWeight),
		Source:     source,
		Factors:    factors,
	}, nil
}

// explicitSignal is the latest check-in, linearly aged out over the
// decay window.
func (e *Estimator) explicitSignal(ctx context.Context, userID string, at int64) (value, weight float64, err error) {
	snap, err := e.db.LatestSnapshot(ctx, userID, core.SourceExplicit, at)
	if err != nil || snap == nil {
		return 0, 0, err
	}
	age := at - snap.Timestamp
	window := explicitDecayWindow.Milliseconds()
	if age < 0 || age >= window {
		return 0, 0, nil
	}
	return snap.Score, 1 - float64(age)/float64(window), nil
}

// inferredSignal maps trailing-window behavior (completion ratio and
// task-switch rate) through a fixed calibration curve. Its weight is
// capped below a live explicit signal's weight.
func (e *Estimator) inferredSignal(ctx context.Context, userID string, at int64, expWeight float64) (value, weight float64, err error) {
	events, err := e.db.EventsInWindow(ctx, userID, at-inferredWindow.Milliseconds(), at)
	if err != nil {
		return 0, 0, err
	}
	if len(events) == 0 {
		return 0, 0, nil
	}

	completions := 0
	switches := 0
	prevEntity := ""
	for _, ev := range events {
		if ev.EventType == core.EventItemCompleted {
			completions++
		}
		if ev.EntityID != "" {
			if prevEntity != "" && ev.EntityID != prevEntity {
				switches++
			}
			prevEntity = ev.EntityID
		}
	}

	completionRatio := float64(completions) / float64(len(events))
	switchRate := 0.0
	if len(events) > 1 {
		switchRate = float64(switches) / float64(len(events)-1)
	}

	// Fixed calibration: productive completion raises the estimate,
	// thrashing between items lowers it.
	value = clamp01(0.4 + 0.5*completionRatio - 0.35*switchRate)

	weight = math.Min(maxInferredWeight, float64(len(events))/10.0)
	if expWeight > 0 && weight >= expWeight {
		weight = expWeight * 0.9
	}
	return value, weight, nil
}

// baselineSignal reads the user's own hour/day aggregate when sampled
// enough, else the population curve at floor weight.
func (e *Estimator) baselineSignal(ctx context.Context, userID string, at int64) (value, weight float64, err error) {
	// UTC to line up with the store's strftime aggregation.
	t := time.UnixMilli(at).UTC()
	dow, hod := int(t.Weekday()), t.Hour()

	cells, err := e.db.BaselineCurve(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range cells {
		if c.DayOfWeek == dow && c.HourOfDay == hod && c.Samples >= minCellSamples {
			return c.MeanScore, baselineWeight, nil
		}
	}
	return populationCurve[hod], baselineFloor, nil
}

// Run materializes fresh inferred snapshots for users with new events
// since the checkpoint, so query-time estimates stay cheap and recent.
func (e *Estimator) Run(ctx context.Context) (int, error) {
	cur, err := e.db.GetCursor(ctx, CursorName)
	if err != nil {
		return 0, err
	}

	seen := map[string]bool{}
	last := cur.LastEventID
	for {
		batch, err := e.db.ScanEvents(ctx, last, store.ScanFilter{})
		if err != nil {
			return 0, err
		}
		if len(batch) == 0 {
			break
		}
		for _, ev := range batch {
			seen[ev.UserID] = true
			last = ev.EventID
		}
	}
	if last == cur.LastEventID {
		return 0, nil
	}

	now := time.Now().UnixMilli()
	for userID := range seen {
		snap, err := e.Estimate(ctx, userID, now)
		if err != nil {
			return 0, err
		}
		if err := e.db.SaveSnapshot(ctx, snap); err != nil {
			return 0, err
		}
	}
	if err := e.db.SaveCursor(ctx, CursorName, last); err != nil {
		return 0, err
	}
	e.log.Debug("capacity snapshots refreshed", "users", len(seen), "cursor", last)
	return len(seen), nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
