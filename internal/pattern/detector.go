// Package pattern maintains per-signature recurrence statistics from
// the event log and predicts next occurrences.
//
// Statistics are incremental (Welford's online mean/variance over
// inter-completion intervals); the detector never rescans history.
// Replay safety: an event whose timestamp is not strictly after the
// pattern's last_observed is already reflected and is skipped, so
// at-least-once delivery from the log cursor cannot double-count.
package pattern

import (
	"context"
	"log/slog"
	"math"

	"github.com/kairoshq/kairos/internal/core"
	"github.com/kairoshq/kairos/internal/store"
)

// CursorName is the detector's event log checkpoint.
const CursorName = "pattern-detector"

// Confidence gate: a pattern is confident once it has three samples
// and its intervals are reasonably regular.
const (
	minConfidentSamples = 3
	maxConfidentCV      = 0.5
)

// Detector consumes completion events and owns recurrence_patterns.
type Detector struct {
	db  *store.DB
	log *slog.Logger
}

// New returns a Detector writing through the given store.
func New(db *store.DB, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{db: db, log: log.With("component", "pattern-detector")}
}

// OnEvent folds one event into the signature's running statistics.
// Non-completion events and events without a signature are ignored.
// Idempotent: replaying an already-reflected event is a no-op.
func (d *Detector) OnEvent(ctx context.Context, ev core.Event) error {
	if ev.EventType != core.EventItemCompleted || ev.Signature == "" {
		return nil
	}

	p, err := d.db.GetPattern(ctx, ev.UserID, ev.Signature)
	if err != nil {
		return err
	}
	if p == nil {
		first := core.RecurrencePattern{
			UserID:       ev.UserID,
			Signature:    ev.Signature,
			EntityType:   entityTypeOf(ev),
			SampleCount:  1,
			LastObserved: ev.Timestamp,
			UpdatedAt:    ev.Timestamp,
		}
		return d.db.UpsertPattern(ctx, first)
	}
	if ev.Timestamp <= p.LastObserved {
		return nil // already reflected
	}

	updated := advance(*p, ev.Timestamp)
	return d.db.UpsertPattern(ctx, updated)
}

// advance applies one new observation at ts to the running statistics.
func advance(p core.RecurrencePattern, ts int64) core.RecurrencePattern {
	interval := float64(ts - p.LastObserved)

	n := p.SampleCount - 1 // intervals observed so far
	switch {
	case n == 0:
		p.MeanInterval = interval
		p.Variance = 0
	default:
		m2 := p.Variance * float64(n-1)
		n++
		delta := interval - p.MeanInterval
		p.MeanInterval += delta / float64(n)
		m2 += delta * (interval - p.MeanInterval)
		if n > 1 {
			p.Variance = m2 / float64(n-1)
		}
	}

	p.SampleCount++
	p.LastObserved = ts
	p.NextPredicted = ts + int64(math.Round(p.MeanInterval))
	p.Confidence = confidence(p.SampleCount, p.MeanInterval, p.Variance)
	p.UpdatedAt = ts
	return p
}

// confidence grows with sample count and shrinks with interval
// irregularity (coefficient of variation), clamped to [0,1].
func confidence(samples int, mean, variance float64) float64 {
	if samples < 2 || mean <= 0 {
		return 0
	}
	sampleFactor := float64(samples-1) / float64(samples+2)
	cv := math.Sqrt(variance) / mean
	c := sampleFactor * (1 - cv)
	return math.Max(0, math.Min(1, c))
}

// Confident reports whether a pattern meets the confidence gate.
func Confident(p core.RecurrencePattern) bool {
	if p.SampleCount < minConfidentSamples || p.MeanInterval <= 0 {
		return false
	}
	return math.Sqrt(p.Variance)/p.MeanInterval <= maxConfidentCV
}

// Get returns the pattern for a signature, or nil.
func (d *Detector) Get(ctx context.Context, userID, signature string) (*core.RecurrencePattern, error) {
	return d.db.GetPattern(ctx, userID, signature)
}

// Due returns patterns whose predicted next occurrence is at or before
// asOf, soonest first. Each row carries UpdatedAt for staleness checks.
func (d *Detector) Due(ctx context.Context, userID string, asOf int64) ([]core.RecurrencePattern, error) {
	return d.db.DuePatterns(ctx, userID, asOf)
}

// Run consumes the event log from the detector's checkpoint until it
// catches up, returning how many events were processed. At-least-once:
// the cursor advances only after a batch is fully applied.
func (d *Detector) Run(ctx context.Context) (int, error) {
	cur, err := d.db.GetCursor(ctx, CursorName)
	if err != nil {
		return 0, err
	}

	processed := 0
	for {
		batch, err := d.db.ScanEvents(ctx, cur.LastEventID, store.ScanFilter{EventType: core.EventItemCompleted})
		if err != nil {
			return processed, err
		}
		if len(batch) == 0 {
			return processed, nil
		}

		for _, ev := range batch {
			if err := d.OnEvent(ctx, ev); err != nil {
				return processed, err
			}
			cur.LastEventID = ev.EventID
			processed++
		}
		if err := d.db.SaveCursor(ctx, CursorName, cur.LastEventID); err != nil {
			return processed, err
		}
		d.log.Debug("pattern batch applied", "events", len(batch), "cursor", cur.LastEventID)
	}
}

func entityTypeOf(ev core.Event) string {
	if t, ok := ev.Payload["entity_type"].(string); ok && t != "" {
		return t
	}
	return core.EntityTask
}
