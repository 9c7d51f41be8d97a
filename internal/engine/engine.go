// Package engine wires the kairos components together and schedules
// the background event log consumers.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kairoshq/kairos/internal/capacity"
	"github.com/kairoshq/kairos/internal/core"
	"github.com/kairoshq/kairos/internal/dedup"
	"github.com/kairoshq/kairos/internal/metrics"
	"github.com/kairoshq/kairos/internal/pattern"
	"github.com/kairoshq/kairos/internal/readiness"
	"github.com/kairoshq/kairos/internal/store"
)

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	DedupWindow       time.Duration
	DetectorInterval  time.Duration
	EstimatorInterval time.Duration
	Logger            *slog.Logger
}

// Engine is the facade callers go through: foreground reads/writes are
// synchronous, while the pattern detector and capacity estimator run
// as scheduled consumers with their own checkpoints.
type Engine struct {
	DB        *store.DB
	Dedup     *dedup.Suppressor
	Detector  *pattern.Detector
	Estimator *capacity.Estimator
	Matcher   *readiness.Matcher

	log               *slog.Logger
	detectorInterval  time.Duration
	estimatorInterval time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates an Engine over an open database.
func New(db *store.DB, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.DetectorInterval <= 0 {
		opts.DetectorInterval = 15 * time.Second
	}
	if opts.EstimatorInterval <= 0 {
		opts.EstimatorInterval = 30 * time.Second
	}

	est := capacity.New(db, log)
	return &Engine{
		DB:                db,
		Dedup:             dedup.New(db, opts.DedupWindow),
		Detector:          pattern.New(db, log),
		Estimator:         est,
		Matcher:           readiness.New(db, est),
		log:               log.With("component", "engine"),
		detectorInterval:  opts.DetectorInterval,
		estimatorInterval: opts.EstimatorInterval,
	}
}

// Start launches the background consumers. Each runs immediately, then
// on its interval, until Stop.
func (e *Engine) Start() {
	if e.started {
		return
	}
	e.started = true
	// Fresh channel per cycle so a stopped engine can start again.
	e.stopCh = make(chan struct{})
	e.spawn("pattern-detector", e.detectorInterval, func(ctx context.Context) error {
		_, err := e.Detector.Run(ctx)
		return err
	})
	e.spawn("capacity-estimator", e.estimatorInterval, func(ctx context.Context) error {
		_, err := e.Estimator.Run(ctx)
		return err
	})
	e.log.Info("background consumers started",
		"detector_interval", e.detectorInterval,
		"estimator_interval", e.estimatorInterval)
}

// Stop shuts down the background consumers and waits for them.
func (e *Engine) Stop() {
	if !e.started {
		return
	}
	close(e.stopCh)
	e.wg.Wait()
	e.started = false
}

func (e *Engine) spawn(name string, interval time.Duration, run func(context.Context) error) {
	stop := e.stopCh
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		e.runOnce(name, run)
		for {
			select {
			case <-ticker.C:
				e.runOnce(name, run)
			case <-stop:
				return
			}
		}
	}()
}

func (e *Engine) runOnce(name string, run func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	started := time.Now()
	if err := run(ctx); err != nil {
		e.log.Error("consumer run failed", "consumer", name, "error", err)
		return
	}
	metrics.ObserveConsumerRun(name, time.Since(started))
}

// LastRuns reports each consumer's checkpoint update time (Unix
// millis), bounding how stale derived results can be.
func (e *Engine) LastRuns(ctx context.Context) (map[string]int64, error) {
	out := map[string]int64{}
	for _, name := range []string{pattern.CursorName, capacity.CursorName} {
		cur, err := e.DB.GetCursor(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = cur.UpdatedAt
	}
	return out, nil
}

// CreateOrMerge is the capture entry point: idempotent create-or-merge
// through the duplicate suppressor.
func (e *Engine) CreateOrMerge(ctx context.Context, req dedup.Request) (dedup.Outcome, error) {
	out, err := e.Dedup.CreateOrMerge(ctx, req)
	if err != nil {
		return dedup.Outcome{}, err
	}
	metrics.RecordEvent(eventTypeFor(out.Status))
	if out.Status == dedup.StatusMerged {
		metrics.RecordDuplicateMerged()
	}
	return out, nil
}

func eventTypeFor(status string) string {
	if status == dedup.StatusMerged {
		return core.EventDuplicateMerged
	}
	return core.EventItemAdded
}

// Write performs a bi-temporal write (evolve or correct).
func (e *Engine) Write(ctx context.Context, req store.WriteRequest) (core.VersionedEntity, error) {
	v, err := e.DB.Write(ctx, req)
	if err != nil {
		if errors.Is(err, core.ErrStaleWrite) {
			metrics.RecordStaleWrite()
		}
		return core.VersionedEntity{}, err
	}
	metrics.RecordWrite(string(req.Mode))
	return v, nil
}

// ReadCurrent returns the entity's current version.
func (e *Engine) ReadCurrent(ctx context.Context, entityID string) (core.VersionedEntity, error) {
	return e.DB.ReadCurrent(ctx, entityID)
}

// ReadAsOf time-travels both timelines.
func (e *Engine) ReadAsOf(ctx context.Context, entityID string, validAt, storedAt int64) (core.VersionedEntity, error) {
	return e.DB.ReadAsOf(ctx, entityID, validAt, storedAt)
}

// History returns an entity's full version timeline.
func (e *Engine) History(ctx context.Context, entityID string) ([]core.VersionedEntity, error) {
	return e.DB.History(ctx, entityID)
}

// RecordExplicit stores a capacity check-in.
func (e *Engine) RecordExplicit(ctx context.Context, userID string, score float64, at int64) (core.CapacitySnapshot, error) {
	snap, err := e.Estimator.RecordExplicit(ctx, userID, score, at)
	if err == nil {
		metrics.RecordEvent(core.EventCapacityCheckin)
	}
	return snap, err
}

// Estimate returns the blended capacity estimate at a time.
func (e *Engine) Estimate(ctx context.Context, userID string, at int64) (core.CapacitySnapshot, error) {
	return e.Estimator.Estimate(ctx, userID, at)
}

// DuePatterns returns recurrence patterns predicted due by asOf.
func (e *Engine) DuePatterns(ctx context.Context, userID string, asOf int64) ([]core.RecurrencePattern, error) {
	return e.Detector.Due(ctx, userID, asOf)
}

// AddEdge records a dependency edge.
func (e *Engine) AddEdge(ctx context.Context, edge core.DependencyEdge) error {
	return e.DB.AddEdge(ctx, edge)
}

// Rank evaluates and orders a user's open tasks. Candidates may be
// supplied; nil means all of the user's current open tasks.
func (e *Engine) Rank(ctx context.Context, userID string, candidates []core.VersionedEntity, opts readiness.Options) ([]readiness.Ranked, error) {
	metrics.RecordRankCall()
	if candidates == nil {
		all, err := e.DB.ListCurrentByUser(ctx, userID, core.EntityTask)
		if err != nil {
			return nil, err
		}
		for _, v := range all {
			if v.State == core.StateOpen {
				candidates = append(candidates, v)
			}
		}
	}
	return e.Matcher.Rank(ctx, userID, candidates, opts)
}
