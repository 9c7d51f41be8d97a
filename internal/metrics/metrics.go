// Package metrics exposes Prometheus collectors for the kairos core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kairos"

var (
	versionWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "version_writes_total",
		Help:      "Entity version writes by mode.",
	}, []string{"mode"})

	staleWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_writes_total",
		Help:      "Writes rejected by optimistic concurrency.",
	})

	eventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_appended_total",
		Help:      "Events appended to the log by type.",
	}, []string{"type"})

	duplicatesMerged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicates_merged_total",
		Help:      "Captures folded into an existing entity.",
	})

	consumerRuns = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "consumer_run_seconds",
		Help:      "Background consumer run duration.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"consumer"})

	consumerLastRun = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "consumer_last_run_timestamp_seconds",
		Help:      "When each background consumer last completed.",
	}, []string{"consumer"})

	rankCalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rank_calls_total",
		Help:      "Readiness ranking calls.",
	})
)

func RecordWrite(mode string)      { versionWrites.WithLabelValues(mode).Inc() }
func RecordStaleWrite()            { staleWrites.Inc() }
func RecordEvent(eventType string) { eventsAppended.WithLabelValues(eventType).Inc() }
func RecordDuplicateMerged()       { duplicatesMerged.Inc() }
func RecordRankCall()              { rankCalls.Inc() }

// ObserveConsumerRun records one background consumer pass.
func ObserveConsumerRun(consumer string, d time.Duration) {
	consumerRuns.WithLabelValues(consumer).Observe(d.Seconds())
	consumerLastRun.WithLabelValues(consumer).SetToCurrentTime()
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
