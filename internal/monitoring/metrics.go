// Package monitoring exposes Prometheus metrics for the timing core.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the instrument set shared by the engine and journal.
type Metrics struct {
	PassesTotal       *prometheus.CounterVec
	LapsCreditedTotal prometheus.Counter
	JournalFlush      prometheus.Histogram
	JournalQueueDepth prometheus.Gauge
	RaceClockMs       prometheus.Gauge
	CheckpointsTotal  prometheus.Counter
}

// New registers the ChronoCore metric set against the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh
// registry to avoid duplicate registration panics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PassesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chronocore_passes_total",
			Help: "Transponder passes by decision result and reason.",
		}, []string{"result", "reason"}),
		LapsCreditedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chronocore_laps_credited_total",
			Help: "Laps credited across all entrants.",
		}),
		JournalFlush: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chronocore_journal_flush_duration_seconds",
			Help:    "Duration of journal batch flush transactions.",
			Buckets: prometheus.DefBuckets,
		}),
		JournalQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chronocore_journal_queue_depth",
			Help: "Events queued but not yet flushed to the journal.",
		}),
		RaceClockMs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chronocore_race_clock_ms",
			Help: "Current race clock in milliseconds.",
		}),
		CheckpointsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chronocore_checkpoints_total",
			Help: "Checkpoints written since startup.",
		}),
	}
}

// Nop returns a metric set bound to a throwaway registry, for tests that
// do not assert on metrics.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
