// Package metrics exposes the sync engine's Prometheus instrumentation:
// pass counts, conflict counts, lock contention, and pulled/pushed
// record totals. Collectors hang off a struct rather than package-level
// vars, so multiple engines in one process don't collide on
// registration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors one Engine reports against.
type Metrics struct {
	SyncPasses      *prometheus.CounterVec
	LockContention  prometheus.Counter
	Conflicts       prometheus.Counter
	RecordsPulled   *prometheus.CounterVec
	RecordsPushed   *prometheus.CounterVec
	LinksReconciled *prometheus.CounterVec
	InaccuracyBumps prometheus.Counter
	PassDuration    *prometheus.HistogramVec
}

// New registers a fresh set of collectors against reg. Pass
// prometheus.DefaultRegisterer for process-wide metrics, or a private
// *prometheus.Registry in tests to avoid duplicate-registration panics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SyncPasses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowsync_sync_passes_total",
			Help: "Total sync passes run, by direction and outcome.",
		}, []string{"direction", "outcome"}),
		LockContention: factory.NewCounter(prometheus.CounterOpts{
			Name: "knowsync_lock_contention_total",
			Help: "Total sync passes that skipped because the cross-process lock was held.",
		}),
		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "knowsync_conflicts_total",
			Help: "Total three-way conflicts resolved during pull.",
		}),
		RecordsPulled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowsync_records_pulled_total",
			Help: "Total entries imported or updated during pull, by outcome.",
		}, []string{"outcome"}),
		RecordsPushed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowsync_records_pushed_total",
			Help: "Total entries written to a sync repo during push, by outcome.",
		}, []string{"outcome"}),
		LinksReconciled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowsync_links_reconciled_total",
			Help: "Total links created or removed during link reconciliation.",
		}, []string{"outcome"}),
		InaccuracyBumps: factory.NewCounter(prometheus.CounterOpts{
			Name: "knowsync_inaccuracy_bumps_total",
			Help: "Total entries whose inaccuracy score was raised by propagation.",
		}),
		PassDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "knowsync_sync_pass_duration_seconds",
			Help:    "Wall-clock duration of a sync pass, by direction.",
			Buckets: prometheus.DefBuckets,
		}, []string{"direction"}),
	}
}

// ObservePass records the outcome of one RunPass call.
func (m *Metrics) ObservePass(direction, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.SyncPasses.WithLabelValues(direction, outcome).Inc()
	m.PassDuration.WithLabelValues(direction).Observe(seconds)
}

// RecordLockContention increments the contention counter.
func (m *Metrics) RecordLockContention() {
	if m == nil {
		return
	}
	m.LockContention.Inc()
}

// RecordConflict increments the conflict counter.
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

// RecordPulled increments the pulled-records counter for one outcome
// (new, updated, deleted).
func (m *Metrics) RecordPulled(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsPulled.WithLabelValues(outcome).Add(float64(n))
}

// RecordPushed increments the pushed-records counter for one outcome
// (new, deleted).
func (m *Metrics) RecordPushed(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsPushed.WithLabelValues(outcome).Add(float64(n))
}

// RecordLinksReconciled increments the link-reconciliation counter for
// one outcome (created, deleted).
func (m *Metrics) RecordLinksReconciled(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.LinksReconciled.WithLabelValues(outcome).Add(float64(n))
}

// RecordInaccuracyBump increments the inaccuracy-propagation counter.
func (m *Metrics) RecordInaccuracyBump() {
	if m == nil {
		return
	}
	m.InaccuracyBumps.Inc()
}
