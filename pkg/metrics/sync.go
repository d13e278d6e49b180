package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Item outcomes reported by a reconciliation run.
const (
	OutcomeUpserted  = "upserted"
	OutcomeUnchanged = "unchanged"
	OutcomeInactive  = "inactive"
	OutcomeDeleted   = "deleted"
)

// SyncMetrics records reconciliation runs against the remote catalog.
type SyncMetrics struct {
	runs     *prometheus.CounterVec
	items    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	if reg == nil {
		return &SyncMetrics{}
	}
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Reconciliation runs by resource and status.",
	}, []string{"resource", "status"})
	items := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_items_total",
		Help:      "Remote records classified by a reconciliation run.",
	}, []string{"resource", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_phase_duration_seconds",
		Help:      "Duration of each reconciliation phase.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 45, 90, 180},
	}, []string{"resource", "phase"})
	reg.MustRegister(runs, items, duration)
	return &SyncMetrics{runs: runs, items: items, duration: duration}
}

func (m *SyncMetrics) IncRun(resource, status string) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.WithLabelValues(normalizeLabel(resource), normalizeLabel(status)).Inc()
}

func (m *SyncMetrics) AddItems(resource, outcome string, n int) {
	if m == nil || m.items == nil || n <= 0 {
		return
	}
	m.items.WithLabelValues(normalizeLabel(resource), normalizeLabel(outcome)).Add(float64(n))
}

func (m *SyncMetrics) ObservePhase(resource, phase string, d time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(resource), normalizeLabel(phase)).Observe(d.Seconds())
}
