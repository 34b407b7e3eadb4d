// Package metrics provides Prometheus metrics for the sync client and the
// reference backend.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync holds client-side sync metrics.
type Sync struct {
	pushed       prometheus.Counter
	pushFailures *prometheus.CounterVec
	rejected     prometheus.Counter
	conflicts    prometheus.Counter
	pulled       prometheus.Counter
	pending      prometheus.Gauge
	pushDuration prometheus.Histogram
	refreshTotal *prometheus.CounterVec
	reconnects   prometheus.Counter
}

// NewSync registers the sync metrics on reg. A nil reg uses a private
// registry, so several engines can coexist in one process (tests).
func NewSync(reg prometheus.Registerer) *Sync {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Sync{
		pushed: f.NewCounter(prometheus.CounterOpts{
			Name: "roomies_sync_mutations_pushed_total",
			Help: "Mutations acknowledged by the server",
		}),
		pushFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roomies_sync_push_failures_total",
			Help: "Failed push attempts by reason",
		}, []string{"reason"}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Name: "roomies_sync_mutations_rejected_total",
			Help: "Mutations permanently rejected by the server",
		}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "roomies_sync_conflicts_total",
			Help: "Local mutations discarded in favour of server state",
		}),
		pulled: f.NewCounter(prometheus.CounterOpts{
			Name: "roomies_sync_entities_pulled_total",
			Help: "Remote entity states applied locally",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "roomies_sync_pending_mutations",
			Help: "Mutations waiting to be pushed",
		}),
		pushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "roomies_sync_push_duration_seconds",
			Help:    "Duration of a push cycle",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		refreshTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roomies_auth_refresh_total",
			Help: "Token refreshes by outcome",
		}, []string{"outcome"}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "roomies_realtime_reconnects_total",
			Help: "Realtime channel reconnects",
		}),
	}
}

// The methods below accept a nil receiver so callers can run without metrics.

func (m *Sync) Pushed() {
	if m != nil {
		m.pushed.Inc()
	}
}

func (m *Sync) PushFailed(reason string) {
	if m != nil {
		m.pushFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Sync) Rejected() {
	if m != nil {
		m.rejected.Inc()
	}
}

func (m *Sync) Conflict(n int) {
	if m != nil {
		m.conflicts.Add(float64(n))
	}
}

func (m *Sync) Pulled(n int) {
	if m != nil {
		m.pulled.Add(float64(n))
	}
}

func (m *Sync) SetPending(n int) {
	if m != nil {
		m.pending.Set(float64(n))
	}
}

func (m *Sync) ObservePush(d time.Duration) {
	if m != nil {
		m.pushDuration.Observe(d.Seconds())
	}
}

func (m *Sync) Refresh(outcome string) {
	if m != nil {
		m.refreshTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Sync) Reconnected() {
	if m != nil {
		m.reconnects.Inc()
	}
}
