// Package metric provides Prometheus metrics for KeeperMesh.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the instrument set for the commit processor and the
// snapshot engine.
type Metrics struct {
	registry *prometheus.Registry

	// Processor metrics.
	RequestsQueued  prometheus.Gauge
	PendingSessions prometheus.Gauge
	DispatchedTotal *prometheus.CounterVec // kind: read|write|replay
	CommitsTotal    prometheus.Counter
	RaftErrorsTotal *prometheus.CounterVec // result: timeout|not_leader|failed

	// Snapshot metrics.
	SnapshotDuration prometheus.Histogram
	SnapshotBytes    prometheus.Counter
	SnapshotsTotal   *prometheus.CounterVec // result: ok|error
}

// New creates a metric set registered on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		RequestsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keepermesh_processor_requests_queued",
			Help: "Requests currently waiting in the intake queue.",
		}),
		PendingSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keepermesh_processor_pending_sessions",
			Help: "Sessions with at least one pending request.",
		}),
		DispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keepermesh_processor_dispatched_total",
			Help: "Requests dispatched to the store.",
		}, []string{"kind"}),
		CommitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keepermesh_processor_commits_total",
			Help: "Raft commit notifications received.",
		}),
		RaftErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keepermesh_processor_raft_errors_total",
			Help: "Raft proposal failures surfaced to clients.",
		}, []string{"result"}),
		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "keepermesh_snapshot_duration_seconds",
			Help:    "Wall time of snapshot set creation.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		SnapshotBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keepermesh_snapshot_bytes_total",
			Help: "Bytes written by the snapshot engine.",
		}),
		SnapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keepermesh_snapshots_total",
			Help: "Snapshot set creations by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RequestsQueued,
		m.PendingSessions,
		m.DispatchedTotal,
		m.CommitsTotal,
		m.RaftErrorsTotal,
		m.SnapshotDuration,
		m.SnapshotBytes,
		m.SnapshotsTotal,
	)
	return m
}

// Handler returns the HTTP handler serving this metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry so additional collectors
// can be registered on it.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
