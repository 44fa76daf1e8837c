// Package telemetry provides local Prometheus metrics for the sync engine.
// Metrics are only exposed on the desktop process's own /metrics endpoint;
// nothing is pushed off the machine.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "incidentdesk"

// Operation outcomes recorded in operations_total.
const (
	OutcomeSynced    = "synced"
	OutcomeRetry     = "retry"
	OutcomeExhausted = "exhausted"
	OutcomeRejected  = "rejected"
	OutcomeConflict  = "conflict"
	OutcomeQueued    = "queued"
)

// Metrics holds every collector the engine reports to. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	QueueDepth         prometheus.Gauge
	QueueEvictions     prometheus.Counter
	OperationsTotal    *prometheus.CounterVec
	FlushDuration      prometheus.Histogram
	ConflictsTotal     *prometheus.CounterVec
	ConnectivityOnline prometheus.Gauge
	ProbeLatency       prometheus.Histogram
	LockContention     prometheus.Counter
	DedupHits          prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "queue_depth",
			Help:      "Number of operations currently held in the outbox",
		}),
		QueueEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "queue_evictions_total",
			Help:      "Operations dropped because the outbox exceeded its size bound",
		}),
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "operations_total",
			Help:      "Operation attempts by kind and outcome",
		}, []string{"kind", "outcome"}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "flush_duration_seconds",
			Help:      "Duration of outbox flush passes",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		}),
		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conflict",
			Name:      "conflicts_total",
			Help:      "Version conflicts by resolution action",
		}, []string{"action"}),
		ConnectivityOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connectivity",
			Name:      "online",
			Help:      "1 when the remote is reachable, 0 otherwise",
		}),
		ProbeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "connectivity",
			Name:      "probe_latency_seconds",
			Help:      "Round-trip latency of successful liveness probes",
			Buckets:   []float64{0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1, 2.5, 5},
		}),
		LockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "contention_total",
			Help:      "Mutations rejected because the same operation was already in progress",
		}),
		DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dedup",
			Name:      "hits_total",
			Help:      "Read requests collapsed by the deduplication window",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.QueueDepth,
			m.QueueEvictions,
			m.OperationsTotal,
			m.FlushDuration,
			m.ConflictsTotal,
			m.ConnectivityOnline,
			m.ProbeLatency,
			m.LockContention,
			m.DedupHits,
		)
	}
	return m
}

// SetQueueDepth records the outbox length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// Evicted records n overflow evictions.
func (m *Metrics) Evicted(n int) {
	if m == nil {
		return
	}
	m.QueueEvictions.Add(float64(n))
}

// Operation records one attempt outcome.
func (m *Metrics) Operation(kind, outcome string) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveFlush records the duration of one flush pass.
func (m *Metrics) ObserveFlush(d time.Duration) {
	if m == nil {
		return
	}
	m.FlushDuration.Observe(d.Seconds())
}

// Conflict records one resolved conflict.
func (m *Metrics) Conflict(action string) {
	if m == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(action).Inc()
}

// SetOnline records connectivity state.
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.ConnectivityOnline.Set(1)
	} else {
		m.ConnectivityOnline.Set(0)
	}
}

// ObserveProbe records a successful probe's latency.
func (m *Metrics) ObserveProbe(d time.Duration) {
	if m == nil {
		return
	}
	m.ProbeLatency.Observe(d.Seconds())
}

// Contended records a rejected lock acquisition.
func (m *Metrics) Contended() {
	if m == nil {
		return
	}
	m.LockContention.Inc()
}

// DedupHit records a collapsed read request.
func (m *Metrics) DedupHit() {
	if m == nil {
		return
	}
	m.DedupHits.Inc()
}
