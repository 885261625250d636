// Package metrics exposes node counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Message flow
	MessagesReceived  *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec

	// Workflow
	Transitions      *prometheus.CounterVec
	FixityMismatches prometheus.Counter
	ActiveTransfers  prometheus.Gauge
	TransferLatency  prometheus.Histogram

	// Registry
	RegistryReconciled prometheus.Counter
	RegistrySnapshots  prometheus.Counter
}

// New creates and registers the collectors. A nil registerer uses the
// default registry.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dpn_messages_received_total",
			Help: "Messages delivered to the router",
		}, []string{"message", "scope"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dpn_messages_dropped_total",
			Help: "Messages settled without reaching a handler, by reason",
		}, []string{"reason"}),
		MessagesPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dpn_messages_published_total",
			Help: "Messages handed to the broker",
		}, []string{"message"}),
		PublishFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dpn_publish_failures_total",
			Help: "Messages the broker refused",
		}, []string{"message"}),

		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dpn_workflow_transitions_total",
			Help: "Workflow record transitions",
		}, []string{"action", "step", "state"}),
		FixityMismatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "dpn_fixity_mismatches_total",
			Help: "Transfers whose digest did not match the registry",
		}),
		ActiveTransfers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dpn_active_transfers",
			Help: "Transfers currently in flight",
		}),
		TransferLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dpn_transfer_duration_seconds",
			Help:    "Time to download and digest a bag",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		}),

		RegistryReconciled: factory.NewCounter(prometheus.CounterOpts{
			Name: "dpn_registry_reconciled_total",
			Help: "Local registry entries overwritten by conflict resolution",
		}),
		RegistrySnapshots: factory.NewCounter(prometheus.CounterOpts{
			Name: "dpn_registry_snapshots_total",
			Help: "Peer registry rows received by sync replies",
		}),
	}
}

func (m *Metrics) Received(name, scope string) {
	if m != nil {
		m.MessagesReceived.WithLabelValues(name, scope).Inc()
	}
}

func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.MessagesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Published(name string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PublishFailures.WithLabelValues(name).Inc()
		return
	}
	m.MessagesPublished.WithLabelValues(name).Inc()
}

func (m *Metrics) Transition(action, step, state string) {
	if m != nil {
		m.Transitions.WithLabelValues(action, step, state).Inc()
	}
}

func (m *Metrics) FixityMismatch() {
	if m != nil {
		m.FixityMismatches.Inc()
	}
}

// TransferStarted marks a transfer in flight and returns the func that
// ends it.
func (m *Metrics) TransferStarted() func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	m.ActiveTransfers.Inc()
	return func() {
		m.ActiveTransfers.Dec()
		m.TransferLatency.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Reconciled(n int) {
	if m != nil && n > 0 {
		m.RegistryReconciled.Add(float64(n))
	}
}

func (m *Metrics) SnapshotsReceived(n int) {
	if m != nil && n > 0 {
		m.RegistrySnapshots.Add(float64(n))
	}
}
