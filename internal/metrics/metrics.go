package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	events          *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	initiations     *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	actuations      *prometheus.CounterVec
	dedupEntries    prometheus.Gauge
}

func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parking_events_total",
			Help: "Inbound device events by direction and dedup result.",
		}, []string{"direction", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parking_transitions_total",
			Help: "Applied session transitions.",
		}, []string{"transition"}),
		initiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parking_payment_initiations_total",
			Help: "Payment initiation attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parking_reconciliations_total",
			Help: "Gateway status events by reconciliation result.",
		}, []string{"result"}),
		actuations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parking_actuations_total",
			Help: "Outbound gate and display commands by outcome.",
		}, []string{"kind", "outcome"}),
		dedupEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parking_dedup_entries",
			Help: "Keys currently held by the event deduplicator.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(m.events, m.transitions, m.initiations, m.reconciliations, m.actuations, m.dedupEntries)
	}
	return m
}

func (m *Metrics) Event(direction, result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(direction, result).Inc()
}

func (m *Metrics) Transition(name string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(name).Inc()
}

func (m *Metrics) Initiation(channel, outcome string) {
	if m == nil {
		return
	}
	m.initiations.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) Reconciliation(result string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(result).Inc()
}

func (m *Metrics) Actuation(kind, outcome string) {
	if m == nil {
		return
	}
	m.actuations.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) DedupEntries(n int) {
	if m == nil {
		return
	}
	m.dedupEntries.Set(float64(n))
}
