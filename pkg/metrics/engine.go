package metrics

import "github.com/prometheus/client_golang/prometheus"

// Reservation outcomes.
const (
	ReservationReserved     = "reserved"
	ReservationNoop         = "noop"
	ReservationInsufficient = "insufficient"
	ReservationReleased     = "released"
)

// Reconciliation outcomes.
const (
	ReconcileAdvanced       = "advanced"
	ReconcileDuplicate      = "duplicate"
	ReconcileFailed         = "failed"
	ReconcileConflict       = "conflict"
	ReconcileShortfall      = "shortfall"
	ReconcileRefundRequired = "refund_required"
	ReconcileError          = "error"
)

// EngineMetrics counts what the order engine does on its hot paths. A nil
// *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	reservations   *prometheus.CounterVec
	unitsReserved  prometheus.Counter
	reconciliation *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	relayed        *prometheus.CounterVec
}

// NewEngineMetrics registers the engine metrics on reg.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	if reg == nil {
		return &EngineMetrics{}
	}
	m := &EngineMetrics{
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_outcomes_total",
			Help:      "Stock decrement and release calls by outcome.",
		}, []string{"outcome"}),
		unitsReserved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_units_total",
			Help:      "Units removed from stock by sale movements.",
		}),
		reconciliation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_reconciliation_total",
			Help:      "Gateway reconciliation results by source and outcome.",
		}, []string{"source", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Committed order status transitions.",
		}, []string{"from", "to", "actor"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_relayed_total",
			Help:      "Outbox rows handled by the relay by sink and outcome.",
		}, []string{"sink", "outcome"}),
	}
	reg.MustRegister(m.reservations, m.unitsReserved, m.reconciliation, m.transitions, m.relayed)
	return m
}

func (m *EngineMetrics) Reservation(outcome string, units int) {
	if m == nil || m.reservations == nil {
		return
	}
	m.reservations.WithLabelValues(outcome).Inc()
	if outcome == ReservationReserved && units > 0 {
		m.unitsReserved.Add(float64(units))
	}
}

func (m *EngineMetrics) Reconciliation(source, outcome string) {
	if m == nil || m.reconciliation == nil {
		return
	}
	m.reconciliation.WithLabelValues(normalizeLabel(source), outcome).Inc()
}

func (m *EngineMetrics) Transition(from, to, actor string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, actor).Inc()
}

func (m *EngineMetrics) Relayed(sink, outcome string) {
	if m == nil || m.relayed == nil {
		return
	}
	m.relayed.WithLabelValues(normalizeLabel(sink), outcome).Inc()
}
