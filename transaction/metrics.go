package transaction

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus instruments spec.md §6 names for the
// transaction layer, registered lazily so multiple engines in the same
// process (e.g. tests) don't collide on prometheus.DefaultRegisterer.
type Metrics struct {
	active      prometheus.Gauge
	total       *prometheus.CounterVec
	retransmits *prometheus.CounterVec
}

// NewMetrics builds a fresh, unregistered metric set. Call Register to
// attach it to a prometheus.Registerer.
func NewMetrics() *Metrics {
	return &Metrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "corestack_transactions_active",
			Help: "Number of transactions currently tracked by the engine.",
		}),
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corestack_transactions_total",
			Help: "Transactions created, labelled by kind and terminal outcome.",
		}, []string{"kind", "outcome"}),
		retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corestack_retransmits_total",
			Help: "Retransmissions sent, labelled by transaction kind.",
		}, []string{"kind"}),
	}
}

// Register attaches m's collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.active, m.total, m.retransmits} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) transactionCreated(tx *Transaction) {
	m.active.Inc()
}

func (m *Metrics) transactionTerminated(tx *Transaction) {
	m.active.Dec()
	outcome := "completed"
	switch tx.failureReason {
	case FailureTimedOut:
		outcome = "timed_out"
	case FailureTransportError:
		outcome = "transport_error"
	case FailureCancelled:
		outcome = "cancelled"
	}
	m.total.WithLabelValues(tx.kind.String(), outcome).Inc()
}

func (m *Metrics) retransmit(tx *Transaction) {
	m.retransmits.WithLabelValues(tx.kind.String()).Inc()
}
