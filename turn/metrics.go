package turn

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the TURN server's spec.md §8 Prometheus gauges/counters,
// grounded on transaction.Metrics' registration shape.
type Metrics struct {
	allocationsActive prometheus.Gauge
	bytesRelayed      *prometheus.CounterVec
	permissionDenied  prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		allocationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "corestack_turn_allocations_active",
			Help: "Number of live TURN allocations.",
		}),
		bytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corestack_turn_bytes_relayed_total",
			Help: "Bytes relayed through TURN allocations.",
		}, []string{"direction"}),
		permissionDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corestack_turn_permission_denied_total",
			Help: "Packets dropped for lacking a live permission.",
		}),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.allocationsActive, m.bytesRelayed, m.permissionDenied} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) allocationCreated() { m.allocationsActive.Inc() }
func (m *Metrics) allocationRemoved() { m.allocationsActive.Dec() }

func (m *Metrics) relayed(direction string, n int) {
	m.bytesRelayed.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) denied() { m.permissionDenied.Inc() }
