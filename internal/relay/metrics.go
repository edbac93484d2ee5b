package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the hub's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	clients prometheus.Gauge
	ticks   prometheus.Counter
	dropped prometheus.Counter
}

// NewMetrics creates and registers the relay collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_clients",
			Help: "Connected downstream clients",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_ticks_total",
			Help: "Upstream ticks published to the hub",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_slow_clients_dropped_total",
			Help: "Clients disconnected because their send queue was full",
		}),
	}
	reg.MustRegister(m.clients, m.ticks, m.dropped)
	return m
}

func (m *Metrics) setClients(n int) {
	if m != nil {
		m.clients.Set(float64(n))
	}
}

func (m *Metrics) tick() {
	if m != nil {
		m.ticks.Inc()
	}
}

func (m *Metrics) drop() {
	if m != nil {
		m.dropped.Inc()
	}
}
