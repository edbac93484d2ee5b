package pricefeed

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the manager's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	ticks      *prometheus.CounterVec
	reconnects prometheus.Counter
	malformeds prometheus.Counter
	connState  prometheus.Gauge
}

// NewMetrics creates and registers the feed collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricefeed_ticks_total",
				Help: "Ticks applied to the latest-price table",
			},
			[]string{"symbol"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pricefeed_reconnects_total",
				Help: "Reconnect attempts after a failed or closed relay connection",
			},
		),
		malformeds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pricefeed_malformed_messages_total",
				Help: "Relay frames that could not be decoded",
			},
		),
		connState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pricefeed_connection_state",
				Help: "0 disconnected, 1 connecting, 2 open, 3 closed, 4 errored",
			},
		),
	}
	reg.MustRegister(m.ticks, m.reconnects, m.malformeds, m.connState)
	return m
}

func (m *Metrics) tick(symbol string) {
	if m != nil {
		m.ticks.WithLabelValues(symbol).Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) malformed() {
	if m != nil {
		m.malformeds.Inc()
	}
}

func (m *Metrics) setState(s State) {
	if m != nil {
		m.connState.Set(float64(s))
	}
}
