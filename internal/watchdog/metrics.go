package watchdog

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the watchdog's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	cycles      *prometheus.CounterVec
	closed      prometheus.Counter
	closeErrors prometheus.Counter
	equityRatio prometheus.Gauge
	marginRatio prometheus.Gauge
}

// NewMetrics creates and registers the watchdog collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchdog_cycles_total",
				Help: "Polling cycles by outcome",
			},
			[]string{"action"},
		),
		closed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "watchdog_positions_closed_total",
				Help: "Positions closed by margin protection",
			},
		),
		closeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "watchdog_close_failures_total",
				Help: "Close requests that failed during liquidation",
			},
		),
		equityRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "watchdog_equity_ratio",
				Help: "Equity over balance at the last evaluated cycle",
			},
		),
		marginRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "watchdog_margin_ratio",
				Help: "Equity over used margin at the last evaluated cycle",
			},
		),
	}
	reg.MustRegister(m.cycles, m.closed, m.closeErrors, m.equityRatio, m.marginRatio)
	return m
}

func (m *Metrics) observe(res CycleResult) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(res.Action.String()).Inc()
	if res.Action == ActionSkipped {
		return
	}
	m.closed.Add(float64(len(res.Closed)))
	m.closeErrors.Add(float64(len(res.Failed)))
	eq, _ := res.EquityRatioAfter.Float64()
	mr, _ := res.Exposure.MarginRatio.Float64()
	m.equityRatio.Set(eq)
	m.marginRatio.Set(mr)
}
