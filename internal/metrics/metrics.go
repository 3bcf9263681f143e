// Package metrics exposes the engine's Prometheus instrumentation:
// order-group outcomes, risk denials, FSM transitions, and the drawdown
// level gauge, served at /metrics next to the control-plane HTTP server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the engine's collectors on a dedicated (non-global)
// Prometheus registry, so tests can construct as many as they need.
type Registry struct {
	reg *prometheus.Registry

	GroupOutcomes  *prometheus.CounterVec
	RiskDenials    *prometheus.CounterVec
	FSMTransitions *prometheus.CounterVec
	DrawdownLevel  prometheus.Gauge
	OpenPositions  prometheus.Gauge
	BarsProcessed  prometheus.Counter
	RealizedPnL    prometheus.Gauge
}

func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.GroupOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "optionsengine",
		Name:      "order_group_outcomes_total",
		Help:      "Terminal order group outcomes by status.",
	}, []string{"status", "strategy"})

	r.RiskDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "optionsengine",
		Name:      "risk_denials_total",
		Help:      "Entry denials by gate.",
	}, []string{"gate"})

	r.FSMTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "optionsengine",
		Name:      "fsm_transitions_total",
		Help:      "Position state machine transitions by target state.",
	}, []string{"to"})

	r.DrawdownLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "optionsengine",
		Name:      "drawdown_level",
		Help:      "Current drawdown response level (0=NORMAL..3=EMERGENCY).",
	})

	r.OpenPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "optionsengine",
		Name:      "open_positions",
		Help:      "Count of open positions.",
	})

	r.BarsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "optionsengine",
		Name:      "bars_processed_total",
		Help:      "Market bars processed.",
	})

	r.RealizedPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "optionsengine",
		Name:      "realized_pnl",
		Help:      "Cumulative realized P&L in base currency.",
	})

	r.reg.MustRegister(r.GroupOutcomes, r.RiskDenials, r.FSMTransitions,
		r.DrawdownLevel, r.OpenPositions, r.BarsProcessed, r.RealizedPnL)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
