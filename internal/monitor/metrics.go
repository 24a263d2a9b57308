package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors on a private registry so
// several sessions in one process (or tests) never collide on registration.
//
//	grid_orders_total{side,type}        orders accepted by the venue
//	grid_fills_total{side}              orders settled in the ledger
//	grid_order_failures_total{reason}   placements that did not happen
//	grid_equity_quote                   latest equity snapshot in quote currency
//	grid_fees_total                     cumulative fees in quote currency
//	grid_gateway_latency_seconds{op}    venue call latency
type Metrics struct {
	registry *prometheus.Registry

	orders   *prometheus.CounterVec
	fills    *prometheus.CounterVec
	failures *prometheus.CounterVec
	equity   prometheus.Gauge
	fees     prometheus.Counter
	latency  *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "grid_orders_total", Help: "Orders placed"},
			[]string{"side", "type"},
		),
		fills: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "grid_fills_total", Help: "Orders filled and settled"},
			[]string{"side"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "grid_order_failures_total", Help: "Order placements that failed"},
			[]string{"reason"},
		),
		equity: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "grid_equity_quote", Help: "Equity in quote currency"},
		),
		fees: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "grid_fees_total", Help: "Fees paid in quote currency"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grid_gateway_latency_seconds",
				Help:    "Latency of exchange calls",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"op"},
		),
	}
	m.registry.MustRegister(m.orders, m.fills, m.failures, m.equity, m.fees, m.latency)
	return m
}

// Registry exposes the private registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) OrderPlaced(side, typ string) { m.orders.WithLabelValues(side, typ).Inc() }

func (m *Metrics) OrderFilled(side string, fee float64) {
	m.fills.WithLabelValues(side).Inc()
	if fee > 0 {
		m.fees.Add(fee)
	}
}

func (m *Metrics) OrderFailed(reason string) { m.failures.WithLabelValues(reason).Inc() }

func (m *Metrics) SetEquity(v float64) { m.equity.Set(v) }

// ObserveGatewayLatency records one venue call.
func (m *Metrics) ObserveGatewayLatency(op string, seconds float64) {
	m.latency.WithLabelValues(op).Observe(seconds)
}
