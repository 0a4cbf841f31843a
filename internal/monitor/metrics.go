// Package monitor exposes agent health, Prometheus metrics and alerting.
package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the agent's collectors on a private registry. All methods
// are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	openPositions  prometheus.Gauge
	dailyPnL       prometheus.Gauge
	equity         prometheus.Gauge
	drawdown       prometheus.Gauge
	killSwitch     prometheus.Gauge
	queueDepth     prometheus.Gauge
	ordersTotal    *prometheus.CounterVec
	orderRetries   prometheus.Counter
	orderLatency   prometheus.Histogram
	reconFailures  prometheus.Counter
	discrepancies  *prometheus.CounterVec
	signals        *prometheus.CounterVec
	busDropsSource func() int64
}

const namespace = "trading_agent"

// NewMetrics registers every collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_positions", Help: "Open positions tracked locally.",
		}),
		dailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "daily_realized_pnl", Help: "Realized PnL of the current UTC session.",
		}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "equity", Help: "Last observed account equity.",
		}),
		drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "drawdown", Help: "Drawdown from peak equity as a fraction.",
		}),
		killSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "kill_switch_active", Help: "1 while new entries are blocked.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ratelimit_queue_depth", Help: "Exchange calls waiting for a rate limit token.",
		}),
		ordersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_total", Help: "Order state transitions.",
		}, []string{"state"}),
		orderRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_retries_total", Help: "Retried order submissions and lookups.",
		}),
		orderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "order_latency_seconds", Help: "Time from submission to exchange acknowledgement.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		reconFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconciliation_failures_total", Help: "Failed reconciliation passes.",
		}),
		discrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "discrepancies_total", Help: "Reconciliation corrections by kind.",
		}, []string{"kind"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_total", Help: "Signals evaluated by direction.",
		}, []string{"direction"}),
	}
	m.registry.MustRegister(
		m.openPositions, m.dailyPnL, m.equity, m.drawdown, m.killSwitch, m.queueDepth,
		m.ordersTotal, m.orderRetries, m.orderLatency, m.reconFailures, m.discrepancies, m.signals,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TrackBusDrops exposes a counter read from fn at scrape time.
func (m *Metrics) TrackBusDrops(fn func() int64) {
	if m == nil || fn == nil || m.busDropsSource != nil {
		return
	}
	m.busDropsSource = fn
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: "event_bus_dropped_total", Help: "Events dropped on slow subscribers.",
	}, func() float64 { return float64(fn()) }))
}

func (m *Metrics) SetOpenPositions(n int) {
	if m != nil {
		m.openPositions.Set(float64(n))
	}
}

func (m *Metrics) SetRisk(dailyPnL, equity, drawdown float64, killSwitch bool) {
	if m == nil {
		return
	}
	m.dailyPnL.Set(dailyPnL)
	m.equity.Set(equity)
	m.drawdown.Set(drawdown)
	if killSwitch {
		m.killSwitch.Set(1)
	} else {
		m.killSwitch.Set(0)
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) OrderTransition(state string) {
	if m != nil {
		m.ordersTotal.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) OrderRetry() {
	if m != nil {
		m.orderRetries.Inc()
	}
}

func (m *Metrics) ObserveOrderLatency(d time.Duration) {
	if m != nil {
		m.orderLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) ReconciliationFailed() {
	if m != nil {
		m.reconFailures.Inc()
	}
}

func (m *Metrics) Discrepancy(kind string) {
	if m != nil {
		m.discrepancies.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Signal(direction string) {
	if m != nil {
		m.signals.WithLabelValues(direction).Inc()
	}
}
