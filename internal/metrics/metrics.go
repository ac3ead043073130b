// Package metrics exposes the bot's Prometheus instrumentation on a private
// registry so default-registry collectors from dependencies never leak in.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	OrdersPlaced    *prometheus.CounterVec
	OrdersCanceled  *prometheus.CounterVec
	OrderFailures   *prometheus.CounterVec
	Fills           *prometheus.CounterVec
	RiskReductions  prometheus.Counter
	SnapshotSyncs   prometheus.Counter
	SyncFailures    prometheus.Counter
	Reconnects      prometheus.Counter
	EventsDropped   prometheus.Counter
	DecisionLatency prometheus.Histogram
	Position        *prometheus.GaugeVec
	OpenOrderQty    *prometheus.GaugeVec
	MidPrice        prometheus.Gauge
	PhaseActive     *prometheus.GaugeVec
}

func New(symbol string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"symbol": symbol}

	return &Metrics{
		registry: reg,
		OrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "hedgegrid_orders_placed_total",
			Help:        "Orders accepted by the exchange.",
			ConstLabels: labels,
		}, []string{"side", "category"}),
		OrdersCanceled: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "hedgegrid_orders_canceled_total",
			Help:        "Orders canceled by the bot.",
			ConstLabels: labels,
		}, []string{"side"}),
		OrderFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "hedgegrid_order_failures_total",
			Help:        "Order commands rejected or failed in transit.",
			ConstLabels: labels,
		}, []string{"side"}),
		Fills: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "hedgegrid_fills_total",
			Help:        "Fill events folded into the state mirror.",
			ConstLabels: labels,
		}, []string{"side", "category"}),
		RiskReductions: factory.NewCounter(prometheus.CounterOpts{
			Name:        "hedgegrid_risk_reductions_total",
			Help:        "Paired market reductions issued by the risk controller.",
			ConstLabels: labels,
		}),
		SnapshotSyncs: factory.NewCounter(prometheus.CounterOpts{
			Name:        "hedgegrid_snapshot_syncs_total",
			Help:        "Completed snapshot refreshes.",
			ConstLabels: labels,
		}),
		SyncFailures: factory.NewCounter(prometheus.CounterOpts{
			Name:        "hedgegrid_sync_failures_total",
			Help:        "Snapshot refreshes that failed.",
			ConstLabels: labels,
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name:        "hedgegrid_stream_reconnects_total",
			Help:        "Event stream reconnect attempts.",
			ConstLabels: labels,
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name:        "hedgegrid_events_dropped_total",
			Help:        "Price ticks dropped because the decision queue was full.",
			ConstLabels: labels,
		}),
		DecisionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "hedgegrid_decision_seconds",
			Help:        "Duration of one strategy decision pass.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		Position: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "hedgegrid_position_qty",
			Help:        "Current position quantity per side.",
			ConstLabels: labels,
		}, []string{"side"}),
		OpenOrderQty: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "hedgegrid_open_order_qty",
			Help:        "Aggregate open order quantity per side and category.",
			ConstLabels: labels,
		}, []string{"side", "category"}),
		MidPrice: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "hedgegrid_mid_price",
			Help:        "Last observed mid price.",
			ConstLabels: labels,
		}),
		PhaseActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "hedgegrid_phase",
			Help:        "1 when the side is in the labeled phase.",
			ConstLabels: labels,
		}, []string{"side", "phase"}),
	}
}

// Handler serves the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
