package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors the admin surface exposes at
// /metrics. They are updated from the same projections the REST
// handlers read — observation only, never on the engine's hot path.
type Metrics struct {
	openOrders      prometheus.Gauge
	ordersBooked    prometheus.Counter
	stuckOrders     prometheus.Counter
	barsProcessed   prometheus.Counter
	eventsDropped   prometheus.Counter
	wsClientCount   prometheus.Gauge
}

// NewMetrics registers the admin surface's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		openOrders: factory.NewGauge(prometheus.GaugeOpts{
			Name: "barengine_open_orders",
			Help: "Number of orders currently in an open (non-closed) state.",
		}),
		ordersBooked: factory.NewCounter(prometheus.CounterOpts{
			Name: "barengine_orders_booked_total",
			Help: "Total number of strategy-originated orders booked in ProcessFills.",
		}),
		stuckOrders: factory.NewCounter(prometheus.CounterOpts{
			Name: "barengine_stuck_orders_total",
			Help: "Total number of stuck-order detections raised by CheckStuckOrders.",
		}),
		barsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "barengine_bars_processed_total",
			Help: "Total number of ProcessBar calls completed.",
		}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "barengine_events_dropped_total",
			Help: "Total number of WebSocket messages dropped because a client's send buffer was full.",
		}),
		wsClientCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "barengine_ws_clients",
			Help: "Number of connected admin WebSocket clients.",
		}),
	}
}
