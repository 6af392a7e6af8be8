// Package metrics exposes the bot's Prometheus counters, served at /metrics
// by the reporting server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BarsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_bars_total",
			Help: "Bars consumed from the stream",
		},
		[]string{"symbol"},
	)

	Crossovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_crossovers_total",
			Help: "Upward level crossovers detected",
		},
		[]string{"symbol", "level"},
	)

	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_placed_total",
			Help: "Bracket orders submitted to the broker",
		},
		[]string{"symbol"},
	)

	OrderFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_order_failures_total",
			Help: "Bracket order placements that failed",
		},
		[]string{"symbol", "reason"},
	)

	LevelRefreshes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_level_refreshes_total",
			Help: "Completed pivot level recompute passes",
		},
	)

	Cleanups = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_eod_cleanups_total",
			Help: "End-of-day cancel/liquidate passes",
		},
	)
)

func init() {
	prometheus.MustRegister(
		BarsProcessed,
		Crossovers,
		OrdersPlaced,
		OrderFailures,
		LevelRefreshes,
		Cleanups,
	)
}
