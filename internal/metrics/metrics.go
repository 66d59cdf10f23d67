// Package metrics provides Prometheus instrumentation for the market maker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QuoteTriggers counts evaluation triggers, partitioned by reason and outcome.
	QuoteTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymaker_quote_triggers_total",
		Help: "Quote evaluation triggers by reason and outcome",
	}, []string{"reason", "outcome"})

	// QuoteEvaluations counts completed evaluations per market.
	QuoteEvaluations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polymaker_quote_evaluations_total",
		Help: "Completed quote evaluations",
	})

	// EvaluationDuration tracks how long a market evaluation takes.
	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polymaker_quote_evaluation_seconds",
		Help:    "Quote evaluation latency in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// OrdersPlaced counts orders submitted, by side and mode (live|dry_run).
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymaker_orders_placed_total",
		Help: "Orders submitted to the exchange",
	}, []string{"side", "mode"})

	// OrdersCancelled counts cancelled orders.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polymaker_orders_cancelled_total",
		Help: "Orders cancelled by the quote engine",
	})

	// ExchangeErrors counts exchange failures by kind (auth|balance|other).
	ExchangeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymaker_exchange_errors_total",
		Help: "Exchange failures by kind",
	}, []string{"kind"})

	// StreamMessages counts decoded stream events by channel and type.
	StreamMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymaker_stream_messages_total",
		Help: "Stream events received by channel and event type",
	}, []string{"channel", "type"})

	// StreamDropped counts frames dropped (bad data or unsubscribed asset).
	StreamDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymaker_stream_dropped_total",
		Help: "Stream frames dropped by channel and reason",
	}, []string{"channel", "reason"})

	// StreamReconnects counts reconnection attempts per channel.
	StreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymaker_stream_reconnects_total",
		Help: "Stream reconnection attempts",
	}, []string{"channel"})

	// StreamState is 1 for the current state of each channel.
	StreamState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "polymaker_stream_state",
		Help: "Current connection state per channel (1 = active state)",
	}, []string{"channel", "state"})

	// InFlightTrades tracks trades matched but not yet confirmed.
	InFlightTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polymaker_inflight_trades",
		Help: "Trades matched and awaiting confirmation",
	})

	// StaleEvictions counts in-flight trades evicted by the sweep.
	StaleEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polymaker_inflight_stale_evictions_total",
		Help: "In-flight trades evicted as stale",
	})

	// Fills counts own fills by side.
	Fills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymaker_fills_total",
		Help: "Own fills by side",
	}, []string{"side"})

	// SimulationValue is the simulated total value (usdc + positions).
	SimulationValue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polymaker_simulation_total_value_usdc",
		Help: "Simulated account total value in USDC",
	})

	// ActiveMarkets tracks the number of configured markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polymaker_active_markets",
		Help: "Number of markets currently configured",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetStreamState marks state as the only active state of channel.
func SetStreamState(channel, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		StreamState.WithLabelValues(channel, s).Set(v)
	}
}
