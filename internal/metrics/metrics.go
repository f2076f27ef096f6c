package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds all Prometheus metrics for the arbitrage bot.
type Metrics struct {
	// Event metrics
	EventsReceived  *prometheus.CounterVec
	EventsDuplicate prometheus.Counter
	EventLatency    prometheus.Histogram

	// Decision metrics
	DecisionLatency prometheus.Histogram
	Opportunities   *prometheus.CounterVec

	// Execution metrics
	SwapsSubmitted  *prometheus.CounterVec
	SwapsConfirmed  *prometheus.CounterVec
	SwapsFailed     *prometheus.CounterVec
	SwapsSuppressed *prometheus.CounterVec

	// Market metrics
	MarketRefreshLatency prometheus.Histogram
	MarketReadFailures   *prometheus.CounterVec
	NativePriceUSD       prometheus.Gauge
	BaseFee              prometheus.Gauge
	GasEstimate          prometheus.Gauge

	// System metrics
	PoolsTracked    prometheus.Gauge
	WebSocketStatus prometheus.Gauge
	LastBlockSeen   prometheus.Gauge
	BreakerState    *prometheus.GaugeVec

	server *http.Server
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arb_events_received_total",
				Help: "Total number of Sync events received by pool",
			},
			[]string{"pool"},
		),
		EventsDuplicate: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arb_events_duplicate_total",
				Help: "Sync events dropped because they were already seen",
			},
		),
		EventLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "arb_event_latency_seconds",
				Help:    "Latency from event receipt to decision",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // 0.1ms to ~1.6s
			},
		),
		DecisionLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "arb_decision_latency_seconds",
				Help:    "Time to size, quote and bid both directions of an event",
				Buckets: prometheus.ExponentialBuckets(0.00001, 2, 12),
			},
		),
		Opportunities: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arb_profitable_opportunities_total",
				Help: "Directions whose expected value cleared the profit target",
			},
			[]string{"pool", "direction"},
		),
		SwapsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arb_swaps_submitted_total",
				Help: "Swap transactions accepted by the node",
			},
			[]string{"pool"},
		),
		SwapsConfirmed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arb_swaps_confirmed_total",
				Help: "Swap transactions mined successfully",
			},
			[]string{"pool"},
		),
		SwapsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arb_swaps_failed_total",
				Help: "Swaps that failed at submission or confirmation",
			},
			[]string{"pool", "stage", "code"},
		),
		SwapsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arb_swaps_suppressed_total",
				Help: "Profitable events skipped because a swap for the pool was in flight",
			},
			[]string{"pool"},
		),
		MarketRefreshLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "arb_market_refresh_latency_seconds",
				Help:    "Time to refresh the market snapshot",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
		),
		MarketReadFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arb_market_read_failures_total",
				Help: "Failed market reads by field",
			},
			[]string{"field"},
		),
		NativePriceUSD: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arb_native_price_usd",
				Help: "Last native token price read from the oracle",
			},
		),
		BaseFee: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arb_base_fee_wei",
				Help: "Last network base fee read",
			},
		),
		GasEstimate: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arb_gas_estimate_units",
				Help: "Last gas estimate for the probe swap",
			},
		),
		PoolsTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arb_pools_tracked",
				Help: "Number of pools currently being tracked",
			},
		),
		WebSocketStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arb_websocket_connected",
				Help: "WebSocket connection status (1=connected, 0=disconnected)",
			},
		),
		LastBlockSeen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arb_last_block_seen",
				Help: "Last block number seen from events",
			},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arb_rpc_breaker_state",
				Help: "RPC circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"breaker"},
		),
	}

	// Register all metrics
	prometheus.MustRegister(
		m.EventsReceived,
		m.EventsDuplicate,
		m.EventLatency,
		m.DecisionLatency,
		m.Opportunities,
		m.SwapsSubmitted,
		m.SwapsConfirmed,
		m.SwapsFailed,
		m.SwapsSuppressed,
		m.MarketRefreshLatency,
		m.MarketReadFailures,
		m.NativePriceUSD,
		m.BaseFee,
		m.GasEstimate,
		m.PoolsTracked,
		m.WebSocketStatus,
		m.LastBlockSeen,
		m.BreakerState,
	)

	return m
}

// StartServer starts the HTTP server for Prometheus metrics.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Info().Int("port", port).Str("path", path).Msg("Starting metrics server")
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Shutdown gracefully stops the metrics server.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

// RecordEventReceived increments the event counter for a pool.
func (m *Metrics) RecordEventReceived(pool string) {
	m.EventsReceived.WithLabelValues(pool).Inc()
}

// RecordDuplicateEvent increments the duplicate event counter.
func (m *Metrics) RecordDuplicateEvent() {
	m.EventsDuplicate.Inc()
}

// RecordEventLatency records the latency from event receipt to decision.
func (m *Metrics) RecordEventLatency(received time.Time) {
	m.EventLatency.Observe(time.Since(received).Seconds())
}

// RecordDecisionLatency records the time spent evaluating an event.
func (m *Metrics) RecordDecisionLatency(d time.Duration) {
	m.DecisionLatency.Observe(d.Seconds())
}

// RecordOpportunity counts a direction that cleared the profit target.
func (m *Metrics) RecordOpportunity(pool, direction string) {
	m.Opportunities.WithLabelValues(pool, direction).Inc()
}

// RecordSwapSubmitted counts a swap accepted by the node.
func (m *Metrics) RecordSwapSubmitted(pool string) {
	m.SwapsSubmitted.WithLabelValues(pool).Inc()
}

// RecordSwapConfirmed counts a mined swap.
func (m *Metrics) RecordSwapConfirmed(pool string) {
	m.SwapsConfirmed.WithLabelValues(pool).Inc()
}

// RecordSwapFailed counts a swap that failed at the given stage ("submit" or "confirm")
// with the error's taxonomy code.
func (m *Metrics) RecordSwapFailed(pool, stage, code string) {
	m.SwapsFailed.WithLabelValues(pool, stage, code).Inc()
}

// RecordSwapSuppressed counts a profitable event skipped by the in-flight guard.
func (m *Metrics) RecordSwapSuppressed(pool string) {
	m.SwapsSuppressed.WithLabelValues(pool).Inc()
}

// RecordMarketRefresh records the duration of a market refresh cycle.
func (m *Metrics) RecordMarketRefresh(d time.Duration) {
	m.MarketRefreshLatency.Observe(d.Seconds())
}

// RecordMarketReadFailure counts a failed read of a market field.
func (m *Metrics) RecordMarketReadFailure(field string) {
	m.MarketReadFailures.WithLabelValues(field).Inc()
}

// SetMarketConditions updates the market gauges.
func (m *Metrics) SetMarketConditions(nativePriceUSD, baseFee, gasEstimate float64) {
	m.NativePriceUSD.Set(nativePriceUSD)
	m.BaseFee.Set(baseFee)
	m.GasEstimate.Set(gasEstimate)
}

// SetPoolsTracked sets the current number of tracked pools.
func (m *Metrics) SetPoolsTracked(count int) {
	m.PoolsTracked.Set(float64(count))
}

// SetWebSocketConnected sets the WebSocket connection status.
func (m *Metrics) SetWebSocketConnected(connected bool) {
	if connected {
		m.WebSocketStatus.Set(1)
	} else {
		m.WebSocketStatus.Set(0)
	}
}

// SetLastBlockSeen sets the last block number seen.
func (m *Metrics) SetLastBlockSeen(block uint64) {
	m.LastBlockSeen.Set(float64(block))
}

// SetBreakerState records the state of a named circuit breaker.
func (m *Metrics) SetBreakerState(name string, state int) {
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}
