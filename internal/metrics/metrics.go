// Package metrics holds the Prometheus collectors shared by adapters,
// streams and sinks.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Adapters
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainhub",
		Subsystem: "adapter",
		Name:      "rpc_calls_total",
		Help:      "Outbound adapter RPC calls by status class",
	}, []string{"chain", "method", "status"})

	RPCCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chainhub",
		Subsystem: "adapter",
		Name:      "rpc_call_duration_seconds",
		Help:      "Outbound adapter RPC call duration",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"chain", "method"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainhub",
		Subsystem: "adapter",
		Name:      "rate_limit_waits_total",
		Help:      "Calls delayed by the adapter rate limiter",
	}, []string{"chain"})

	// Streams
	StreamState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chainhub",
		Subsystem: "stream",
		Name:      "state",
		Help:      "Current connection state (0 connecting, 1 connected, 2 disconnected, 3 error)",
	}, []string{"chain", "endpoint"})

	StreamEventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainhub",
		Subsystem: "stream",
		Name:      "events_emitted_total",
		Help:      "Normalized events emitted by kind",
	}, []string{"chain", "kind"})

	StreamReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainhub",
		Subsystem: "stream",
		Name:      "reconnect_attempts_total",
		Help:      "Upstream reconnect attempts",
	}, []string{"chain"})

	StreamBlocksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainhub",
		Subsystem: "stream",
		Name:      "blocks_dropped_total",
		Help:      "Block events dropped because block detail could not be fetched",
	}, []string{"chain"})

	StreamListenerDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainhub",
		Subsystem: "stream",
		Name:      "listener_dropped_total",
		Help:      "Events dropped for a listener whose buffer was full",
	}, []string{"chain"})

	StreamSubscriptionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainhub",
		Subsystem: "stream",
		Name:      "subscriptions_rejected_total",
		Help:      "Log filters and addresses the upstream node refused to arm",
	}, []string{"chain", "kind"})

	StreamPendingCacheSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chainhub",
		Subsystem: "stream",
		Name:      "pending_cache_size",
		Help:      "Transaction hashes held by the pending dedup cache",
	}, []string{"chain", "endpoint"})

	StreamBlockGaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainhub",
		Subsystem: "stream",
		Name:      "block_gaps_total",
		Help:      "Block events that skipped past the expected next height",
	}, []string{"chain"})

	StreamReorgs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainhub",
		Subsystem: "stream",
		Name:      "reorgs_total",
		Help:      "Chain reorganizations observed in block events",
	}, []string{"chain"})

	StreamReorgDepth = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chainhub",
		Subsystem: "stream",
		Name:      "reorg_depth_blocks",
		Help:      "Blocks orphaned per observed reorganization",
		Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 64},
	}, []string{"chain"})

	// Delivery
	SinkPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainhub",
		Subsystem: "sink",
		Name:      "published_total",
		Help:      "Events published to a sink",
	}, []string{"sink"})

	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainhub",
		Subsystem: "sink",
		Name:      "errors_total",
		Help:      "Sink publish failures after retries",
	}, []string{"sink"})

	GatewayClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainhub",
		Subsystem: "gateway",
		Name:      "clients",
		Help:      "Connected websocket clients",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
