// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bodhi-local/bodhigate/internal/inference"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	RateLimitRejects *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec

	// Core-subsystem counters, exercised by the testable properties in
	// spec.md §8: a refresh coalesced under the concurrency service still
	// counts as exactly one IdP call even with N concurrent readers, and a
	// load-strategy transition produces the exact number of child starts
	// and stops the strategy implies.
	TokenExchanges      prometheus.Counter     // successful external-token exchanges (IdP round trips)
	TokenExchangeCacheHits prometheus.Counter  // digest-cache hits that skipped the IdP
	SessionRefreshes    prometheus.Counter     // IdP refresh calls issued by the session coordinator
	SharedContextLoads  prometheus.Counter     // child process starts (Load + DropAndLoad)
	SharedContextStops  prometheus.Counter     // child process stops (DropAndLoad + Stop)
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bodhigate",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "bodhigate",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bodhigate",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bodhigate",
			Name:      "cache_hits_total",
			Help:      "Total response cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bodhigate",
			Name:      "cache_misses_total",
			Help:      "Total response cache misses.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bodhigate",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"type"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bodhigate",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		TokenExchanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bodhigate",
			Name:      "token_exchanges_total",
			Help:      "Total RFC 8693 token exchanges performed against the IdP.",
		}),

		TokenExchangeCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bodhigate",
			Name:      "token_exchange_cache_hits_total",
			Help:      "Total exchanged-token cache hits that avoided an IdP round trip.",
		}),

		SessionRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bodhigate",
			Name:      "session_refreshes_total",
			Help:      "Total IdP refresh calls issued by the session-refresh coordinator.",
		}),

		SharedContextLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bodhigate",
			Name:      "shared_context_loads_total",
			Help:      "Total llama.cpp child process starts.",
		}),

		SharedContextStops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bodhigate",
			Name:      "shared_context_stops_total",
			Help:      "Total llama.cpp child process stops.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.CacheHits,
		m.CacheMisses,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.TokenExchanges,
		m.TokenExchangeCacheHits,
		m.SessionRefreshes,
		m.SharedContextLoads,
		m.SharedContextStops,
	)

	return m
}

// IncTokenExchange implements token.Metrics.
func (m *Metrics) IncTokenExchange() { m.TokenExchanges.Inc() }

// IncTokenExchangeCacheHit implements token.Metrics.
func (m *Metrics) IncTokenExchangeCacheHit() { m.TokenExchangeCacheHits.Inc() }

// IncSessionRefresh implements token.Metrics.
func (m *Metrics) IncSessionRefresh() { m.SessionRefreshes.Inc() }

// OnStateChange implements inference.StateListener, translating SharedContext
// start/stop notifications into the load/stop counters testable property
// #6/#7 (spec.md §8) assert on.
func (m *Metrics) OnStateChange(state inference.ServerState) {
	switch state.Kind {
	case "start":
		m.SharedContextLoads.Inc()
	case "stop":
		m.SharedContextStops.Inc()
	}
}
