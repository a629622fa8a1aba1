// Package metrics provides Prometheus metrics collection for the relay.
// It tracks request counts, upstream latencies, streamed fragments, and
// history persistence failures.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "askrelay"

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

var (
	// RelayRequests counts relay requests by provider and status code.
	RelayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Total relay requests by provider and status code",
		},
		[]string{"provider", "status_code"},
	)

	// RelayFallbacks counts non-streaming fallback attempts and outcomes.
	RelayFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_fallbacks_total",
			Help:      "Total non-streaming fallback attempts by outcome",
		},
		[]string{"provider", "outcome"}, // outcome: success, failure
	)

	// StreamFragments counts normalized content fragments emitted to clients.
	StreamFragments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_fragments_total",
			Help:      "Total normalized content fragments emitted",
		},
		[]string{"provider"},
	)

	// StreamParseSkips counts malformed upstream chunks that were skipped.
	StreamParseSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_parse_skips_total",
			Help:      "Total unparseable upstream chunks skipped without aborting the stream",
		},
		[]string{"provider"},
	)

	// UpstreamLatency tracks full upstream call latency.
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream provider call latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider"},
	)

	// TimeToFirstFragment tracks latency until the first fragment is flushed.
	TimeToFirstFragment = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_fragment_seconds",
			Help:      "Time until the first normalized fragment reaches the client",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider"},
	)

	// HistoryWriteFailures counts swallowed history persistence errors.
	HistoryWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_write_failures_total",
			Help:      "Total history writes that failed and were swallowed",
		},
	)

	// ProxyCacheHits counts cache hits/misses on the news and market proxies.
	ProxyCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_cache_total",
			Help:      "Proxy cache lookups by endpoint and result",
		},
		[]string{"endpoint", "result"}, // result: hit, miss
	)

	// ProxyUpstreamErrors counts failed third-party data fetches.
	ProxyUpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_upstream_errors_total",
			Help:      "Failed third-party data fetches by endpoint",
		},
		[]string{"endpoint"},
	)
)

// RecordRelayRequest records a completed relay request.
func RecordRelayRequest(provider string, statusCode int, latency time.Duration) {
	RelayRequests.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
	UpstreamLatency.WithLabelValues(provider).Observe(latency.Seconds())
}

// RecordFragment records one emitted content fragment.
func RecordFragment(provider string) {
	StreamFragments.WithLabelValues(provider).Inc()
}

// RecordParseSkip records a malformed upstream chunk that was skipped.
func RecordParseSkip(provider string) {
	StreamParseSkips.WithLabelValues(provider).Inc()
}

// RecordFirstFragment records time-to-first-fragment for a streaming request.
func RecordFirstFragment(provider string, elapsed time.Duration) {
	TimeToFirstFragment.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// RecordFallback records a fallback attempt outcome.
func RecordFallback(provider string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	RelayFallbacks.WithLabelValues(provider, outcome).Inc()
}
