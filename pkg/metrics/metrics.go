// Package metrics provides Prometheus metrics for the feed value provider.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PriceUpdatesTotal is a counter of the total number of price updates.
	PriceUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_updates_total",
			Help: "Total number of price updates received from sources",
		},
		[]string{"source", "feed"},
	)

	// PriceRejectionsTotal is a counter of updates rejected by validation.
	PriceRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_rejections_total",
			Help: "Total number of price updates rejected by validation",
		},
		[]string{"source", "reason"},
	)

	// PriceStalenessSeconds is a gauge of time since last price update.
	PriceStalenessSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "price_staleness_seconds",
			Help: "Time since last price update for a feed from a source",
		},
		[]string{"source", "feed"},
	)

	// PriceAggregationDuration is a histogram of price aggregation duration.
	PriceAggregationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "price_aggregation_duration_seconds",
			Help:    "Duration of price aggregation operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// OutlierRejectionsTotal is a counter of rejected outlier prices.
	OutlierRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlier_rejections_total",
			Help: "Total number of outlier prices rejected during aggregation",
		},
		[]string{"feed"},
	)

	// ConsensusScore is a gauge of the agreement score of the last aggregation.
	ConsensusScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consensus_score",
			Help: "Agreement score of the most recent aggregation (0-1)",
		},
		[]string{"feed"},
	)

	// SourceHealth is a gauge of the health score of price sources.
	SourceHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "source_health_score",
			Help: "Health score of price sources (0-100)",
		},
		[]string{"source", "type"},
	)

	// SourceConnectionState is a gauge of the connection state of sources.
	SourceConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "source_connection_state",
			Help: "Connection state of a source (0=disconnected, 1=connecting, 2=connected, 3=degraded)",
		},
		[]string{"source"},
	)

	// SourceReconnectsTotal is a counter of reconnection attempts per source.
	SourceReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_reconnects_total",
			Help: "Total number of reconnection attempts",
		},
		[]string{"source", "error_class"},
	)

	// SourceLastUpdate is a gauge of the last update timestamp from sources.
	SourceLastUpdate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "source_last_update_timestamp",
			Help: "Unix timestamp of last update from source",
		},
		[]string{"source"},
	)

	// CacheRequestsTotal is a counter of cache lookups by outcome.
	CacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Total number of cache lookups",
		},
		[]string{"space", "outcome"},
	)

	// CacheEvictionsTotal is a counter of cache evictions.
	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Total number of cache evictions",
		},
		[]string{"space", "reason"},
	)

	// HTTPRequestsTotal is a counter of total HTTP requests.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status"},
	)

	// HTTPRequestDuration is a histogram of HTTP request latencies.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"endpoint"},
	)

	// QueryDuration is a histogram of feed value query latencies.
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feed_query_duration_seconds",
			Help:    "Latency of feed value queries by resolution path",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2},
		},
		[]string{"path"},
	)

	// ReadinessState is a gauge of the warm-up readiness latch.
	ReadinessState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "provider_ready",
			Help: "Whether the provider has completed warm-up (1=ready)",
		},
	)

	// ActiveFeeds is a gauge of feeds with at least one fresh source.
	ActiveFeeds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_feeds",
			Help: "Number of feeds with at least one fresh source update",
		},
	)
)

// Init initializes Prometheus metrics registry.
func Init() {
	// Register all metrics
	prometheus.MustRegister(
		PriceUpdatesTotal,
		PriceRejectionsTotal,
		PriceStalenessSeconds,
		PriceAggregationDuration,
		OutlierRejectionsTotal,
		ConsensusScore,
		SourceHealth,
		SourceConnectionState,
		SourceReconnectsTotal,
		SourceLastUpdate,
		CacheRequestsTotal,
		CacheEvictionsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		QueryDuration,
		ReadinessState,
		ActiveFeeds,
	)
}

// ServeHTTP serves Prometheus metrics on the specified address.
func ServeHTTP(addr string) error {
	http.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:         addr,
		Handler:      http.DefaultServeMux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// RecordSourceUpdate records a price update from a source.
func RecordSourceUpdate(source, feed string) {
	PriceUpdatesTotal.WithLabelValues(source, feed).Inc()
	SourceLastUpdate.WithLabelValues(source).SetToCurrentTime()
}

// RecordRejection records a validation rejection.
func RecordRejection(source, reason string) {
	PriceRejectionsTotal.WithLabelValues(source, reason).Inc()
}

// RecordSourceHealth records the health score of a source.
func RecordSourceHealth(source, sourceType string, score float64) {
	SourceHealth.WithLabelValues(source, sourceType).Set(score)
}

// RecordConnectionState records the connection state of a source.
func RecordConnectionState(source string, state int) {
	SourceConnectionState.WithLabelValues(source).Set(float64(state))
}

// RecordReconnect records a reconnection attempt.
func RecordReconnect(source, errorClass string) {
	SourceReconnectsTotal.WithLabelValues(source, errorClass).Inc()
}

// RecordAggregation records a price aggregation operation.
func RecordAggregation(method string, duration time.Duration) {
	PriceAggregationDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordOutlierRejection records an outlier rejection.
func RecordOutlierRejection(feed string) {
	OutlierRejectionsTotal.WithLabelValues(feed).Inc()
}

// RecordConsensusScore records the agreement score of an aggregation.
func RecordConsensusScore(feed string, score float64) {
	ConsensusScore.WithLabelValues(feed).Set(score)
}

// RecordCacheRequest records a cache lookup outcome.
func RecordCacheRequest(space, outcome string) {
	CacheRequestsTotal.WithLabelValues(space, outcome).Inc()
}

// RecordCacheEviction records a cache eviction.
func RecordCacheEviction(space, reason string) {
	CacheEvictionsTotal.WithLabelValues(space, reason).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordQuery records a feed value query and its resolution path.
func RecordQuery(path string, duration time.Duration) {
	QueryDuration.WithLabelValues(path).Observe(duration.Seconds())
}

// RecordReadiness records the warm-up readiness state.
func RecordReadiness(ready bool) {
	val := 0.0
	if ready {
		val = 1.0
	}
	ReadinessState.Set(val)
}

// RecordActiveFeeds records the number of feeds with fresh data.
func RecordActiveFeeds(n int) {
	ActiveFeeds.Set(float64(n))
}
