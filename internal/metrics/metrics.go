package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Feed sync metrics
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_sync_runs_total",
			Help: "Total number of sensor cache syncs by mode and result",
		},
		[]string{"mode", "result"},
	)

	RowsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_rows_appended_total",
			Help: "Total number of feed rows written to the cache",
		},
		[]string{"sensor"},
	)

	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_pages_fetched_total",
			Help: "Total number of feed pages fetched from the remote API",
		},
		[]string{"source", "direction"},
	)

	// Remote API metrics
	RemoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feed_remote_request_duration_seconds",
			Help:    "Duration of remote feed requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source", "status"},
	)

	ResponseCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_response_cache_hits_total",
			Help: "Total number of remote responses served from the response cache",
		},
	)

	ResponseCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_response_cache_misses_total",
			Help: "Total number of remote requests not found in the response cache",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Interpolation model metrics
	ModelRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interp_model_refreshes_total",
			Help: "Total number of interpolation model rebuilds by result",
		},
		[]string{"result"},
	)

	ModelLastRefresh = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "interp_model_last_refresh_timestamp_seconds",
			Help: "Unix time of the last successful interpolation model rebuild",
		},
	)
)
