// Package metrics holds the Prometheus collectors for the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the engine's own registry, kept apart from the global default
// so tests can construct clients freely.
var Registry = prometheus.NewRegistry()

// Protocol client metrics
var (
	QueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachesync",
		Name:      "queries_total",
		Help:      "Finite queries by verb and outcome",
	}, []string{"verb", "outcome"})

	QueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cachesync",
		Name:      "query_duration_seconds",
		Help:      "Time from REQ to EOSE",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"verb"})

	DroppedFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachesync",
		Name:      "dropped_frames_total",
		Help:      "Frames discarded by the demultiplexer",
	}, []string{"reason"})

	DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cachesync",
		Name:      "decode_errors_total",
		Help:      "Frames that failed to decode",
	})

	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cachesync",
		Name:      "active_subscriptions",
		Help:      "Live subscriptions currently registered",
	})

	ConnectionStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cachesync",
		Name:      "connection_status",
		Help:      "0 disconnected, 1 connecting, 2 connected",
	}, []string{"url"})

	Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachesync",
		Name:      "reconnects_total",
		Help:      "Reconnect attempts after unexpected closure",
	}, []string{"url"})
)

// Synchronizer metrics
var (
	SyncedPages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachesync",
		Name:      "synced_pages_total",
		Help:      "Page synchronizations by outcome",
	}, []string{"outcome"})

	SyncedRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachesync",
		Name:      "synced_rows_total",
		Help:      "Rows upserted into the local cache by entity",
	}, []string{"entity"})
)

// Result cache metrics
var (
	CacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachesync",
		Name:      "result_cache_requests_total",
		Help:      "Result cache lookups by result",
	}, []string{"result"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		QueriesTotal,
		QueryDuration,
		DroppedFrames,
		DecodeErrors,
		ActiveSubscriptions,
		ConnectionStatus,
		Reconnects,
		SyncedPages,
		SyncedRows,
		CacheRequests,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// IncrementCacheHit increments the cache hit counter
func IncrementCacheHit() {
	CacheRequests.WithLabelValues("hit").Inc()
}

// IncrementCacheMiss increments the cache miss counter
func IncrementCacheMiss() {
	CacheRequests.WithLabelValues("miss").Inc()
}
