// Package metrics registers the process's Prometheus collectors. Mounted at
// GET /metrics via promhttp.Handler in cmd/cacheproxyd.
//
// Modeled on the pack's torrent-engine internal/metrics/metrics.go
// (prometheus.NewCounterVec/NewGauge package-level vars, registered via
// prometheus.MustRegister in init).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cacheproxy",
		Name:      "queue_depth",
		Help:      "Number of non-terminal queue items.",
	})

	ActiveDownloads = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cacheproxy",
		Name:      "active_downloads",
		Help:      "Number of downloads currently in flight.",
	})

	EvictionBytesFreedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cacheproxy",
		Name:      "eviction_bytes_freed_total",
		Help:      "Total bytes reclaimed by the eviction sweep.",
	})

	EvictionDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cacheproxy",
		Name:      "eviction_deleted_total",
		Help:      "Total downloads whose files were reclaimed by the eviction sweep.",
	})

	ProxyRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cacheproxy",
		Name:      "proxy_requests_total",
		Help:      "Total requests handled by the router, by route and status.",
	}, []string{"route", "status"})

	QueueItemsEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cacheproxy",
		Name:      "queue_items_enqueued_total",
		Help:      "Total queue items enqueued, by source.",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		ActiveDownloads,
		EvictionBytesFreedTotal,
		EvictionDeletedTotal,
		ProxyRequestsTotal,
		QueueItemsEnqueuedTotal,
	)
}
