// Package metrics exposes the counters and gauges named in the
// observability surface via a single read-only Prometheus text endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WSMessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_received",
		Help: "Total inbound frames received across all node sessions.",
	})
	WSBytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_received",
		Help: "Total inbound bytes received across all node sessions.",
	})
	WSConnectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connected_total",
		Help: "Total node stream connections accepted.",
	})
	WSDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_dropped_total",
		Help: "Total records dropped at any stage (decode error, overload, write failure).",
	})
	CurrentSubstrateConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "current_substrate_connections",
		Help: "Currently open node stream connections.",
	})
	CurrentFeedConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "current_feed_connections",
		Help: "Currently open subscriber feed connections.",
	})
	FeedsConnectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feeds_connected_total",
		Help: "Total subscriber feed connections accepted.",
	})
	FeedsDisconnectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feeds_disconnected_total",
		Help: "Total subscriber feed connections closed or evicted.",
	})

	SystemLoad1 = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "system_load1",
		Help: "1-minute system load average.",
	})
	SystemMemUsedPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "system_mem_used_percent",
		Help: "Percentage of system memory in use.",
	})
	SystemSwapUsedPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "system_swap_used_percent",
		Help: "Percentage of system swap in use.",
	})

	CacheEntriesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_entries_total",
		Help: "Number of active PeerMessage entries in the recent-window cache.",
	})
	CacheRefreshInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_refresh_inflight",
		Help: "Number of cache entries with an in-flight refresh request.",
	})
	BatchWriterDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batch_writer_dropped_total",
		Help: "Records dropped because a batch insert ultimately failed.",
	})
	KafkaBatchEventsPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kafka_batch_events_published_total",
		Help: "BatchEvent notifications successfully published to Kafka.",
	})
)

func init() {
	prometheus.MustRegister(
		WSMessagesReceived,
		WSBytesReceived,
		WSConnectedTotal,
		WSDroppedTotal,
		CurrentSubstrateConnections,
		CurrentFeedConnections,
		FeedsConnectedTotal,
		FeedsDisconnectedTotal,
		SystemLoad1,
		SystemMemUsedPercent,
		SystemSwapUsedPercent,
		CacheEntriesTotal,
		CacheRefreshInflight,
		BatchWriterDroppedTotal,
		KafkaBatchEventsPublishedTotal,
	)
}
