package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the adapter. Scraped from /metrics on the
// downstream listener.
var (
	// Downstream connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qqstream_connections_total",
		Help: "Total number of downstream WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qqstream_connections_active",
		Help: "Current number of active downstream WebSocket connections",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qqstream_connections_failed_total",
		Help: "Total number of failed downstream connection attempts",
	})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qqstream_disconnects_total",
		Help: "Total downstream disconnections by reason",
	}, []string{"reason"})

	// Broadcast metrics
	BroadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qqstream_broadcasts_total",
		Help: "Total number of envelopes broadcast to downstream clients",
	})

	BroadcastDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qqstream_broadcast_drops_total",
		Help: "Total per-client broadcast sends dropped due to full buffers",
	})

	// Upstream metrics
	UpstreamEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qqstream_upstream_events_total",
		Help: "Total upstream events received by post_type",
	}, []string{"post_type"})

	UpstreamCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qqstream_upstream_calls_total",
		Help: "Total upstream RPC calls by action and outcome",
	}, []string{"action", "outcome"})

	UpstreamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qqstream_upstream_reconnects_total",
		Help: "Total upstream reconnect attempts",
	})

	UpstreamEventDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qqstream_upstream_event_drops_total",
		Help: "Total upstream events dropped because the event buffer was full",
	})

	// Policy metrics
	FilteredMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qqstream_filtered_messages_total",
		Help: "Total messages dropped before broadcast by policy",
	}, []string{"reason"})

	// System metrics (fed by the system monitor)
	ProcessCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qqstream_process_cpu_percent",
		Help: "Smoothed process CPU usage percentage",
	})

	ProcessMemoryMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qqstream_process_memory_mb",
		Help: "Resident memory of the process in MB",
	})

	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qqstream_goroutines",
		Help: "Current goroutine count",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsFailed,
		DisconnectsTotal,
		BroadcastsTotal,
		BroadcastDrops,
		UpstreamEventsTotal,
		UpstreamCallsTotal,
		UpstreamReconnects,
		UpstreamEventDrops,
		FilteredMessages,
		ProcessCPUPercent,
		ProcessMemoryMB,
		GoroutineCount,
	)
}

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
