package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration is the shared request-latency histogram every handler
// is timed against via the Metrics middleware.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "controlplane",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

var JobQueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "controlplane",
		Subsystem: "jobs",
		Name:      "queue_depth",
		Help:      "Number of jobs currently queued, by priority.",
	},
	[]string{"priority"},
)

var JobTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "jobs",
		Name:      "transitions_total",
		Help:      "Total job state transitions.",
	},
	[]string{"from", "to"},
)

var LedgerCoresUsed = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "controlplane",
		Subsystem: "ledger",
		Name:      "cores_used",
		Help:      "Cores currently reserved across the cluster.",
	},
)

var LedgerMemoryUsedBytes = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "controlplane",
		Subsystem: "ledger",
		Name:      "memory_used_bytes",
		Help:      "Memory bytes currently reserved across the cluster.",
	},
)

var HubRoomsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "controlplane",
		Subsystem: "hub",
		Name:      "rooms_active",
		Help:      "Number of live workspace rooms.",
	},
)

var HubConnectionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "controlplane",
		Subsystem: "hub",
		Name:      "connections_active",
		Help:      "Number of live hub connections.",
	},
)

var HubSlowConsumerDisconnectsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "hub",
		Name:      "slow_consumer_disconnects_total",
		Help:      "Connections closed for falling behind the outbound buffer.",
	},
)

var CRDTUpdatesDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "crdt",
		Name:      "updates_dropped_total",
		Help:      "CRDT updates dropped because they lost the LWW compare.",
	},
)

var RBACCacheStampedesAvoidedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "rbac",
		Name:      "cache_stampedes_avoided_total",
		Help:      "Cold-key permission checks coalesced via singleflight.",
	},
)

var AuditBufferDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "controlplane",
		Subsystem: "audit",
		Name:      "async_buffer_depth",
		Help:      "Pending entries in the async audit writer's buffer.",
	},
)

// All returns the control-plane-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		JobQueueDepth,
		JobTransitionsTotal,
		LedgerCoresUsed,
		LedgerMemoryUsedBytes,
		HubRoomsActive,
		HubConnectionsActive,
		HubSlowConsumerDisconnectsTotal,
		CRDTUpdatesDroppedTotal,
		RBACCacheStampedesAvoidedTotal,
		AuditBufferDepth,
	}
}

// NewMetricsRegistry builds a Prometheus registry with the standard Go and
// process collectors plus any extra collectors supplied (typically All()).
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
