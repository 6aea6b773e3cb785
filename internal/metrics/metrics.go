package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry metrics
var (
	// RegistryConnections tracks the number of live connections in the
	// in-process registry.
	RegistryConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_connections",
			Help: "Number of live connections registered on this instance",
		},
	)

	// RegistryFramesDropped tracks outbound frames dropped because the
	// client's send buffer was full. The connection itself stays registered.
	RegistryFramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_frames_dropped_total",
			Help: "Outbound frames dropped because the client's send buffer was full",
		},
	)

	// RegistryPingFailures tracks failed keepalive pings.
	RegistryPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_ping_failures_total",
			Help: "Failed WebSocket keepalive pings",
		},
	)
)

// Dispatch metrics
var (
	// DispatchPublishesTotal tracks publishes by target kind and status.
	DispatchPublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_publishes_total",
			Help: "Publish operations by target kind (channel/user) and status",
		},
		[]string{"target", "status"},
	)

	// DispatchDeliveredTotal tracks successful in-registry sends.
	DispatchDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_delivered_total",
			Help: "Messages pushed to live registry handles",
		},
	)

	// DispatchDuration tracks publish latency including persistence.
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_duration_seconds",
			Help:    "Publish duration in seconds by target kind",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"target"},
	)

	// NotificationsPersistedTotal tracks durable notification rows written.
	NotificationsPersistedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_persisted_total",
			Help: "Notification rows persisted",
		},
	)
)

// Sweeper metrics
var (
	// SweeperRunsTotal tracks sweep executions.
	SweeperRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweeper_runs_total",
			Help: "Cleanup sweeper executions",
		},
	)

	// SweeperReapedTotal tracks stale connection rows marked disconnected.
	SweeperReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweeper_reaped_total",
			Help: "Stale connection rows marked disconnected by the sweeper",
		},
	)

	// SweeperDuration tracks sweep latency in seconds.
	SweeperDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sweeper_duration_seconds",
			Help:    "Cleanup sweep duration in seconds",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5},
		},
	)
)

// Transport metrics
var (
	// WSConnectionsRejectedTotal tracks rejected upgrade attempts by reason.
	WSConnectionsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_connections_rejected_total",
			Help: "WebSocket connections rejected by limit reason",
		},
		[]string{"reason"},
	)

	// WSEventsTotal tracks inbound transport events by type.
	WSEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_events_total",
			Help: "Inbound WebSocket events by type",
		},
		[]string{"type"},
	)
)

// Cache metrics
var (
	// UnreadCacheRequestsTotal tracks unread-count cache lookups by outcome.
	UnreadCacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unread_cache_requests_total",
			Help: "Unread-count cache lookups by outcome (hit/miss/bypass)",
		},
		[]string{"outcome"},
	)

	// PublishRateLimitedTotal tracks publishes rejected by the rate limiter.
	PublishRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "publish_rate_limited_total",
			Help: "Publish requests rejected by the per-sender rate limiter",
		},
	)
)
