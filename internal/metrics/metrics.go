package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "danmaku"

// Metrics holds all Prometheus collectors for the annotation server.
type Metrics struct {
	// WebSocket metrics
	Connections       prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	Evictions         prometheus.Counter
	MessagesReceived  *prometheus.CounterVec
	MalformedMessages prometheus.Counter
	RateLimited       prometheus.Counter
	MessagesSent      *prometheus.CounterVec
	Broadcasts        *prometheus.CounterVec

	// Store metrics
	StoreOperations *prometheus.CounterVec
	StoreDuration   *prometheus.HistogramVec
	Channels        prometheus.Gauge

	// Catalog metrics
	Videos prometheus.Gauge
}

// New creates all collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what most tests want.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections",
			Help:      "Current number of open WebSocket connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "Total number of accepted WebSocket connections",
		}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "evictions_total",
			Help:      "Connections dropped because their send queue was full",
		}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_received_total",
			Help:      "Inbound messages by type",
		}, []string{"type"}),
		MalformedMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "malformed_messages_total",
			Help:      "Inbound frames that failed to decode or validate",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "rate_limited_total",
			Help:      "Inbound frames dropped by the per-connection rate limit",
		}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Outbound messages written to sockets by type",
		}, []string{"type"}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Events fanned out to all connections by type",
		}, []string{"type"}),
		StoreOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Record store operations by operation and result",
		}, []string{"op", "result"}),
		StoreDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Duration of record store operations",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"op"}),
		Channels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "channels",
			Help:      "Number of channels known to the registry",
		}),
		Videos: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "catalog",
			Name:      "videos",
			Help:      "Number of videos in the catalog",
		}),
	}
}
