package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the broker. Each Server
// owns its own registry so multiple instances (tests) never collide on
// registration.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions    prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	MessagesReceived  *prometheus.CounterVec
	MessagesDelivered prometheus.Counter
	DeliveryFailures  prometheus.Counter
	BlobsStored       prometheus.Counter
	BlobStoreFailures prometheus.Counter
}

// NewMetrics creates a metrics set backed by a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Number of currently connected sessions",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Total accepted connections since startup",
		}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_received_total",
			Help: "Envelopes received from clients, by kind",
		}, []string{"kind"}),
		MessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_delivered_total",
			Help: "Frames delivered to clients",
		}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_delivery_failures_total",
			Help: "Broadcast writes that failed and dropped the target session",
		}),
		BlobsStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_blobs_stored_total",
			Help: "Images persisted by the blob sink",
		}),
		BlobStoreFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_blob_store_failures_total",
			Help: "Image persistence attempts that failed",
		}),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
