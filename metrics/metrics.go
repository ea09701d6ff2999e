package metrics

import (
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection Metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notifier_connections_active",
		Help: "The current number of active WebSocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifier_connections_total",
		Help: "The total number of WebSocket connections accepted.",
	})
	UniqueUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notifier_users_active",
		Help: "The current number of users with at least one open connection.",
	})

	// Delivery Metrics
	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifier_events_delivered_total",
		Help: "The total number of events successfully written to a connection.",
	})
	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifier_delivery_failures_total",
		Help: "The total number of per-connection delivery failures.",
	})
	EventsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifier_events_forwarded_total",
		Help: "The total number of events forwarded to another instance over the broker.",
	})

	// State Store Metrics
	StateEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notifier_state_entries",
		Help: "The current number of live entries in the scoped state store.",
	})
	StateExpirations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifier_state_expirations_total",
		Help: "The total number of entries removed by TTL expiry (lazy or swept).",
	})

	// Heartbeat Metrics
	HeartbeatMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifier_heartbeat_misses_total",
		Help: "The total number of missed heartbeat probes.",
	})
	HeartbeatEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifier_heartbeat_evictions_total",
		Help: "The total number of connections removed after exhausting the miss threshold.",
	})

	// Task Metrics
	BackgroundTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notifier_background_tasks_running",
		Help: "The current number of supervised background tasks.",
	})

	// Migration Metrics
	Migrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_migrations_total",
		Help: "The total number of session migrations by outcome.",
	}, []string{"outcome"})

	// Broker Metrics
	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_messages_published_total",
		Help: "The total number of messages published to the message broker.",
	}, []string{"broker_type"})
	BrokerPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_publish_retries_total",
		Help: "The total number of retries when publishing to the message broker.",
	}, []string{"broker_type"})

	// Auth Metrics
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_success_total",
		Help: "The total number of successful authentications.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_failures_total",
		Help: "The total number of failed authentications.",
	}, []string{"reason"})
)

// StartServer starts the HTTP server for Prometheus metrics.
func StartServer(port int, path string) {
	http.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	log.Printf("Starting metrics server on %s%s", addr, path)

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Fatalf("Failed to start metrics server: %v", err)
		}
	}()
}
