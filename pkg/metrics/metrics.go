// Package metrics defines the Prometheus instrumentation for the pelican
// server. All collectors are registered with the default registry via
// promauto; the metrics HTTP endpoint exposes them with promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelican_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"listener"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pelican_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"listener"},
	)

	AuthenticatedConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pelican_authenticated_connections_current",
			Help: "Current number of authenticated connections",
		},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pelican_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"listener"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelican_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)
)

// Protocol metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelican_commands_total",
			Help: "Total number of commands processed",
		},
		[]string{"command", "status"},
	)

	MessagesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelican_messages_deleted_total",
			Help: "Total number of messages deleted, by commit mode",
		},
		[]string{"mode"}, // "batch" (QUIT/SLEE/REFR) or "eager" (DELI)
	)

	MessagesRetrieved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pelican_messages_retrieved_total",
			Help: "Total number of messages streamed to clients",
		},
	)

	ActivitySignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelican_activity_signals_total",
			Help: "Activity reports at refresh checkpoints and provider push signals",
		},
		[]string{"source", "result"}, // source: "refresh" or "provider"
	)

	TLSUpgradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelican_tls_upgrades_total",
			Help: "Total number of in-band STLS upgrades",
		},
		[]string{"result"},
	)
)

// Provider metrics
var (
	ProviderOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelican_provider_operations_total",
			Help: "Total number of provider operations",
		},
		[]string{"backend", "operation", "status"},
	)

	ProviderOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pelican_provider_operation_duration_seconds",
			Help:    "Duration of provider operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"backend", "operation"},
	)
)

// Storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelican_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pelican_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)
)
