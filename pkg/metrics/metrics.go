// Package metrics defines the Prometheus instruments exported by hato.
// The /metrics endpoint is served by the status listener in cmd/hato.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsTotal counts SMTP connections accepted since startup.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hato_connections_total",
		Help: "Total number of SMTP connections accepted",
	})

	// ConnectionsCurrent tracks currently open SMTP connections.
	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hato_connections_current",
		Help: "Number of currently open SMTP connections",
	})

	// RecipientsTotal counts RCPT decisions by outcome (accepted, denied,
	// invalid).
	RecipientsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hato_recipients_total",
		Help: "RCPT TO decisions by outcome",
	}, []string{"outcome"})

	// MessagesTotal counts processed messages by result (private,
	// ephemeral, denied, failed).
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hato_messages_total",
		Help: "Processed messages by routing result",
	}, []string{"result"})

	// MessagesInFlight tracks messages admitted by the ingestion queue and
	// not yet fully processed.
	MessagesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hato_messages_in_flight",
		Help: "Messages currently admitted for processing",
	})

	// IngestRejectedTotal counts DATA streams rejected at the hard ceiling.
	IngestRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hato_ingest_rejected_total",
		Help: "DATA streams rejected because the ingestion queue was full",
	})

	// MessageSizeBytes observes accepted message sizes.
	MessageSizeBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hato_message_size_bytes",
		Help:    "Size of accepted messages in bytes",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
	})

	// ProcessDuration observes end-to-end parse+route+persist durations.
	ProcessDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hato_process_duration_seconds",
		Help:    "Duration of message parse, routing and persistence",
		Buckets: prometheus.DefBuckets,
	})

	// DBConnectAttemptsTotal counts primary store connection attempts by
	// status (success, failure).
	DBConnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hato_db_connect_attempts_total",
		Help: "Primary store connection attempts by status",
	}, []string{"status"})

	// DBQueryRetriesTotal counts queries retried after a connection error.
	DBQueryRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hato_db_query_retries_total",
		Help: "Queries retried once after a connection-classified error",
	})

	// WhitelistEventsTotal counts applied whitelist change events by op.
	WhitelistEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hato_whitelist_events_total",
		Help: "Whitelist change events applied by operation",
	}, []string{"op"})

	// WhitelistSize tracks the number of cached whitelist domains.
	WhitelistSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hato_whitelist_domains",
		Help: "Number of domains currently in the whitelist cache",
	})

	// InboxesCreatedTotal counts ephemeral inboxes provisioned on first
	// contact.
	InboxesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hato_inboxes_created_total",
		Help: "Ephemeral inboxes created on first contact",
	})

	// BeaconPingsTotal counts liveness beacon pings by status (success,
	// failure).
	BeaconPingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hato_beacon_pings_total",
		Help: "Liveness beacon pings by status",
	}, []string{"status"})

	// ArchiveTotal counts raw-message archive attempts by status.
	ArchiveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hato_archive_total",
		Help: "Raw message archive attempts by status",
	}, []string{"status"})

	// ComponentHealthCheckDuration observes background health probe
	// durations per component.
	ComponentHealthCheckDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hato_health_check_duration_seconds",
		Help:    "Duration of background component health checks",
		Buckets: prometheus.DefBuckets,
	}, []string{"component"})
)
