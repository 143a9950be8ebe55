package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingest metrics
	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_events_ingested_total",
			Help: "Total number of events accepted by the producer by source and channel kind",
		},
		[]string{"source", "kind"},
	)

	EventsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_events_rejected_total",
			Help: "Total number of events rejected by the producer by source and reason",
		},
		[]string{"source", "reason"},
	)

	// Consumer group metrics
	EntriesClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_entries_claimed_total",
			Help: "Total number of stream entries claimed by consumers",
		},
		[]string{"channel", "group"},
	)

	EntriesReclaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_entries_reclaimed_total",
			Help: "Total number of entries redelivered after their visibility timeout elapsed",
		},
		[]string{"channel", "group"},
	)

	EntriesAcked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_entries_acked_total",
			Help: "Total number of stream entries acknowledged",
		},
		[]string{"channel", "group"},
	)

	// Dispatcher metrics
	HandlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_handler_failures_total",
			Help: "Total number of entries left pending because their batch handler failed",
		},
		[]string{"event_type"},
	)

	UnknownTypeDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_unknown_type_dropped_total",
			Help: "Total number of entries acked and dropped because no handler is registered for their type",
		},
		[]string{"channel"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_batch_size",
			Help:    "Number of entries passed to a batch handler in one call",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"event_type"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_dispatch_run_duration_seconds",
			Help:    "Dispatcher run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	// Drainer metrics
	TelemetryDrained = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_telemetry_drained_total",
			Help: "Total number of telemetry records written to the sink",
		},
	)

	TelemetrySkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_telemetry_skipped_total",
			Help: "Total number of malformed telemetry payloads skipped during drain",
		},
	)

	TelemetryLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_telemetry_lost_total",
			Help: "Total number of popped telemetry records lost because the bulk write failed",
		},
	)

	DrainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_drain_run_duration_seconds",
			Help:    "Drainer run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Scheduling metrics
	LeaseContention = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_lease_contention_total",
			Help: "Total number of runs skipped because another holder owned the lease",
		},
		[]string{"lease"},
	)

	// Store gauges, refreshed by the Collector
	ChannelLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_channel_length",
			Help: "Number of entries currently held by a channel",
		},
		[]string{"channel", "kind"},
	)

	GroupPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_group_pending",
			Help: "Number of claimed but unacknowledged entries per consumer group",
		},
		[]string{"channel", "group"},
	)

	// Notification metrics
	EmailsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_emails_sent_total",
			Help: "Total number of messages handed to the email provider by outcome",
		},
		[]string{"outcome"},
	)

	// Health metrics
	ComponentHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_component_healthy",
			Help: "Whether a dependency is healthy (1) or not (0)",
		},
		[]string{"component"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EventsIngested)
	prometheus.MustRegister(EventsRejected)
	prometheus.MustRegister(EntriesClaimed)
	prometheus.MustRegister(EntriesReclaimed)
	prometheus.MustRegister(EntriesAcked)
	prometheus.MustRegister(HandlerFailures)
	prometheus.MustRegister(UnknownTypeDropped)
	prometheus.MustRegister(BatchSize)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(TelemetryDrained)
	prometheus.MustRegister(TelemetrySkipped)
	prometheus.MustRegister(TelemetryLost)
	prometheus.MustRegister(DrainDuration)
	prometheus.MustRegister(LeaseContention)
	prometheus.MustRegister(ChannelLength)
	prometheus.MustRegister(GroupPending)
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(ComponentHealthy)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
