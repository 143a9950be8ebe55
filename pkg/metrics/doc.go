/*
Package metrics provides Prometheus metrics and health endpoints for Courier.

All collectors are registered on the default registry at package init and
exposed through Handler for scraping.

# Metric Categories

Ingest:

	courier_events_ingested_total{source, kind}
	courier_events_rejected_total{source, reason}

Consumer groups:

	courier_entries_claimed_total{channel, group}
	courier_entries_reclaimed_total{channel, group}
	courier_entries_acked_total{channel, group}
	courier_group_pending{channel, group}

Dispatch:

	courier_handler_failures_total{event_type}
	courier_unknown_type_dropped_total{channel}
	courier_batch_size{event_type}
	courier_dispatch_run_duration_seconds{channel}

Drain:

	courier_telemetry_drained_total
	courier_telemetry_skipped_total
	courier_telemetry_lost_total
	courier_drain_run_duration_seconds

Other:

	courier_channel_length{channel, kind}
	courier_lease_contention_total{lease}
	courier_emails_sent_total{outcome}
	courier_api_requests_total{route, status}
	courier_api_request_duration_seconds{route}

# Timing Operations

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DispatchDuration, channel)

# Collector

Gauges that reflect store state (channel length, pending counts) are
refreshed by a Collector that samples the store every 15 seconds. Counters
are updated inline by the component that performs the operation.

# Health

ReportComponent feeds the HealthRegistry and the courier_component_healthy
gauge. /health answers 503 ("down") only when a critical component (store,
sink, api) is unhealthy and reports "degraded" when only the email provider
is. /ready waits until every critical component has reported healthy and
lists the ones it is waiting for.

# Queries

	Backlog:          courier_channel_length{kind="stream"}
	Stuck entries:    courier_group_pending > 0 and rate(courier_entries_acked_total[5m]) == 0
	Redelivery rate:  rate(courier_entries_reclaimed_total[5m])
	Telemetry loss:   increase(courier_telemetry_lost_total[1h]) > 0
	Dependency down:  courier_component_healthy == 0
	p95 ingest:       histogram_quantile(0.95, courier_api_request_duration_seconds_bucket)
*/
package metrics
