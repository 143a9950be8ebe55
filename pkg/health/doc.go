/*
Package health probes Courier's dependencies and feeds the component health
registry behind /health and /ready.

A Monitor owns a set of named components, each with a Checker:

	PingChecker   event store and sink (Ping on the backend connection)
	HTTPChecker   outbound email API (any answer below 500 counts as reachable)

Components flip to unhealthy only after Config.Retries consecutive failures
and recover on the first success, so a single slow Redis round trip does not
take the instance out of rotation. Readiness is decided by the critical
components registered with metrics.SetCriticalComponents; the email API is
reported but never critical, since undelivered batches stay pending and are
redelivered.
*/
package health
