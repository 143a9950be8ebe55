/*
Package api implements Courier's HTTP ingestion wrapper.

The wrapper is thin: it reads the body (capped at 1 MiB by default), hands it
to the producer and maps the outcome to a status code. A 202 response means
the event is durably stored; every other status means it is not, and the
sender's retry policy takes over.

# Routes

	POST /webhooks/{provider}   signed provider webhook, appended to a stream channel
	POST /telemetry             first-party event, pushed to telemetry:<key>
	POST /admin/drain           triggers an immediate telemetry drain (bearer token)
	GET  /health /ready /live   component health
	GET  /metrics               Prometheus exposition

The telemetry key is taken from the X-Telemetry-Key header, falling back to
the "key" query parameter. Each key has its own token bucket; requests over
the limit get 429 without touching the store.

# Status mapping

	nil                  202 Accepted
	ErrInvalidSignature  401 Unauthorized
	ErrBadPayload        400 Bad Request
	ErrMissingKey        400 Bad Request
	ErrStoreUnavailable  503 Service Unavailable
	anything else        500 Internal Server Error

Error bodies for 5xx responses carry only the status text.
*/
package api
