/*
Package producer turns inbound HTTP requests into channel entries.

Webhooks from external providers are authenticated with a shared-secret
HMAC (Stripe-style or Svix-style headers), mapped to an Event whose id is
the provider's own event id, and appended to the provider's stream channel.
Because the store deduplicates on id, a provider retrying a delivery it
believes failed never creates a second entry.

First-party telemetry is schema checked, normalized into a
types.TelemetryRecord with a ULID and pushed to the list channel
"<prefix><key>".

Ingest makes at most one store call and never retries. Its error is one of
the taxonomy errors in package types, which the HTTP wrapper maps to a
status with types.StatusCode.
*/
package producer
