/*
Package types defines the core data structures shared by every Courier package.

Courier records inbound provider webhooks and first-party telemetry on named
channels and hands them to batch workers. The types here describe what flows
through that pipeline; they carry no behavior beyond small helpers.

# Channels

A channel is a named ordered sequence of entries with one of two shapes:

  - ChannelList: strict FIFO. Pop removes and returns the oldest payload
    atomically. There is no id tracking, no acknowledgment and no replay.
    Used for telemetry, where loss on crash is accepted.
  - ChannelStream: append-only log of Events with monotonically increasing
    offsets. Entries stay until trimmed and are delivered to consumer groups
    with at-least-once semantics.

# Delivery state

For each (stream channel, group) pair the store keeps a cursor (the highest
offset handed out) and a pending set of PendingEntry records. An entry is
always in exactly one of: undelivered (offset above the cursor), pending, or
acknowledged. The pending set is authoritative for redelivery; the cursor is
informational.

# Errors

The error taxonomy used across the pipeline lives in errors.go. Producer-side
errors (ErrInvalidSignature, ErrBadPayload, ErrMissingKey) are not retryable by
the bus; ErrStoreUnavailable is transient; ErrHandlerFailure and
ErrUnknownType are per-entry outcomes recorded by the dispatcher.

	if err := producer.Ingest(ctx, req); err != nil {
		status := types.StatusCode(err) // 401, 400, 503 ...
	}
*/
package types
