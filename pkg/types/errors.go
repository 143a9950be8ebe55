package types

import (
	"errors"
	"net/http"
)

var (
	// ErrInvalidSignature is returned when a webhook signature does not verify
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrBadPayload is returned for malformed or schema-invalid bodies
	ErrBadPayload = errors.New("bad payload")

	// ErrMissingKey is returned when the routing key (provider or telemetry key) is absent or unknown
	ErrMissingKey = errors.New("missing routing key")

	// ErrStoreUnavailable wraps transport failures of the event store; callers retry with backoff
	ErrStoreUnavailable = errors.New("event store unavailable")

	// ErrHandlerFailure marks entries whose batch handler failed; they are redelivered after the visibility timeout
	ErrHandlerFailure = errors.New("handler failure")

	// ErrUnknownType marks entries with no registered handler; they are acked and dropped
	ErrUnknownType = errors.New("unknown event type")

	// ErrChannelEmpty is returned by Pop when the list channel has no entries
	ErrChannelEmpty = errors.New("channel empty")

	// ErrWrongChannelKind is returned when a list operation targets a stream channel or vice versa
	ErrWrongChannelKind = errors.New("wrong channel kind")

	// ErrLeaseHeld is returned when a run lease is held by another holder
	ErrLeaseHeld = errors.New("lease held by another holder")
)

// StatusCode maps an ingest result to the HTTP status surfaced to the caller
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusAccepted
	case errors.Is(err, ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBadPayload), errors.Is(err, ErrMissingKey):
		return http.StatusBadRequest
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller should retry the operation with backoff
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
