package producer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cuemby/courier/pkg/types"
)

// MaxKeyLength bounds telemetry keys, which become part of a channel name
const MaxKeyLength = 128

// telemetryBody is the accepted telemetry request schema
type telemetryBody struct {
	Event      string          `json:"event"`
	Properties json.RawMessage `json:"properties,omitempty"`
	Timestamp  *time.Time      `json:"timestamp,omitempty"`
}

// ValidateKey checks that a telemetry key is present and safe to use in a
// channel name: 1 to MaxKeyLength characters from [A-Za-z0-9_.-].
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("telemetry key required: %w", types.ErrMissingKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("telemetry key longer than %d: %w", MaxKeyLength, types.ErrMissingKey)
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '.':
		default:
			return fmt.Errorf("telemetry key contains %q: %w", r, types.ErrMissingKey)
		}
	}
	return nil
}

// ParseTelemetry validates a telemetry body and normalizes it into a record.
// The body must be a JSON object with a non-empty string "event", an optional
// object "properties" and an optional RFC 3339 "timestamp" (defaults to now).
func ParseTelemetry(body []byte, now time.Time) (*types.TelemetryRecord, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("telemetry body must be a JSON object: %w", types.ErrBadPayload)
	}

	var in telemetryBody
	if err := json.Unmarshal(trimmed, &in); err != nil {
		return nil, fmt.Errorf("decode telemetry: %v: %w", err, types.ErrBadPayload)
	}
	if in.Event == "" {
		return nil, fmt.Errorf("telemetry event name required: %w", types.ErrBadPayload)
	}

	props := bytes.TrimSpace(in.Properties)
	switch {
	case len(props) == 0, bytes.Equal(props, []byte("null")):
		props = nil
	case props[0] != '{':
		return nil, fmt.Errorf("telemetry properties must be an object: %w", types.ErrBadPayload)
	}

	ts := now
	if in.Timestamp != nil {
		if in.Timestamp.IsZero() {
			return nil, fmt.Errorf("telemetry timestamp is zero: %w", types.ErrBadPayload)
		}
		ts = in.Timestamp.UTC()
	}

	return &types.TelemetryRecord{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Event:      in.Event,
		Properties: props,
		Timestamp:  ts,
		ReceivedAt: now,
	}, nil
}
