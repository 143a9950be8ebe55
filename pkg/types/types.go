package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChannelKind identifies the backing shape of a channel
type ChannelKind string

const (
	// ChannelList is a strict FIFO: pop removes and returns atomically, no replay
	ChannelList ChannelKind = "list"
	// ChannelStream is append-only with offsets, consumer groups and acks
	ChannelStream ChannelKind = "stream"
)

// Event is a single entry on a stream channel.
//
// ID is unique per channel. It is either supplied by the producer (the
// provider's own event id, used for dedupe) or assigned by the store from the
// enqueue time and offset. Type is only used for downstream grouping; the
// store never interprets it.
type Event struct {
	ID         string    `json:"id"`
	Channel    string    `json:"channel"`
	Type       string    `json:"type"`
	Payload    []byte    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Offset is the position of the entry in its stream (1-based, monotonic)
	Offset uint64 `json:"offset"`
}

// PendingEntry records a claimed but not yet acknowledged entry for one group
type PendingEntry struct {
	EntryID    string    `json:"entry_id"`
	Offset     uint64    `json:"offset"`
	Consumer   string    `json:"consumer"`
	ClaimedAt  time.Time `json:"claimed_at"`
	Deliveries int       `json:"deliveries"`
}

// Expired reports whether the claim is older than the visibility timeout
func (p *PendingEntry) Expired(now time.Time, visibility time.Duration) bool {
	return !p.ClaimedAt.Add(visibility).After(now)
}

// GroupState is a snapshot of one consumer group's delivery state
type GroupState struct {
	Channel string          `json:"channel"`
	Group   string          `json:"group"`
	Cursor  uint64          `json:"cursor"`
	Pending []*PendingEntry `json:"pending"`
}

// TelemetryRecord is a first-party telemetry event as carried on list channels
type TelemetryRecord struct {
	ID         string          `json:"id"`
	Key        string          `json:"key"`
	Event      string          `json:"event"`
	Properties json.RawMessage `json:"properties,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Validate checks the fields a telemetry record must carry once normalized
func (r *TelemetryRecord) Validate() error {
	switch {
	case r.Event == "":
		return fmt.Errorf("telemetry record without event: %w", ErrBadPayload)
	case r.Key == "":
		return fmt.Errorf("telemetry record without key: %w", ErrBadPayload)
	case r.Timestamp.IsZero():
		return fmt.Errorf("telemetry record without timestamp: %w", ErrBadPayload)
	}
	return nil
}
