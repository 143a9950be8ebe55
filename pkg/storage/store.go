package storage

import (
	"context"
	"time"

	"github.com/cuemby/courier/pkg/types"
)

// EventStore is the durable log behind every channel. List channels support
// Push/Pop; stream channels support Append/ReadRange/Trim and consumer group
// delivery through Claim/Ack. A channel's kind is fixed by its first write.
type EventStore interface {
	// Streams

	// Append adds an event to a stream channel and returns its id. If ev.ID is
	// set and already present on the channel, the existing id is returned and
	// nothing is appended.
	Append(ctx context.Context, channel string, ev *types.Event) (string, error)
	ReadRange(ctx context.Context, channel string, fromOffset uint64, limit int) ([]*types.Event, error)
	Trim(ctx context.Context, channel string, beforeOffset uint64) (int, error)

	// Lists
	Push(ctx context.Context, channel string, payload []byte) error
	Pop(ctx context.Context, channel string) ([]byte, error)

	// Consumer groups
	Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error)
	Ack(ctx context.Context, channel, group string, ids []string) (int, error)
	GroupState(ctx context.Context, channel, group string) (*types.GroupState, error)

	// Utility
	Len(ctx context.Context, channel string) (int, error)
	Channels(ctx context.Context, kind types.ChannelKind, prefix string) ([]string, error)
	// Ping reports whether the backend is reachable
	Ping(ctx context.Context) error
	Close() error
}

// Leaser grants named, expiring, single-holder leases used for run-level
// mutual exclusion between worker processes.
type Leaser interface {
	// AcquireLease takes the lease for ttl. It returns true when the lease is
	// free, expired or already held by holder (which renews it).
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	// ReleaseLease drops the lease if holder still owns it
	ReleaseLease(ctx context.Context, name, holder string) error
}

// Marker keeps expiring named markers. Handlers use them to remember external
// side effects that already happened, so a redelivered entry is not acted on
// twice even when it arrives in a differently composed batch.
type Marker interface {
	// Mark sets every name for ttl
	Mark(ctx context.Context, names []string, ttl time.Duration) error
	// Marked returns the subset of names that are set and not expired
	Marked(ctx context.Context, names []string) (map[string]bool, error)
}

// Store is an EventStore that also hands out leases and markers. Both backends
// implement it.
type Store interface {
	EventStore
	Leaser
	Marker
}

// ClaimRequest describes one atomic claim-and-mark call
type ClaimRequest struct {
	Channel           string
	Group             string
	Consumer          string
	MaxCount          int
	VisibilityTimeout time.Duration

	// Now is the claim timestamp. Zero means the store's clock.
	Now time.Time
}

// ClaimResult holds the events handed to the consumer. Reclaimed counts the
// events that were redelivered after their previous claim expired.
type ClaimResult struct {
	Events    []*types.Event
	Reclaimed int
}
