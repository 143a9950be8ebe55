// Package coordinator tracks consumer group delivery on stream channels.
//
// A Coordinator is a thin, stateless layer over storage.EventStore: the cursor
// and pending set live in the store, so any number of processes can claim
// from the same group. Each entry moves through
//
//	Undelivered -> Claimed -> Acknowledged
//	                  ^   \
//	                  +----ReclaimedAfterTimeout
//
// An entry stays claimed until it is acked or its claim is older than the
// visibility timeout, after which any consumer may claim it again.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/metrics"
	"github.com/cuemby/courier/pkg/storage"
	"github.com/cuemby/courier/pkg/types"
)

// DefaultVisibilityTimeout covers one dispatcher run plus a slow provider call
const DefaultVisibilityTimeout = 5 * time.Minute

// Config configures a Coordinator
type Config struct {
	VisibilityTimeout time.Duration
}

// Coordinator hands stream entries to consumers of a group
type Coordinator struct {
	store      storage.EventStore
	visibility time.Duration
	now        func() time.Time
}

// New creates a coordinator over store
func New(store storage.EventStore, cfg Config) *Coordinator {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	return &Coordinator{
		store:      store,
		visibility: cfg.VisibilityTimeout,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// VisibilityTimeout returns how long a claim is held before redelivery
func (c *Coordinator) VisibilityTimeout() time.Duration {
	return c.visibility
}

// Claim returns up to maxCount entries that are undelivered or whose claim
// has expired, marking them claimed by consumer.
func (c *Coordinator) Claim(ctx context.Context, group, channel, consumer string, maxCount int) (*storage.ClaimResult, error) {
	if maxCount <= 0 {
		return &storage.ClaimResult{}, nil
	}

	res, err := c.store.Claim(ctx, storage.ClaimRequest{
		Channel:           channel,
		Group:             group,
		Consumer:          consumer,
		MaxCount:          maxCount,
		VisibilityTimeout: c.visibility,
		Now:               c.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("claim %s/%s: %w", channel, group, err)
	}

	metrics.EntriesClaimed.WithLabelValues(channel, group).Add(float64(len(res.Events)))
	metrics.EntriesReclaimed.WithLabelValues(channel, group).Add(float64(res.Reclaimed))

	if res.Reclaimed > 0 {
		logger := log.WithGroup("coordinator", channel, group)
		logger.Info().
			Str("consumer", consumer).
			Int("reclaimed", res.Reclaimed).
			Msg("Redelivering entries after visibility timeout")
	}

	return res, nil
}

// Ack acknowledges ids for group. Unknown and already acknowledged ids are
// ignored; the returned count only includes ids that were pending.
func (c *Coordinator) Ack(ctx context.Context, group, channel string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	n, err := c.store.Ack(ctx, channel, group, ids)
	if err != nil {
		return 0, fmt.Errorf("ack %s/%s: %w", channel, group, err)
	}

	metrics.EntriesAcked.WithLabelValues(channel, group).Add(float64(n))
	return n, nil
}

// Pending returns the group's cursor and pending entries
func (c *Coordinator) Pending(ctx context.Context, group, channel string) (*types.GroupState, error) {
	state, err := c.store.GroupState(ctx, channel, group)
	if err != nil {
		return nil, fmt.Errorf("group state %s/%s: %w", channel, group, err)
	}
	return state, nil
}

// Expired returns the pending entries of group whose claims have expired
func (c *Coordinator) Expired(ctx context.Context, group, channel string) ([]*types.PendingEntry, error) {
	state, err := c.Pending(ctx, group, channel)
	if err != nil {
		return nil, err
	}

	now := c.now()
	var expired []*types.PendingEntry
	for _, p := range state.Pending {
		if p.Expired(now, c.visibility) {
			expired = append(expired, p)
		}
	}
	return expired, nil
}
