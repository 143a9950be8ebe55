package metrics

import (
	"context"
	"time"

	"github.com/cuemby/courier/pkg/types"
)

// StoreReader is the read-only view of the event store the collector samples
type StoreReader interface {
	Channels(ctx context.Context, kind types.ChannelKind, prefix string) ([]string, error)
	Len(ctx context.Context, channel string) (int, error)
	GroupState(ctx context.Context, channel, group string) (*types.GroupState, error)
}

// Collector periodically samples channel lengths and pending counts
type Collector struct {
	store    StoreReader
	groups   map[string][]string // stream channel -> groups
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector. groups maps each stream
// channel to the consumer groups whose pending sets should be sampled.
func NewCollector(store StoreReader, groups map[string][]string) *Collector {
	return &Collector{
		store:    store,
		groups:   groups,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	c.collectChannelLengths(ctx, types.ChannelList)
	c.collectChannelLengths(ctx, types.ChannelStream)
	c.collectPending(ctx)
}

func (c *Collector) collectChannelLengths(ctx context.Context, kind types.ChannelKind) {
	channels, err := c.store.Channels(ctx, kind, "")
	if err != nil {
		return
	}

	for _, ch := range channels {
		n, err := c.store.Len(ctx, ch)
		if err != nil {
			continue
		}
		ChannelLength.WithLabelValues(ch, string(kind)).Set(float64(n))
	}
}

func (c *Collector) collectPending(ctx context.Context) {
	for channel, groups := range c.groups {
		for _, group := range groups {
			state, err := c.store.GroupState(ctx, channel, group)
			if err != nil {
				continue
			}
			GroupPending.WithLabelValues(channel, group).Set(float64(len(state.Pending)))
		}
	}
}
