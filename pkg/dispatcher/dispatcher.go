package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/courier/pkg/coordinator"
	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/metrics"
	"github.com/cuemby/courier/pkg/types"
)

const (
	// DefaultBatchSize bounds the number of entries claimed per run
	DefaultBatchSize = 100
	// DefaultRunTimeout is the overall deadline of one run
	DefaultRunTimeout = 2 * time.Minute

	ackTimeout = 10 * time.Second
)

// Config configures a Dispatcher for one (channel, group)
type Config struct {
	Channel    string
	Group      string
	Consumer   string
	BatchSize  int
	RunTimeout time.Duration
}

// Dispatcher claims a batch from one stream channel, groups it by event type
// and acknowledges only the entries whose handler succeeded. It holds no
// state between runs.
type Dispatcher struct {
	coord    *coordinator.Coordinator
	registry *Registry
	cfg      Config
	logger   zerolog.Logger
}

// TypeReport summarizes one type group of a run
type TypeReport struct {
	Entries int    `json:"entries"`
	Acked   int    `json:"acked"`
	Failed  int    `json:"failed"`
	Error   string `json:"error,omitempty"`
}

// Report summarizes one run
type Report struct {
	Channel   string                 `json:"channel"`
	Group     string                 `json:"group"`
	Claimed   int                    `json:"claimed"`
	Reclaimed int                    `json:"reclaimed"`
	Acked     int                    `json:"acked"`
	Failed    int                    `json:"failed"`
	Unknown   int                    `json:"unknown"`
	ByType    map[string]*TypeReport `json:"by_type"`
	Duration  time.Duration          `json:"duration"`
}

// New creates a dispatcher
func New(coord *coordinator.Coordinator, registry *Registry, cfg Config) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "dispatcher-" + uuid.NewString()[:8]
	}

	return &Dispatcher{
		coord:    coord,
		registry: registry,
		cfg:      cfg,
		logger:   log.WithGroup("dispatcher", cfg.Channel, cfg.Group),
	}
}

// Config returns the effective configuration
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Run performs one claim-handle-ack cycle. Handler failures are reported, not
// returned: their entries stay pending and are redelivered after the
// visibility timeout. The error is non-nil only when the claim itself fails.
func (d *Dispatcher) Run(ctx context.Context) (*Report, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DispatchDuration, d.cfg.Channel)

	ctx, cancel := context.WithTimeout(ctx, d.cfg.RunTimeout)
	defer cancel()

	report := &Report{
		Channel: d.cfg.Channel,
		Group:   d.cfg.Group,
		ByType:  make(map[string]*TypeReport),
	}

	claimed, err := d.coord.Claim(ctx, d.cfg.Group, d.cfg.Channel, d.cfg.Consumer, d.cfg.BatchSize)
	if err != nil {
		return report, err
	}
	report.Claimed = len(claimed.Events)
	report.Reclaimed = claimed.Reclaimed

	order, batches := groupByType(claimed.Events)
	for _, eventType := range order {
		if ctx.Err() != nil {
			// Remaining groups stay claimed and are redelivered after the timeout
			d.logger.Warn().
				Str("event_type", eventType).
				Int("entries", len(batches[eventType])).
				Msg("Run deadline reached, leaving entries pending")
			break
		}
		d.dispatchType(ctx, eventType, batches[eventType], report)
	}

	report.Duration = timer.Duration()

	evt := d.logger.Debug()
	if report.Claimed > 0 {
		evt = d.logger.Info()
	}
	evt.Int("claimed", report.Claimed).
		Int("reclaimed", report.Reclaimed).
		Int("acked", report.Acked).
		Int("failed", report.Failed).
		Int("unknown", report.Unknown).
		Dur("duration", report.Duration).
		Msg("Dispatch run complete")

	return report, nil
}

func (d *Dispatcher) dispatchType(ctx context.Context, eventType string, batch []*types.Event, report *Report) {
	tr := &TypeReport{Entries: len(batch)}
	report.ByType[eventType] = tr

	handler, ok := d.registry.Lookup(eventType)
	if !ok {
		// No handler can ever succeed, so drop rather than starve the pending set
		for _, ev := range batch {
			d.logger.Warn().
				Str("entry_id", ev.ID).
				Str("event_type", eventType).
				Msg("No handler registered, dropping entry")
		}
		tr.Acked = d.ack(ctx, batch)
		tr.Error = types.ErrUnknownType.Error()
		report.Unknown += len(batch)
		report.Acked += tr.Acked
		metrics.UnknownTypeDropped.WithLabelValues(d.cfg.Channel).Add(float64(len(batch)))
		return
	}

	metrics.BatchSize.WithLabelValues(eventType).Observe(float64(len(batch)))
	result := invoke(ctx, handler, eventType, batch)

	var succeeded []*types.Event
	for _, ev := range batch {
		if result.Succeeded(ev.ID) {
			succeeded = append(succeeded, ev)
		}
	}
	failed := len(batch) - len(succeeded)

	tr.Acked = d.ack(ctx, succeeded)
	tr.Failed = failed
	report.Acked += tr.Acked
	report.Failed += failed

	if failed > 0 {
		metrics.HandlerFailures.WithLabelValues(eventType).Add(float64(failed))
		evt := d.logger.Error().
			Str("event_type", eventType).
			Int("failed", failed).
			Int("entries", len(batch))
		if result.Err != nil {
			tr.Error = result.Err.Error()
			evt = evt.Err(result.Err)
		}
		evt.Msg("Batch handler failed, entries will be redelivered")
	}
}

// ack acknowledges events even if the run deadline has passed, since the
// side effects already happened.
func (d *Dispatcher) ack(ctx context.Context, batch []*types.Event) int {
	if len(batch) == 0 {
		return 0
	}

	ids := make([]string, 0, len(batch))
	for _, ev := range batch {
		ids = append(ids, ev.ID)
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()

	n, err := d.coord.Ack(ackCtx, d.cfg.Group, d.cfg.Channel, ids)
	if err != nil {
		d.logger.Error().Err(err).Int("entries", len(ids)).Msg("Failed to acknowledge entries")
		return 0
	}
	return n
}

// invoke calls the handler and converts a panic into a failed result
func invoke(ctx context.Context, h BatchHandler, eventType string, batch []*types.Event) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Failure(fmt.Errorf("%w: panic: %v", types.ErrHandlerFailure, r))
		}
	}()

	result = h.HandleBatch(ctx, eventType, batch)
	if result.Err != nil {
		result.Err = fmt.Errorf("%w: %w", types.ErrHandlerFailure, result.Err)
	}
	return result
}

// groupByType splits events by type, keeping types in order of first appearance
func groupByType(events []*types.Event) ([]string, map[string][]*types.Event) {
	var order []string
	batches := make(map[string][]*types.Event)
	for _, ev := range events {
		if _, seen := batches[ev.Type]; !seen {
			order = append(order, ev.Type)
		}
		batches[ev.Type] = append(batches[ev.Type], ev)
	}
	return order, batches
}
