// Package drainer empties telemetry list channels into a bulk-insert sink.
//
// A drain pops until the channel is empty, parses each payload and skips the
// ones that do not parse, then writes the whole batch with one InsertMany
// call. Pop is destructive: if the write fails the popped records are lost.
// Telemetry is advisory, so this weaker guarantee is accepted and surfaced as
// an error log plus the courier_telemetry_lost_total counter.
package drainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/metrics"
	"github.com/cuemby/courier/pkg/storage"
	"github.com/cuemby/courier/pkg/types"
)

const (
	// DefaultMaxBatch caps the records popped in one drain
	DefaultMaxBatch = 10000
	// DefaultLeaseTTL bounds how long a crashed drainer blocks others
	DefaultLeaseTTL = time.Minute

	previewLen = 64
)

// Sink receives drained telemetry records
type Sink interface {
	InsertMany(ctx context.Context, records []*types.TelemetryRecord) (int, error)
}

// Config configures a Drainer
type Config struct {
	// Prefix selects the channels DrainAll visits
	Prefix   string
	MaxBatch int
	LeaseTTL time.Duration
}

// Drainer moves records from list channels to a Sink
type Drainer struct {
	store  storage.Store
	sink   Sink
	cfg    Config
	holder string
}

// Result summarizes one channel drain
type Result struct {
	Channel   string `json:"channel"`
	Popped    int    `json:"popped"`
	Skipped   int    `json:"skipped"`
	Written   int    `json:"written"`
	Lost      int    `json:"lost"`
	Contended bool   `json:"contended,omitempty"`
}

// New creates a drainer
func New(store storage.Store, sink Sink, cfg Config) *Drainer {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	return &Drainer{
		store:  store,
		sink:   sink,
		cfg:    cfg,
		holder: "drainer-" + uuid.NewString(),
	}
}

// Drain empties one channel under the advisory lease "drain:<channel>". If
// another drainer holds the lease the call returns ErrLeaseHeld without
// popping anything.
func (d *Drainer) Drain(ctx context.Context, channel string) (*Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DrainDuration)

	logger := log.WithChannel("drainer", channel)
	result := &Result{Channel: channel}

	lease := "drain:" + channel
	ok, err := d.store.AcquireLease(ctx, lease, d.holder, d.cfg.LeaseTTL)
	if err != nil {
		return result, fmt.Errorf("acquire %s: %w", lease, err)
	}
	if !ok {
		metrics.LeaseContention.WithLabelValues(lease).Inc()
		result.Contended = true
		return result, fmt.Errorf("%s: %w", lease, types.ErrLeaseHeld)
	}
	defer func() {
		if err := d.store.ReleaseLease(context.WithoutCancel(ctx), lease, d.holder); err != nil {
			logger.Warn().Err(err).Msg("Failed to release drain lease")
		}
	}()

	var (
		batch  []*types.TelemetryRecord
		popErr error
	)
	for result.Popped < d.cfg.MaxBatch {
		payload, err := d.store.Pop(ctx, channel)
		if errors.Is(err, types.ErrChannelEmpty) {
			break
		}
		if err != nil {
			popErr = err
			break
		}
		result.Popped++

		record, err := parse(payload)
		if err != nil {
			result.Skipped++
			metrics.TelemetrySkipped.Inc()
			logger.Warn().
				Err(err).
				Str("payload", preview(payload)).
				Msg("Skipping malformed telemetry payload")
			continue
		}
		batch = append(batch, record)
	}

	if len(batch) > 0 {
		// The records are already popped, so write even if ctx was cancelled
		// mid-loop. The write must end while the lease is still ours.
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.LeaseTTL/2)
		written, err := d.sink.InsertMany(writeCtx, batch)
		cancel()
		if err != nil {
			result.Lost = len(batch)
			metrics.TelemetryLost.Add(float64(len(batch)))
			logger.Error().
				Err(err).
				Int("lost", len(batch)).
				Msg("Bulk write failed, popped telemetry records lost")
			return result, fmt.Errorf("insert %d records from %s: %w", len(batch), channel, err)
		}
		result.Written = written
		metrics.TelemetryDrained.Add(float64(written))
	}

	if result.Popped > 0 {
		logger.Info().
			Int("popped", result.Popped).
			Int("skipped", result.Skipped).
			Int("written", result.Written).
			Msg("Drain complete")
	}

	if popErr != nil {
		return result, fmt.Errorf("pop %s: %w", channel, popErr)
	}
	return result, nil
}

// DrainAll drains every list channel whose name starts with the configured
// prefix. Channels whose lease is held elsewhere are skipped. Errors from
// individual channels are joined.
func (d *Drainer) DrainAll(ctx context.Context) ([]*Result, error) {
	channels, err := d.store.Channels(ctx, types.ChannelList, d.cfg.Prefix)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}

	var (
		results []*Result
		errs    []error
	)
	for _, ch := range channels {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := d.Drain(ctx, ch)
		results = append(results, res)
		if err != nil && !errors.Is(err, types.ErrLeaseHeld) {
			errs = append(errs, err)
		}
	}

	return results, errors.Join(errs...)
}

func parse(payload []byte) (*types.TelemetryRecord, error) {
	var record types.TelemetryRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("decode: %v: %w", err, types.ErrBadPayload)
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return &record, nil
}

func preview(payload []byte) string {
	if len(payload) > previewLen {
		return string(payload[:previewLen]) + "..."
	}
	return string(payload)
}
