// Package sink writes drained telemetry and recorded webhook events to a
// relational store. SQLiteSink is the embedded default; PostgresSink serves
// multi-replica deployments.
package sink

import (
	"context"
	"fmt"

	"github.com/cuemby/courier/pkg/dispatcher"
	"github.com/cuemby/courier/pkg/types"
)

// Sink is a relational store for Courier's output
type Sink interface {
	// InsertMany bulk-inserts telemetry records and returns how many were written
	InsertMany(ctx context.Context, records []*types.TelemetryRecord) (int, error)
	// RecordEvents stores webhook events, ignoring ids already recorded
	RecordEvents(ctx context.Context, events []*types.Event) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open returns the sink for driver ("sqlite" or "postgres")
func Open(ctx context.Context, driver, dsn string) (Sink, error) {
	switch driver {
	case "sqlite", "":
		return NewSQLiteSink(ctx, dsn)
	case "postgres":
		return NewPostgresSink(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported sink driver %q", driver)
	}
}

// EventRecorder is a dispatcher.BatchHandler that copies every event of its
// types into the sink. Recording is idempotent by (channel, id), so
// redelivered batches are harmless.
type EventRecorder struct {
	sink Sink
}

// NewEventRecorder creates a recorder writing to sink
func NewEventRecorder(sink Sink) *EventRecorder {
	return &EventRecorder{sink: sink}
}

func (r *EventRecorder) HandleBatch(ctx context.Context, eventType string, events []*types.Event) dispatcher.Result {
	if _, err := r.sink.RecordEvents(ctx, events); err != nil {
		return dispatcher.Failure(fmt.Errorf("record %d %s events: %w", len(events), eventType, err))
	}
	return dispatcher.Success()
}
