package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cuemby/courier/pkg/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS telemetry_events (
	id          TEXT PRIMARY KEY,
	key         TEXT NOT NULL,
	event       TEXT NOT NULL,
	properties  JSONB,
	ts          TIMESTAMPTZ NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_telemetry_key_ts ON telemetry_events(key, ts);

CREATE TABLE IF NOT EXISTS webhook_events (
	channel     TEXT NOT NULL,
	id          TEXT NOT NULL,
	type        TEXT NOT NULL,
	payload     JSONB NOT NULL,
	enqueued_at TIMESTAMPTZ NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (channel, id)
);
`

var telemetryColumns = []string{"id", "key", "event", "properties", "ts", "received_at"}

// PostgresSink stores records in PostgreSQL through a pgx pool
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to dsn and applies the schema
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// Ping checks one pooled connection
func (s *PostgresSink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

// InsertMany streams records with COPY. Telemetry ids are fresh ULIDs and the
// list path never redelivers, so no conflict handling is needed.
func (s *PostgresSink) InsertMany(ctx context.Context, records []*types.TelemetryRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"telemetry_events"},
		telemetryColumns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			var props any
			if len(r.Properties) > 0 {
				props = string(r.Properties)
			}
			return []any{r.ID, r.Key, r.Event, props, r.Timestamp, r.ReceivedAt}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copy telemetry: %w", err)
	}
	return int(n), nil
}

// RecordEvents inserts events in one batch round trip, skipping recorded ids
func (s *PostgresSink) RecordEvents(ctx context.Context, events []*types.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	const query = `
		INSERT INTO webhook_events (channel, id, type, payload, enqueued_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel, id) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, ev := range events {
		enqueued := ev.EnqueuedAt
		if enqueued.IsZero() {
			enqueued = time.Now()
		}
		batch.Queue(query, ev.Channel, ev.ID, ev.Type, string(ev.Payload), enqueued)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	written := 0
	for _, ev := range events {
		tag, err := results.Exec()
		if err != nil {
			return written, fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
		written += int(tag.RowsAffected())
	}
	return written, nil
}
