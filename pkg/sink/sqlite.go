package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cuemby/courier/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS telemetry_events (
	id          TEXT PRIMARY KEY,
	key         TEXT NOT NULL,
	event       TEXT NOT NULL,
	properties  TEXT,
	ts          TEXT NOT NULL,
	received_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_telemetry_key_ts ON telemetry_events(key, ts);

CREATE TABLE IF NOT EXISTS webhook_events (
	channel     TEXT NOT NULL,
	id          TEXT NOT NULL,
	type        TEXT NOT NULL,
	payload     TEXT NOT NULL,
	enqueued_at TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	PRIMARY KEY (channel, id)
);
`

// SQLiteSink stores records in an embedded SQLite database
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the database at path and applies the schema
func NewSQLiteSink(ctx context.Context, path string) (*SQLiteSink, error) {
	if !strings.HasPrefix(path, ":memory:") && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sink dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Ping checks the database connection
func (s *SQLiteSink) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// InsertMany writes records in one transaction. Ids already present are skipped.
func (s *SQLiteSink) InsertMany(ctx context.Context, records []*types.TelemetryRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	const query = `
		INSERT OR IGNORE INTO telemetry_events (id, key, event, properties, ts, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	written := 0
	err := s.inTx(ctx, query, func(stmt *sql.Stmt) error {
		for _, r := range records {
			var props any
			if len(r.Properties) > 0 {
				props = string(r.Properties)
			}
			res, err := stmt.ExecContext(ctx, r.ID, r.Key, r.Event, props, formatTime(r.Timestamp), formatTime(r.ReceivedAt))
			if err != nil {
				return fmt.Errorf("insert telemetry %s: %w", r.ID, err)
			}
			n, _ := res.RowsAffected()
			written += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// RecordEvents writes webhook events, ignoring (channel, id) pairs already stored
func (s *SQLiteSink) RecordEvents(ctx context.Context, events []*types.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	const query = `
		INSERT OR IGNORE INTO webhook_events (channel, id, type, payload, enqueued_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	now := formatTime(time.Now())
	written := 0
	err := s.inTx(ctx, query, func(stmt *sql.Stmt) error {
		for _, ev := range events {
			res, err := stmt.ExecContext(ctx, ev.Channel, ev.ID, ev.Type, string(ev.Payload), formatTime(ev.EnqueuedAt), now)
			if err != nil {
				return fmt.Errorf("insert event %s: %w", ev.ID, err)
			}
			n, _ := res.RowsAffected()
			written += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

func (s *SQLiteSink) inTx(ctx context.Context, query string, fn func(stmt *sql.Stmt) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	if err := fn(stmt); err != nil {
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
