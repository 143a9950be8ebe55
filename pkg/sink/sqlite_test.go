package sink

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/courier/pkg/types"
)

func newSQLite(t *testing.T) *SQLiteSink {
	t.Helper()
	s, err := NewSQLiteSink(context.Background(), filepath.Join(t.TempDir(), "sink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func telemetryRecord(id string) *types.TelemetryRecord {
	now := time.Now()
	return &types.TelemetryRecord{
		ID:         id,
		Key:        "app-1",
		Event:      "page_view",
		Properties: json.RawMessage(`{"path":"/"}`),
		Timestamp:  now,
		ReceivedAt: now,
	}
}

func TestSQLiteInsertMany(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	n, err := s.InsertMany(ctx, []*types.TelemetryRecord{telemetryRecord("a"), telemetryRecord("b")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// duplicate id is ignored
	n, err = s.InsertMany(ctx, []*types.TelemetryRecord{telemetryRecord("b"), telemetryRecord("c")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry_events`).Scan(&count))
	assert.Equal(t, 3, count)

	var props string
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT properties FROM telemetry_events WHERE id = 'a'`).Scan(&props))
	assert.JSONEq(t, `{"path":"/"}`, props)
}

func TestSQLiteInsertManyEmpty(t *testing.T) {
	s := newSQLite(t)
	n, err := s.InsertMany(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLiteRecordEvents(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	events := []*types.Event{
		{ID: "evt_1", Channel: "webhooks:stripe", Type: "invoice.paid", Payload: []byte(`{}`), EnqueuedAt: time.Now()},
		{ID: "evt_2", Channel: "webhooks:stripe", Type: "invoice.paid", Payload: []byte(`{}`), EnqueuedAt: time.Now()},
	}
	n, err := s.RecordEvents(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.RecordEvents(ctx, events)
	require.NoError(t, err)
	assert.Zero(t, n)

	// same id on another channel is a distinct row
	other := &types.Event{ID: "evt_1", Channel: "webhooks:clerk", Type: "user.created", Payload: []byte(`{}`), EnqueuedAt: time.Now()}
	n, err = s.RecordEvents(ctx, []*types.Event{other})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEventRecorder(t *testing.T) {
	s := newSQLite(t)
	rec := NewEventRecorder(s)

	events := []*types.Event{
		{ID: "evt_1", Channel: "webhooks:stripe", Type: "invoice.paid", Payload: []byte(`{}`), EnqueuedAt: time.Now()},
	}
	res := rec.HandleBatch(context.Background(), "invoice.paid", events)
	assert.NoError(t, res.Err)
	assert.True(t, res.Succeeded("evt_1"))

	require.NoError(t, s.Close())
	res = rec.HandleBatch(context.Background(), "invoice.paid", events)
	assert.Error(t, res.Err)
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn")
	assert.Error(t, err)
}

func TestSQLitePing(t *testing.T) {
	s := newSQLite(t)
	assert.NoError(t, s.Ping(context.Background()))
}
