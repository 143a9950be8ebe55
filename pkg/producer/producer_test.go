package producer

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/courier/pkg/events"
	"github.com/cuemby/courier/pkg/metrics"
	"github.com/cuemby/courier/pkg/storage"
	"github.com/cuemby/courier/pkg/types"
)

func newTestProducer(t *testing.T, broker *events.Broker) (*Producer, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	src := &WebhookSource{
		Name:     "stripe",
		Channel:  "billing",
		Verifier: newStripe(),
		Map:      StripeMapper,
	}
	p := New(store, Config{Broker: broker}, src)
	p.now = func() time.Time { return fixedNow }
	return p, store
}

func TestIngestWebhookAppendsToStream(t *testing.T) {
	p, store := newTestProducer(t, nil)
	ctx := context.Background()
	body := []byte(`{"id":"evt_1","type":"subscription.created"}`)

	receipt, err := p.Ingest(ctx, &Request{Source: "stripe", Header: stripeHeader(stripeSecret, fixedNow, body), Body: body})
	require.NoError(t, err)
	assert.Equal(t, &Receipt{Channel: "billing", Kind: types.ChannelStream, EventID: "evt_1", EventType: "subscription.created"}, receipt)

	events, err := store.ReadRange(ctx, "billing", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, body, events[0].Payload)
	assert.Equal(t, fixedNow, events[0].EnqueuedAt)
}

func TestIngestWebhookRetryIsDeduplicated(t *testing.T) {
	p, store := newTestProducer(t, nil)
	ctx := context.Background()
	body := []byte(`{"id":"evt_1","type":"subscription.created"}`)

	for i := 0; i < 3; i++ {
		_, err := p.Ingest(ctx, &Request{Source: "stripe", Header: stripeHeader(stripeSecret, fixedNow, body), Body: body})
		require.NoError(t, err)
	}

	n, err := store.Len(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIngestRejections(t *testing.T) {
	p, store := newTestProducer(t, nil)
	ctx := context.Background()
	good := []byte(`{"id":"evt_1","type":"a"}`)

	tests := []struct {
		name string
		req  *Request
		want error
	}{
		{
			name: "bad signature",
			req:  &Request{Source: "stripe", Header: stripeHeader("wrong", fixedNow, good), Body: good},
			want: types.ErrInvalidSignature,
		},
		{
			name: "malformed body",
			req:  &Request{Source: "stripe", Header: stripeHeader(stripeSecret, fixedNow, []byte(`{`)), Body: []byte(`{`)},
			want: types.ErrBadPayload,
		},
		{
			name: "unknown provider",
			req:  &Request{Source: "paypal", Body: good},
			want: types.ErrMissingKey,
		},
		{
			name: "empty source",
			req:  &Request{Body: good},
			want: types.ErrMissingKey,
		},
		{
			name: "telemetry without key",
			req:  &Request{Source: SourceTelemetry, Body: []byte(`{"event":"x"}`)},
			want: types.ErrMissingKey,
		},
		{
			name: "telemetry with unsafe key",
			req:  &Request{Source: SourceTelemetry, Key: "a b", Body: []byte(`{"event":"x"}`)},
			want: types.ErrMissingKey,
		},
		{
			name: "telemetry schema violation",
			req:  &Request{Source: SourceTelemetry, Key: "site", Body: []byte(`{"properties":{}}`)},
			want: types.ErrBadPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Ingest(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	n, err := store.Len(ctx, "billing")
	require.NoError(t, err)
	assert.Zero(t, n, "rejected requests never reach the store")
}

func TestIngestTelemetryPushesRecord(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	p, store := newTestProducer(t, broker)
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.EventsIngested.WithLabelValues(SourceTelemetry, "list"))
	receipt, err := p.Ingest(ctx, &Request{
		Source: SourceTelemetry,
		Key:    "site-1",
		Body:   []byte(`{"event":"page_view","properties":{"path":"/"}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "telemetry:site-1", receipt.Channel)
	assert.Equal(t, types.ChannelList, receipt.Kind)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.EventsIngested.WithLabelValues(SourceTelemetry, "list")))

	payload, err := store.Pop(ctx, "telemetry:site-1")
	require.NoError(t, err)

	var rec types.TelemetryRecord
	require.NoError(t, json.Unmarshal(payload, &rec))
	assert.Equal(t, receipt.EventID, rec.ID)
	assert.Equal(t, "site-1", rec.Key)
	assert.Equal(t, "page_view", rec.Event)
	assert.JSONEq(t, `{"path":"/"}`, string(rec.Properties))
	assert.Equal(t, fixedNow, rec.Timestamp)
	assert.NoError(t, rec.Validate())

	select {
	case n := <-sub:
		assert.Equal(t, events.NoticePushed, n.Kind)
		assert.Equal(t, "telemetry:site-1", n.Channel)
	case <-time.After(time.Second):
		t.Fatal("no notice published")
	}
}

func TestParseTelemetry(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		check   func(t *testing.T, r *types.TelemetryRecord)
	}{
		{
			name: "minimal",
			body: `{"event":"signup"}`,
			check: func(t *testing.T, r *types.TelemetryRecord) {
				assert.Nil(t, r.Properties)
				assert.Equal(t, fixedNow, r.Timestamp)
				assert.Len(t, r.ID, 26)
			},
		},
		{
			name: "explicit timestamp",
			body: `{"event":"signup","timestamp":"2026-05-04T08:00:00+02:00"}`,
			check: func(t *testing.T, r *types.TelemetryRecord) {
				assert.Equal(t, time.Date(2026, 5, 4, 6, 0, 0, 0, time.UTC), r.Timestamp)
			},
		},
		{name: "null properties", body: `{"event":"x","properties":null}`},
		{name: "array body", body: `[{"event":"x"}]`, wantErr: true},
		{name: "not json", body: `not-json`, wantErr: true},
		{name: "empty", body: ``, wantErr: true},
		{name: "event not string", body: `{"event":5}`, wantErr: true},
		{name: "properties not object", body: `{"event":"x","properties":[1]}`, wantErr: true},
		{name: "bad timestamp", body: `{"event":"x","timestamp":"yesterday"}`, wantErr: true},
		{name: "zero timestamp", body: `{"event":"x","timestamp":"0001-01-01T00:00:00Z"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseTelemetry([]byte(tt.body), fixedNow)
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrBadPayload)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, r)
			}
		})
	}
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("site_1.prod-eu"))
	assert.ErrorIs(t, ValidateKey(""), types.ErrMissingKey)
	assert.ErrorIs(t, ValidateKey("a/b"), types.ErrMissingKey)
	assert.ErrorIs(t, ValidateKey(strings.Repeat("k", MaxKeyLength+1)), types.ErrMissingKey)
}
