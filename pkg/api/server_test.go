package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/courier/pkg/producer"
	"github.com/cuemby/courier/pkg/storage"
	"github.com/cuemby/courier/pkg/types"
)

const testSecret = "whsec_api_test"

func signStripe(body []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testSecret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

type fakeTrigger struct {
	names []string
}

func (f *fakeTrigger) Trigger(name string) bool {
	f.names = append(f.names, name)
	return true
}

type mockIngester struct {
	mock.Mock
}

func (m *mockIngester) Ingest(ctx context.Context, req *producer.Request) (*producer.Receipt, error) {
	args := m.Called(ctx, req)
	receipt, _ := args.Get(0).(*producer.Receipt)
	return receipt, args.Error(1)
}

func newTestServer(t *testing.T, cfg Config) (*Server, *storage.BoltStore, *fakeTrigger) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	src, err := producer.NewWebhookSource("stripe", "webhooks:billing", "stripe", testSecret, 0)
	require.NoError(t, err)

	trigger := &fakeTrigger{}
	return NewServer(producer.New(store, producer.Config{}, src), trigger, cfg), store, trigger
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestWebhookAccepted(t *testing.T) {
	srv, store, _ := newTestServer(t, Config{})
	body := []byte(`{"id":"evt_1","type":"invoice.paid"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", signStripe(body))
	w := do(t, srv.Handler(), req)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp acceptedResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, "webhooks:billing", resp.Channel)
	assert.Equal(t, "invoice.paid", resp.Type)

	n, err := store.Len(context.Background(), "webhooks:billing")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWebhookRejections(t *testing.T) {
	srv, store, _ := newTestServer(t, Config{MaxBodyBytes: 64})
	body := []byte(`{"id":"evt_1","type":"invoice.paid"}`)

	tests := []struct {
		name   string
		path   string
		body   []byte
		sig    string
		status int
	}{
		{name: "bad signature", path: "/webhooks/stripe", body: body, sig: "t=1,v1=00", status: http.StatusUnauthorized},
		{name: "missing signature", path: "/webhooks/stripe", body: body, status: http.StatusUnauthorized},
		{name: "malformed body", path: "/webhooks/stripe", body: []byte(`{nope`), sig: signStripe([]byte(`{nope`)), status: http.StatusBadRequest},
		{name: "unknown provider", path: "/webhooks/paypal", body: body, sig: signStripe(body), status: http.StatusBadRequest},
		{name: "too large", path: "/webhooks/stripe", body: bytes.Repeat([]byte("x"), 100), status: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, bytes.NewReader(tt.body))
			if tt.sig != "" {
				req.Header.Set("Stripe-Signature", tt.sig)
			}
			w := do(t, srv.Handler(), req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	n, err := store.Len(context.Background(), "webhooks:billing")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTelemetryKeySources(t *testing.T) {
	srv, store, _ := newTestServer(t, Config{})
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodPost, "/telemetry", strings.NewReader(`{"event":"page_view"}`))
	req.Header.Set(TelemetryKeyHeader, "app-1")
	assert.Equal(t, http.StatusAccepted, do(t, srv.Handler(), req).Code)

	req = httptest.NewRequest(http.MethodPost, "/telemetry?key=app-2", strings.NewReader(`{"event":"click"}`))
	assert.Equal(t, http.StatusAccepted, do(t, srv.Handler(), req).Code)

	req = httptest.NewRequest(http.MethodPost, "/telemetry", strings.NewReader(`{"event":"click"}`))
	assert.Equal(t, http.StatusBadRequest, do(t, srv.Handler(), req).Code)

	for _, ch := range []string{"telemetry:app-1", "telemetry:app-2"} {
		n, err := store.Len(ctx, ch)
		require.NoError(t, err)
		assert.Equal(t, 1, n, ch)
	}
}

func TestTelemetryRateLimit(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{TelemetryRateLimit: 0.001, TelemetryRateBurst: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/telemetry", strings.NewReader(`{"event":"tick"}`))
		req.Header.Set(TelemetryKeyHeader, "noisy")
		codes = append(codes, do(t, srv.Handler(), req).Code)
	}
	assert.Equal(t, []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests}, codes)

	// other keys have their own bucket
	req := httptest.NewRequest(http.MethodPost, "/telemetry", strings.NewReader(`{"event":"tick"}`))
	req.Header.Set(TelemetryKeyHeader, "quiet")
	assert.Equal(t, http.StatusAccepted, do(t, srv.Handler(), req).Code)
}

func TestInvalidTelemetryKeysGetNoLimiter(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{})

	for _, target := range []string{"/telemetry?key=a%20b", "/telemetry?key=" + strings.Repeat("k", producer.MaxKeyLength+1), "/telemetry"} {
		req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(`{"event":"tick"}`))
		assert.Equal(t, http.StatusBadRequest, do(t, srv.Handler(), req).Code, target)
	}
	assert.Zero(t, srv.limiter.Len())

	req := httptest.NewRequest(http.MethodPost, "/telemetry?key=valid", strings.NewReader(`{"event":"tick"}`))
	assert.Equal(t, http.StatusAccepted, do(t, srv.Handler(), req).Code)
	assert.Equal(t, 1, srv.limiter.Len())
}

func TestStoreUnavailableHidesDetails(t *testing.T) {
	ing := &mockIngester{}
	ing.On("Ingest", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("dial redis:6379 refused: %w", types.ErrStoreUnavailable))

	srv := NewServer(ing, nil, Config{})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`))
	w := do(t, srv.Handler(), req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, w.Body.String(), "redis:6379")
	ing.AssertExpectations(t)
}

func TestIngesterReceivesProvider(t *testing.T) {
	ing := &mockIngester{}
	ing.On("Ingest", mock.Anything, mock.MatchedBy(func(req *producer.Request) bool {
		return req.Source == "clerk" && string(req.Body) == `{"a":1}`
	})).Return(&producer.Receipt{Channel: "users", Kind: types.ChannelStream, EventID: "1-1"}, nil)

	srv := NewServer(ing, nil, Config{})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/clerk", strings.NewReader(`{"a":1}`))
	assert.Equal(t, http.StatusAccepted, do(t, srv.Handler(), req).Code)
	ing.AssertExpectations(t)
}

func TestAdminDrain(t *testing.T) {
	srv, _, trigger := newTestServer(t, Config{AdminToken: "secret"})

	req := httptest.NewRequest(http.MethodPost, "/admin/drain", nil)
	assert.Equal(t, http.StatusUnauthorized, do(t, srv.Handler(), req).Code)
	assert.Empty(t, trigger.names)

	for _, auth := range []string{"Bearer secre", "Bearer secrets", "Basic secret"} {
		req = httptest.NewRequest(http.MethodPost, "/admin/drain", nil)
		req.Header.Set("Authorization", auth)
		assert.Equal(t, http.StatusUnauthorized, do(t, srv.Handler(), req).Code, auth)
	}
	assert.Empty(t, trigger.names)

	req = httptest.NewRequest(http.MethodPost, "/admin/drain", nil)
	req.Header.Set("Authorization", "Bearer secret")
	assert.Equal(t, http.StatusAccepted, do(t, srv.Handler(), req).Code)
	assert.Equal(t, []string{DrainJob}, trigger.names)
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/admin/drain", nil)
	assert.Equal(t, http.StatusNotFound, do(t, srv.Handler(), req).Code)
}

func TestLiveAndMetricsEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{})

	assert.Equal(t, http.StatusOK, do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/live", nil)).Code)

	req := httptest.NewRequest(http.MethodPost, "/telemetry?key=metrics", strings.NewReader(`{"event":"tick"}`))
	require.Equal(t, http.StatusAccepted, do(t, srv.Handler(), req).Code)

	w := do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "courier_events_ingested_total")
	assert.Contains(t, w.Body.String(), `route="/telemetry"`)
}
