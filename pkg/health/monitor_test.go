package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	mu  sync.Mutex
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakePinger) set(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type report struct {
	healthy bool
	message string
}

func newTestMonitor(retries int) (*Monitor, map[string]report) {
	reports := make(map[string]report)
	m := NewMonitor(Config{Interval: time.Hour, Retries: retries})
	m.report = func(name string, healthy bool, message string) {
		reports[name] = report{healthy: healthy, message: message}
	}
	return m, reports
}

func TestMonitorRetriesBeforeUnhealthy(t *testing.T) {
	store := &fakePinger{}
	m, reports := newTestMonitor(2)
	m.Add("store", NewPingChecker(store))
	ctx := context.Background()

	m.CheckNow(ctx)
	assert.True(t, reports["store"].healthy)

	store.set(errors.New("connection refused"))
	m.CheckNow(ctx)
	assert.True(t, reports["store"].healthy, "one failure is tolerated")
	assert.Contains(t, reports["store"].message, "degraded")

	m.CheckNow(ctx)
	assert.False(t, reports["store"].healthy)
	assert.Contains(t, reports["store"].message, "connection refused")

	store.set(nil)
	m.CheckNow(ctx)
	assert.True(t, reports["store"].healthy)

	status := m.Statuses()["store"]
	assert.Equal(t, 1, status.ConsecutiveSuccesses)
	assert.Zero(t, status.ConsecutiveFailures)
}

func TestMonitorStartChecksImmediately(t *testing.T) {
	m, _ := newTestMonitor(1)
	done := make(chan struct{})
	var once sync.Once
	m.report = func(name string, healthy bool, message string) {
		once.Do(func() { close(done) })
	}
	m.Add("sink", NewPingChecker(&fakePinger{}))

	m.Start(context.Background())
	defer m.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected an initial check")
	}
}

func TestMonitorStopIsIdempotent(t *testing.T) {
	m, _ := newTestMonitor(1)
	m.Start(context.Background())
	m.Stop()
	m.Stop()
}

func TestMonitorNames(t *testing.T) {
	m, _ := newTestMonitor(1)
	m.Add("store", NewPingChecker(&fakePinger{}))
	m.Add("email", NewHTTPChecker("http://127.0.0.1:1"))
	require.Equal(t, []string{"email", "store"}, m.Names())
}

func TestStatusUpdate(t *testing.T) {
	s := NewStatus()
	cfg := Config{Retries: 3}

	for i := 0; i < 2; i++ {
		s.Update(Result{Healthy: false}, cfg)
	}
	assert.True(t, s.Healthy)
	s.Update(Result{Healthy: false}, cfg)
	assert.False(t, s.Healthy)
	assert.Equal(t, 3, s.ConsecutiveFailures)

	s.Update(Result{Healthy: true}, cfg)
	assert.True(t, s.Healthy)
}
