package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/courier/pkg/coordinator"
	"github.com/cuemby/courier/pkg/storage"
	"github.com/cuemby/courier/pkg/types"
)

type harness struct {
	store    *storage.BoltStore
	coord    *coordinator.Coordinator
	registry *Registry
}

func newHarness(t *testing.T, visibility time.Duration) *harness {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &harness{
		store:    store,
		coord:    coordinator.New(store, coordinator.Config{VisibilityTimeout: visibility}),
		registry: NewRegistry(),
	}
}

func (h *harness) append(t *testing.T, id, eventType string) {
	t.Helper()
	_, err := h.store.Append(context.Background(), "billing", &types.Event{ID: id, Type: eventType, Payload: []byte(`{}`)})
	require.NoError(t, err)
}

func (h *harness) dispatcher(cfg Config) *Dispatcher {
	cfg.Channel = "billing"
	cfg.Group = "workers"
	return New(h.coord, h.registry, cfg)
}

func (h *harness) pendingIDs(t *testing.T) []string {
	t.Helper()
	state, err := h.coord.Pending(context.Background(), "workers", "billing")
	require.NoError(t, err)
	var ids []string
	for _, p := range state.Pending {
		ids = append(ids, p.EntryID)
	}
	return ids
}

// recorder captures handler invocations
type recorder struct {
	mu    sync.Mutex
	calls map[string][][]string
}

func (r *recorder) handler(result func(eventType string) Result) BatchHandler {
	return HandlerFunc(func(_ context.Context, eventType string, events []*types.Event) Result {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.calls == nil {
			r.calls = map[string][][]string{}
		}
		var ids []string
		for _, ev := range events {
			ids = append(ids, ev.ID)
		}
		r.calls[eventType] = append(r.calls[eventType], ids)
		return result(eventType)
	})
}

func TestRunGroupsByType(t *testing.T) {
	h := newHarness(t, time.Minute)
	rec := &recorder{}
	h.registry.Register(rec.handler(func(string) Result { return Success() }), "invoice.paid", "user.created")

	h.append(t, "evt_1", "invoice.paid")
	h.append(t, "evt_2", "user.created")
	h.append(t, "evt_3", "invoice.paid")

	report, err := h.dispatcher(Config{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"evt_1", "evt_3"}}, rec.calls["invoice.paid"])
	assert.Equal(t, [][]string{{"evt_2"}}, rec.calls["user.created"])
	assert.Equal(t, 3, report.Claimed)
	assert.Equal(t, 3, report.Acked)
	assert.Empty(t, h.pendingIDs(t))
}

func TestFailingTypeDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, time.Minute)
	rec := &recorder{}
	h.registry.Register(rec.handler(func(eventType string) Result {
		if eventType == "A" {
			return Failure(errors.New("provider down"))
		}
		return Success()
	}), "A", "B")

	h.append(t, "a1", "A")
	h.append(t, "b1", "B")
	h.append(t, "a2", "A")
	h.append(t, "b2", "B")

	report, err := h.dispatcher(Config{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Acked)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 2, report.ByType["B"].Acked)
	assert.Contains(t, report.ByType["A"].Error, "provider down")
	assert.ElementsMatch(t, []string{"a1", "a2"}, h.pendingIDs(t))
}

func TestPartialFailureAcksTheRest(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.registry.Register(HandlerFunc(func(context.Context, string, []*types.Event) Result {
		return Partial(map[string]error{"evt_2": errors.New("rejected address")})
	}), "invoice.paid")

	for i := 1; i <= 3; i++ {
		h.append(t, fmt.Sprintf("evt_%d", i), "invoice.paid")
	}

	report, err := h.dispatcher(Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Acked)
	assert.Equal(t, []string{"evt_2"}, h.pendingIDs(t))
}

func TestPanickingHandlerIsAFailure(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.registry.Register(HandlerFunc(func(context.Context, string, []*types.Event) Result {
		panic("nil map")
	}), "A")
	h.registry.Register(HandlerFunc(func(context.Context, string, []*types.Event) Result {
		return Success()
	}), "B")

	h.append(t, "a1", "A")
	h.append(t, "b1", "B")

	report, err := h.dispatcher(Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, report.ByType["A"].Error, "panic")
	assert.Equal(t, []string{"a1"}, h.pendingIDs(t))
}

func TestUnknownTypeIsAckedAndDropped(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.append(t, "evt_1", "legacy.type")

	report, err := h.dispatcher(Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unknown)
	assert.Equal(t, 1, report.Acked)
	assert.Equal(t, types.ErrUnknownType.Error(), report.ByType["legacy.type"].Error)
	assert.Empty(t, h.pendingIDs(t))
}

func TestFailedEntriesAreRetriedAfterVisibilityTimeout(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	attempts := 0
	h.registry.Register(HandlerFunc(func(context.Context, string, []*types.Event) Result {
		attempts++
		if attempts == 1 {
			return Failure(errors.New("transient"))
		}
		return Success()
	}), "invoice.paid")
	h.append(t, "evt_1", "invoice.paid")

	d := h.dispatcher(Config{})
	first, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Failed)

	// Still claimed
	second, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Claimed)

	time.Sleep(150 * time.Millisecond)
	third, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, third.Reclaimed)
	assert.Equal(t, 1, third.Acked)
	assert.Empty(t, h.pendingIDs(t))
}

func TestRunDeadlineLeavesRemainingTypesPending(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.registry.Register(HandlerFunc(func(ctx context.Context, _ string, _ []*types.Event) Result {
		<-ctx.Done()
		return Success()
	}), "slow")
	called := false
	h.registry.Register(HandlerFunc(func(context.Context, string, []*types.Event) Result {
		called = true
		return Success()
	}), "fast")

	h.append(t, "s1", "slow")
	h.append(t, "f1", "fast")

	report, err := h.dispatcher(Config{RunTimeout: 50 * time.Millisecond}).Run(context.Background())
	require.NoError(t, err)

	assert.False(t, called, "types after the deadline are not started")
	assert.Equal(t, 1, report.Acked, "work finished before the deadline is still acked")
	assert.Equal(t, []string{"f1"}, h.pendingIDs(t))
}

func TestRunRespectsBatchSize(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.registry.Register(HandlerFunc(func(context.Context, string, []*types.Event) Result { return Success() }), "x")
	for i := 0; i < 5; i++ {
		h.append(t, fmt.Sprintf("evt_%d", i), "x")
	}

	d := h.dispatcher(Config{BatchSize: 2})
	report, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Claimed)

	n, err := h.store.Len(context.Background(), "billing")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestRunReturnsClaimErrors(t *testing.T) {
	h := newHarness(t, time.Minute)
	require.NoError(t, h.store.Push(context.Background(), "billing", []byte("x")))

	_, err := h.dispatcher(Config{}).Run(context.Background())
	assert.ErrorIs(t, err, types.ErrWrongChannelKind)
}

func TestNewDefaults(t *testing.T) {
	d := New(nil, NewRegistry(), Config{Channel: "billing", Group: "workers"})
	cfg := d.Config()
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultRunTimeout, cfg.RunTimeout)
	assert.NotEmpty(t, cfg.Consumer)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := HandlerFunc(func(context.Context, string, []*types.Event) Result { return Success() })
	r.Register(noop, "b", "a")

	_, ok := r.Lookup("a")
	assert.True(t, ok)
	_, ok = r.Lookup("c")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, r.Types())
}

func TestResultSucceeded(t *testing.T) {
	assert.True(t, Success().Succeeded("x"))
	assert.False(t, Failure(errors.New("x")).Succeeded("x"))
	p := Partial(map[string]error{"x": errors.New("bad")})
	assert.False(t, p.Succeeded("x"))
	assert.True(t, p.Succeeded("y"))
}
