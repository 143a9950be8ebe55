package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/courier/pkg/types"
)

// storeSuite runs the shared EventStore contract against one backend. ns
// namespaces channel and lease names so suites can share a Redis database.
func storeSuite(t *testing.T, newStore func(t *testing.T) Store) {
	tests := []struct {
		name string
		run  func(t *testing.T, s Store, ns string)
	}{
		{"AppendAndReadRange", testAppendAndReadRange},
		{"DedupeOnReAppend", testDedupeOnReAppend},
		{"PushPopFIFO", testPushPopFIFO},
		{"WrongChannelKind", testWrongChannelKind},
		{"NoDoubleDelivery", testNoDoubleDelivery},
		{"RedeliveryAfterTimeout", testRedeliveryAfterTimeout},
		{"AckIdempotent", testAckIdempotent},
		{"OutOfOrderAck", testOutOfOrderAck},
		{"IndependentGroups", testIndependentGroups},
		{"Trim", testTrim},
		{"Channels", testChannels},
		{"Leases", testLeases},
		{"Marks", testMarks},
		{"Ping", testPing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ns := uuid.NewString()[:8] + ":"
			tt.run(t, newStore(t), ns)
		})
	}
}

func appendN(t *testing.T, s Store, channel string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.Append(context.Background(), channel, &types.Event{
			ID:      fmt.Sprintf("evt_%d", i),
			Type:    "test.event",
			Payload: []byte(fmt.Sprintf(`{"n":%d}`, i)),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func claim(t *testing.T, s Store, channel, group, consumer string, max int, vis time.Duration) *ClaimResult {
	t.Helper()
	res, err := s.Claim(context.Background(), ClaimRequest{
		Channel:           channel,
		Group:             group,
		Consumer:          consumer,
		MaxCount:          max,
		VisibilityTimeout: vis,
	})
	require.NoError(t, err)
	return res
}

func eventIDs(events []*types.Event) []string {
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	return ids
}

func testAppendAndReadRange(t *testing.T, s Store, ns string) {
	ctx := context.Background()
	ch := ns + "billing"

	id, err := s.Append(ctx, ch, &types.Event{Type: "invoice.paid", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.NotEmpty(t, id, "store assigns an id when none is supplied")

	appendN(t, s, ch, 3)

	events, err := s.ReadRange(ctx, ch, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Offset, events[i-1].Offset)
	}
	assert.Equal(t, "invoice.paid", events[0].Type)
	assert.Equal(t, ch, events[0].Channel)
	assert.False(t, events[0].EnqueuedAt.IsZero())

	limited, err := s.ReadRange(ctx, ch, events[1].Offset, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"evt_0", "evt_1"}, eventIDs(limited))

	empty, err := s.ReadRange(ctx, ns+"missing", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testDedupeOnReAppend(t *testing.T, s Store, ns string) {
	ctx := context.Background()
	ch := ns + "billing"

	first, err := s.Append(ctx, ch, &types.Event{ID: "evt_dup", Type: "a", Payload: []byte(`1`)})
	require.NoError(t, err)
	second, err := s.Append(ctx, ch, &types.Event{ID: "evt_dup", Type: "a", Payload: []byte(`2`)})
	require.NoError(t, err)

	assert.Equal(t, "evt_dup", first)
	assert.Equal(t, first, second)

	n, err := s.Len(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events, err := s.ReadRange(ctx, ch, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, []byte(`1`), events[0].Payload, "first write wins")
}

func testPushPopFIFO(t *testing.T, s Store, ns string) {
	ctx := context.Background()
	ch := ns + "telemetry:site"

	_, err := s.Pop(ctx, ch)
	assert.ErrorIs(t, err, types.ErrChannelEmpty)

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, s.Push(ctx, ch, []byte(p)))
	}

	n, err := s.Len(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, want := range []string{"a", "b", "c"} {
		got, err := s.Pop(ctx, ch)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}

	_, err = s.Pop(ctx, ch)
	assert.ErrorIs(t, err, types.ErrChannelEmpty)
}

func testWrongChannelKind(t *testing.T, s Store, ns string) {
	ctx := context.Background()
	list := ns + "list"
	stream := ns + "stream"

	require.NoError(t, s.Push(ctx, list, []byte("x")))
	appendN(t, s, stream, 1)

	_, err := s.Append(ctx, list, &types.Event{Type: "a"})
	assert.ErrorIs(t, err, types.ErrWrongChannelKind)

	err = s.Push(ctx, stream, []byte("x"))
	assert.ErrorIs(t, err, types.ErrWrongChannelKind)

	_, err = s.Pop(ctx, stream)
	assert.ErrorIs(t, err, types.ErrWrongChannelKind)

	_, err = s.Claim(ctx, ClaimRequest{Channel: list, Group: "g", Consumer: "c", MaxCount: 1, VisibilityTimeout: time.Minute})
	assert.ErrorIs(t, err, types.ErrWrongChannelKind)
}

func testNoDoubleDelivery(t *testing.T, s Store, ns string) {
	ch := ns + "billing"
	appendN(t, s, ch, 20)

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		seen = map[string]string{}
	)
	for i := 0; i < 4; i++ {
		consumer := fmt.Sprintf("consumer-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Claim(context.Background(), ClaimRequest{
				Channel:           ch,
				Group:             "workers",
				Consumer:          consumer,
				MaxCount:          10,
				VisibilityTimeout: time.Minute,
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, ev := range res.Events {
				if prev, ok := seen[ev.ID]; ok {
					t.Errorf("entry %s delivered to %s and %s", ev.ID, prev, consumer)
				}
				seen[ev.ID] = consumer
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20)

	// Nothing left to claim while the claims are live
	res := claim(t, s, ch, "workers", "late", 10, time.Minute)
	assert.Empty(t, res.Events)
}

func testRedeliveryAfterTimeout(t *testing.T, s Store, ns string) {
	ch := ns + "billing"
	appendN(t, s, ch, 3)
	vis := 50 * time.Millisecond

	first := claim(t, s, ch, "workers", "a", 10, vis)
	require.Len(t, first.Events, 3)
	assert.Zero(t, first.Reclaimed)

	// Still claimed
	assert.Empty(t, claim(t, s, ch, "workers", "b", 10, vis).Events)

	time.Sleep(3 * vis)

	second := claim(t, s, ch, "workers", "b", 10, vis)
	assert.ElementsMatch(t, eventIDs(first.Events), eventIDs(second.Events))
	assert.Equal(t, 3, second.Reclaimed)

	state, err := s.GroupState(context.Background(), ch, "workers")
	require.NoError(t, err)
	require.Len(t, state.Pending, 3)
	for _, p := range state.Pending {
		assert.Equal(t, "b", p.Consumer)
		assert.Equal(t, 2, p.Deliveries)
	}
}

func testAckIdempotent(t *testing.T, s Store, ns string) {
	ctx := context.Background()
	ch := ns + "billing"
	appendN(t, s, ch, 2)
	claim(t, s, ch, "workers", "a", 10, time.Minute)

	n, err := s.Ack(ctx, ch, "workers", []string{"evt_0"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Ack(ctx, ch, "workers", []string{"evt_0", "does-not-exist"})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Ack(ctx, ns+"no-such-channel", "workers", []string{"evt_0"})
	require.NoError(t, err)
	assert.Zero(t, n)

	state, err := s.GroupState(ctx, ch, "workers")
	require.NoError(t, err)
	require.Len(t, state.Pending, 1)
	assert.Equal(t, "evt_1", state.Pending[0].EntryID)
}

func testOutOfOrderAck(t *testing.T, s Store, ns string) {
	ctx := context.Background()
	ch := ns + "billing"
	appendN(t, s, ch, 3)
	claim(t, s, ch, "workers", "a", 10, time.Minute)

	n, err := s.Ack(ctx, ch, "workers", []string{"evt_2", "evt_0"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	state, err := s.GroupState(ctx, ch, "workers")
	require.NoError(t, err)
	require.Len(t, state.Pending, 1)
	assert.Equal(t, "evt_1", state.Pending[0].EntryID)
	assert.Equal(t, uint64(3), state.Cursor)
}

func testIndependentGroups(t *testing.T, s Store, ns string) {
	ch := ns + "billing"
	appendN(t, s, ch, 2)

	emails := claim(t, s, ch, "emails", "a", 10, time.Minute)
	analytics := claim(t, s, ch, "analytics", "a", 10, time.Minute)

	assert.Len(t, emails.Events, 2)
	assert.Len(t, analytics.Events, 2)
}

func testTrim(t *testing.T, s Store, ns string) {
	ctx := context.Background()
	ch := ns + "billing"
	appendN(t, s, ch, 4)

	// No groups: nothing is known to be acknowledged
	n, err := s.Trim(ctx, ch, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Group has delivered offsets 1 and 2, acked only 1
	claim(t, s, ch, "workers", "a", 2, time.Minute)
	_, err = s.Ack(ctx, ch, "workers", []string{"evt_0"})
	require.NoError(t, err)

	n, err = s.Trim(ctx, ch, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	length, err := s.Len(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, 3, length)

	// A trimmed id is still deduplicated
	id, err := s.Append(ctx, ch, &types.Event{ID: "evt_0", Type: "test.event"})
	require.NoError(t, err)
	assert.Equal(t, "evt_0", id)
	length, err = s.Len(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, 3, length)
}

func testChannels(t *testing.T, s Store, ns string) {
	ctx := context.Background()
	require.NoError(t, s.Push(ctx, ns+"telemetry:a", []byte("x")))
	require.NoError(t, s.Push(ctx, ns+"telemetry:b", []byte("x")))
	appendN(t, s, ns+"stripe", 1)

	lists, err := s.Channels(ctx, types.ChannelList, ns+"telemetry:")
	require.NoError(t, err)
	assert.Equal(t, []string{ns + "telemetry:a", ns + "telemetry:b"}, lists)

	streams, err := s.Channels(ctx, types.ChannelStream, ns)
	require.NoError(t, err)
	assert.Equal(t, []string{ns + "stripe"}, streams)
}

func testLeases(t *testing.T, s Store, ns string) {
	ctx := context.Background()
	name := ns + "run:dispatch"

	ok, err := s.AcquireLease(ctx, name, "h1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLease(ctx, name, "h2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lease is held by h1")

	ok, err = s.AcquireLease(ctx, name, "h1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	require.NoError(t, s.ReleaseLease(ctx, name, "h2"))
	ok, err = s.AcquireLease(ctx, name, "h2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by non-holder is ignored")

	require.NoError(t, s.ReleaseLease(ctx, name, "h1"))
	ok, err = s.AcquireLease(ctx, name, "h2", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(150 * time.Millisecond)
	ok, err = s.AcquireLease(ctx, name, "h3", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is free")
}

func testMarks(t *testing.T, s Store, ns string) {
	ctx := context.Background()
	a, b, c := ns+"sent:billing:a", ns+"sent:billing:b", ns+"sent:billing:c"

	marked, err := s.Marked(ctx, []string{a, b})
	require.NoError(t, err)
	assert.Empty(t, marked)

	require.NoError(t, s.Mark(ctx, []string{a, b}, time.Minute))
	require.NoError(t, s.Mark(ctx, nil, time.Minute))
	require.NoError(t, s.Mark(ctx, []string{c}, 50*time.Millisecond))

	marked, err = s.Marked(ctx, []string{a, b, c, ns + "sent:billing:d"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{a: true, b: true, c: true}, marked)

	time.Sleep(150 * time.Millisecond)
	marked, err = s.Marked(ctx, []string{a, c})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{a: true}, marked, "expired mark is gone")
}

func testPing(t *testing.T, s Store, _ string) {
	require.NoError(t, s.Ping(context.Background()))
}
