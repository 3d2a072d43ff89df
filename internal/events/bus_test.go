package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistrar struct {
	mu            sync.Mutex
	registered    []Key
	unregistered  []Key
	registerErr   error
	unregisterErr error
}

func (r *fakeRegistrar) Register(_ context.Context, t EventType, scope string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registerErr != nil {
		return r.registerErr
	}
	r.registered = append(r.registered, Key{Type: t, Scope: scope})
	return nil
}

func (r *fakeRegistrar) Unregister(_ context.Context, t EventType, scope string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered = append(r.unregistered, Key{Type: t, Scope: scope})
	return r.unregisterErr
}

func (r *fakeRegistrar) snapshot() (reg, unreg []Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Key(nil), r.registered...), append([]Key(nil), r.unregistered...)
}

func newTestBus(opts Options) (*EventBus, *fakeRegistrar) {
	r := &fakeRegistrar{}
	return NewEventBus(r, opts), r
}

func mustDecode(t *testing.T, evt, data string) Event {
	t.Helper()
	ev, err := Decode(evt, json.RawMessage(data))
	require.NoError(t, err)
	return ev
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertEmpty(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %s", ev)
	default:
	}
}

func TestBus_SubscribedCallerReceivesEvent(t *testing.T) {
	bus, reg := newTestBus(DefaultOptions())
	ctx := context.Background()

	joined, err := bus.Subscribe(ctx, EventActivityJoin, "")
	require.NoError(t, err)
	other, err := bus.Subscribe(ctx, EventActivitySpectate, "")
	require.NoError(t, err)

	n := bus.Dispatch(mustDecode(t, "ACTIVITY_JOIN", `{"secret":"abc"}`))
	assert.Equal(t, 1, n)

	ev := recv(t, joined)
	assert.Equal(t, EventActivityJoin, ev.Type)
	assert.Equal(t, "", ev.Scope)
	assert.JSONEq(t, `{"secret":"abc"}`, string(ev.Data))
	assertEmpty(t, other)

	registered, _ := reg.snapshot()
	assert.Equal(t, []Key{{Type: EventActivityJoin}, {Type: EventActivitySpectate}}, registered)
}

func TestBus_ScopeFiltering(t *testing.T) {
	bus, _ := newTestBus(DefaultOptions())
	ctx := context.Background()

	lobby1, err := bus.Subscribe(ctx, EventLobbyUpdate, "1")
	require.NoError(t, err)
	lobby2, err := bus.Subscribe(ctx, EventLobbyUpdate, "2")
	require.NoError(t, err)
	anyLobby, err := bus.Subscribe(ctx, EventLobbyUpdate, "")
	require.NoError(t, err)

	bus.Dispatch(mustDecode(t, "LOBBY_UPDATE", `{"id":"1"}`))

	assert.Equal(t, "1", recv(t, lobby1).Scope)
	assert.Equal(t, "1", recv(t, anyLobby).Scope)
	assertEmpty(t, lobby2)
}

func TestBus_RegistrationFailurePropagates(t *testing.T) {
	bus, reg := newTestBus(DefaultOptions())
	reg.registerErr = errors.New("peer said no")

	sub, err := bus.Subscribe(context.Background(), EventLobbyMessage, "3")

	assert.Nil(t, sub)
	assert.ErrorIs(t, err, reg.registerErr)
	assert.Empty(t, bus.Subscriptions())
	assert.Empty(t, bus.Keys())
}

func TestBus_RefCountedRegistration(t *testing.T) {
	bus, reg := newTestBus(DefaultOptions())
	ctx := context.Background()

	a, err := bus.Subscribe(ctx, EventOverlayUpdate, "")
	require.NoError(t, err)
	b, err := bus.Subscribe(ctx, EventOverlayUpdate, "")
	require.NoError(t, err)

	registered, _ := reg.snapshot()
	assert.Len(t, registered, 1)

	require.NoError(t, bus.Unsubscribe(ctx, a))
	_, unregistered := reg.snapshot()
	assert.Empty(t, unregistered)

	require.NoError(t, bus.Unsubscribe(ctx, b))
	_, unregistered = reg.snapshot()
	assert.Equal(t, []Key{{Type: EventOverlayUpdate}}, unregistered)
}

func TestBus_UnsubscribeRemovesLocallyOnPeerFailure(t *testing.T) {
	bus, reg := newTestBus(DefaultOptions())
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, EventActivityInvite, "")
	require.NoError(t, err)

	reg.unregisterErr = errors.New("connection lost")
	err = bus.Unsubscribe(ctx, sub)

	assert.ErrorIs(t, err, reg.unregisterErr)
	assert.Empty(t, bus.Subscriptions())
	assert.Empty(t, bus.Keys())
	_, open := <-sub.C()
	assert.False(t, open)

	// A second unsubscribe is a no-op.
	assert.NoError(t, bus.Unsubscribe(ctx, sub))
}

func TestBus_SlowSubscriberDropsOnlyItsOwn(t *testing.T) {
	bus, _ := newTestBus(Options{QueueSize: 1, Overflow: OverflowDrop})
	ctx := context.Background()

	slow, err := bus.Subscribe(ctx, EventActivityJoin, "")
	require.NoError(t, err)
	fast, err := bus.Subscribe(ctx, EventActivityJoin, "")
	require.NoError(t, err)

	var got []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range fast.C() {
			got = append(got, string(ev.Data))
			if len(got) == 3 {
				return
			}
		}
	}()

	for _, secret := range []string{`{"secret":"1"}`, `{"secret":"2"}`, `{"secret":"3"}`} {
		bus.Dispatch(mustDecode(t, "ACTIVITY_JOIN", secret))
		// Let the fast consumer drain its single-slot queue.
		require.Eventually(t, func() bool { return len(fast.C()) == 0 }, time.Second, time.Millisecond)
	}
	<-done

	assert.Len(t, got, 3)
	assert.Equal(t, uint64(2), slow.Dropped())
	assert.Equal(t, uint64(0), fast.Dropped())
	assert.Equal(t, `{"secret":"1"}`, string(recv(t, slow).Data))
	assert.Equal(t, uint64(2), bus.Stats().Dropped)
}

func TestBus_BlockPolicyWaitsForGrace(t *testing.T) {
	bus, _ := newTestBus(Options{QueueSize: 1, Overflow: OverflowBlock, BlockGrace: 500 * time.Millisecond})
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, EventActivityJoin, "")
	require.NoError(t, err)

	bus.Dispatch(mustDecode(t, "ACTIVITY_JOIN", `{"secret":"1"}`))

	go func() {
		time.Sleep(50 * time.Millisecond)
		<-sub.C()
	}()

	start := time.Now()
	n := bus.Dispatch(mustDecode(t, "ACTIVITY_JOIN", `{"secret":"2"}`))

	assert.Equal(t, 1, n)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, `{"secret":"2"}`, string(recv(t, sub).Data))
}

func TestBus_BlockPolicyDropsAfterGrace(t *testing.T) {
	bus, _ := newTestBus(Options{QueueSize: 1, Overflow: OverflowBlock, BlockGrace: 20 * time.Millisecond})

	sub, err := bus.Subscribe(context.Background(), EventActivityJoin, "")
	require.NoError(t, err)

	bus.Dispatch(mustDecode(t, "ACTIVITY_JOIN", `{"secret":"1"}`))
	start := time.Now()
	n := bus.Dispatch(mustDecode(t, "ACTIVITY_JOIN", `{"secret":"2"}`))

	assert.Equal(t, 0, n)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, uint64(1), sub.Dropped())
}

func TestBus_BlockGraceSharedAcrossSubscribers(t *testing.T) {
	bus, _ := newTestBus(Options{QueueSize: 1, Overflow: OverflowBlock, BlockGrace: 100 * time.Millisecond})

	var subs []*Subscription
	for i := 0; i < 5; i++ {
		sub, err := bus.Subscribe(context.Background(), EventActivityJoin, "")
		require.NoError(t, err)
		subs = append(subs, sub)
	}
	bus.Dispatch(mustDecode(t, "ACTIVITY_JOIN", `{"secret":"1"}`))

	start := time.Now()
	n := bus.Dispatch(mustDecode(t, "ACTIVITY_JOIN", `{"secret":"2"}`))
	elapsed := time.Since(start)

	assert.Equal(t, 0, n)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond, "five stalled subscribers must not each get a full grace")
	for _, sub := range subs {
		assert.Equal(t, uint64(1), sub.Dropped())
	}
}

func TestBus_Tap(t *testing.T) {
	bus, reg := newTestBus(DefaultOptions())

	tap, err := bus.Tap()
	require.NoError(t, err)

	bus.Dispatch(mustDecode(t, "ACTIVITY_JOIN", `{"secret":"x"}`))
	bus.Dispatch(mustDecode(t, "NEW_THING", `{}`))

	assert.Equal(t, EventActivityJoin, recv(t, tap).Type)
	assert.Equal(t, EventType("NEW_THING"), recv(t, tap).Type)

	registered, _ := reg.snapshot()
	assert.Empty(t, registered)
	assert.Empty(t, bus.Keys())
}

func TestBus_Resubscribe(t *testing.T) {
	bus, reg := newTestBus(DefaultOptions())
	ctx := context.Background()

	_, err := bus.Subscribe(ctx, EventLobbyUpdate, "7")
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, EventActivityJoin, "")
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, EventActivityJoin, "")
	require.NoError(t, err)

	reg.mu.Lock()
	reg.registered = nil
	reg.mu.Unlock()

	require.NoError(t, bus.Resubscribe(ctx))

	registered, _ := reg.snapshot()
	assert.Equal(t, []Key{{Type: EventActivityJoin}, {Type: EventLobbyUpdate, Scope: "7"}}, registered)
}

func TestBus_ResubscribeJoinsErrors(t *testing.T) {
	bus, reg := newTestBus(DefaultOptions())
	ctx := context.Background()

	_, err := bus.Subscribe(ctx, EventActivityJoin, "")
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, EventOverlayUpdate, "")
	require.NoError(t, err)

	reg.registerErr = errors.New("boom")
	err = bus.Resubscribe(ctx)

	assert.ErrorIs(t, err, reg.registerErr)
	assert.ErrorContains(t, err, "ACTIVITY_JOIN")
	assert.ErrorContains(t, err, "OVERLAY_UPDATE")
}

func TestBus_Stop(t *testing.T) {
	bus, _ := newTestBus(DefaultOptions())
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, EventActivityJoin, "")
	require.NoError(t, err)

	bus.Stop()
	bus.Stop()

	_, open := <-sub.C()
	assert.False(t, open)
	assert.Equal(t, 0, bus.Dispatch(mustDecode(t, "ACTIVITY_JOIN", `{"secret":"x"}`)))

	_, err = bus.Subscribe(ctx, EventActivityJoin, "")
	assert.ErrorIs(t, err, ErrBusStopped)
	_, err = bus.Tap()
	assert.ErrorIs(t, err, ErrBusStopped)
}

func TestBus_ConcurrentDispatchAndUnsubscribe(t *testing.T) {
	bus, _ := newTestBus(Options{QueueSize: 1, Overflow: OverflowBlock, BlockGrace: 5 * time.Millisecond})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		sub, err := bus.Subscribe(ctx, EventActivityJoin, "")
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			assert.NoError(t, bus.Unsubscribe(ctx, sub))
		}()
	}

	ev := mustDecode(t, "ACTIVITY_JOIN", `{"secret":"x"}`)
	for i := 0; i < 50; i++ {
		bus.Dispatch(ev)
	}
	wg.Wait()

	assert.Empty(t, bus.Subscriptions())
}

func TestParseOverflowPolicy(t *testing.T) {
	p, err := ParseOverflowPolicy("BLOCK")
	require.NoError(t, err)
	assert.Equal(t, OverflowBlock, p)

	_, err = ParseOverflowPolicy("spill")
	assert.Error(t, err)
}
