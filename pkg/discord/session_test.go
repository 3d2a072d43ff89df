package discord

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/discord-ipc/internal/ipctest"
	"github.com/energizer-project/discord-ipc/internal/protocol"
)

const testAppID = "383226320970055681"

func connectPeer(t *testing.T, peer *ipctest.Peer, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{
		WithDialer(peer.Dialer()),
		WithInstance(-1),
		WithLogger(zerolog.Nop()),
		WithBackoff(Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2}),
		WithRequestTimeout(time.Second),
	}, opts...)

	s, err := Connect(context.Background(), testAppID, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitConnected(ctx))
	return s
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWithLoggerReachesEveryComponent(t *testing.T) {
	global := &lockedBuffer{}
	prev := log.Logger
	log.Logger = zerolog.New(global).Level(zerolog.TraceLevel)
	t.Cleanup(func() { log.Logger = prev })

	out := &lockedBuffer{}
	peer := ipctest.NewPeer()
	s := connectPeer(t, peer, WithLogger(zerolog.New(out).Level(zerolog.TraceLevel)))
	_, err := s.SendCommand(context.Background(), protocol.CmdGetCurrentUser, nil)
	require.NoError(t, err)

	logs := out.String()
	assert.Contains(t, logs, "connected to ipc endpoint")
	assert.Contains(t, logs, "handshake complete")
	assert.Contains(t, logs, `"component":"transport"`)
	assert.Contains(t, logs, `"component":"dispatcher"`)
	assert.NotContains(t, global.String(), "handshake complete")
	assert.NotContains(t, global.String(), "connected to ipc endpoint")
	assert.NotContains(t, global.String(), `"component":"transport"`)
}

func TestConnectRejectsBadApplicationID(t *testing.T) {
	for _, id := range []string{"", "abc", "12 34", "-1"} {
		_, err := Connect(context.Background(), id)
		assert.ErrorIs(t, err, ErrInvalidApplicationID, "id %q", id)
	}
}

func TestConnectCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Connect(ctx, testAppID)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSessionGetCurrentUser(t *testing.T) {
	peer := ipctest.NewPeer()
	s := connectPeer(t, peer)

	assert.Equal(t, testAppID, <-peer.ClientIDs())
	assert.Equal(t, StateConnected, s.State())

	user, ok := s.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, "123", string(user.ID))

	data, err := s.SendCommand(context.Background(), protocol.CmdGetCurrentUser, map[string]interface{}{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"123","username":"tester"}`, string(data))

	cmd := <-peer.Commands()
	assert.Equal(t, protocol.CmdGetCurrentUser, cmd.Cmd)
	assert.JSONEq(t, `{}`, string(cmd.Args))
	assert.NotEmpty(t, cmd.Nonce)
}

func TestSessionRequestError(t *testing.T) {
	peer := ipctest.NewPeer()
	peer.SetResponder(func(env *protocol.Envelope) *ipctest.Reply {
		if env.Cmd == "BOGUS" {
			return &ipctest.Reply{Code: CodeInvalidCommand, Message: "Invalid command: BOGUS"}
		}
		return nil
	})
	s := connectPeer(t, peer)

	_, err := s.SendCommand(context.Background(), "BOGUS", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, &RequestError{Code: CodeInvalidCommand})

	re, ok := AsRequestError(err)
	require.True(t, ok)
	assert.Equal(t, "BOGUS", re.Reason())

	// peer-reported failures do not disturb the session
	assert.Equal(t, StateConnected, s.State())
}

func TestSessionSubscribeAndEvents(t *testing.T) {
	peer := ipctest.NewPeer()
	s := connectPeer(t, peer)

	all := s.Events()
	assert.Equal(t, all, s.Events())

	sub, err := s.Subscribe(context.Background(), EventActivityJoin, "")
	require.NoError(t, err)

	reg := <-peer.Commands()
	assert.Equal(t, protocol.CmdSubscribe, reg.Cmd)
	assert.Equal(t, string(EventActivityJoin), reg.Evt)

	require.NoError(t, peer.Emit("ACTIVITY_JOIN", `{"secret":"abc"}`))
	require.NoError(t, peer.Emit("OVERLAY_UPDATE", `{"enabled":true,"locked":false}`))

	select {
	case ev := <-sub.C():
		assert.Equal(t, EventActivityJoin, ev.Type)
		assert.Empty(t, ev.Scope)
		assert.JSONEq(t, `{"secret":"abc"}`, string(ev.Data))
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	var seen []EventType
	for len(seen) < 2 {
		select {
		case ev := <-all:
			seen = append(seen, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("tap saw only %v", seen)
		}
	}
	assert.Equal(t, []EventType{EventActivityJoin, EventOverlayUpdate}, seen)

	// the subscriber never sees the overlay event
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %s", ev)
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, s.Unsubscribe(context.Background(), sub))
	unreg := <-peer.Commands()
	assert.Equal(t, protocol.CmdUnsubscribe, unreg.Cmd)
	_, open := <-sub.C()
	assert.False(t, open)
}

func TestSessionScopedSubscription(t *testing.T) {
	peer := ipctest.NewPeer()
	s := connectPeer(t, peer)

	sub, err := s.Subscribe(context.Background(), EventLobbyMessage, "42")
	require.NoError(t, err)
	reg := <-peer.Commands()
	assert.JSONEq(t, `{"lobby_id":"42"}`, string(reg.Args))

	require.NoError(t, peer.Emit("LOBBY_MESSAGE", `{"lobby_id":"7","sender_id":"1","data":"x"}`))
	require.NoError(t, peer.Emit("LOBBY_MESSAGE", `{"lobby_id":"42","sender_id":"1","data":"y"}`))

	select {
	case ev := <-sub.C():
		assert.Equal(t, "42", ev.Scope)
	case <-time.After(time.Second):
		t.Fatal("no scoped event")
	}
}

func TestSessionSubscribeRejected(t *testing.T) {
	peer := ipctest.NewPeer()
	peer.SetResponder(func(env *protocol.Envelope) *ipctest.Reply {
		if env.Cmd == protocol.CmdSubscribe {
			return &ipctest.Reply{Code: CodeInvalidEvent, Message: "Invalid event"}
		}
		return nil
	})
	s := connectPeer(t, peer)

	_, err := s.Subscribe(context.Background(), "NOT_AN_EVENT", "")
	assert.ErrorIs(t, err, &RequestError{Code: CodeInvalidEvent})
	assert.Empty(t, s.Subscriptions())
}

func TestSessionSurvivesRestart(t *testing.T) {
	peer := ipctest.NewPeer()

	var mu sync.Mutex
	var states []State
	s := connectPeer(t, peer)
	s.OnStateChange(func(tr Transition) {
		mu.Lock()
		states = append(states, tr.To)
		mu.Unlock()
	})

	sub, err := s.Subscribe(context.Background(), EventActivityInvite, "")
	require.NoError(t, err)
	<-peer.Commands()

	peer.SetDown(true)
	peer.Drop()
	require.Eventually(t, func() bool { return s.State() == StateDisconnected }, time.Second, time.Millisecond)

	_, err = s.SendCommand(context.Background(), protocol.CmdGetCurrentUser, nil)
	assert.ErrorIs(t, err, ErrSessionClosed, "commands fail fast while disconnected")
	assert.True(t, errors.Is(s.LastError(), ErrTransportClosed) || errors.Is(s.LastError(), ErrNoEndpointFound))

	peer.SetDown(false)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitConnected(ctx))

	resub := <-peer.Commands()
	assert.Equal(t, protocol.CmdSubscribe, resub.Cmd)
	assert.Equal(t, string(EventActivityInvite), resub.Evt)

	// a peer replaying buffered events after the gap is delivered as is
	var got []Event
	for i := 0; i < 2; i++ {
		require.NoError(t, peer.Emit("ACTIVITY_INVITE", `{"type":1,"user":{"id":"9","username":"friend"}}`))
		select {
		case ev := <-sub.C():
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatal("no event after reconnect")
		}
	}
	assert.Equal(t, EventActivityInvite, got[0].Type)
	assert.JSONEq(t, string(got[0].Data), string(got[1].Data))

	// observers run just after the state changes
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == StateConnected
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Contains(t, states, StateConnecting)
	mu.Unlock()
	assert.Equal(t, uint64(1), s.Stats().Reconnects)
}

func TestSessionShutdown(t *testing.T) {
	peer := ipctest.NewPeer()
	s := connectPeer(t, peer)

	sub, err := s.Subscribe(context.Background(), EventActivityJoin, "")
	require.NoError(t, err)
	events := s.Events()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, s.Shutdown(ctx))

	assert.Equal(t, StateDisconnected, s.State())
	_, open := <-sub.C()
	assert.False(t, open)
	_, open = <-events
	assert.False(t, open)

	_, err = s.SendCommand(context.Background(), protocol.CmdGetCurrentUser, nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Subscribe(context.Background(), EventActivityJoin, "")
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.WaitConnected(context.Background()), ErrSessionClosed)

	cp := <-peer.CloseFrames()
	assert.Equal(t, 1000, cp.Code)
}

func TestSessionShutdownOnContextCancel(t *testing.T) {
	peer := ipctest.NewPeer()
	ctx, cancel := context.WithCancel(context.Background())

	s, err := Connect(ctx, testAppID,
		WithDialer(peer.Dialer()),
		WithInstance(-1),
		WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	require.NoError(t, s.WaitConnected(wctx))

	cancel()
	require.Eventually(t, func() bool {
		_, err := s.SendCommand(context.Background(), protocol.CmdGetCurrentUser, nil)
		return errors.Is(err, ErrSessionClosed) && s.State() == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestIndependentSessions(t *testing.T) {
	a := connectPeer(t, ipctest.NewPeer())
	b := connectPeer(t, ipctest.NewPeer())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))

	assert.Equal(t, StateConnected, b.State())
	_, err := b.SendCommand(context.Background(), protocol.CmdGetCurrentUser, nil)
	assert.NoError(t, err)
}

func TestCommandHook(t *testing.T) {
	var mu sync.Mutex
	outcomes := map[string]Outcome{}
	s := connectPeer(t, ipctest.NewPeer(), WithCommandHook(func(cmd string, o Outcome, _ time.Duration) {
		mu.Lock()
		outcomes[cmd] = o
		mu.Unlock()
	}))

	_, err := s.SendCommand(context.Background(), protocol.CmdGetCurrentUser, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, Outcome("ok"), outcomes[protocol.CmdGetCurrentUser])
}
