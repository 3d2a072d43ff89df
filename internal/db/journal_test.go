package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/discord-ipc/internal/ipctest"
	"github.com/energizer-project/discord-ipc/pkg/discord"
)

func openTestJournal(t *testing.T, maxRows int) *Journal {
	t.Helper()
	j, err := OpenJournal(":memory:", maxRows)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOpenJournalCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "journal.db")
	j, err := OpenJournal(path, 0)
	require.NoError(t, err)
	defer j.Close()

	assert.FileExists(t, path)
	assert.Equal(t, DefaultMaxRows, j.maxRows)
}

func TestJournalTransitions(t *testing.T) {
	j := openTestJournal(t, 10)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, j.RecordTransition(ctx, discord.Transition{
		From: discord.StateDisconnected, To: discord.StateConnecting, Attempt: 1, At: at,
	}))
	require.NoError(t, j.RecordTransition(ctx, discord.Transition{
		From: discord.StateConnecting, To: discord.StateDisconnected, Attempt: 1,
		Err: errors.New("no endpoint"), At: at.Add(time.Second),
	}))

	recs, err := j.RecentTransitions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "disconnected", recs[0].To)
	assert.Equal(t, "no endpoint", recs[0].Reason)
	assert.Equal(t, at.Add(time.Second), recs[0].At)
	assert.Equal(t, "connecting", recs[1].To)
	assert.Empty(t, recs[1].Reason)
}

func TestJournalEventsFilterAndPrune(t *testing.T) {
	j := openTestJournal(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, j.RecordEvent(ctx, discord.Event{
			Type: discord.EventLobbyUpdate, Scope: "42", Data: []byte(`{"id":"42"}`), ReceivedAt: time.Now(),
		}))
	}
	require.NoError(t, j.RecordEvent(ctx, discord.Event{Type: discord.EventSpeakingStart, ReceivedAt: time.Now()}))

	all, err := j.RecentEvents(ctx, "", 100)
	require.NoError(t, err)
	assert.Len(t, all, 3, "table is trimmed to max rows")
	assert.Equal(t, "SPEAKING_START", all[0].Type)
	assert.Nil(t, all[0].Data)

	lobby, err := j.RecentEvents(ctx, "LOBBY_UPDATE", 100)
	require.NoError(t, err)
	require.Len(t, lobby, 2)
	assert.Equal(t, "42", lobby[0].Scope)
	assert.JSONEq(t, `{"id":"42"}`, string(lobby[0].Data))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 100, clampLimit(0))
	assert.Equal(t, 100, clampLimit(5000))
	assert.Equal(t, 7, clampLimit(7))
}

func TestJournalRun(t *testing.T) {
	j := openTestJournal(t, 100)
	peer := ipctest.NewPeer()

	s, err := discord.Connect(context.Background(), "383226320970055681",
		discord.WithDialer(peer.Dialer()),
		discord.WithInstance(-1),
		discord.WithLogger(zerolog.Nop()),
		discord.WithBackoff(discord.Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2}),
	)
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitConnected(waitCtx))

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx, s) }()

	require.Eventually(t, func() bool { return len(s.Subscriptions()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, peer.Emit("ACTIVITY_SPECTATE", `{"secret":"watch"}`))
	peer.Drop()

	require.Eventually(t, func() bool {
		evs, _ := j.RecentEvents(context.Background(), "ACTIVITY_SPECTATE", 10)
		ts, _ := j.RecentTransitions(context.Background(), 10)
		return len(evs) == 1 && len(ts) > 0 && ts[0].To == "connected"
	}, 2*time.Second, 5*time.Millisecond)

	stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("journal did not stop")
	}
	assert.Empty(t, s.Subscriptions())
}
