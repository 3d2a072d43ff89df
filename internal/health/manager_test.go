package health

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/discord-ipc/internal/config"
	"github.com/energizer-project/discord-ipc/pkg/discord"
)

type fakeSource struct {
	mu    sync.Mutex
	stats discord.Stats
}

func (f *fakeSource) Stats() discord.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeSource) set(fn func(*discord.Stats)) {
	f.mu.Lock()
	fn(&f.stats)
	f.mu.Unlock()
}

func testConfig() config.HealthConfig {
	return config.HealthConfig{IntervalSec: 1, StuckCommandSec: 5, DisconnectedWarnSec: 60}
}

func checkNamed(r Report, name string) Check {
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	return Check{}
}

func TestHealthy(t *testing.T) {
	src := &fakeSource{stats: discord.Stats{State: discord.StateConnected}}
	m := NewManager(testConfig(), src, nil)

	r := m.Check(time.Now())
	assert.Equal(t, StatusOK, r.Status)
	assert.Len(t, r.Checks, 3)
	assert.Equal(t, r, m.Report())
}

func TestDisconnectedEscalates(t *testing.T) {
	src := &fakeSource{stats: discord.Stats{State: discord.StateConnecting, LastError: "no endpoint"}}
	m := NewManager(testConfig(), src, func() string { return "Discord does not appear to be running" })

	start := time.Now()
	r := m.Check(start)
	assert.Equal(t, StatusDegraded, r.Status)
	assert.Equal(t, "connecting: no endpoint", checkNamed(r, "connection").Detail)

	r = m.Check(start.Add(61 * time.Second))
	assert.Equal(t, StatusDown, r.Status)
	assert.Contains(t, checkNamed(r, "connection").Detail, "not connected for 1m1s")
	assert.Contains(t, checkNamed(r, "connection").Detail, "Discord does not appear to be running")

	// reconnecting resets the clock
	src.set(func(s *discord.Stats) { s.State = discord.StateConnected })
	assert.Equal(t, StatusOK, m.Check(start.Add(62*time.Second)).Status)
	src.set(func(s *discord.Stats) { s.State = discord.StateDisconnected })
	assert.Equal(t, StatusDegraded, m.Check(start.Add(63*time.Second)).Status)
}

func TestStuckCommands(t *testing.T) {
	src := &fakeSource{stats: discord.Stats{State: discord.StateConnected}}
	src.stats.Commands.Pending = 2
	src.stats.Commands.OldestPending = 6 * time.Second
	m := NewManager(testConfig(), src, nil)

	r := m.Check(time.Now())
	assert.Equal(t, StatusDegraded, r.Status)
	assert.Equal(t, "2 pending, oldest waiting 6s", checkNamed(r, "commands").Detail)
}

func TestDroppedEventsOnlyCountOnce(t *testing.T) {
	src := &fakeSource{stats: discord.Stats{State: discord.StateConnected}}
	src.stats.Events.Dropped = 4
	m := NewManager(testConfig(), src, nil)

	r := m.Check(time.Now())
	assert.Equal(t, "4 events dropped since last check", checkNamed(r, "event_queues").Detail)

	r = m.Check(time.Now())
	assert.Equal(t, StatusOK, r.Status)
}

func TestStatusJSON(t *testing.T) {
	data, err := json.Marshal(Report{Status: StatusDegraded, Checks: []Check{{Name: "x", Status: StatusDown}}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"degraded"`)
	assert.Contains(t, string(data), `"status":"down"`)
}

func TestStartRunsImmediately(t *testing.T) {
	src := &fakeSource{stats: discord.Stats{State: discord.StateConnected}}
	m := NewManager(testConfig(), src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return !m.Report().CheckedAt.IsZero() }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	disabled := NewManager(config.HealthConfig{}, src, nil)
	disabled.Start(context.Background())
	assert.True(t, disabled.Report().CheckedAt.IsZero())
}
