// Package health runs periodic checks against a session and keeps the
// latest report for the API and the logs.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/discord-ipc/internal/config"
	"github.com/energizer-project/discord-ipc/internal/util"
	"github.com/energizer-project/discord-ipc/pkg/discord"
)

// Status grades a check or a whole report. Higher is worse.
type Status int

const (
	StatusOK Status = iota
	StatusDegraded
	StatusDown
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDegraded:
		return "degraded"
	default:
		return "down"
	}
}

// MarshalJSON serializes Status as its name.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Check is the result of one probe.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report is the outcome of one round of checks.
type Report struct {
	Status    Status    `json:"status"`
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

// Source is what the checks read. *discord.Session satisfies it.
type Source interface {
	Stats() discord.Stats
}

// Manager runs the checks on a ticker.
type Manager struct {
	cfg    config.HealthConfig
	src    Source
	hint   func() string
	logger zerolog.Logger

	mu                sync.Mutex
	last              Report
	lastDropped       uint64
	disconnectedSince time.Time
}

// NewManager creates a manager. hint explains a long disconnection, e.g.
// whether the desktop client is running; it may be nil.
func NewManager(cfg config.HealthConfig, src Source, hint func() string) *Manager {
	return &Manager{
		cfg:    cfg,
		src:    src,
		hint:   hint,
		logger: util.ComponentLogger("health"),
	}
}

// Start runs a check immediately and then every interval until ctx is done.
// A non-positive interval disables the loop.
func (m *Manager) Start(ctx context.Context) {
	interval := m.cfg.Interval()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Check(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Check(now)
		}
	}
}

// Check runs every probe once, stores the report and logs changes in the
// overall status.
func (m *Manager) Check(now time.Time) Report {
	st := m.src.Stats()

	m.mu.Lock()
	checks := []Check{
		m.checkConnection(st, now),
		m.checkCommands(st),
		m.checkQueues(st),
	}
	report := Report{Status: StatusOK, Checks: checks, CheckedAt: now}
	for _, c := range checks {
		if c.Status > report.Status {
			report.Status = c.Status
		}
	}
	prev := m.last
	m.last = report
	m.mu.Unlock()

	if prev.CheckedAt.IsZero() || prev.Status != report.Status {
		ev := m.logger.Info()
		if report.Status != StatusOK {
			ev = m.logger.Warn()
		}
		for _, c := range checks {
			if c.Status != StatusOK {
				ev = ev.Str(c.Name, c.Detail)
			}
		}
		ev.Str("status", report.Status.String()).Msg("session health changed")
	}
	return report
}

func (m *Manager) checkConnection(st discord.Stats, now time.Time) Check {
	c := Check{Name: "connection"}
	if st.State == discord.StateConnected {
		m.disconnectedSince = time.Time{}
		return c
	}

	if m.disconnectedSince.IsZero() {
		m.disconnectedSince = now
	}
	down := now.Sub(m.disconnectedSince)
	if warn := m.cfg.DisconnectedWarn(); warn > 0 && down >= warn {
		c.Status = StatusDown
		c.Detail = fmt.Sprintf("not connected for %s", down.Truncate(time.Second))
		if m.hint != nil {
			c.Detail += ": " + m.hint()
		}
		return c
	}

	c.Status = StatusDegraded
	c.Detail = st.State.String()
	if st.LastError != "" {
		c.Detail += ": " + st.LastError
	}
	return c
}

func (m *Manager) checkCommands(st discord.Stats) Check {
	c := Check{Name: "commands"}
	if stuck := m.cfg.StuckCommand(); stuck > 0 && st.Commands.OldestPending >= stuck {
		c.Status = StatusDegraded
		c.Detail = fmt.Sprintf("%d pending, oldest waiting %s",
			st.Commands.Pending, st.Commands.OldestPending.Truncate(time.Millisecond))
	}
	return c
}

func (m *Manager) checkQueues(st discord.Stats) Check {
	c := Check{Name: "event_queues"}
	dropped := st.Events.Dropped
	if delta := dropped - m.lastDropped; dropped > m.lastDropped {
		c.Status = StatusDegraded
		c.Detail = fmt.Sprintf("%d events dropped since last check", delta)
	}
	m.lastDropped = dropped
	return c
}

// Report returns the latest report. Before the first check it reports
// StatusOK with no checks.
func (m *Manager) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
