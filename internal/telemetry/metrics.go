package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/energizer-project/discord-ipc/pkg/discord"
)

const namespace = "discord_ipc"

// StatsSource is polled at scrape time for cumulative counters.
type StatsSource interface {
	Stats() discord.Stats
}

// Metrics holds the Prometheus collectors for one session.
type Metrics struct {
	registry *prometheus.Registry

	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	transitions     *prometheus.CounterVec
	state           *prometheus.GaugeVec
}

// NewMetrics creates the collectors on a private registry, together with
// the standard Go and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands sent to the desktop client by command and outcome",
		}, []string{"command", "outcome"}),

		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from sending a command to its outcome",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}, []string{"command"}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Connection state transitions by target state",
		}, []string{"to"}),

		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
	}
}

// ObserveCommand records one finished command. Its signature matches
// discord.WithCommandHook.
func (m *Metrics) ObserveCommand(command string, outcome discord.Outcome, latency time.Duration) {
	m.commandsTotal.WithLabelValues(command, string(outcome)).Inc()
	m.commandDuration.WithLabelValues(command).Observe(latency.Seconds())
}

// ObserveTransition records a state change.
func (m *Metrics) ObserveTransition(t discord.Transition) {
	m.transitions.WithLabelValues(t.To.String()).Inc()
	for _, s := range []discord.State{
		discord.StateDisconnected, discord.StateConnecting, discord.StateHandshaking,
		discord.StateConnected, discord.StateClosing,
	} {
		v := 0.0
		if s == t.To {
			v = 1
		}
		m.state.WithLabelValues(s.String()).Set(v)
	}
}

// Bind exports the session's cumulative counters, read at scrape time.
func (m *Metrics) Bind(src StatsSource) {
	factory := promauto.With(m.registry)

	counter := func(name, help string, read func(discord.Stats) float64) {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return read(src.Stats()) })
	}
	gauge := func(name, help string, read func(discord.Stats) float64) {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return read(src.Stats()) })
	}

	counter("reconnects_total", "Connections lost after reaching Connected",
		func(s discord.Stats) float64 { return float64(s.Reconnects) })
	counter("events_dispatched_total", "Events received from the desktop client",
		func(s discord.Stats) float64 { return float64(s.Events.Dispatched) })
	counter("events_delivered_total", "Event deliveries to subscribers",
		func(s discord.Stats) float64 { return float64(s.Events.Delivered) })
	counter("events_dropped_total", "Event deliveries dropped on full subscriber queues",
		func(s discord.Stats) float64 { return float64(s.Events.Dropped) })
	counter("events_invalid_total", "Events dropped because their payload did not decode",
		func(s discord.Stats) float64 { return float64(s.Commands.Invalid) })
	counter("responses_unmatched_total", "Responses with no pending command",
		func(s discord.Stats) float64 { return float64(s.Commands.Unmatched) })
	gauge("commands_pending", "Commands waiting for a response",
		func(s discord.Stats) float64 { return float64(s.Commands.Pending) })
	gauge("oldest_pending_seconds", "Age of the oldest command waiting for a response",
		func(s discord.Stats) float64 { return s.Commands.OldestPending.Seconds() })
	gauge("subscriptions", "Live subscriptions",
		func(s discord.Stats) float64 { return float64(s.Subscriptions) })
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
