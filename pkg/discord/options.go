package discord

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/discord-ipc/internal/connector"
	"github.com/energizer-project/discord-ipc/internal/dispatcher"
	"github.com/energizer-project/discord-ipc/internal/events"
	"github.com/energizer-project/discord-ipc/internal/protocol"
	"github.com/energizer-project/discord-ipc/internal/transport"
)

// Backoff shapes the delay between reconnect attempts.
type Backoff = connector.BackoffConfig

// DefaultBackoff starts at 500ms and doubles up to one minute.
func DefaultBackoff() Backoff { return connector.DefaultBackoff() }

// OverflowPolicy decides what happens when a subscriber's queue is full.
type OverflowPolicy = events.OverflowPolicy

const (
	// OverflowDrop discards the event for that subscriber only.
	OverflowDrop = events.OverflowDrop
	// OverflowBlock waits up to the grace period, then drops.
	OverflowBlock = events.OverflowBlock
)

// Outcome classifies how a command finished.
type Outcome = dispatcher.Outcome

// Dialer opens a raw stream to an endpoint path. Present reports whether an
// endpoint exists at path before a dial is attempted.
type Dialer = transport.Dialer

// Option configures a Session.
type Option func(*settings)

type settings struct {
	logger           *zerolog.Logger
	dialer           Dialer
	instance         int
	requestTimeout   time.Duration
	handshakeTimeout time.Duration
	keepAlive        time.Duration
	writeTimeout     time.Duration
	backoff          Backoff
	events           events.Options
	rateLimit        float64
	burst            int
	maxFrameSize     uint32
	onResult         func(command string, outcome Outcome, latency time.Duration)
	onNoEndpoint     func() string
}

func defaultSettings() settings {
	return settings{
		instance:         transport.InstanceFromEnv(),
		requestTimeout:   dispatcher.DefaultRequestTimeout,
		handshakeTimeout: connector.DefaultHandshakeTimeout,
		backoff:          connector.DefaultBackoff(),
		events:           events.DefaultOptions(),
		maxFrameSize:     protocol.DefaultMaxPayloadSize,
	}
}

// WithLogger sets the logger used by every component of the session.
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) {
		s.logger = &l
	}
}

// WithDialer replaces the platform dialer used by endpoint discovery.
func WithDialer(d Dialer) Option {
	return func(s *settings) {
		s.dialer = d
	}
}

// WithInstance pins discovery to endpoint index n (0-9). A negative n probes
// every index, which is the default unless DISCORD_INSTANCE_ID is set.
func WithInstance(n int) Option {
	return func(s *settings) {
		s.instance = n
	}
}

// WithRequestTimeout bounds how long a command waits for its response.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.requestTimeout = d
	}
}

// WithHandshakeTimeout bounds the wait for READY on each connection.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.handshakeTimeout = d
	}
}

// WithKeepAlive sends a ping every d while connected. Zero disables it.
func WithKeepAlive(d time.Duration) Option {
	return func(s *settings) {
		s.keepAlive = d
	}
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.writeTimeout = d
	}
}

// WithBackoff sets the reconnect schedule.
func WithBackoff(b Backoff) Option {
	return func(s *settings) {
		s.backoff = b
	}
}

// WithEventQueue sizes each subscriber's queue and sets what happens when
// it fills up. grace only applies to OverflowBlock.
func WithEventQueue(size int, policy OverflowPolicy, grace time.Duration) Option {
	return func(s *settings) {
		s.events.QueueSize = size
		s.events.Overflow = policy
		if grace > 0 {
			s.events.BlockGrace = grace
		}
	}
}

// WithRateLimit caps outbound commands at perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *settings) {
		s.rateLimit = perSecond
		s.burst = burst
	}
}

// WithMaxFrameSize sets the largest inbound payload accepted before the
// stream is treated as corrupt.
func WithMaxFrameSize(n uint32) Option {
	return func(s *settings) {
		s.maxFrameSize = n
	}
}

// WithCommandHook is called once per finished command, for metrics.
func WithCommandHook(fn func(command string, outcome Outcome, latency time.Duration)) Option {
	return func(s *settings) {
		s.onResult = fn
	}
}

// WithNoEndpointHint supplies extra context for the log line written the
// first time no endpoint can be found, such as whether Discord is running.
func WithNoEndpointHint(fn func() string) Option {
	return func(s *settings) {
		s.onNoEndpoint = fn
	}
}
