// Package connector drives the lifecycle of a session with the Discord
// desktop client: dial, handshake, serve, and reconnect with backoff.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/discord-ipc/internal/dispatcher"
	"github.com/energizer-project/discord-ipc/internal/events"
	"github.com/energizer-project/discord-ipc/internal/protocol"
	"github.com/energizer-project/discord-ipc/internal/transport"
)

// CloseNormal is the code sent in the client's close frame on shutdown.
const CloseNormal = 1000

// BackoffConfig shapes the delay between reconnect attempts.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultBackoff starts at 500ms and doubles up to one minute.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:    500 * time.Millisecond,
		Max:        60 * time.Second,
		Multiplier: 2,
		Jitter:     0,
	}
}

func (c BackoffConfig) build() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.Initial
	b.MaxInterval = c.Max
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.Jitter
	b.MaxElapsedTime = 0 // retry until shut down
	b.Reset()
	return b
}

// DialFunc opens a frame stream to the desktop client.
type DialFunc func(ctx context.Context) (FrameConn, error)

// DiscoverDialer dials through endpoint discovery.
func DiscoverDialer(opts transport.DiscoverOptions) DialFunc {
	return func(ctx context.Context) (FrameConn, error) {
		conn, err := transport.Discover(ctx, opts)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Options configures a Supervisor.
type Options struct {
	ClientID         string
	HandshakeTimeout time.Duration
	KeepAlive        time.Duration
	Backoff          BackoffConfig
	Dial             DialFunc

	// OnNoEndpoint, if set, is consulted the first time discovery finds
	// nothing, to add context to the log line.
	OnNoEndpoint func() string

	Logger *zerolog.Logger
}

// Supervisor owns the connection state machine of one session:
//
//	Disconnected -> Connecting -> Handshaking -> Connected -> Disconnected ...
//	any -> Closing -> Disconnected (on Shutdown, terminal)
//
// After each successful handshake it re-registers every live subscription
// before reporting Connected.
type Supervisor struct {
	mu       sync.Mutex
	notifyMu sync.Mutex // orders observer callbacks

	state     ConnectionState
	changed   chan struct{}
	attempt   int
	ready     *events.ReadyPayload
	conn      FrameConn
	observers []Observer
	lastErr   error

	dispatcher *dispatcher.Dispatcher
	bus        *events.EventBus
	opts       Options
	logger     zerolog.Logger

	started    atomic.Bool
	closing    atomic.Bool
	cancel     context.CancelFunc
	done       chan struct{}
	reconnects atomic.Uint64
	warnedNoEP atomic.Bool
}

// NewSupervisor creates a Supervisor that serves d and resubscribes bus.
func NewSupervisor(d *dispatcher.Dispatcher, bus *events.EventBus, opts Options) *Supervisor {
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Backoff.Multiplier < 1 {
		opts.Backoff.Multiplier = DefaultBackoff().Multiplier
	}
	if opts.Backoff.Max < opts.Backoff.Initial {
		opts.Backoff.Max = opts.Backoff.Initial
	}
	if opts.Dial == nil {
		opts.Dial = DiscoverDialer(transport.DiscoverOptions{Instance: transport.InstanceFromEnv()})
	}

	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}

	return &Supervisor{
		state:      StateDisconnected,
		changed:    make(chan struct{}),
		dispatcher: d,
		bus:        bus,
		opts:       opts,
		done:       make(chan struct{}),
		logger:     base.With().Str("component", "supervisor").Logger(),
	}
}

// Observe registers fn for every future transition.
func (s *Supervisor) Observe(fn Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *Supervisor) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready returns the READY payload of the current or last connection.
func (s *Supervisor) Ready() *events.ReadyPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// LastError returns the failure that caused the most recent disconnect.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Reconnects returns how many times a connected session was lost.
func (s *Supervisor) Reconnects() uint64 {
	return s.reconnects.Load()
}

// WaitConnected blocks until the state is Connected, ctx is done, or the
// supervisor has shut down.
func (s *Supervisor) WaitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, ch := s.state, s.changed
		s.mu.Unlock()

		if state == StateConnected {
			return nil
		}
		if s.closing.Load() {
			return protocol.ErrSessionClosed
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// transition moves to state to and notifies observers. Once Shutdown has
// begun only the Closing and final Disconnected transitions are applied.
func (s *Supervisor) transition(to ConnectionState, cause error, final bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.closing.Load() && to != StateClosing && !final {
		s.mu.Unlock()
		return
	}
	if s.state == to {
		s.mu.Unlock()
		return
	}

	if to == StateConnecting {
		s.attempt++
	}
	t := Transition{From: s.state, To: to, Err: cause, Attempt: s.attempt, At: time.Now()}
	if to == StateConnected {
		s.attempt = 0
	}
	if cause != nil {
		s.lastErr = cause
	}
	s.state = to
	close(s.changed)
	s.changed = make(chan struct{})
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	ev := s.logger.Info()
	if cause != nil {
		ev = s.logger.Warn().Err(cause)
	}
	ev.Str("from", t.From.String()).
		Str("to", t.To.String()).
		Int("attempt", t.Attempt).
		Msg("connection state changed")

	for _, fn := range observers {
		s.notify(fn, t)
	}
}

func (s *Supervisor) notify(fn Observer, t Transition) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("state observer panicked")
		}
	}()
	fn(t)
}

// Start runs the supervisor loop in the background.
func (s *Supervisor) Start(ctx context.Context) {
	go s.Run(ctx)
}

// Run connects and keeps the session connected until ctx is done or
// Shutdown is called. It returns nil in both cases.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("supervisor already running")
	}
	defer close(s.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if s.closing.Load() {
		return nil
	}

	s.logger.Info().Str("client_id", s.opts.ClientID).Msg("starting session supervisor")

	b := s.opts.Backoff.build()
	for {
		connected, err := s.connectOnce(ctx)
		if ctx.Err() != nil || s.closing.Load() {
			return nil
		}
		if connected {
			b.Reset()
			s.reconnects.Add(1)
		}

		wait := b.NextBackOff()
		s.logger.Debug().Err(err).Dur("retry_in", wait).Msg("scheduling reconnect")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// connectOnce runs one connection attempt through to its end. It reports
// whether the attempt reached Connected, and why it ended.
func (s *Supervisor) connectOnce(ctx context.Context) (bool, error) {
	s.transition(StateConnecting, nil, false)

	conn, err := s.opts.Dial(ctx)
	if err != nil {
		s.logNoEndpoint(err)
		s.transition(StateDisconnected, err, false)
		return false, err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	if s.closing.Load() {
		conn.Close()
		return false, protocol.ErrSessionClosed
	}

	s.transition(StateHandshaking, nil, false)

	ready, err := Handshake(ctx, conn, s.opts.ClientID, s.opts.HandshakeTimeout, s.logger)
	if err != nil {
		s.teardown(conn, err)
		return false, err
	}

	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()

	serveCtx, serveCancel := context.WithCancel(ctx)
	defer serveCancel()
	stopClose := context.AfterFunc(serveCtx, func() { conn.Close() })
	defer stopClose()

	s.dispatcher.Attach(conn)
	serveErr := make(chan error, 1)
	go func() { serveErr <- s.dispatcher.Serve(serveCtx, conn) }()

	// Subscriptions must be back in place before callers see Connected.
	resub := make(chan error, 1)
	go func() { resub <- s.bus.Resubscribe(serveCtx) }()

	select {
	case err := <-resub:
		if err != nil {
			s.logger.Warn().Err(err).Msg("some subscriptions could not be restored")
		}
	case err := <-serveErr:
		s.teardown(conn, err)
		return false, err
	}

	s.transition(StateConnected, nil, false)

	if s.opts.KeepAlive > 0 {
		go s.keepAlive(serveCtx)
	}

	err = <-serveErr
	s.teardown(conn, err)
	return true, err
}

// teardown releases a connection that failed or ended. The stream is closed
// before detaching so a command racing the teardown fails on write instead
// of waiting on a connection nobody reads.
func (s *Supervisor) teardown(conn FrameConn, cause error) {
	conn.Close()
	s.dispatcher.Detach(cause)

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()

	s.transition(StateDisconnected, cause, false)
}

func (s *Supervisor) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(s.opts.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.dispatcher.Ping(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to send keepalive ping")
				return
			}
			s.logger.Trace().Msg("keepalive ping sent")
		}
	}
}

func (s *Supervisor) logNoEndpoint(err error) {
	if !transport.IsNoEndpoint(err) || s.warnedNoEP.Swap(true) {
		return
	}
	ev := s.logger.Warn().Err(err)
	if s.opts.OnNoEndpoint != nil {
		ev = ev.Str("hint", s.opts.OnNoEndpoint())
	}
	ev.Msg("no discord ipc endpoint found, will keep retrying")
}

// Shutdown closes the session for good: Closing, a best-effort close frame,
// release of the transport, failure of in-flight commands with
// ErrSessionClosed, then Disconnected. No reconnect follows. It waits for
// the run loop to exit or ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	s.transition(StateClosing, nil, false)

	s.mu.Lock()
	conn := s.conn
	cancel := s.cancel
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Send(protocol.BuildClose(CloseNormal, "client shutdown")); err != nil {
			s.logger.Debug().Err(err).Msg("close frame not sent")
		}
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	s.dispatcher.Detach(protocol.ErrSessionClosed)

	var err error
	if s.started.Load() {
		select {
		case <-s.done:
		case <-ctx.Done():
			err = fmt.Errorf("supervisor did not stop: %w", ctx.Err())
		}
	}

	s.transition(StateDisconnected, nil, true)
	s.logger.Info().Msg("session supervisor stopped")
	return err
}

// Done is closed when the run loop has exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}
