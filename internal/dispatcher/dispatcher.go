// Package dispatcher multiplexes commands over one IPC connection. It mints
// nonces, tracks in-flight commands, and routes inbound frames either to the
// waiting caller or to the event bus.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/energizer-project/discord-ipc/internal/events"
	"github.com/energizer-project/discord-ipc/internal/protocol"
)

// DefaultRequestTimeout bounds how long a command waits for its response.
const DefaultRequestTimeout = 10 * time.Second

// Conn is the frame-level stream the dispatcher runs on.
type Conn interface {
	Send(protocol.Frame) error
	Receive() (protocol.Frame, error)
}

// EventSink receives decoded inbound events.
type EventSink interface {
	Dispatch(events.Event) int
}

// Outcome classifies how a command finished, for metrics.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeError     Outcome = "error"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeClosed    Outcome = "closed"
)

// Options configures a Dispatcher.
type Options struct {
	RequestTimeout time.Duration

	// RateLimit caps outbound commands per second. Zero disables limiting.
	RateLimit float64
	Burst     int

	// NewNonce mints correlation ids. Defaults to random UUIDs.
	NewNonce func() string

	// OnResult, if set, is called once per finished command.
	OnResult func(command string, outcome Outcome, latency time.Duration)

	Logger *zerolog.Logger
}

// Stats are cumulative dispatcher counters.
type Stats struct {
	Sent      uint64 `json:"sent"`
	Resolved  uint64 `json:"resolved"`
	Failed    uint64 `json:"failed"`
	TimedOut  uint64 `json:"timed_out"`
	Unmatched uint64 `json:"unmatched"`
	Invalid   uint64 `json:"invalid_events"`
	Pending   int    `json:"pending"`

	// OldestPending is how long the oldest in-flight command has waited.
	OldestPending time.Duration `json:"oldest_pending_ns"`
}

// Dispatcher owns the pending request table of a session. It outlives
// individual connections: Attach binds it to a connection after the
// handshake and Detach fails everything in flight when that connection is
// lost.
type Dispatcher struct {
	mu   sync.RWMutex
	conn Conn

	pending *pendingTable
	sink    EventSink
	limiter *rate.Limiter
	opts    Options
	logger  zerolog.Logger

	sent      atomic.Uint64
	resolved  atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64
	unmatched atomic.Uint64
	invalid   atomic.Uint64
	pingSeq   atomic.Uint64
}

// New creates a Dispatcher delivering events to sink.
func New(sink EventSink, opts Options) *Dispatcher {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.NewNonce == nil {
		opts.NewNonce = uuid.NewString
	}

	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}

	d := &Dispatcher{
		pending: newPendingTable(),
		sink:    sink,
		opts:    opts,
		logger:  base.With().Str("component", "dispatcher").Logger(),
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return d
}

// SetSink replaces the event sink. It must be called before Serve.
func (d *Dispatcher) SetSink(sink EventSink) {
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
}

// Attach binds the dispatcher to a connection that completed its handshake.
func (d *Dispatcher) Attach(conn Conn) {
	d.mu.Lock()
	d.conn = conn
	d.pending.open()
	d.mu.Unlock()
}

// Detach unbinds the current connection and fails every in-flight command
// with ErrSessionClosed. cause is kept in the error chain when non-nil.
func (d *Dispatcher) Detach(cause error) {
	d.mu.Lock()
	d.conn = nil
	d.mu.Unlock()

	err := protocol.ErrSessionClosed
	if cause != nil && !errors.Is(cause, protocol.ErrSessionClosed) {
		err = fmt.Errorf("%w: %w", protocol.ErrSessionClosed, cause)
	} else if cause != nil {
		err = cause
	}

	if n := d.pending.failAll(err); n > 0 {
		d.logger.Warn().Int("pending", n).Err(cause).Msg("failed in-flight commands on disconnect")
	}
}

// Attached reports whether a connection is bound.
func (d *Dispatcher) Attached() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conn != nil
}

// SendCommand sends cmd with args and waits for its response data.
func (d *Dispatcher) SendCommand(ctx context.Context, cmd string, args interface{}) (json.RawMessage, error) {
	return d.Send(ctx, protocol.Request{Command: cmd, Args: args})
}

// Send sends req and waits for the matching response.
//
// It fails fast with ErrSessionClosed when no connection is attached. A
// peer-reported failure is returned as *protocol.RequestError. When the
// request timeout elapses the pending entry is removed and ErrRequestTimeout
// is returned. When ctx ends first the call returns ErrRequestCancelled but
// the entry stays registered until a late response or a disconnect.
func (d *Dispatcher) Send(ctx context.Context, req protocol.Request) (json.RawMessage, error) {
	start := time.Now()

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			d.report(req.Command, OutcomeCancelled, start)
			return nil, fmt.Errorf("%w: %w", protocol.ErrRequestCancelled, err)
		}
	}

	d.mu.RLock()
	conn := d.conn
	d.mu.RUnlock()
	if conn == nil {
		d.report(req.Command, OutcomeClosed, start)
		return nil, protocol.ErrSessionClosed
	}

	p, ok := d.pending.insert(d.opts.NewNonce, req.Command)
	if !ok {
		// detached between reading conn and registering
		d.report(req.Command, OutcomeClosed, start)
		return nil, protocol.ErrSessionClosed
	}

	frame, err := protocol.BuildCommand(req, p.nonce)
	if err != nil {
		d.pending.take(p.nonce)
		d.report(req.Command, OutcomeError, start)
		return nil, err
	}

	if err := conn.Send(frame); err != nil {
		d.pending.take(p.nonce)
		d.report(req.Command, OutcomeClosed, start)
		return nil, fmt.Errorf("%w: %w", protocol.ErrSessionClosed, err)
	}
	d.sent.Add(1)

	d.logger.Debug().
		Str("cmd", req.Command).
		Str("evt", req.Event).
		Str("nonce", p.nonce).
		Msg("command sent")

	timer := time.NewTimer(d.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-p.done:
		return d.finish(req.Command, res, start)

	case <-timer.C:
		if d.pending.take(p.nonce) == nil {
			// Resolved concurrently with the timer firing.
			return d.finish(req.Command, <-p.done, start)
		}
		d.timedOut.Add(1)
		d.report(req.Command, OutcomeTimeout, start)
		d.logger.Warn().Str("cmd", req.Command).Str("nonce", p.nonce).Msg("command timed out")
		return nil, fmt.Errorf("%s: %w after %s", req.Command, protocol.ErrRequestTimeout, d.opts.RequestTimeout)

	case <-ctx.Done():
		d.report(req.Command, OutcomeCancelled, start)
		return nil, fmt.Errorf("%w: %w", protocol.ErrRequestCancelled, ctx.Err())
	}
}

func (d *Dispatcher) finish(command string, res result, start time.Time) (json.RawMessage, error) {
	switch {
	case res.err == nil:
		d.report(command, OutcomeOK, start)
	case errors.Is(res.err, protocol.ErrSessionClosed):
		d.report(command, OutcomeClosed, start)
	default:
		d.report(command, OutcomeError, start)
	}
	return res.data, res.err
}

func (d *Dispatcher) report(command string, outcome Outcome, start time.Time) {
	if d.opts.OnResult != nil {
		d.opts.OnResult(command, outcome, time.Since(start))
	}
}

// Register asks the peer to deliver events of type t, narrowed to scope.
// It makes the dispatcher usable as the event bus registrar.
func (d *Dispatcher) Register(ctx context.Context, t events.EventType, scope string) error {
	_, err := d.Send(ctx, protocol.Request{Command: protocol.CmdSubscribe, Event: string(t), Args: scopeArgs(scope)})
	return err
}

// Unregister is the inverse of Register.
func (d *Dispatcher) Unregister(ctx context.Context, t events.EventType, scope string) error {
	_, err := d.Send(ctx, protocol.Request{Command: protocol.CmdUnsubscribe, Event: string(t), Args: scopeArgs(scope)})
	return err
}

// scopeArgs builds SUBSCRIBE args. Scoped events are all lobby events today.
func scopeArgs(scope string) interface{} {
	if scope == "" {
		return nil
	}
	return map[string]string{"lobby_id": scope}
}

// Ping sends a keepalive probe on the attached connection.
func (d *Dispatcher) Ping() error {
	d.mu.RLock()
	conn := d.conn
	d.mu.RUnlock()
	if conn == nil {
		return protocol.ErrSessionClosed
	}
	seq := d.pingSeq.Add(1)
	return conn.Send(protocol.BuildPing([]byte(strconv.FormatUint(seq, 10))))
}

// Serve is the single reader of conn. It runs until the stream fails, the
// peer closes the session, a protocol violation occurs, or ctx is done, and
// always returns a non-nil error describing why it stopped.
func (d *Dispatcher) Serve(ctx context.Context, conn Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		f, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if err := d.handleFrame(conn, f); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) handleFrame(conn Conn, f protocol.Frame) error {
	switch f.Opcode {
	case protocol.OpFrame:
		env, err := protocol.DecodeEnvelope(f.Payload)
		if err != nil {
			return err
		}
		return d.route(env)

	case protocol.OpPing:
		if err := conn.Send(protocol.BuildPong(f)); err != nil {
			return err
		}
		return nil

	case protocol.OpPong:
		d.logger.Trace().Str("payload", string(f.Payload)).Msg("pong received")
		return nil

	case protocol.OpClose:
		cp := protocol.DecodeClose(f.Payload)
		return fmt.Errorf("%w: peer closed connection (%d): %s", protocol.ErrSessionClosed, cp.Code, cp.Message)

	case protocol.OpHandshake:
		return &protocol.ProtocolError{Op: "serve", Err: fmt.Errorf("%w: unexpected handshake frame from peer", protocol.ErrMalformedFrame)}
	}

	return &protocol.ProtocolError{Op: "serve", Err: fmt.Errorf("%w: %d", protocol.ErrUnknownOpcode, uint32(f.Opcode))}
}

// route hands a decoded envelope to its waiting caller or the event sink.
func (d *Dispatcher) route(env *protocol.Envelope) error {
	switch env.Classify() {
	case protocol.KindResponse, protocol.KindErrorResponse:
		d.resolve(env)

	case protocol.KindEvent:
		ev, err := events.Decode(env.Evt, env.Data)
		if err != nil {
			d.invalid.Add(1)
			d.logger.Warn().Err(err).Str("evt", env.Evt).Msg("dropping event with invalid payload")
			return nil
		}
		d.mu.RLock()
		sink := d.sink
		d.mu.RUnlock()
		if sink != nil {
			sink.Dispatch(ev)
		}

	case protocol.KindClose:
		return fmt.Errorf("%w: peer closed connection (%d): %s", protocol.ErrSessionClosed, derefCode(env.Code), env.Message)

	default:
		d.logger.Warn().Str("cmd", env.Cmd).Str("evt", env.Evt).Msg("ignoring unexpected message")
	}
	return nil
}

func (d *Dispatcher) resolve(env *protocol.Envelope) {
	p := d.pending.take(env.Nonce)
	if p == nil {
		d.unmatched.Add(1)
		d.logger.Warn().
			Str("cmd", env.Cmd).
			Str("nonce", env.Nonce).
			Msg("dropping response with no pending command")
		return
	}

	if env.Classify() == protocol.KindErrorResponse {
		d.failed.Add(1)
		re := env.RequestErr()
		if re.Command == "" {
			re.Command = p.command
		}
		p.complete(result{err: re})
		return
	}

	d.resolved.Add(1)
	p.complete(result{data: env.Data})

	d.logger.Debug().
		Str("cmd", p.command).
		Str("nonce", p.nonce).
		Dur("latency", time.Since(p.createdAt)).
		Msg("command resolved")
}

func derefCode(c *int) int {
	if c == nil {
		return 0
	}
	return *c
}

// Stats returns dispatcher counters and the current pending count.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Sent:      d.sent.Load(),
		Resolved:  d.resolved.Load(),
		Failed:    d.failed.Load(),
		TimedOut:  d.timedOut.Load(),
		Unmatched: d.unmatched.Load(),
		Invalid:   d.invalid.Load(),
		Pending:   d.pending.len(),

		OldestPending: d.OldestPending(),
	}
}

// OldestPending returns how long the oldest in-flight command has waited.
func (d *Dispatcher) OldestPending() time.Duration {
	created, ok := d.pending.oldest()
	if !ok {
		return 0
	}
	return time.Since(created)
}
