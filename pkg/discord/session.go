// Package discord talks to the Discord desktop client over its local IPC
// endpoint.
//
// A Session is created with Connect and stays usable across desktop client
// restarts: it reconnects in the background with exponential backoff and
// restores every subscription before reporting itself connected again.
//
//	s, err := discord.Connect(ctx, "383226320970055681")
//	if err != nil {
//		return err
//	}
//	defer s.Shutdown(context.Background())
//
//	sub, err := s.Subscribe(ctx, discord.EventActivityJoin, "")
//	...
//	for ev := range sub.C() {
//		fmt.Println(ev.Type, string(ev.Data))
//	}
package discord

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/energizer-project/discord-ipc/internal/connector"
	"github.com/energizer-project/discord-ipc/internal/dispatcher"
	"github.com/energizer-project/discord-ipc/internal/events"
	"github.com/energizer-project/discord-ipc/internal/transport"
)

type (
	Event            = events.Event
	EventType        = events.EventType
	Subscription     = events.Subscription
	SubscriptionInfo = events.SubscriptionInfo
	User             = events.User
	State            = connector.ConnectionState
	Transition       = connector.Transition
)

const (
	StateDisconnected = connector.StateDisconnected
	StateConnecting   = connector.StateConnecting
	StateHandshaking  = connector.StateHandshaking
	StateConnected    = connector.StateConnected
	StateClosing      = connector.StateClosing
)

const (
	EventReady                 = events.EventReady
	EventError                 = events.EventError
	EventCurrentUserUpdate     = events.EventCurrentUserUpdate
	EventActivityJoin          = events.EventActivityJoin
	EventActivitySpectate      = events.EventActivitySpectate
	EventActivityJoinRequest   = events.EventActivityJoinRequest
	EventActivityInvite        = events.EventActivityInvite
	EventLobbyUpdate           = events.EventLobbyUpdate
	EventLobbyDelete           = events.EventLobbyDelete
	EventLobbyMemberConnect    = events.EventLobbyMemberConnect
	EventLobbyMemberUpdate     = events.EventLobbyMemberUpdate
	EventLobbyMemberDisconnect = events.EventLobbyMemberDisconnect
	EventLobbyMessage          = events.EventLobbyMessage
	EventSpeakingStart         = events.EventSpeakingStart
	EventSpeakingStop          = events.EventSpeakingStop
	EventOverlayUpdate         = events.EventOverlayUpdate
	EventRelationshipUpdate    = events.EventRelationshipUpdate
)

// Stats is a point-in-time snapshot of a session.
type Stats struct {
	State         State            `json:"state"`
	LastError     string           `json:"last_error,omitempty"`
	Reconnects    uint64           `json:"reconnects"`
	Commands      dispatcher.Stats `json:"commands"`
	Events        events.Stats     `json:"events"`
	Subscriptions int              `json:"subscriptions"`
}

// Session is one logical connection to the desktop client, spanning any
// number of underlying transport connections.
type Session struct {
	appID string

	dispatcher *dispatcher.Dispatcher
	bus        *events.EventBus
	supervisor *connector.Supervisor

	tapOnce sync.Once
	tap     <-chan Event

	stopCtx func() bool
	closed  atomic.Bool
}

// Connect validates appID, starts the session in the background and returns
// at once. Use WaitConnected to block until the first handshake completes.
// Cancelling ctx shuts the session down.
func Connect(ctx context.Context, appID string, opts ...Option) (*Session, error) {
	if !validApplicationID(appID) {
		return nil, ErrInvalidApplicationID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}

	d := dispatcher.New(nil, dispatcher.Options{
		RequestTimeout: cfg.requestTimeout,
		RateLimit:      cfg.rateLimit,
		Burst:          cfg.burst,
		OnResult:       cfg.onResult,
		Logger:         cfg.logger,
	})

	evOpts := cfg.events
	evOpts.Logger = cfg.logger
	bus := events.NewEventBus(d, evOpts)
	d.SetSink(bus)

	sup := connector.NewSupervisor(d, bus, connector.Options{
		ClientID:         appID,
		HandshakeTimeout: cfg.handshakeTimeout,
		KeepAlive:        cfg.keepAlive,
		Backoff:          cfg.backoff,
		Dial: connector.DiscoverDialer(transport.DiscoverOptions{
			Instance: cfg.instance,
			Dialer:   cfg.dialer,
			Conn: transport.ConnOptions{
				MaxPayload:   cfg.maxFrameSize,
				WriteTimeout: cfg.writeTimeout,
				Logger:       cfg.logger,
			},
		}),
		OnNoEndpoint: cfg.onNoEndpoint,
		Logger:       cfg.logger,
	})

	s := &Session{
		appID:      appID,
		dispatcher: d,
		bus:        bus,
		supervisor: sup,
	}

	sup.Start(context.WithoutCancel(ctx))
	s.stopCtx = context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.shutdown(sctx)
	})
	return s, nil
}

func validApplicationID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ApplicationID returns the id the session identifies itself with.
func (s *Session) ApplicationID() string { return s.appID }

// SendCommand sends cmd with args and waits for the matching response.
// args may be nil, a json.RawMessage, or anything encoding/json accepts.
//
// It fails with ErrSessionClosed while no connection is up, and with a
// *RequestError when the desktop client rejects the command.
func (s *Session) SendCommand(ctx context.Context, cmd string, args interface{}) (json.RawMessage, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	return s.dispatcher.SendCommand(ctx, cmd, args)
}

// Subscribe registers interest in evt, optionally narrowed to scope (a
// lobby id for lobby events). The desktop client must confirm the
// registration; its rejection is returned unchanged. The subscription
// survives reconnects.
func (s *Session) Subscribe(ctx context.Context, evt EventType, scope string) (*Subscription, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	return s.bus.Subscribe(ctx, evt, scope)
}

// Unsubscribe drops sub and closes its channel. The desktop client is told
// once no other subscription needs the same registration; a failure to do
// so is returned but the subscription is gone either way.
func (s *Session) Unsubscribe(ctx context.Context, sub *Subscription) error {
	return s.bus.Unsubscribe(ctx, sub)
}

// UnsubscribeID is Unsubscribe by subscription id.
func (s *Session) UnsubscribeID(ctx context.Context, id uint64) error {
	return s.bus.UnsubscribeID(ctx, id)
}

// Subscriptions lists the live subscriptions.
func (s *Session) Subscriptions() []SubscriptionInfo {
	return s.bus.Subscriptions()
}

// Events returns a stream of every event the session receives, whatever it
// is subscribed to. The same channel is returned on every call and is
// closed by Shutdown.
func (s *Session) Events() <-chan Event {
	s.tapOnce.Do(func() {
		sub, err := s.bus.Tap()
		if err != nil {
			ch := make(chan Event)
			close(ch)
			s.tap = ch
			return
		}
		s.tap = sub.C()
	})
	return s.tap
}

// Tap returns a new, independent stream of every event. Release it with
// Unsubscribe.
func (s *Session) Tap() (*Subscription, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	return s.bus.Tap()
}

// State returns the current connection state.
func (s *Session) State() State {
	return s.supervisor.State()
}

// LastError returns why the most recent connection attempt or connection
// ended, or nil.
func (s *Session) LastError() error {
	return s.supervisor.LastError()
}

// OnStateChange registers fn for every state transition. fn runs on the
// supervisor goroutine and must return quickly.
func (s *Session) OnStateChange(fn func(Transition)) {
	s.supervisor.Observe(fn)
}

// WaitConnected blocks until the session is connected, ctx ends, or the
// session is shut down.
func (s *Session) WaitConnected(ctx context.Context) error {
	return s.supervisor.WaitConnected(ctx)
}

// CurrentUser returns the user from the last READY, if any connection has
// completed a handshake.
func (s *Session) CurrentUser() (User, bool) {
	ready := s.supervisor.Ready()
	if ready == nil {
		return User{}, false
	}
	return ready.User, true
}

// Stats returns a snapshot of session counters.
func (s *Session) Stats() Stats {
	st := Stats{
		State:         s.supervisor.State(),
		Reconnects:    s.supervisor.Reconnects(),
		Commands:      s.dispatcher.Stats(),
		Events:        s.bus.Stats(),
		Subscriptions: len(s.bus.Subscriptions()),
	}
	if err := s.supervisor.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

// Shutdown ends the session: the desktop client is sent a close frame,
// in-flight commands fail with ErrSessionClosed and every subscription
// channel is closed. The session never reconnects afterwards. Calling it
// again is a no-op.
func (s *Session) Shutdown(ctx context.Context) error {
	s.stopCtx()
	return s.shutdown(ctx)
}

func (s *Session) shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.supervisor.Shutdown(ctx)
	s.bus.Stop()
	return err
}
