package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrBusStopped is returned by Subscribe after Stop.
	ErrBusStopped = errors.New("event bus stopped")
	// ErrUnknownSubscription is returned by UnsubscribeID for an id that is
	// not live.
	ErrUnknownSubscription = errors.New("subscription not found")
)

// Registrar registers interest in an event with the peer. The peer forgets
// registrations when the connection drops, so the bus calls Register again
// for every live key on Resubscribe.
type Registrar interface {
	Register(ctx context.Context, t EventType, scope string) error
	Unregister(ctx context.Context, t EventType, scope string) error
}

// OverflowPolicy decides what happens when a subscriber's queue is full.
type OverflowPolicy int

const (
	// OverflowDrop discards the event for that subscriber only.
	OverflowDrop OverflowPolicy = iota
	// OverflowBlock waits up to Options.BlockGrace for room, then drops.
	OverflowBlock
)

var overflowNames = map[OverflowPolicy]string{
	OverflowDrop:  "drop",
	OverflowBlock: "block",
}

func (p OverflowPolicy) String() string {
	if s, ok := overflowNames[p]; ok {
		return s
	}
	return "unknown"
}

// ParseOverflowPolicy parses "drop" or "block".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	for p, name := range overflowNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return OverflowDrop, fmt.Errorf("unknown overflow policy %q", s)
}

// Options configures an EventBus.
type Options struct {
	QueueSize  int
	Overflow   OverflowPolicy
	BlockGrace time.Duration

	// Logger overrides the global logger.
	Logger *zerolog.Logger
}

// DefaultOptions returns the bus defaults.
func DefaultOptions() Options {
	return Options{
		QueueSize:  64,
		Overflow:   OverflowDrop,
		BlockGrace: 100 * time.Millisecond,
	}
}

// Key identifies a peer-side registration: an event type, optionally
// narrowed to a scope such as a lobby id.
type Key struct {
	Type  EventType `json:"type"`
	Scope string    `json:"scope,omitempty"`
}

func (k Key) String() string {
	if k.Scope == "" {
		return string(k.Type)
	}
	return string(k.Type) + "[" + k.Scope + "]"
}

// Subscription is a handle on a stream of matching events.
type Subscription struct {
	id  uint64
	key Key
	all bool

	mu       sync.RWMutex
	ch       chan Event
	done     chan struct{}
	doneOnce sync.Once
	closed   bool
	dropped  atomic.Uint64
}

// ID returns the subscription's bus-unique id.
func (s *Subscription) ID() uint64 { return s.id }

// Key returns the event type and scope the subscription matches.
func (s *Subscription) Key() Key { return s.key }

// C returns the event channel. It is closed on unsubscribe or bus stop.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events overflowed this subscriber's queue.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) matches(ev Event) bool {
	if s.all {
		return true
	}
	if s.key.Type != ev.Type {
		return false
	}
	return s.key.Scope == "" || s.key.Scope == ev.Scope
}

// deliver enqueues ev, honoring the overflow policy. It reports false if
// the event was dropped.
func (s *Subscription) deliver(ev Event, policy OverflowPolicy, deadline time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- ev:
		return true
	default:
	}

	wait := time.Until(deadline)
	if policy != OverflowBlock || wait <= 0 {
		s.dropped.Add(1)
		return false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
	case <-timer.C:
	}
	s.dropped.Add(1)
	return false
}

func (s *Subscription) close() {
	// done is closed first so a blocked deliver releases its read lock.
	s.doneOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

// SubscriptionInfo is a point-in-time view of one subscription.
type SubscriptionInfo struct {
	ID      uint64 `json:"id"`
	Key     Key    `json:"key"`
	All     bool   `json:"all,omitempty"`
	Queued  int    `json:"queued"`
	Dropped uint64 `json:"dropped"`
}

// Stats are cumulative bus counters.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Delivered  uint64 `json:"delivered"`
	Dropped    uint64 `json:"dropped"`
}

// EventBus fans inbound events out to subscribers. Each subscriber owns a
// bounded queue so a slow consumer only affects itself. Peer registration
// is reference counted per Key: the first subscriber registers, the last
// one to leave unregisters.
type EventBus struct {
	regMu sync.Mutex // serializes registrar calls with refs updates

	mu        sync.RWMutex
	registrar Registrar
	opts      Options
	subs      map[uint64]*Subscription
	refs      map[Key]int
	stopped   bool

	nextID     atomic.Uint64
	dispatched atomic.Uint64
	delivered  atomic.Uint64
	dropped    atomic.Uint64

	logger zerolog.Logger
}

// NewEventBus creates an EventBus that registers interest through r.
func NewEventBus(r Registrar, opts Options) *EventBus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions().QueueSize
	}
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}
	return &EventBus{
		registrar: r,
		opts:      opts,
		subs:      make(map[uint64]*Subscription),
		refs:      make(map[Key]int),
		logger:    base.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers interest in t, optionally narrowed to scope. The
// peer is asked to register first; the subscription is only stored once it
// confirms, and a registration failure is returned as-is.
func (eb *EventBus) Subscribe(ctx context.Context, t EventType, scope string) (*Subscription, error) {
	eb.regMu.Lock()
	defer eb.regMu.Unlock()

	key := Key{Type: t, Scope: scope}

	eb.mu.RLock()
	stopped := eb.stopped
	needsRegister := eb.refs[key] == 0
	eb.mu.RUnlock()

	if stopped {
		return nil, ErrBusStopped
	}

	if needsRegister && eb.registrar != nil {
		if err := eb.registrar.Register(ctx, t, scope); err != nil {
			return nil, fmt.Errorf("failed to subscribe to %s: %w", key, err)
		}
	}

	sub := eb.newSubscription(key, false)

	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		sub.close()
		return nil, ErrBusStopped
	}
	eb.subs[sub.id] = sub
	eb.refs[key]++
	eb.mu.Unlock()

	eb.logger.Debug().
		Str("event", string(t)).
		Str("scope", scope).
		Uint64("subscription", sub.id).
		Msg("subscribed to event")
	return sub, nil
}

// Tap returns a subscription that receives every dispatched event. It does
// not register anything with the peer.
func (eb *EventBus) Tap() (*Subscription, error) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.stopped {
		return nil, ErrBusStopped
	}
	sub := eb.newSubscription(Key{}, true)
	eb.subs[sub.id] = sub
	return sub, nil
}

func (eb *EventBus) newSubscription(key Key, all bool) *Subscription {
	return &Subscription{
		id:   eb.nextID.Add(1),
		key:  key,
		all:  all,
		ch:   make(chan Event, eb.opts.QueueSize),
		done: make(chan struct{}),
	}
}

// Unsubscribe removes sub and closes its channel. When it was the last
// subscriber for its key the peer is asked to unregister; that request's
// error is returned, but the local record is removed regardless.
func (eb *EventBus) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}

	eb.regMu.Lock()
	defer eb.regMu.Unlock()

	eb.mu.Lock()
	if _, ok := eb.subs[sub.id]; !ok {
		eb.mu.Unlock()
		return nil
	}
	delete(eb.subs, sub.id)
	last := false
	if !sub.all {
		eb.refs[sub.key]--
		if eb.refs[sub.key] <= 0 {
			delete(eb.refs, sub.key)
			last = true
		}
	}
	eb.mu.Unlock()

	sub.close()

	eb.logger.Debug().
		Str("event", string(sub.key.Type)).
		Str("scope", sub.key.Scope).
		Uint64("subscription", sub.id).
		Msg("unsubscribed from event")

	if last && eb.registrar != nil {
		if err := eb.registrar.Unregister(ctx, sub.key.Type, sub.key.Scope); err != nil {
			eb.logger.Warn().Err(err).Str("key", sub.key.String()).Msg("peer unsubscribe failed")
			return fmt.Errorf("failed to unsubscribe from %s: %w", sub.key, err)
		}
	}
	return nil
}

// UnsubscribeID is Unsubscribe by subscription id.
func (eb *EventBus) UnsubscribeID(ctx context.Context, id uint64) error {
	eb.mu.RLock()
	sub, ok := eb.subs[id]
	eb.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSubscription, id)
	}
	return eb.Unsubscribe(ctx, sub)
}

// Dispatch delivers ev to every matching subscriber and returns how many
// received it. Under OverflowBlock it waits at most one block grace in
// total, shared by every full subscriber.
func (eb *EventBus) Dispatch(ev Event) int {
	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return 0
	}
	targets := make([]*Subscription, 0, len(eb.subs))
	for _, sub := range eb.subs {
		if sub.matches(ev) {
			targets = append(targets, sub)
		}
	}
	eb.mu.RUnlock()

	eb.dispatched.Add(1)

	// one grace period covers the whole fan-out, however many are slow
	deadline := time.Now().Add(eb.opts.BlockGrace)
	delivered := 0
	for _, sub := range targets {
		if sub.deliver(ev, eb.opts.Overflow, deadline) {
			delivered++
			continue
		}
		eb.dropped.Add(1)
		eb.logger.Warn().
			Str("event", ev.String()).
			Uint64("subscription", sub.id).
			Msg("subscriber queue full, event dropped")
	}
	eb.delivered.Add(uint64(delivered))

	eb.logger.Trace().
		Str("event", ev.String()).
		Int("subscribers", len(targets)).
		Int("delivered", delivered).
		Msg("dispatched event")
	return delivered
}

// Resubscribe re-registers every live key with the peer, in a stable order.
// It is called after a reconnect since the peer does not remember earlier
// registrations. All keys are attempted; the errors are joined.
func (eb *EventBus) Resubscribe(ctx context.Context) error {
	if eb.registrar == nil {
		return nil
	}

	eb.regMu.Lock()
	defer eb.regMu.Unlock()

	var errs []error
	for _, key := range eb.Keys() {
		if err := eb.registrar.Register(ctx, key.Type, key.Scope); err != nil {
			errs = append(errs, fmt.Errorf("resubscribe %s: %w", key, err))
			continue
		}
		eb.logger.Debug().Str("key", key.String()).Msg("resubscribed")
	}
	return errors.Join(errs...)
}

// Keys returns the distinct registered keys, sorted.
func (eb *EventBus) Keys() []Key {
	eb.mu.RLock()
	keys := make([]Key, 0, len(eb.refs))
	for k := range eb.refs {
		keys = append(keys, k)
	}
	eb.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].Scope < keys[j].Scope
	})
	return keys
}

// Subscriptions returns a view of every live subscription ordered by id.
func (eb *EventBus) Subscriptions() []SubscriptionInfo {
	eb.mu.RLock()
	infos := make([]SubscriptionInfo, 0, len(eb.subs))
	for _, sub := range eb.subs {
		infos = append(infos, SubscriptionInfo{
			ID:      sub.id,
			Key:     sub.key,
			All:     sub.all,
			Queued:  len(sub.ch),
			Dropped: sub.Dropped(),
		})
	}
	eb.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Stats returns cumulative dispatch counters.
func (eb *EventBus) Stats() Stats {
	return Stats{
		Dispatched: eb.dispatched.Load(),
		Delivered:  eb.delivered.Load(),
		Dropped:    eb.dropped.Load(),
	}
}

// Stop closes every subscription. Later Subscribe calls fail and Dispatch
// becomes a no-op. Peer registrations are left alone; the session is
// going away with them.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	subs := eb.subs
	eb.subs = make(map[uint64]*Subscription)
	eb.refs = make(map[Key]int)
	eb.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	eb.logger.Debug().Int("subscriptions", len(subs)).Msg("event bus stopped")
}
