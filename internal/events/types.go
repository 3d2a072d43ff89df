// Package events defines the events the Discord desktop client pushes over
// IPC, their typed payloads, and the bus that fans them out to subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType is the evt name of an event.
type EventType string

const (
	// Connection events
	EventReady             EventType = "READY"
	EventError             EventType = "ERROR"
	EventCurrentUserUpdate EventType = "CURRENT_USER_UPDATE"

	// Activity events
	EventActivityJoin        EventType = "ACTIVITY_JOIN"
	EventActivitySpectate    EventType = "ACTIVITY_SPECTATE"
	EventActivityJoinRequest EventType = "ACTIVITY_JOIN_REQUEST"
	EventActivityInvite      EventType = "ACTIVITY_INVITE"

	// Lobby events, scoped by lobby id
	EventLobbyUpdate           EventType = "LOBBY_UPDATE"
	EventLobbyDelete           EventType = "LOBBY_DELETE"
	EventLobbyMemberConnect    EventType = "LOBBY_MEMBER_CONNECT"
	EventLobbyMemberUpdate     EventType = "LOBBY_MEMBER_UPDATE"
	EventLobbyMemberDisconnect EventType = "LOBBY_MEMBER_DISCONNECT"
	EventLobbyMessage          EventType = "LOBBY_MESSAGE"
	EventSpeakingStart         EventType = "SPEAKING_START"
	EventSpeakingStop          EventType = "SPEAKING_STOP"

	// Overlay / relationships
	EventOverlayUpdate      EventType = "OVERLAY_UPDATE"
	EventRelationshipUpdate EventType = "RELATIONSHIP_UPDATE"
)

// Event is one inbound event as handed to subscribers.
//
// Data always holds the raw JSON the peer sent. Payload holds the decoded,
// typed form for known event types and is nil for types this package does
// not know, so new peer-side events still reach subscribers.
type Event struct {
	Type       EventType       `json:"type"`
	Scope      string          `json:"scope,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Payload    interface{}     `json:"-"`
	ReceivedAt time.Time       `json:"received_at"`
}

func (e Event) String() string {
	if e.Scope == "" {
		return string(e.Type)
	}
	return fmt.Sprintf("%s[%s]", e.Type, e.Scope)
}

// Snowflake is a Discord id. The peer sends ids as JSON strings or numbers
// depending on the field, so both are accepted.
type Snowflake string

func (s *Snowflake) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = Snowflake(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("snowflake must be a string or number: %w", err)
	}
	*s = Snowflake(n.String())
	return nil
}

// payloadFactories maps each known event type to a constructor for its
// payload. The decoded value is what subscribers find in Event.Payload.
var payloadFactories = map[EventType]func() interface{}{
	EventReady:                 func() interface{} { return &ReadyPayload{} },
	EventError:                 func() interface{} { return &ErrorPayload{} },
	EventCurrentUserUpdate:     func() interface{} { return &User{} },
	EventActivityJoin:          func() interface{} { return &SecretPayload{} },
	EventActivitySpectate:      func() interface{} { return &SecretPayload{} },
	EventActivityJoinRequest:   func() interface{} { return &JoinRequestPayload{} },
	EventActivityInvite:        func() interface{} { return &InvitePayload{} },
	EventLobbyUpdate:           func() interface{} { return &Lobby{} },
	EventLobbyDelete:           func() interface{} { return &LobbyDeletePayload{} },
	EventLobbyMemberConnect:    func() interface{} { return &MemberPayload{} },
	EventLobbyMemberUpdate:     func() interface{} { return &MemberPayload{} },
	EventLobbyMemberDisconnect: func() interface{} { return &MemberPayload{} },
	EventLobbyMessage:          func() interface{} { return &LobbyMessagePayload{} },
	EventSpeakingStart:         func() interface{} { return &SpeakingPayload{} },
	EventSpeakingStop:          func() interface{} { return &SpeakingPayload{} },
	EventOverlayUpdate:         func() interface{} { return &OverlayPayload{} },
	EventRelationshipUpdate:    func() interface{} { return &RelationshipPayload{} },
}

// Known reports whether t has a typed payload.
func Known(t EventType) bool {
	_, ok := payloadFactories[t]
	return ok
}

// scoped is implemented by payloads that belong to a narrower scope than
// their event type, e.g. a single lobby.
type scoped interface {
	scope() string
}

// Decode builds an Event from the raw evt/data pair of an envelope. Known
// types are validated against their payload schema; a payload that does
// not fit is an error. Unknown types are preserved with a nil Payload.
func Decode(evt string, data json.RawMessage) (Event, error) {
	ev := Event{
		Type:       EventType(evt),
		Data:       data,
		ReceivedAt: time.Now(),
	}

	factory, ok := payloadFactories[ev.Type]
	if !ok {
		return ev, nil
	}

	payload := factory()
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, payload); err != nil {
			return ev, fmt.Errorf("invalid %s payload: %w", evt, err)
		}
	}
	if v, ok := payload.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return ev, fmt.Errorf("invalid %s payload: %w", evt, err)
		}
	}

	ev.Payload = payload
	if s, ok := payload.(scoped); ok {
		ev.Scope = s.scope()
	}
	return ev, nil
}

// Groups bundles related event types so they can be subscribed together.
var Groups = map[string][]EventType{
	"activity": {EventActivityInvite, EventActivityJoin, EventActivityJoinRequest, EventActivitySpectate},
	"lobby": {
		EventLobbyDelete, EventLobbyMemberConnect, EventLobbyMemberDisconnect,
		EventLobbyMemberUpdate, EventLobbyMessage, EventLobbyUpdate,
	},
	"user":    {EventCurrentUserUpdate},
	"overlay": {EventOverlayUpdate},
	"voice":   {EventSpeakingStart, EventSpeakingStop},
}

// Expand resolves a list of event names and group names into event types,
// dropping duplicates and keeping first-seen order.
func Expand(names []string) []EventType {
	seen := make(map[EventType]bool)
	var out []EventType
	add := func(t EventType) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, name := range names {
		if group, ok := Groups[strings.ToLower(name)]; ok {
			for _, t := range group {
				add(t)
			}
			continue
		}
		add(EventType(strings.ToUpper(name)))
	}
	return out
}
