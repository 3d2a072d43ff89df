package events

import (
	"encoding/json"
	"errors"
)

// User is a Discord user as reported by the desktop client.
type User struct {
	ID            Snowflake `json:"id"`
	Username      string    `json:"username"`
	Discriminator string    `json:"discriminator,omitempty"`
	Avatar        string    `json:"avatar,omitempty"`
	Bot           bool      `json:"bot,omitempty"`
}

// ClientConfig describes the environment of the connected desktop client.
type ClientConfig struct {
	CDNHost     string `json:"cdn_host"`
	APIEndpoint string `json:"api_endpoint"`
	Environment string `json:"environment"`
}

// ReadyPayload is sent once per connection after a successful handshake.
type ReadyPayload struct {
	Version int          `json:"v"`
	Config  ClientConfig `json:"config"`
	User    User         `json:"user"`
}

func (p *ReadyPayload) validate() error {
	if p.User.ID == "" {
		return errors.New("missing user id")
	}
	return nil
}

// ErrorPayload is carried by ERROR events that are not tied to a command.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SecretPayload is the data of ACTIVITY_JOIN and ACTIVITY_SPECTATE.
type SecretPayload struct {
	Secret string `json:"secret"`
}

func (p *SecretPayload) validate() error {
	if p.Secret == "" {
		return errors.New("missing secret")
	}
	return nil
}

// JoinRequestPayload is sent when a user asks to join the current game.
type JoinRequestPayload struct {
	User User `json:"user"`
}

// InvitePayload is sent when the current user is invited to a game.
type InvitePayload struct {
	Type      int             `json:"type"`
	User      User            `json:"user"`
	Activity  json.RawMessage `json:"activity"`
	ChannelID Snowflake       `json:"channel_id"`
	MessageID Snowflake       `json:"message_id"`
}

// LobbyMember is one user in a lobby with their metadata.
type LobbyMember struct {
	User     User              `json:"user"`
	Metadata map[string]string `json:"metadata"`
}

// Lobby is the data of LOBBY_UPDATE. Members is empty for update events
// since those only report lobby metadata changes.
type Lobby struct {
	ID       Snowflake         `json:"id"`
	Type     int               `json:"type"`
	OwnerID  Snowflake         `json:"owner_id"`
	Secret   string            `json:"secret"`
	Capacity int               `json:"capacity"`
	Locked   bool              `json:"locked"`
	Region   string            `json:"region,omitempty"`
	Metadata map[string]string `json:"metadata"`
	Members  []LobbyMember     `json:"members,omitempty"`
}

func (p *Lobby) scope() string { return string(p.ID) }

func (p *Lobby) validate() error {
	if p.ID == "" {
		return errors.New("missing lobby id")
	}
	return nil
}

// LobbyDeletePayload is sent when a lobby is deleted or the user leaves it.
type LobbyDeletePayload struct {
	ID     Snowflake `json:"id"`
	Reason int       `json:"reason,omitempty"`
}

func (p *LobbyDeletePayload) scope() string { return string(p.ID) }

// MemberPayload is the data of the LOBBY_MEMBER_* events.
type MemberPayload struct {
	LobbyID Snowflake   `json:"lobby_id"`
	Member  LobbyMember `json:"member"`
}

func (p *MemberPayload) scope() string { return string(p.LobbyID) }

// LobbyMessagePayload is a message sent to a lobby.
type LobbyMessagePayload struct {
	LobbyID  Snowflake       `json:"lobby_id"`
	SenderID Snowflake       `json:"sender_id"`
	Data     json.RawMessage `json:"data"`
}

func (p *LobbyMessagePayload) scope() string { return string(p.LobbyID) }

// SpeakingPayload is the data of SPEAKING_START and SPEAKING_STOP.
type SpeakingPayload struct {
	LobbyID Snowflake `json:"lobby_id"`
	UserID  Snowflake `json:"user_id"`
}

func (p *SpeakingPayload) scope() string { return string(p.LobbyID) }

// OverlayPayload reports the overlay's enabled and locked state.
type OverlayPayload struct {
	Enabled bool `json:"enabled"`
	Locked  bool `json:"locked"`
}

// RelationshipPayload is sent when a relationship of the current user changes.
type RelationshipPayload struct {
	Type     int             `json:"type"`
	User     User            `json:"user"`
	Presence json.RawMessage `json:"presence,omitempty"`
}
