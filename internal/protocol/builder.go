package protocol

import (
	"encoding/json"
	"fmt"
)

// Command names understood by the desktop client.
const (
	CmdDispatch                 = "DISPATCH"
	CmdSubscribe                = "SUBSCRIBE"
	CmdUnsubscribe              = "UNSUBSCRIBE"
	CmdGetCurrentUser           = "GET_CURRENT_USER"
	CmdSetActivity              = "SET_ACTIVITY"
	CmdSendActivityJoinInvite   = "SEND_ACTIVITY_JOIN_INVITE"
	CmdCloseActivityJoinRequest = "CLOSE_ACTIVITY_JOIN_REQUEST"
	CmdActivityInviteUser       = "ACTIVITY_INVITE_USER"
	CmdAcceptActivityInvite     = "ACCEPT_ACTIVITY_INVITE"
	CmdSetOverlayLocked         = "SET_OVERLAY_LOCKED"
	CmdOpenOverlayActivityInv   = "OPEN_OVERLAY_ACTIVITY_INVITE"
	CmdOpenOverlayGuildInvite   = "OPEN_OVERLAY_GUILD_INVITE"
	CmdOpenOverlayVoiceSettings = "OPEN_OVERLAY_VOICE_SETTINGS"
	CmdGetRelationships         = "GET_RELATIONSHIPS"
	CmdCreateLobby              = "CREATE_LOBBY"
	CmdUpdateLobby              = "UPDATE_LOBBY"
	CmdDeleteLobby              = "DELETE_LOBBY"
	CmdConnectToLobby           = "CONNECT_TO_LOBBY"
	CmdDisconnectFromLobby      = "DISCONNECT_FROM_LOBBY"
	CmdSendToLobby              = "SEND_TO_LOBBY"
	CmdSearchLobbies            = "SEARCH_LOBBIES"
)

type handshakePayload struct {
	Version  int    `json:"v"`
	ClientID string `json:"client_id"`
}

// Request is an outbound command before it is bound to a nonce.
type Request struct {
	Command string
	Event   string
	Args    interface{}
}

// BuildHandshake creates the opening frame of a connection.
// Payload: {"v":1,"client_id":"<id>"}
func BuildHandshake(clientID string) (Frame, error) {
	payload, err := json.Marshal(handshakePayload{Version: ProtocolVersion, ClientID: clientID})
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal handshake: %w", err)
	}
	return Frame{Opcode: OpHandshake, Payload: payload}, nil
}

// BuildCommand creates a command frame bound to nonce. Nil args are sent as
// an empty object since the peer rejects commands without one.
func BuildCommand(req Request, nonce string) (Frame, error) {
	args := json.RawMessage("{}")
	if req.Args != nil {
		switch a := req.Args.(type) {
		case json.RawMessage:
			if len(a) > 0 {
				args = a
			}
		case []byte:
			if len(a) > 0 {
				args = a
			}
		default:
			raw, err := json.Marshal(a)
			if err != nil {
				return Frame{}, fmt.Errorf("failed to marshal %s args: %w", req.Command, err)
			}
			args = raw
		}
	}

	env := Envelope{
		Nonce: nonce,
		Cmd:   req.Command,
		Evt:   req.Event,
		Args:  args,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s command: %w", req.Command, err)
	}
	return Frame{Opcode: OpFrame, Payload: payload}, nil
}

// BuildClose creates a close frame the client sends on orderly shutdown.
func BuildClose(code int, message string) Frame {
	payload, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return Frame{Opcode: OpClose, Payload: payload}
}

// BuildPing creates a keepalive probe. The peer echoes payload in its pong.
func BuildPing(payload []byte) Frame {
	return Frame{Opcode: OpPing, Payload: payload}
}

// BuildPong answers a ping with the same payload.
func BuildPong(ping Frame) Frame {
	return Frame{Opcode: OpPong, Payload: ping.Payload}
}
