package discord

import (
	"errors"

	"github.com/energizer-project/discord-ipc/internal/events"
	"github.com/energizer-project/discord-ipc/internal/protocol"
)

// Errors a Session can return. Check them with errors.Is.
var (
	ErrMalformedFrame    = protocol.ErrMalformedFrame
	ErrUnknownOpcode     = protocol.ErrUnknownOpcode
	ErrNoEndpointFound   = protocol.ErrNoEndpointFound
	ErrTransportClosed   = protocol.ErrTransportClosed
	ErrHandshakeRejected = protocol.ErrHandshakeRejected
	ErrHandshakeTimeout  = protocol.ErrHandshakeTimeout
	ErrRequestTimeout    = protocol.ErrRequestTimeout
	ErrRequestCancelled  = protocol.ErrRequestCancelled
	ErrSessionClosed     = protocol.ErrSessionClosed

	ErrUnknownSubscription = events.ErrUnknownSubscription

	ErrInvalidApplicationID = errors.New("application id must be a non-empty numeric snowflake")
)

type (
	// TransportError is a connection-level failure. Sessions recover from
	// these on their own; callers only see them through LastError.
	TransportError = protocol.TransportError
	// ProtocolError is a malformed stream or a failed handshake.
	ProtocolError = protocol.ProtocolError
	// RequestError is a failure the desktop client reported for a command.
	// It is never retried automatically.
	RequestError = protocol.RequestError
)

// Peer error codes carried by RequestError.
const (
	CodeUnknown            = protocol.CodeUnknown
	CodeMalformedCommand   = protocol.CodeMalformedCommand
	CodeInvalidPayload     = protocol.CodeInvalidPayload
	CodeInvalidCommand     = protocol.CodeInvalidCommand
	CodeInvalidGuild       = protocol.CodeInvalidGuild
	CodeInvalidEvent       = protocol.CodeInvalidEvent
	CodeInvalidChannel     = protocol.CodeInvalidChannel
	CodeInvalidPermissions = protocol.CodeInvalidPermissions
	CodeInvalidClientID    = protocol.CodeInvalidClientID
	CodeInvalidOrigin      = protocol.CodeInvalidOrigin
	CodeInvalidToken       = protocol.CodeInvalidToken
	CodeInvalidUser        = protocol.CodeInvalidUser
	CodeOAuth2Error        = protocol.CodeOAuth2Error
)

// AsRequestError extracts a peer-reported failure from err.
func AsRequestError(err error) (*RequestError, bool) {
	var re *RequestError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
