package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Callers match them with errors.Is; the concrete error
// returned is usually one of the categorized types below wrapping them.
var (
	ErrMalformedFrame    = errors.New("malformed frame")
	ErrUnknownOpcode     = errors.New("unknown opcode")
	ErrNoEndpointFound   = errors.New("no ipc endpoint found")
	ErrTransportClosed   = errors.New("transport closed")
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrHandshakeTimeout  = errors.New("handshake timed out")
	ErrRequestTimeout    = errors.New("request timed out")
	ErrRequestCancelled  = errors.New("request cancelled")
	ErrSessionClosed     = errors.New("session closed")
)

// TransportError reports a failure of the underlying byte stream: a missing
// endpoint, a refused connection or a stream closed mid-read/write.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a peer that violated the wire protocol. It is fatal
// to the current connection attempt.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Error codes the desktop client reports in ERROR responses.
const (
	CodeUnknown            = 1000
	CodeMalformedCommand   = 1003
	CodeInvalidPayload     = 4000
	CodeInvalidCommand     = 4002
	CodeInvalidGuild       = 4003
	CodeInvalidEvent       = 4004
	CodeInvalidChannel     = 4005
	CodeInvalidPermissions = 4006
	CodeInvalidClientID    = 4007
	CodeInvalidOrigin      = 4008
	CodeInvalidToken       = 4009
	CodeInvalidUser        = 4010
	CodeOAuth2Error        = 5000
)

var codeNames = map[int]string{
	CodeUnknown:            "unknown error",
	CodeMalformedCommand:   "malformed command",
	CodeInvalidPayload:     "invalid payload",
	CodeInvalidCommand:     "invalid command",
	CodeInvalidGuild:       "invalid guild",
	CodeInvalidEvent:       "invalid event",
	CodeInvalidChannel:     "invalid channel",
	CodeInvalidPermissions: "invalid permissions",
	CodeInvalidClientID:    "invalid client id",
	CodeInvalidOrigin:      "invalid origin",
	CodeInvalidToken:       "invalid token",
	CodeInvalidUser:        "invalid user",
	CodeOAuth2Error:        "oauth2 error",
}

// CodeName returns a readable name for a peer error code.
func CodeName(code int) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("code %d", code)
}

// RequestError is a failure reported by the peer for a specific command.
// It is surfaced to the caller as-is and never retried automatically.
type RequestError struct {
	Command string
	Code    int
	Message string
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed: %s", e.Command, CodeName(e.Code))
	}
	return fmt.Sprintf("%s failed: %s (%d): %s", e.Command, CodeName(e.Code), e.Code, e.Message)
}

// Is lets errors.Is compare two request errors by code alone, so callers can
// write errors.Is(err, &RequestError{Code: CodeInvalidCommand}).
func (e *RequestError) Is(target error) bool {
	t, ok := target.(*RequestError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Reason extracts the detail from an "Invalid command: ..." message, falling
// back to the raw message.
func (e *RequestError) Reason() string {
	if r, ok := strings.CutPrefix(e.Message, "Invalid command: "); ok {
		return r
	}
	return e.Message
}

// IsTransport reports whether err should be treated as a connection-level
// failure that warrants a reconnect.
func IsTransport(err error) bool {
	var te *TransportError
	var pe *ProtocolError
	return errors.As(err, &te) || errors.As(err, &pe)
}
