package protocol

import (
	"encoding/json"
	"fmt"
)

// EventError is the evt value the peer uses to flag a failed command.
const EventError = "ERROR"

// Envelope is the JSON document carried inside an OpFrame frame.
type Envelope struct {
	Nonce   string          `json:"nonce,omitempty"`
	Cmd     string          `json:"cmd,omitempty"`
	Evt     string          `json:"evt,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Code    *int            `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Kind identifies which of the mutually exclusive envelope shapes a decoded
// envelope has.
type Kind int

const (
	KindInvalid Kind = iota
	KindCommand
	KindResponse
	KindErrorResponse
	KindEvent
	KindClose
)

var kindNames = map[Kind]string{
	KindInvalid:       "invalid",
	KindCommand:       "command",
	KindResponse:      "response",
	KindErrorResponse: "error_response",
	KindEvent:         "event",
	KindClose:         "close",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Classify returns the envelope's shape. Anything carrying a nonce is
// correlated to a command; events never carry one.
func (e *Envelope) Classify() Kind {
	switch {
	case e.Nonce != "" && e.Args != nil && e.Data == nil:
		return KindCommand
	case e.Nonce != "" && (e.Evt == EventError || e.Code != nil):
		return KindErrorResponse
	case e.Nonce != "":
		return KindResponse
	case e.Evt != "":
		return KindEvent
	case e.Code != nil:
		return KindClose
	default:
		return KindInvalid
	}
}

// ErrorPayload is the data of an ERROR response, and the payload of a Close
// frame.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RequestErr converts an error response into a RequestError. The code and
// message may sit in data (the usual shape) or at the top level.
func (e *Envelope) RequestErr() *RequestError {
	re := &RequestError{Command: e.Cmd, Code: CodeUnknown}
	if e.Code != nil {
		re.Code = *e.Code
		re.Message = e.Message
	}
	if len(e.Data) > 0 {
		var p ErrorPayload
		if err := json.Unmarshal(e.Data, &p); err == nil && (p.Code != 0 || p.Message != "") {
			re.Code = p.Code
			re.Message = p.Message
		}
	}
	return re
}

// DecodeEnvelope parses a frame payload. A payload that is not a JSON object
// is a protocol error.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &ProtocolError{Op: "decode envelope", Err: fmt.Errorf("%w: %v", ErrMalformedFrame, err)}
	}
	return &env, nil
}

// DecodeClose parses the payload of an OpClose frame. An empty or unparsable
// payload yields a zero-valued result rather than an error.
func DecodeClose(payload []byte) ErrorPayload {
	var p ErrorPayload
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &p)
	}
	return p
}
