package connector

import "time"

// ConnectionState is the lifecycle state of a session. Only the Supervisor
// changes it; everything else observes.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateClosing
)

var stateStrings = map[ConnectionState]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateHandshaking:  "handshaking",
	StateConnected:    "connected",
	StateClosing:      "closing",
}

func (s ConnectionState) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes ConnectionState as a JSON string (e.g. "connected").
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Transition records one state change. Err is the failure that caused a
// drop back to Disconnected, if any. Attempt counts connection attempts
// since the last successful connect.
type Transition struct {
	From    ConnectionState `json:"from"`
	To      ConnectionState `json:"to"`
	Err     error           `json:"-"`
	Attempt int             `json:"attempt"`
	At      time.Time       `json:"at"`
}

// Reason returns the error text, or "".
func (t Transition) Reason() string {
	if t.Err == nil {
		return ""
	}
	return t.Err.Error()
}

// Observer is notified of every transition, in order, outside the
// supervisor's lock. It must not block for long.
type Observer func(Transition)
