// Package protocol implements the wire format spoken with the Discord desktop
// client over its local IPC endpoint. Every frame carries an 8-byte
// little-endian header (opcode, payload length) followed by a JSON payload.
package protocol

import "fmt"

// Opcode tags a frame on the wire.
type Opcode uint32

const (
	OpHandshake Opcode = 0 // Client hello with version + application id
	OpFrame     Opcode = 1 // JSON command, response or event
	OpClose     Opcode = 2 // Peer (or client) is closing the session
	OpPing      Opcode = 3 // Liveness probe, answered with OpPong
	OpPong      Opcode = 4 // Reply to OpPing, echoes its payload
)

var opcodeNames = map[Opcode]string{
	OpHandshake: "handshake",
	OpFrame:     "frame",
	OpClose:     "close",
	OpPing:      "ping",
	OpPong:      "pong",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode(%d)", uint32(o))
}

// Valid reports whether o is one of the five known opcodes.
func (o Opcode) Valid() bool {
	return o <= OpPong
}

// HeaderSize is the size of the opcode + length header in bytes.
const HeaderSize = 8

// DefaultMaxPayloadSize is the sanity ceiling on a declared payload length.
// A corrupt or hostile peer cannot make the reader allocate more than this.
const DefaultMaxPayloadSize = 16 << 20

// ProtocolVersion is sent in the handshake payload.
const ProtocolVersion = 1

// Frame is one decoded unit read from or written to the transport.
type Frame struct {
	Opcode  Opcode
	Payload []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("%s[%d bytes]", f.Opcode, len(f.Payload))
}
