package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Encode serializes a frame: [opcode:4 LE][length:4 LE][payload].
func Encode(op Opcode, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(op))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// WriteFrame writes a whole frame with a single Write call so that concurrent
// writers serialized by the caller never interleave partial frames.
func WriteFrame(w io.Writer, f Frame) error {
	if uint64(len(f.Payload)) > uint64(^uint32(0)) {
		return &ProtocolError{Op: "encode", Err: fmt.Errorf("%w: payload of %d bytes does not fit the length field", ErrMalformedFrame, len(f.Payload))}
	}
	if _, err := w.Write(Encode(f.Opcode, f.Payload)); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// ReadFrame reads exactly one frame from r. It blocks until the header and
// the full payload are available; no partially read frame is ever returned.
//
// A declared length above maxPayload yields ErrMalformedFrame and an opcode
// outside 0..4 yields ErrUnknownOpcode, both wrapped in a ProtocolError.
// Stream failures (including a clean EOF) are wrapped in a TransportError.
func ReadFrame(r io.Reader, maxPayload uint32) (Frame, error) {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayloadSize
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, &TransportError{Op: "read header", Err: streamErr(err)}
	}

	op := Opcode(binary.LittleEndian.Uint32(header[0:4]))
	length := binary.LittleEndian.Uint32(header[4:8])

	if !op.Valid() {
		return Frame{}, &ProtocolError{Op: "decode", Err: fmt.Errorf("%w: %d", ErrUnknownOpcode, uint32(op))}
	}
	if length > maxPayload {
		return Frame{}, &ProtocolError{Op: "decode", Err: fmt.Errorf("%w: declared length %d exceeds ceiling %d", ErrMalformedFrame, length, maxPayload)}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, &TransportError{Op: "read payload", Err: streamErr(err)}
	}

	return Frame{Opcode: op, Payload: payload}, nil
}

// streamErr maps end-of-stream conditions to ErrTransportClosed while keeping
// the original error in the chain.
func streamErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	}
	return err
}
