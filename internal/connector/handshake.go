package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/discord-ipc/internal/events"
	"github.com/energizer-project/discord-ipc/internal/protocol"
)

// DefaultHandshakeTimeout bounds the wait for READY after the hello.
const DefaultHandshakeTimeout = 5 * time.Second

// FrameConn is a frame stream that can be torn down from another goroutine.
type FrameConn interface {
	Send(protocol.Frame) error
	Receive() (protocol.Frame, error)
	Close() error
}

// Handshake opens a session on a freshly dialed conn: it sends the hello
// frame and waits for the peer's READY event.
//
// Pings received while waiting are answered. A Close frame, or any message
// other than READY, is ErrHandshakeRejected. If READY does not arrive within
// timeout the conn is closed and ErrHandshakeTimeout is returned. No other
// frame may be sent on conn until Handshake returns successfully.
func Handshake(ctx context.Context, conn FrameConn, clientID string, timeout time.Duration, logger zerolog.Logger) (*events.ReadyPayload, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Closing the conn is the only way to unblock a pending Receive.
	stop := context.AfterFunc(hctx, func() { conn.Close() })

	ready, err := handshake(conn, clientID)
	if !stop() {
		// The deadline or the caller won the race; the conn is gone.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &protocol.ProtocolError{Op: "handshake", Err: fmt.Errorf("%w after %s", protocol.ErrHandshakeTimeout, timeout)}
	}
	if err != nil {
		return nil, err
	}

	logger.Debug().
		Str("user_id", string(ready.User.ID)).
		Str("username", ready.User.Username).
		Int("version", ready.Version).
		Msg("handshake complete")
	return ready, nil
}

func handshake(conn FrameConn, clientID string) (*events.ReadyPayload, error) {
	hello, err := protocol.BuildHandshake(clientID)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(hello); err != nil {
		return nil, err
	}

	for {
		f, err := conn.Receive()
		if err != nil {
			return nil, err
		}

		switch f.Opcode {
		case protocol.OpPing:
			if err := conn.Send(protocol.BuildPong(f)); err != nil {
				return nil, err
			}

		case protocol.OpPong:
			// ignore

		case protocol.OpClose:
			cp := protocol.DecodeClose(f.Payload)
			return nil, rejected(fmt.Errorf("%w: peer closed connection (%d): %s", protocol.ErrHandshakeRejected, cp.Code, cp.Message))

		case protocol.OpFrame:
			return readyFrom(f.Payload)

		default:
			return nil, rejected(fmt.Errorf("%w: unexpected %s frame", protocol.ErrHandshakeRejected, f.Opcode))
		}
	}
}

func readyFrom(payload []byte) (*events.ReadyPayload, error) {
	env, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		return nil, rejected(fmt.Errorf("%w: %w", protocol.ErrHandshakeRejected, err))
	}

	if events.EventType(env.Evt) != events.EventReady {
		if env.Classify() == protocol.KindClose || env.Evt == protocol.EventError {
			re := env.RequestErr()
			return nil, rejected(fmt.Errorf("%w: %s (%d)", protocol.ErrHandshakeRejected, re.Message, re.Code))
		}
		return nil, rejected(fmt.Errorf("%w: expected READY, got %q", protocol.ErrHandshakeRejected, env.Evt))
	}

	ev, err := events.Decode(env.Evt, env.Data)
	if err != nil {
		return nil, rejected(fmt.Errorf("%w: %w", protocol.ErrHandshakeRejected, err))
	}
	ready, ok := ev.Payload.(*events.ReadyPayload)
	if !ok {
		return nil, rejected(fmt.Errorf("%w: unexpected READY payload type %T", protocol.ErrHandshakeRejected, ev.Payload))
	}
	return ready, nil
}

func rejected(err error) error {
	return &protocol.ProtocolError{Op: "handshake", Err: err}
}
