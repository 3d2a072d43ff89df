// Package transport owns the local byte stream to the Discord desktop client:
// endpoint discovery on each platform and whole-frame reads and writes.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/discord-ipc/internal/protocol"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// Conn wraps the stream to one IPC endpoint. Send may be called from any
// number of goroutines; Receive must only be called by a single reader.
type Conn struct {
	wmu sync.Mutex // serializes frame writes

	mu     sync.Mutex
	conn   net.Conn
	logger zerolog.Logger

	endpoint     string
	maxPayload   uint32
	writeTimeout time.Duration

	connectedAt  time.Time
	lastActivity time.Time
	closed       bool

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
}

// ConnOptions tunes a Conn.
type ConnOptions struct {
	MaxPayload   uint32
	WriteTimeout time.Duration
	// Logger defaults to the global logger.
	Logger *zerolog.Logger
}

// NewConn wraps an established stream.
func NewConn(conn net.Conn, endpoint string, opts ConnOptions) *Conn {
	if opts.MaxPayload == 0 {
		opts.MaxPayload = protocol.DefaultMaxPayloadSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}
	now := time.Now()
	return &Conn{
		conn:         conn,
		endpoint:     endpoint,
		maxPayload:   opts.MaxPayload,
		writeTimeout: opts.WriteTimeout,
		connectedAt:  now,
		lastActivity: now,
		logger:       base.With().Str("component", "transport").Str("endpoint", endpoint).Logger(),
	}
}

// Send writes one frame. Concurrent callers are serialized so frames never
// interleave on the wire.
func (c *Conn) Send(f protocol.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.IsClosed() {
		return &protocol.TransportError{Op: "write", Err: protocol.ErrTransportClosed}
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := protocol.WriteFrame(c.conn, f); err != nil {
		// part of the frame may already be on the wire; the stream can't
		// be trusted, so close it and let the reader see the failure
		err = c.streamFailure("write", err)
		if c.IsClosed() {
			c.conn.Close()
		}
		return err
	}

	c.framesOut.Add(1)
	c.touch()
	c.logger.Trace().Stringer("frame", f).Msg("frame sent")
	return nil
}

// Receive blocks until one whole frame has been read.
func (c *Conn) Receive() (protocol.Frame, error) {
	if c.IsClosed() {
		return protocol.Frame{}, &protocol.TransportError{Op: "read", Err: protocol.ErrTransportClosed}
	}

	f, err := protocol.ReadFrame(c.conn, c.maxPayload)
	if err != nil {
		return protocol.Frame{}, c.streamFailure("read", err)
	}

	c.framesIn.Add(1)
	c.touch()
	c.logger.Trace().Stringer("frame", f).Msg("frame received")
	return f, nil
}

// SetReadDeadline bounds the next Receive. A zero time clears it.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// streamFailure normalizes errors from the underlying stream. Once the stream
// is gone, either because we closed it, the peer hung up or a write was cut
// short, the conn is marked closed so later calls fail fast with
// ErrTransportClosed.
func (c *Conn) streamFailure(op string, err error) error {
	var pe *protocol.ProtocolError
	if errors.As(err, &pe) {
		return err
	}

	switch {
	case op == "read" && errors.Is(err, os.ErrDeadlineExceeded):
		// a read deadline leaves the stream intact
		return err
	case errors.Is(err, protocol.ErrTransportClosed):
	case errors.Is(err, net.ErrClosed):
		err = &protocol.TransportError{Op: op, Err: fmt.Errorf("%w: %w", protocol.ErrTransportClosed, err)}
	default:
		var te *protocol.TransportError
		if !errors.As(err, &te) {
			err = &protocol.TransportError{Op: op, Err: err}
		}
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Close releases the stream. It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	if !wasClosed {
		c.logger.Debug().
			Uint64("frames_in", c.framesIn.Load()).
			Uint64("frames_out", c.framesOut.Load()).
			Msg("connection closed")
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

// IsClosed returns whether the connection has been closed by either side.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Endpoint returns the path this conn was dialed on.
func (c *Conn) Endpoint() string {
	return c.endpoint
}

// LastActivity returns the time of the last frame read or written.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the connection was established.
func (c *Conn) ConnectedAt() time.Time {
	return c.connectedAt
}

// Stats returns the number of frames read and written.
func (c *Conn) Stats() (in, out uint64) {
	return c.framesIn.Load(), c.framesOut.Load()
}
