package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/discord-ipc/internal/protocol"
)

// MaxEndpoints is the number of numbered endpoints the desktop client may
// listen on (discord-ipc-0 .. discord-ipc-9).
const MaxEndpoints = 10

// InstanceEnv pins discovery to a single numbered endpoint, which is how two
// desktop clients on one machine are told apart during local testing.
const InstanceEnv = "DISCORD_INSTANCE_ID"

// Dialer opens a stream to an endpoint path. The platform dialer is used
// unless tests substitute their own.
type Dialer interface {
	// Present reports whether something is listening at path at all.
	Present(path string) bool
	Dial(ctx context.Context, path string) (net.Conn, error)
}

// DiscoverOptions control endpoint discovery.
type DiscoverOptions struct {
	// Instance selects one endpoint index. Negative means probe 0..9 in order.
	Instance int
	Dialer   Dialer
	// Conn.Logger is also used for discovery itself.
	Conn ConnOptions
}

// InstanceFromEnv returns the index set in DISCORD_INSTANCE_ID, or -1.
func InstanceFromEnv() int {
	v := os.Getenv(InstanceEnv)
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n >= MaxEndpoints {
		log.Warn().Str("value", v).Msg("ignoring invalid " + InstanceEnv)
		return -1
	}
	return n
}

// Candidates lists endpoint paths in probe order.
func Candidates(instance int) []string {
	if instance >= 0 {
		return []string{EndpointPath(instance)}
	}
	paths := make([]string, 0, MaxEndpoints)
	for i := 0; i < MaxEndpoints; i++ {
		paths = append(paths, EndpointPath(i))
	}
	return paths
}

// Discover probes candidate endpoints in order and returns a Conn for the
// first one that is present and accepts a connection.
func Discover(ctx context.Context, opts DiscoverOptions) (*Conn, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = PlatformDialer()
	}

	logger := log.Logger
	if opts.Conn.Logger != nil {
		logger = *opts.Conn.Logger
	}

	var lastErr error
	for _, path := range Candidates(opts.Instance) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !dialer.Present(path) {
			continue
		}

		conn, err := dialer.Dial(ctx, path)
		if err != nil {
			logger.Trace().Err(err).Str("endpoint", path).Msg("endpoint refused connection")
			lastErr = err
			continue
		}

		logger.Debug().Str("endpoint", path).Msg("connected to ipc endpoint")
		return NewConn(conn, path, opts.Conn), nil
	}

	err := protocol.ErrNoEndpointFound
	if lastErr != nil {
		err = fmt.Errorf("%w: last error: %w", protocol.ErrNoEndpointFound, lastErr)
	}
	return nil, &protocol.TransportError{Op: "discover", Err: err}
}

// IsNoEndpoint reports whether err came from a discovery pass that found
// nothing to connect to.
func IsNoEndpoint(err error) bool {
	return errors.Is(err, protocol.ErrNoEndpointFound)
}
