//go:build !windows

package transport

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/discord-ipc/internal/protocol"
)

func TestRuntimeDir_Precedence(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")
	t.Setenv("TMPDIR", "")
	t.Setenv("TMP", "")
	t.Setenv("TEMP", "")
	assert.Equal(t, "/tmp", RuntimeDir())

	t.Setenv("TEMP", "/temp")
	assert.Equal(t, "/temp", RuntimeDir())

	t.Setenv("TMPDIR", "/tmpdir")
	assert.Equal(t, "/tmpdir", RuntimeDir())

	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, "/run/user/1000", RuntimeDir())
	assert.Equal(t, "/run/user/1000/discord-ipc-3", EndpointPath(3))
}

func TestDiscover_UnixSocket(t *testing.T) {
	// Unix socket paths are limited to ~104 bytes, so avoid t.TempDir().
	dir, err := os.MkdirTemp("", "ipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	t.Setenv("XDG_RUNTIME_DIR", dir)

	// A regular file at index 0 is not a socket and must be skipped.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "discord-ipc-0"), nil, 0o600))

	ln, err := net.Listen("unix", filepath.Join(dir, "discord-ipc-1"))
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		protocol.WriteFrame(c, protocol.Frame{Opcode: protocol.OpPing, Payload: []byte("hi")})
	}()

	conn, err := Discover(context.Background(), DiscoverOptions{Instance: -1})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, filepath.Join(dir, "discord-ipc-1"), conn.Endpoint())
	f, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.OpPing, f.Opcode)
	assert.Equal(t, "hi", string(f.Payload))
}
