//go:build !windows

package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// RuntimeDir returns the directory the desktop client creates its sockets
// in: the first of XDG_RUNTIME_DIR, TMPDIR, TMP and TEMP that is set, else /tmp.
func RuntimeDir() string {
	for _, env := range []string{"XDG_RUNTIME_DIR", "TMPDIR", "TMP", "TEMP"} {
		if dir := os.Getenv(env); dir != "" {
			return dir
		}
	}
	return "/tmp"
}

// EndpointPath returns the socket path for endpoint index i.
func EndpointPath(i int) string {
	return filepath.Join(RuntimeDir(), fmt.Sprintf("discord-ipc-%d", i))
}

type unixDialer struct{}

// PlatformDialer returns the Unix domain socket dialer.
func PlatformDialer() Dialer {
	return unixDialer{}
}

func (unixDialer) Present(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode()&os.ModeSocket != 0
}

func (unixDialer) Dial(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}
