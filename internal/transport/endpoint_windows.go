//go:build windows

package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// EndpointPath returns the named pipe path for endpoint index i.
func EndpointPath(i int) string {
	return fmt.Sprintf(`\\?\pipe\discord-ipc-%d`, i)
}

type pipeDialer struct{}

// PlatformDialer returns the named pipe dialer.
func PlatformDialer() Dialer {
	return pipeDialer{}
}

// Present always reports true: a named pipe can only be probed by opening
// it, which Dial does.
func (pipeDialer) Present(string) bool {
	return true
}

func (pipeDialer) Dial(ctx context.Context, path string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, path)
}
