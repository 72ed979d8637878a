//go:build windows

package daemon

import (
	"fmt"
	"net"
	"path/filepath"
	"time"

	winio "github.com/Microsoft/go-winio"
)

// pipeName converts a daemon endpoint path into a Windows named pipe path.
func pipeName(endpoint string) string {
	return `\\.\pipe\` + filepath.Base(filepath.Dir(filepath.Dir(endpoint))) + `-daemon`
}

// DialTimeout attempts to establish a connection to the daemon IPC endpoint.
func DialTimeout(timeout time.Duration) (net.Conn, error) {
	endpoint, err := EndpointPath()
	if err != nil {
		return nil, fmt.Errorf("unable to compute endpoint path: %w", err)
	}

	return winio.DialPipe(pipeName(endpoint), &timeout)
}

// NewListener attempts to create a daemon IPC listener. It must only be
// called by a process that holds the daemon lock.
func NewListener() (net.Listener, error) {
	endpoint, err := EndpointPath()
	if err != nil {
		return nil, fmt.Errorf("unable to compute endpoint path: %w", err)
	}

	return winio.ListenPipe(pipeName(endpoint), nil)
}
