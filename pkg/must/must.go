// Package must wraps operations whose error return has no meaningful
// recovery path at the call site (closing a connection we're tearing down
// anyway, removing a stale socket file) so the error is logged instead of
// silently discarded.
package must

import (
	"io"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/wingmanux/tunnelrelay/pkg/logging"
)

// Close closes c, logging any error.
func Close(c io.Closer, logger *logging.Logger) {
	if err := c.Close(); err != nil {
		logger.Warnf("unable to close: %s", err.Error())
	}
}

// CloseWrite performs a half-close on cw, logging any error.
func CloseWrite(cw interface{ CloseWrite() error }, logger *logging.Logger) {
	if err := cw.CloseWrite(); err != nil {
		logger.Warnf("unable to CloseWrite: %s", err.Error())
	}
}

// Serve runs a listener-based server's Serve method, logging a non-nil
// return. Callers that expect a clean-shutdown sentinel (e.g.
// http.ErrServerClosed) should filter it out before calling this, or accept
// that it will be logged as a warning.
func Serve(s interface{ Serve(net.Listener) error }, listener net.Listener, logger *logging.Logger) {
	if err := s.Serve(listener); err != nil {
		logger.Warnf("unable to serve %s: %s", listener.Addr(), err.Error())
	}
}

// Unlock releases locker, logging any error.
func Unlock(locker interface{ Unlock() error }, logger *logging.Logger) {
	if err := locker.Unlock(); err != nil {
		logger.Warnf("unable to unlock: %s", err.Error())
	}
}

// OSRemove removes name, logging any error.
func OSRemove(name string, logger *logging.Logger) {
	if err := os.Remove(name); err != nil {
		logger.Warnf("unable to remove '%s': %s", name, err.Error())
	}
}

// CommandHelp prints a cobra command's help text, logging any error.
func CommandHelp(c *cobra.Command, logger *logging.Logger) {
	if err := c.Help(); err != nil {
		logger.Warnf("unable to print help: %s", err.Error())
	}
}
