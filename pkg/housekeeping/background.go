// Package housekeeping provides the regular-interval background ticker
// pattern used to sweep expired state (session directory entries) without a
// dedicated scheduler dependency.
package housekeeping

import (
	"context"
	"time"

	"github.com/wingmanux/tunnelrelay/pkg/logging"
)

// Run invokes sweep once immediately and then at every tick of the given
// interval, logging each pass at the named action, until ctx is cancelled. It
// is designed to run as a background goroutine for the lifetime of the
// daemon.
func Run(ctx context.Context, interval time.Duration, logger *logging.Logger, action string, sweep func()) {
	logger.Infof("performing initial %s", action)
	sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Infof("performing regular %s", action)
			sweep()
		}
	}
}
