package daemon

import (
	"fmt"

	"github.com/gofrs/flock"

	"github.com/wingmanux/tunnelrelay/pkg/logging"
)

// Lock represents the global daemon lock. It is held by a single relay daemon
// instance at a time and prevents two daemons from racing on the same state
// directory.
type Lock struct {
	// locker is the underlying file locker.
	locker *flock.Flock
	logger *logging.Logger
}

// AcquireLock attempts to acquire the global daemon lock. It returns an error
// immediately if another instance already holds it; it does not block.
func AcquireLock(logger *logging.Logger) (*Lock, error) {
	path, err := lockPath()
	if err != nil {
		return nil, fmt.Errorf("unable to compute daemon lock path: %w", err)
	}

	locker := flock.New(path)
	locked, err := locker.TryLock()
	if err != nil {
		return nil, fmt.Errorf("unable to acquire daemon lock: %w", err)
	} else if !locked {
		return nil, fmt.Errorf("daemon lock held by another instance")
	}

	return &Lock{
		locker: locker,
		logger: logger,
	}, nil
}

// Release releases the daemon lock.
func (l *Lock) Release() error {
	if err := l.locker.Unlock(); err != nil {
		return fmt.Errorf("unable to release daemon lock: %w", err)
	}
	return nil
}
