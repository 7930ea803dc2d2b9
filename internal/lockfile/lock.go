// Package lockfile wraps OS-level advisory file locking. internal/engine uses
// it to enforce the single-exclusive-writer invariant on an ADE file while
// it's open in embedded mode.
package lockfile

import (
	"errors"
)

// ErrLocked is returned when an exclusive lock cannot be acquired because it
// is already held by another process.
var ErrLocked = errDaemonLocked

// ErrLockBusy is returned when a non-blocking shared lock cannot be acquired
// because a conflicting exclusive lock is held.
var ErrLockBusy = errors.New("lock busy: held by another process")

// IsLocked returns true if the error indicates a lock is held by another process.
func IsLocked(err error) bool {
	return err == errDaemonLocked
}
