package lockmgr

import "errors"

// ErrLockHeld is returned when a directory is already locked by this or another process.
var ErrLockHeld = errors.New("lock already held")

// ILock is a held directory lock.
type ILock interface {
	// Path returns the directory the lock protects.
	Path() string
	// Release releases the lock. Releasing an already released lock is a no-op.
	Release() error
}

// ILockManager defines the interface for a directory lock provider.
type ILockManager interface {
	// Lock acquires an exclusive lock for the given directory.
	// It never blocks: if the lock is held it returns an error wrapping ErrLockHeld.
	Lock(dir string) (ILock, error)
}
