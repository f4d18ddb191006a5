package lockmgr

import (
	"github.com/hashicorp/go-multierror"
)

type compositeLockManager struct {
	managers []ILockManager
}

// NewLockManager composes several lock managers. Locks are acquired in order;
// if one fails, the locks acquired so far are released again.
func NewLockManager(managers ...ILockManager) ILockManager {
	return &compositeLockManager{managers: managers}
}

// NewDirectoryLockManager returns the default lock manager for storage
// directories: the in-process registry first, then the OS file lock.
func NewDirectoryLockManager(registry *Registry) ILockManager {
	return NewLockManager(NewLocalLockManager(registry), NewFileLockManager())
}

func (m *compositeLockManager) Lock(dir string) (ILock, error) {
	held := make([]ILock, 0, len(m.managers))
	for _, manager := range m.managers {
		lock, err := manager.Lock(dir)
		if err != nil {
			for i := len(held) - 1; i >= 0; i-- {
				if releaseErr := held[i].Release(); releaseErr != nil {
					Logger.Warningf("failed to release partial lock on %s: %v", dir, releaseErr)
				}
			}
			return nil, err
		}
		held = append(held, lock)
	}
	return &compositeLock{path: canonicalPath(dir), locks: held}, nil
}

type compositeLock struct {
	path  string
	locks []ILock
}

func (l *compositeLock) Path() string {
	return l.path
}

func (l *compositeLock) Release() error {
	var result *multierror.Error
	// reverse acquisition order
	for i := len(l.locks) - 1; i >= 0; i-- {
		if err := l.locks[i].Release(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
