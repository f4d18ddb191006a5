// Package lockmgr implements exclusive directory locking for storage
// components. At most one owner may hold the lock for a directory, whether
// the competing owner lives in the same process or in another process on
// the same machine.
//
// Core Functionality:
//   - In-process lock registry (Registry) keyed by the canonical directory path
//   - OS level lock on <dir>/lock (flock on unix systems)
//   - Composition of both strategies into one lock manager
//
// Implementation Approach:
//
//	The Registry is an explicit object: it is created once per process and
//	handed to every component that locks directories. Entries disappear only
//	when the owning lock is released.
//
//	The file lock uses a non-blocking flock. Because flock locks belong to the
//	open file description, two opens of the same lock file conflict even in
//	the same process, which is why tests can simulate two processes with two
//	file lock managers.
//
//	Lock acquisition never waits. Contention is reported immediately with an
//	error wrapping ErrLockHeld.
//
// Usage Example:
//
//	registry := lockmgr.NewRegistry()
//	lock, err := lockmgr.NewDirectoryLockManager(registry).Lock("/var/lib/nomad")
//	if errors.Is(err, lockmgr.ErrLockHeld) {
//	    // somebody else owns the directory
//	}
//	defer lock.Release()
package lockmgr
