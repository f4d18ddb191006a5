package lockmgr

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry is the process-wide set of locked directories.
// Create one per process and pass it to every storage component that needs
// directory locking. Entries are only removed by an explicit release.
type Registry struct {
	held *xsync.MapOf[string, []byte]
}

// NewRegistry creates an empty lock registry
func NewRegistry() *Registry {
	return &Registry{
		held: xsync.NewMapOf[string, []byte](),
	}
}

// Held reports whether dir is currently locked in this registry
func (r *Registry) Held(dir string) bool {
	_, ok := r.held.Load(canonicalPath(dir))
	return ok
}

// --------------------------------------------------------------------------
// Local lock manager (in-process)
// --------------------------------------------------------------------------

type localLockManager struct {
	registry *Registry
}

// NewLocalLockManager creates a lock manager that only guards against double
// locking inside this process.
func NewLocalLockManager(registry *Registry) ILockManager {
	return &localLockManager{registry: registry}
}

func (m *localLockManager) Lock(dir string) (ILock, error) {
	path := canonicalPath(dir)

	ownerID, err := generateOwnerID()
	if err != nil {
		return nil, err
	}

	// LoadOrStore is atomic, only one caller can win the slot
	if _, loaded := m.registry.held.LoadOrStore(path, ownerID); loaded {
		return nil, fmt.Errorf("%s (in-process): %w", path, ErrLockHeld)
	}

	Logger.Debugf("acquired local lock for %s", path)
	return &localLock{registry: m.registry, path: path, ownerID: ownerID}, nil
}

type localLock struct {
	registry *Registry
	path     string
	ownerID  []byte
	once     sync.Once
}

func (l *localLock) Path() string {
	return l.path
}

func (l *localLock) Release() error {
	l.once.Do(func() {
		// only remove the entry if it is still ours
		l.registry.held.Compute(l.path, func(old []byte, loaded bool) ([]byte, bool) {
			if !loaded || string(old) != string(l.ownerID) {
				return old, !loaded
			}
			return nil, true
		})
		Logger.Debugf("released local lock for %s", l.path)
	})
	return nil
}

// canonicalPath normalizes dir so that different spellings of the same
// directory map to the same registry entry
func canonicalPath(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return filepath.Clean(dir)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}
