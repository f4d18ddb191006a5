package lockmgr

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("lockmgr")

const (
	// LockFileName is the name of the lock file created inside a locked directory
	LockFileName = "lock"

	ownerIDLength = 16
)

type fileLockManager struct{}

// NewFileLockManager creates a lock manager that takes an OS level lock on
// <dir>/lock. It rejects concurrent access from other processes.
func NewFileLockManager() ILockManager {
	return &fileLockManager{}
}

func (m *fileLockManager) Lock(dir string) (ILock, error) {
	path := canonicalPath(dir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", path, err)
	}

	lockPath := filepath.Join(path, LockFileName)
	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := tryLockFile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", lockPath, err)
	}

	// record the owner for diagnostics, failure here is not fatal
	if ownerID, err := generateOwnerID(); err == nil {
		if err := f.Truncate(0); err == nil {
			_, _ = f.WriteAt([]byte(fmt.Sprintf("pid=%d owner=%s\n", os.Getpid(), hex.EncodeToString(ownerID))), 0)
		}
	}

	Logger.Debugf("acquired file lock %s", lockPath)
	return &fileLock{path: path, file: f}, nil
}

type fileLock struct {
	path string
	file *os.File
	once sync.Once
	err  error
}

func (l *fileLock) Path() string {
	return l.path
}

func (l *fileLock) Release() error {
	l.once.Do(func() {
		unlockErr := unlockFile(l.file)
		closeErr := l.file.Close()
		if unlockErr != nil {
			l.err = unlockErr
		} else {
			l.err = closeErr
		}
		Logger.Debugf("released file lock for %s", l.path)
	})
	return l.err
}

// generateOwnerID creates a random owner ID
func generateOwnerID() ([]byte, error) {
	randomBytes := make([]byte, ownerIDLength)
	_, err := rand.Read(randomBytes)
	return randomBytes, err
}
