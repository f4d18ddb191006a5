//go:build !unix

package lockmgr

import (
	"errors"
	"os"
	"path/filepath"
)

// tryLockFile falls back to an exclusive marker file next to the lock file
// on platforms without flock.
func tryLockFile(f *os.File) error {
	marker, err := os.OpenFile(f.Name()+".held", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return ErrLockHeld
	}
	if err != nil {
		return err
	}
	return marker.Close()
}

func unlockFile(f *os.File) error {
	return os.Remove(filepath.Clean(f.Name() + ".held"))
}
