package lockmgr

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalLockExclusive(t *testing.T) {
	dir := t.TempDir()
	m := NewLocalLockManager(NewRegistry())

	lock, err := m.Lock(dir)
	require.NoError(t, err)

	_, err = m.Lock(dir)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release(), "double release is a no-op")

	again, err := m.Lock(dir)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestLocalLockCanonicalPath(t *testing.T) {
	dir := t.TempDir()
	registry := NewRegistry()
	m := NewLocalLockManager(registry)

	lock, err := m.Lock(dir)
	require.NoError(t, err)
	defer lock.Release()

	_, err = m.Lock(filepath.Join(dir, "sub", ".."))
	require.ErrorIs(t, err, ErrLockHeld)
	require.True(t, registry.Held(dir))
}

func TestFileLockExclusiveAcrossManagers(t *testing.T) {
	dir := t.TempDir()

	// two independent managers behave like two processes: separate file descriptions
	first, err := NewFileLockManager().Lock(dir)
	require.NoError(t, err)

	_, err = NewFileLockManager().Lock(dir)
	require.ErrorIs(t, err, ErrLockHeld)

	_, statErr := os.Stat(filepath.Join(dir, LockFileName))
	require.NoError(t, statErr)

	require.NoError(t, first.Release())

	second, err := NewFileLockManager().Lock(dir)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestDirectoryLockConcurrent(t *testing.T) {
	dir := t.TempDir()
	m := NewDirectoryLockManager(NewRegistry())

	var wg sync.WaitGroup
	var success atomic.Int32
	locks := make(chan ILock, 2)
	errs := make(chan error, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := m.Lock(dir)
			if err != nil {
				errs <- err
				return
			}
			success.Add(1)
			locks <- lock
		}()
	}
	wg.Wait()
	close(locks)
	close(errs)

	require.Equal(t, int32(1), success.Load())
	require.Len(t, errs, 1)
	for err := range errs {
		require.ErrorIs(t, err, ErrLockHeld)
	}
	for lock := range locks {
		require.NoError(t, lock.Release())
	}
}

func TestCompositeReleasesPartialLocks(t *testing.T) {
	dir := t.TempDir()
	registry := NewRegistry()

	// hold the file lock from "another process"
	foreign, err := NewFileLockManager().Lock(dir)
	require.NoError(t, err)

	_, err = NewDirectoryLockManager(registry).Lock(dir)
	require.ErrorIs(t, err, ErrLockHeld)
	require.False(t, registry.Held(dir), "local lock must be rolled back")

	require.NoError(t, foreign.Release())
}
