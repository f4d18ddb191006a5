package configstore

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type memoryStore struct {
	entries *xsync.MapOf[string, Entry]
	closed  atomic.Bool
}

// NewMemoryConfigStore creates a config store that only lives in memory.
// It is used for ephemeral servers and tests.
func NewMemoryConfigStore() IConfigStore {
	return &memoryStore{entries: xsync.NewMapOf[string, Entry]()}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see configstore/interface.go)
// --------------------------------------------------------------------------

func (s *memoryStore) SaveConfig(changeUUID string, version int64, config string) error {
	if changeUUID == "" {
		return NewError(RetCInvalidOperation, "empty change uuid")
	}
	if s.closed.Load() {
		return NewError(RetCClosed, "store is closed")
	}
	s.entries.Store(changeUUID, Entry{
		ChangeUUID: changeUUID,
		Version:    version,
		Config:     config,
		SavedAt:    time.Now().UTC(),
	})
	return nil
}

func (s *memoryStore) GetConfig(changeUUID string) (Entry, bool, error) {
	if s.closed.Load() {
		return Entry{}, false, NewError(RetCClosed, "store is closed")
	}
	entry, ok := s.entries.Load(changeUUID)
	return entry, ok, nil
}

func (s *memoryStore) Reset() error {
	if s.closed.Load() {
		return NewError(RetCClosed, "store is closed")
	}
	s.entries.Clear()
	return nil
}

func (s *memoryStore) Close() error {
	s.closed.Store(true)
	return nil
}
