package configstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	bolt "go.etcd.io/bbolt"
)

var Logger = logger.GetLogger("configstore")

const (
	// DBFileName is the file name of the bolt database inside the store directory
	DBFileName = "configs.db"

	openTimeout = time.Second
)

var bucketConfigs = []byte("configs")

type boltStore struct {
	mu     sync.RWMutex
	db     *bolt.DB
	closed bool
	now    func() time.Time
}

// NewBoltConfigStore opens (or creates) the bolt database in dir
func NewBoltConfigStore(dir string) (IConfigStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	dbPath := filepath.Join(dir, DBFileName)
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketConfigs)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	Logger.Debugf("opened config store %s", dbPath)
	return &boltStore{db: db, now: time.Now}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see configstore/interface.go)
// --------------------------------------------------------------------------

func (s *boltStore) SaveConfig(changeUUID string, version int64, config string) error {
	if changeUUID == "" {
		return NewError(RetCInvalidOperation, "empty change uuid")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return NewError(RetCClosed, "store is closed")
	}

	data, err := json.Marshal(Entry{
		ChangeUUID: changeUUID,
		Version:    version,
		Config:     config,
		SavedAt:    s.now().UTC(),
	})
	if err != nil {
		return NewError(RetCInternalError, err.Error())
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfigs).Put([]byte(changeUUID), data)
	})
}

func (s *boltStore) GetConfig(changeUUID string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Entry{}, false, NewError(RetCClosed, "store is closed")
	}

	var entry Entry
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketConfigs).Get([]byte(changeUUID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &entry)
	})
	if err != nil {
		return Entry{}, false, err
	}
	return entry, found, nil
}

func (s *boltStore) Reset() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return NewError(RetCClosed, "store is closed")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketConfigs); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(bucketConfigs)
		return err
	})
}

func (s *boltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
