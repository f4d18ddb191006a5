package sanskrit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ValentinKolb/dNomad/lib/lockmgr"
	"github.com/hashicorp/go-multierror"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("sanskrit")

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("sanskrit: store closed")

const (
	// LogFileName is the name of the append log inside the store directory
	LogFileName = "append.log"

	backupTimeFormat = "20060102.150405.000"
	tmpSuffix        = ".tmp"
)

// --------------------------------------------------------------------------
// Store
// --------------------------------------------------------------------------

type sanskritImpl struct {
	mu       sync.RWMutex
	dir      string
	lock     lockmgr.ILock
	file     *os.File
	size     int64
	lastHash string
	state    *Object
	closed   bool
	now      func() time.Time
}

// Open locks dir and replays its append log. A missing log yields an empty
// store, a damaged tail is truncated away.
func Open(dir string, locks lockmgr.ILockManager) (ISanskrit, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sanskrit directory %s: %w", dir, err)
	}

	lock, err := locks.Lock(dir)
	if err != nil {
		return nil, err
	}

	s := &sanskritImpl{
		dir:   dir,
		lock:  lock,
		state: NewObject(),
		now:   time.Now,
	}

	if err := s.load(); err != nil {
		_ = lock.Release()
		return nil, err
	}

	Logger.Infof("opened sanskrit store in %s (%d keys, %d bytes)", dir, s.state.Len(), s.size)
	return s, nil
}

// load replays the append log and opens it for appending
func (s *sanskritImpl) load() error {
	path := s.logPath()

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	res, err := parseLog(data)
	if err != nil {
		return err
	}

	state := NewObject()
	for i, rec := range res.records {
		var change Change
		if err := json.Unmarshal([]byte(rec.data), &change); err != nil {
			return fmt.Errorf("%w: record %d does not decode: %v", ErrCorrupt, i, err)
		}
		if err := state.Apply(change...); err != nil {
			return fmt.Errorf("%w: record %d does not apply: %v", ErrCorrupt, i, err)
		}
	}

	if res.validLen < int64(len(data)) {
		Logger.Warningf("truncating %s from %d to %d bytes", path, len(data), res.validLen)
		if err := os.Truncate(path, res.validLen); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}

	s.file = f
	s.size = res.validLen
	s.lastHash = res.lastHash
	s.state = state
	return nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see sanskrit.ISanskrit)
// --------------------------------------------------------------------------

func (s *sanskritImpl) GetString(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetString(key)
}

func (s *sanskritImpl) GetLong(key string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetLong(key)
}

func (s *sanskritImpl) GetObject(key string) (*Object, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetObject(key)
}

func (s *sanskritImpl) Snapshot() *Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Copy()
}

func (s *sanskritImpl) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *sanskritImpl) ApplyChange(change Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if len(change) == 0 {
		return nil
	}

	next := s.state.Copy()
	if err := next.Apply(change...); err != nil {
		return err
	}

	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to encode change: %w", err)
	}

	timestamp := s.now().UTC().Format(time.RFC3339Nano)
	rec := record{
		timestamp: timestamp,
		data:      string(data),
		hash:      computeHash(s.lastHash, timestamp, string(data)),
	}

	n, err := s.append(rec.encode())
	if err != nil {
		return err
	}

	s.size += n
	s.lastHash = rec.hash
	s.state = next
	return nil
}

func (s *sanskritImpl) Backup() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	return s.backup()
}

func (s *sanskritImpl) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if _, err := s.backup(); err != nil {
		return err
	}

	path := s.logPath()
	tmpPath := path + tmpSuffix

	var content []byte
	var rec record
	if s.state.Len() > 0 {
		data, err := json.Marshal(s.state.Operations())
		if err != nil {
			return fmt.Errorf("failed to encode state: %w", err)
		}
		timestamp := s.now().UTC().Format(time.RFC3339Nano)
		rec = record{timestamp: timestamp, data: string(data), hash: computeHash("", timestamp, string(data))}
		content = rec.encode()
	}

	if err := writeFileSync(tmpPath, content); err != nil {
		return err
	}

	// swap the append handle
	if err := s.file.Close(); err != nil {
		Logger.Warningf("failed to close %s before compaction: %v", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		s.reopenAfterFailure()
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	syncDir(s.dir)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.closed = true
		return fmt.Errorf("failed to reopen %s: %w", path, err)
	}
	s.file = f
	s.size = int64(len(content))
	s.lastHash = rec.hash

	Logger.Infof("compacted %s to %d bytes", path, s.size)
	return nil
}

func (s *sanskritImpl) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	backupPath, err := s.backup()
	if err != nil {
		return err
	}

	path := s.logPath()
	if err := s.file.Close(); err != nil {
		Logger.Warningf("failed to close %s before reset: %v", path, err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.reopenAfterFailure()
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	syncDir(s.dir)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.closed = true
		return fmt.Errorf("failed to recreate %s: %w", path, err)
	}

	s.file = f
	s.size = 0
	s.lastHash = ""
	s.state = NewObject()

	Logger.Infof("reset sanskrit store in %s (backup: %s)", s.dir, backupPath)
	return nil
}

func (s *sanskritImpl) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var result *multierror.Error
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.lock.Release(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *sanskritImpl) logPath() string {
	return filepath.Join(s.dir, LogFileName)
}

// append writes one encoded record and syncs it. On failure the file is cut
// back to its previous length so that the durable state stays unchanged.
func (s *sanskritImpl) append(b []byte) (int64, error) {
	n, err := s.file.Write(b)
	if err == nil {
		err = s.file.Sync()
	}
	if err != nil {
		if truncErr := s.file.Truncate(s.size); truncErr != nil {
			Logger.Errorf("failed to roll back partial write in %s: %v", s.logPath(), truncErr)
		}
		return 0, fmt.Errorf("failed to append to %s: %w", s.logPath(), err)
	}
	return int64(n), nil
}

// backup copies the append log to backup-<name>-<timestamp>. It returns an
// empty path if there is nothing to back up.
func (s *sanskritImpl) backup() (string, error) {
	src := s.logPath()
	in, err := os.Open(src)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to open %s for backup: %w", src, err)
	}
	defer in.Close()

	base := filepath.Join(s.dir, BackupFileName(LogFileName, s.now()))
	dst := base
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	// two backups within the same millisecond get a counter suffix
	for i := 1; errors.Is(err, os.ErrExist) && i < 100; i++ {
		dst = fmt.Sprintf("%s-%d", base, i)
		out, err = os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create backup %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("failed to write backup %s: %w", dst, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("failed to sync backup %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}

	Logger.Infof("backed up %s to %s", src, dst)
	return dst, nil
}

// reopenAfterFailure restores the append handle after a failed rewrite
func (s *sanskritImpl) reopenAfterFailure() {
	f, err := os.OpenFile(s.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		Logger.Errorf("failed to reopen %s, closing store: %v", s.logPath(), err)
		s.closed = true
		return
	}
	s.file = f
}

// BackupFileName returns the backup name for a file at time t,
// e.g. backup-append.log-20240102.150405.000
func BackupFileName(name string, t time.Time) string {
	return fmt.Sprintf("backup-%s-%s", name, t.Format(backupTimeFormat))
}

func writeFileSync(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	return f.Close()
}

// syncDir flushes directory metadata after a rename, errors are logged only
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		Logger.Warningf("failed to open %s for sync: %v", dir, err)
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		Logger.Debugf("directory sync of %s failed: %v", dir, err)
	}
}
