package sanskrit

// ISanskrit is a durable, append-only key value store. Every ApplyChange is
// atomic: after a crash either all operations of the change are visible or
// none are.
type ISanskrit interface {
	// GetString returns the string stored at key. The boolean reports whether
	// the key exists. A key of another type yields ErrTypeMismatch.
	GetString(key string) (value string, ok bool, err error)
	// GetLong returns the int64 stored at key.
	GetLong(key string) (value int64, ok bool, err error)
	// GetObject returns a copy of the nested object stored at key.
	GetObject(key string) (value *Object, ok bool, err error)
	// Snapshot returns a deep copy of the whole state.
	Snapshot() *Object
	// Size returns the size of the append log in bytes.
	Size() int64

	// ApplyChange applies all operations in order and durably appends them as
	// one record before returning. On error the visible state is unchanged.
	ApplyChange(change Change) error

	// Backup copies the append log to a timestamped backup file and returns its path.
	Backup() (path string, err error)
	// Compact backs up the log and replaces it with a single record holding the current state.
	Compact() error
	// Reset backs up the log and clears the store.
	Reset() error

	// Close closes the log and releases the directory lock.
	Close() error
}
