package nomad

import "errors"

// ErrInvalidChange is wrapped by change applicators when a change is not
// acceptable for the current configuration
var ErrInvalidChange = errors.New("invalid config change")

// INomadServer is the server side of the nomad protocol.
// Protocol rejections are reported through AcceptRejectResponse. The error
// return is reserved for failures such as storage I/O.
type INomadServer interface {
	// Discover returns the current state. It never mutates anything.
	Discover() (*DiscoverResponse, error)
	// Prepare stages a change at version currentVersion+1.
	Prepare(msg PrepareMessage) (AcceptRejectResponse, error)
	// Commit applies the prepared change.
	Commit(msg CommitMessage) (AcceptRejectResponse, error)
	// Rollback discards the prepared change.
	Rollback(msg RollbackMessage) (AcceptRejectResponse, error)
	// Takeover transfers ownership of the state to the sender.
	Takeover(msg TakeoverMessage) (AcceptRejectResponse, error)
	// Reset clears all persisted state. Administrative use only.
	Reset() error
	// Close releases the storage of the server.
	Close() error
}

// IChangeApplicator is the application hook that validates and applies changes.
type IChangeApplicator interface {
	// TryApply validates change against the committed configuration baseConfig
	// ("" if nothing was committed yet) and returns the resulting configuration.
	// Errors wrapping ErrInvalidChange reject the prepare.
	TryApply(baseConfig string, change Change) (newConfig string, err error)
	// Apply makes a committed change effective. It reports whether the
	// change only takes effect after a restart.
	Apply(change Change) (requiresRestart bool, err error)
}

// IResettableApplicator is implemented by applicators that hold effective
// state. The server calls Reset after its own state was reset, so that the
// application matches the empty committed configuration.
type IResettableApplicator interface {
	Reset() error
}
