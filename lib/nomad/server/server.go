package server

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/ValentinKolb/dNomad/lib/configstore"
	"github.com/ValentinKolb/dNomad/lib/lockmgr"
	"github.com/ValentinKolb/dNomad/lib/nomad"
	"github.com/ValentinKolb/dNomad/lib/sanskrit"
	"github.com/hashicorp/go-multierror"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/sourcegraph/conc"
)

var Logger = logger.GetLogger("nomad")

const (
	sanskritDirName = "sanskrit"
	configDirName   = "config"

	// DefaultCompactThreshold is the log size above which Open compacts
	DefaultCompactThreshold = 4 << 20
)

type openOptions struct {
	compactThreshold int64
}

// Option configures Open
type Option func(*openOptions)

// WithCompactThreshold compacts the sanskrit log on open if it is larger than
// bytes. Zero or less disables compaction.
func WithCompactThreshold(bytes int64) Option {
	return func(o *openOptions) { o.compactThreshold = bytes }
}

type nomadServer struct {
	mu         sync.Mutex
	name       string
	state      *serverState
	applicator nomad.IChangeApplicator
	closed     bool
}

// NewNomadServer creates a nomad server on top of an opened sanskrit store and
// config store. The server takes ownership of both and closes them on Close.
// A nil applicator yields a server that can be discovered and rolled back but
// rejects prepare and commit.
func NewNomadServer(
	name string,
	store sanskrit.ISanskrit,
	configs configstore.IConfigStore,
	applicator nomad.IChangeApplicator,
) (nomad.INomadServer, error) {
	s := &nomadServer{
		name:       name,
		state:      &serverState{store: store, configs: configs},
		applicator: applicator,
	}

	if !s.state.initialized() {
		Logger.Infof("[%s] initializing empty nomad state", name)
		if err := s.state.initialize(); err != nil {
			return nil, fmt.Errorf("failed to initialize nomad state: %w", err)
		}
	}

	snap, err := s.state.read()
	if err != nil {
		return nil, fmt.Errorf("failed to read nomad state: %w", err)
	}
	Logger.Infof("[%s] nomad server ready: mode=%s version=%d highest=%d count=%d",
		name, snap.mode, snap.currentVersion, snap.highestVersion, snap.count)

	return s, nil
}

// Open creates a nomad server persisted below dir: the sanskrit log lives in
// dir/sanskrit and the change results in dir/config. A log larger than the
// compact threshold is compacted first.
func Open(name, dir string, locks lockmgr.ILockManager, applicator nomad.IChangeApplicator, opts ...Option) (nomad.INomadServer, error) {
	o := openOptions{compactThreshold: DefaultCompactThreshold}
	for _, opt := range opts {
		opt(&o)
	}

	store, err := sanskrit.Open(filepath.Join(dir, sanskritDirName), locks)
	if err != nil {
		return nil, err
	}

	if size := store.Size(); o.compactThreshold > 0 && size > o.compactThreshold {
		Logger.Infof("[%s] compacting sanskrit log of %d bytes", name, size)
		if err := store.Compact(); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to compact sanskrit log: %w", err)
		}
	}

	configs, err := configstore.NewBoltConfigStore(filepath.Join(dir, configDirName))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	s, err := NewNomadServer(name, store, configs, applicator)
	if err != nil {
		_ = configs.Close()
		_ = store.Close()
		return nil, err
	}
	return s, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see nomad.INomadServer)
// --------------------------------------------------------------------------

func (s *nomadServer) Discover() (resp *nomad.DiscoverResponse, err error) {
	defer observe(opDiscover, time.Now(), nomad.Accept(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, sanskrit.ErrClosed
	}

	snap, err := s.state.read()
	if err != nil {
		return nil, err
	}

	latest, _, err := s.state.changeRequest(snap.latestChangeUUID)
	if err != nil {
		return nil, err
	}
	committed, err := s.state.latestCommitted(snap.latestChangeUUID)
	if err != nil {
		return nil, err
	}

	resp = &nomad.DiscoverResponse{
		Mode:                  snap.mode,
		MutativeMessageCount:  snap.count,
		LastMutationHost:      snap.lastHost,
		LastMutationUser:      snap.lastUser,
		LastMutationTimestamp: snap.lastTimestamp,
		CurrentVersion:        snap.currentVersion,
		HighestVersion:        snap.highestVersion,
		LatestChange:          latest,
		LatestCommittedChange: committed,
	}
	if committed != nil {
		resp.CommittedConfig = committed.ChangeResult
	}
	return resp, nil
}

func (s *nomadServer) Prepare(msg nomad.PrepareMessage) (resp nomad.AcceptRejectResponse, err error) {
	defer func(start time.Time) { observe(opPrepare, start, resp, &err) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, rejected, err := s.checkMutative(msg.MutativeMessage, true)
	if rejected != nil || err != nil {
		return deref(rejected), err
	}

	if snap.mode == nomad.ModePrepared {
		return s.reject(snap, nomad.RejectionConcurrentChange,
			"change %s is already prepared", snap.latestChangeUUID), nil
	}
	if msg.VersionNumber != snap.currentVersion+1 {
		return s.reject(snap, nomad.RejectionUnacceptableVersion,
			"version %d is not the next version %d", msg.VersionNumber, snap.currentVersion+1), nil
	}
	if msg.ChangeUUID == "" || s.state.hasChange(msg.ChangeUUID) {
		return s.reject(snap, nomad.RejectionBadChangeUUID,
			"change uuid %q is empty or was already used", msg.ChangeUUID), nil
	}

	baseConfig := ""
	committed, err := s.state.latestCommitted(snap.latestChangeUUID)
	if err != nil {
		return nomad.AcceptRejectResponse{}, err
	}
	if committed != nil {
		baseConfig = committed.ChangeResult
	}

	newConfig, err := s.applicator.TryApply(baseConfig, msg.Change)
	if errors.Is(err, nomad.ErrInvalidChange) {
		return s.reject(snap, nomad.RejectionUnacceptableChange, "%v", err), nil
	}
	if err != nil {
		return nomad.AcceptRejectResponse{}, fmt.Errorf("change validation failed: %w", err)
	}

	// the result is written first, an orphaned entry is harmless
	if err := s.state.configs.SaveConfig(msg.ChangeUUID, msg.VersionNumber, newConfig); err != nil {
		return nomad.AcceptRejectResponse{}, fmt.Errorf("failed to store change result: %w", err)
	}

	changeOp, err := newChangeRequestOp(msg, snap.latestChangeUUID, newConfig)
	if err != nil {
		return nomad.AcceptRejectResponse{}, err
	}
	change := append(mutationOps(snap.count, msg.MutativeMessage),
		sanskrit.SetString(keyMode, string(nomad.ModePrepared)),
		sanskrit.SetLong(keyHighestVersion, msg.VersionNumber),
		sanskrit.SetString(keyLatestChangeUUID, msg.ChangeUUID),
		changeOp,
	)
	if err := s.state.store.ApplyChange(change); err != nil {
		return nomad.AcceptRejectResponse{}, fmt.Errorf("failed to persist prepare: %w", err)
	}

	Logger.Infof("[%s] prepared change %s (%s) at version %d for %s@%s",
		s.name, msg.ChangeUUID, msg.Change.Summary, msg.VersionNumber, msg.MutationUser, msg.MutationHost)
	return nomad.Accept(), nil
}

func (s *nomadServer) Commit(msg nomad.CommitMessage) (resp nomad.AcceptRejectResponse, err error) {
	defer func(start time.Time) { observe(opCommit, start, resp, &err) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, rejected, err := s.checkMutative(msg.MutativeMessage, true)
	if rejected != nil || err != nil {
		return deref(rejected), err
	}
	if r := s.checkPrepared(snap, msg.ChangeUUID); r != nil {
		return *r, nil
	}

	details, _, err := s.state.changeRequest(msg.ChangeUUID)
	if err != nil {
		return nomad.AcceptRejectResponse{}, err
	}

	requiresRestart, err := s.applicator.Apply(details.Change)
	if err != nil {
		return nomad.AcceptRejectResponse{}, fmt.Errorf("failed to apply change %s: %w", msg.ChangeUUID, err)
	}

	stateOp, err := s.state.changeStateOp(msg.ChangeUUID, nomad.StateCommitted)
	if err != nil {
		return nomad.AcceptRejectResponse{}, err
	}
	change := append(mutationOps(snap.count, msg.MutativeMessage),
		sanskrit.SetString(keyMode, string(nomad.ModeAccepting)),
		sanskrit.SetLong(keyCurrentVersion, snap.highestVersion),
		stateOp,
	)
	if err := s.state.store.ApplyChange(change); err != nil {
		Logger.Errorf("[%s] change %s was applied but the commit could not be persisted: %v", s.name, msg.ChangeUUID, err)
		return nomad.AcceptRejectResponse{}, fmt.Errorf("failed to persist commit: %w", err)
	}

	Logger.Infof("[%s] committed change %s at version %d (restart required: %t)",
		s.name, msg.ChangeUUID, snap.highestVersion, requiresRestart)
	resp = nomad.Accept()
	resp.RequiresRestart = requiresRestart
	return resp, nil
}

func (s *nomadServer) Rollback(msg nomad.RollbackMessage) (resp nomad.AcceptRejectResponse, err error) {
	defer func(start time.Time) { observe(opRollback, start, resp, &err) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, rejected, err := s.checkMutative(msg.MutativeMessage, false)
	if rejected != nil || err != nil {
		return deref(rejected), err
	}
	if r := s.checkPrepared(snap, msg.ChangeUUID); r != nil {
		return *r, nil
	}

	stateOp, err := s.state.changeStateOp(msg.ChangeUUID, nomad.StateRolledBack)
	if err != nil {
		return nomad.AcceptRejectResponse{}, err
	}
	change := append(mutationOps(snap.count, msg.MutativeMessage),
		sanskrit.SetString(keyMode, string(nomad.ModeAccepting)),
		sanskrit.SetLong(keyHighestVersion, snap.currentVersion),
		stateOp,
	)
	if err := s.state.store.ApplyChange(change); err != nil {
		return nomad.AcceptRejectResponse{}, fmt.Errorf("failed to persist rollback: %w", err)
	}

	Logger.Infof("[%s] rolled back change %s", s.name, msg.ChangeUUID)
	return nomad.Accept(), nil
}

func (s *nomadServer) Takeover(msg nomad.TakeoverMessage) (resp nomad.AcceptRejectResponse, err error) {
	defer func(start time.Time) { observe(opTakeover, start, resp, &err) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, rejected, err := s.checkMutative(msg.MutativeMessage, false)
	if rejected != nil || err != nil {
		return deref(rejected), err
	}

	if err := s.state.store.ApplyChange(mutationOps(snap.count, msg.MutativeMessage)); err != nil {
		return nomad.AcceptRejectResponse{}, fmt.Errorf("failed to persist takeover: %w", err)
	}

	Logger.Infof("[%s] taken over by %s@%s (previous owner %s@%s)",
		s.name, msg.MutationUser, msg.MutationHost, snap.lastUser, snap.lastHost)
	return nomad.Accept(), nil
}

func (s *nomadServer) Reset() (err error) {
	defer observe(opReset, time.Now(), nomad.Accept(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return sanskrit.ErrClosed
	}
	if err := s.state.store.Reset(); err != nil {
		return err
	}
	if err := s.state.configs.Reset(); err != nil {
		return err
	}
	if err := s.state.initialize(); err != nil {
		return err
	}
	if r, ok := s.applicator.(nomad.IResettableApplicator); ok {
		if err := r.Reset(); err != nil {
			return fmt.Errorf("failed to reset applicator: %w", err)
		}
	}
	Logger.Warningf("[%s] nomad state was reset", s.name)
	return nil
}

func (s *nomadServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	// both stores sync to disk on close, do it in parallel
	var mu sync.Mutex
	var result *multierror.Error
	var wg conc.WaitGroup
	for _, closer := range []func() error{s.state.store.Close, s.state.configs.Close} {
		wg.Go(func() {
			if err := closer(); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return result.ErrorOrNil()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// checkMutative runs the checks every mutative message shares: the server must
// be alive and the expected mutative message count must match
func (s *nomadServer) checkMutative(msg nomad.MutativeMessage, needsApplicator bool) (snapshot, *nomad.AcceptRejectResponse, error) {
	if s.closed {
		r := nomad.Reject(nomad.RejectionDead, "server is closed", "", "")
		return snapshot{}, &r, nil
	}

	snap, err := s.state.read()
	if err != nil {
		return snapshot{}, nil, err
	}

	if needsApplicator && s.applicator == nil {
		r := s.reject(snap, nomad.RejectionDead, "server has no change applicator")
		return snap, &r, nil
	}
	if msg.ExpectedMutativeMessageCount != snap.count {
		r := s.reject(snap, nomad.RejectionCheckError,
			"expected mutative message count %d but the server is at %d", msg.ExpectedMutativeMessageCount, snap.count)
		return snap, &r, nil
	}
	return snap, nil, nil
}

// checkPrepared verifies that uuid is the currently prepared change
func (s *nomadServer) checkPrepared(snap snapshot, uuid string) *nomad.AcceptRejectResponse {
	if snap.mode != nomad.ModePrepared {
		r := s.reject(snap, nomad.RejectionBadChangeUUID, "no change is prepared (got %s)", uuid)
		return &r
	}
	if uuid != snap.latestChangeUUID {
		r := s.reject(snap, nomad.RejectionBadChangeUUID,
			"change %s is not the prepared change %s", uuid, snap.latestChangeUUID)
		return &r
	}
	return nil
}

func (s *nomadServer) reject(snap snapshot, rejectionType nomad.RejectionType, format string, args ...interface{}) nomad.AcceptRejectResponse {
	msg := fmt.Sprintf(format, args...)
	Logger.Infof("[%s] rejected (%s): %s", s.name, rejectionType, msg)
	return nomad.Reject(rejectionType, msg, snap.lastHost, snap.lastUser)
}

func deref(r *nomad.AcceptRejectResponse) nomad.AcceptRejectResponse {
	if r == nil {
		return nomad.AcceptRejectResponse{}
	}
	return *r
}
