package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dNomad/lib/configstore"
	"github.com/ValentinKolb/dNomad/lib/lockmgr"
	"github.com/ValentinKolb/dNomad/lib/nomad"
	"github.com/ValentinKolb/dNomad/lib/sanskrit"
	"github.com/VictoriaMetrics/metrics"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Test Helpers
// --------------------------------------------------------------------------

var errApplicatorBroken = errors.New("applicator broken")

// lineApplicator appends the payload as a new line to the configuration.
// Payload "invalid" is refused, payload "broken" fails, type "restart"
// requires a restart on apply. Reset forgets all applied changes.
type lineApplicator struct {
	applied []string
	resets  int
}

func (a *lineApplicator) TryApply(baseConfig string, change nomad.Change) (string, error) {
	switch string(change.Payload) {
	case "invalid":
		return "", errors.Join(nomad.ErrInvalidChange, errors.New("payload not allowed"))
	case "broken":
		return "", errApplicatorBroken
	}
	return baseConfig + string(change.Payload) + "\n", nil
}

func (a *lineApplicator) Apply(change nomad.Change) (bool, error) {
	a.applied = append(a.applied, string(change.Payload))
	return change.Type == "restart", nil
}

func (a *lineApplicator) Reset() error {
	a.applied = nil
	a.resets++
	return nil
}

type testServer struct {
	nomad.INomadServer
	dir        string
	registry   *lockmgr.Registry
	applicator *lineApplicator
}

func openTestServer(t *testing.T, dir string, registry *lockmgr.Registry) *testServer {
	t.Helper()
	applicator := &lineApplicator{}
	s, err := Open("test", dir, lockmgr.NewDirectoryLockManager(registry), applicator)
	require.NoError(t, err)
	return &testServer{INomadServer: s, dir: dir, registry: registry, applicator: applicator}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := openTestServer(t, t.TempDir(), lockmgr.NewRegistry())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func (s *testServer) reopen(t *testing.T) *testServer {
	t.Helper()
	require.NoError(t, s.Close())
	reopened := openTestServer(t, s.dir, s.registry)
	t.Cleanup(func() { _ = reopened.Close() })
	return reopened
}

func mutative(count int64, uuid string) nomad.MutativeMessage {
	return nomad.MutativeMessage{
		ExpectedMutativeMessageCount: count,
		MutationHost:                 "host-a",
		MutationUser:                 "alice",
		MutationTimestamp:            time.Now(),
		ChangeUUID:                   uuid,
	}
}

func prepareMsg(count int64, uuid string, version int64, payload string) nomad.PrepareMessage {
	return nomad.PrepareMessage{
		MutativeMessage: mutative(count, uuid),
		VersionNumber:   version,
		Change:          nomad.Change{Type: "line", Summary: "add " + payload, Payload: []byte(payload)},
	}
}

func discover(t *testing.T, s nomad.INomadServer) *nomad.DiscoverResponse {
	t.Helper()
	resp, err := s.Discover()
	require.NoError(t, err)
	return resp
}

func requireAccepted(t *testing.T, resp nomad.AcceptRejectResponse, err error) {
	t.Helper()
	require.NoError(t, err)
	require.True(t, resp.Accepted, resp.String())
}

func requireRejected(t *testing.T, expected nomad.RejectionType, resp nomad.AcceptRejectResponse, err error) {
	t.Helper()
	require.NoError(t, err)
	require.False(t, resp.Accepted)
	require.Equal(t, expected, resp.RejectionType, resp.String())
}

// commitChange prepares and commits one change and returns the new count
func commitChange(t *testing.T, s nomad.INomadServer, count int64, uuid string, version int64, payload string) int64 {
	t.Helper()
	resp, err := s.Prepare(prepareMsg(count, uuid, version, payload))
	requireAccepted(t, resp, err)
	resp, err = s.Commit(nomad.CommitMessage{MutativeMessage: mutative(count+1, uuid)})
	requireAccepted(t, resp, err)
	return count + 2
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestFreshServer(t *testing.T) {
	s := newTestServer(t)

	d := discover(t, s)
	require.Equal(t, nomad.ModeAccepting, d.Mode)
	require.Equal(t, int64(0), d.MutativeMessageCount)
	require.Equal(t, int64(0), d.CurrentVersion)
	require.Equal(t, int64(0), d.HighestVersion)
	require.Nil(t, d.LatestChange)
	require.Nil(t, d.LatestCommittedChange)
	require.Empty(t, d.CommittedConfig)

	// discovery never mutates
	require.Equal(t, d, discover(t, s))
}

func TestPrepareAndCommit(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.Prepare(prepareMsg(0, "u1", 1, "a=1"))
	requireAccepted(t, resp, err)

	d := discover(t, s)
	require.Equal(t, nomad.ModePrepared, d.Mode)
	require.Equal(t, int64(1), d.MutativeMessageCount)
	require.Equal(t, int64(0), d.CurrentVersion)
	require.Equal(t, int64(1), d.HighestVersion)
	require.Equal(t, "host-a", d.LastMutationHost)
	require.Equal(t, "alice", d.LastMutationUser)
	require.Equal(t, "u1", d.LatestChangeUUID())
	require.Equal(t, nomad.StatePrepared, d.LatestChangeState())
	require.Equal(t, "a=1\n", d.LatestChange.ChangeResult)
	require.Equal(t, []byte("a=1"), d.LatestChange.Change.Payload)
	require.Nil(t, d.LatestCommittedChange)
	require.Empty(t, s.applicator.applied, "prepare must not apply")

	resp, err = s.Commit(nomad.CommitMessage{MutativeMessage: mutative(1, "u1")})
	requireAccepted(t, resp, err)
	require.False(t, resp.RequiresRestart)

	d = discover(t, s)
	require.Equal(t, nomad.ModeAccepting, d.Mode)
	require.Equal(t, int64(2), d.MutativeMessageCount)
	require.Equal(t, int64(1), d.CurrentVersion)
	require.Equal(t, int64(1), d.HighestVersion)
	require.Equal(t, nomad.StateCommitted, d.LatestChangeState())
	require.Equal(t, "u1", d.LatestCommittedChange.UUID)
	require.Equal(t, "a=1\n", d.CommittedConfig)
	require.Equal(t, []string{"a=1"}, s.applicator.applied)
}

func TestRollback(t *testing.T) {
	s := newTestServer(t)
	count := commitChange(t, s, 0, "u1", 1, "a=1")

	resp, err := s.Prepare(prepareMsg(count, "u2", 2, "b=2"))
	requireAccepted(t, resp, err)
	resp, err = s.Rollback(nomad.RollbackMessage{MutativeMessage: mutative(count+1, "u2")})
	requireAccepted(t, resp, err)

	d := discover(t, s)
	require.Equal(t, nomad.ModeAccepting, d.Mode)
	require.Equal(t, int64(1), d.CurrentVersion)
	require.Equal(t, int64(1), d.HighestVersion)
	require.Equal(t, nomad.StateRolledBack, d.LatestChangeState())
	require.Equal(t, "u1", d.LatestCommittedChange.UUID)
	require.Equal(t, "a=1\n", d.CommittedConfig)

	// the rolled back version number is free again and builds on the committed config
	count = commitChange(t, s, count+2, "u3", 2, "c=3")
	d = discover(t, s)
	require.Equal(t, "a=1\nc=3\n", d.CommittedConfig)
	require.Equal(t, "u2", d.LatestCommittedChange.PrevChangeUUID)
	require.Equal(t, count, d.MutativeMessageCount)
}

func TestRejections(t *testing.T) {
	t.Run("stale count", func(t *testing.T) {
		s := newTestServer(t)
		before := discover(t, s)

		resp, err := s.Prepare(prepareMsg(5, "u1", 1, "a=1"))
		requireRejected(t, nomad.RejectionCheckError, resp, err)
		require.Equal(t, before, discover(t, s))
	})

	t.Run("concurrent change", func(t *testing.T) {
		s := newTestServer(t)
		resp, err := s.Prepare(prepareMsg(0, "u1", 1, "a=1"))
		requireAccepted(t, resp, err)
		before := discover(t, s)

		resp, err = s.Prepare(prepareMsg(1, "u2", 1, "b=2"))
		requireRejected(t, nomad.RejectionConcurrentChange, resp, err)
		require.Equal(t, "host-a", resp.LastMutationHost)
		require.Equal(t, "alice", resp.LastMutationUser)
		require.Equal(t, before, discover(t, s))
	})

	t.Run("version gap", func(t *testing.T) {
		s := newTestServer(t)
		resp, err := s.Prepare(prepareMsg(0, "u1", 2, "a=1"))
		requireRejected(t, nomad.RejectionUnacceptableVersion, resp, err)

		resp, err = s.Prepare(prepareMsg(0, "u1", 0, "a=1"))
		requireRejected(t, nomad.RejectionUnacceptableVersion, resp, err)
	})

	t.Run("reused uuid", func(t *testing.T) {
		s := newTestServer(t)
		count := commitChange(t, s, 0, "u1", 1, "a=1")

		resp, err := s.Prepare(prepareMsg(count, "u1", 2, "b=2"))
		requireRejected(t, nomad.RejectionBadChangeUUID, resp, err)

		resp, err = s.Prepare(prepareMsg(count, "", 2, "b=2"))
		requireRejected(t, nomad.RejectionBadChangeUUID, resp, err)
	})

	t.Run("commit without prepare", func(t *testing.T) {
		s := newTestServer(t)
		resp, err := s.Commit(nomad.CommitMessage{MutativeMessage: mutative(0, "u1")})
		requireRejected(t, nomad.RejectionBadChangeUUID, resp, err)

		resp, err = s.Rollback(nomad.RollbackMessage{MutativeMessage: mutative(0, "u1")})
		requireRejected(t, nomad.RejectionBadChangeUUID, resp, err)
	})

	t.Run("commit of another uuid", func(t *testing.T) {
		s := newTestServer(t)
		resp, err := s.Prepare(prepareMsg(0, "u1", 1, "a=1"))
		requireAccepted(t, resp, err)

		resp, err = s.Commit(nomad.CommitMessage{MutativeMessage: mutative(1, "u2")})
		requireRejected(t, nomad.RejectionBadChangeUUID, resp, err)
		require.Equal(t, nomad.ModePrepared, discover(t, s).Mode)
	})

	t.Run("count checked before uuid", func(t *testing.T) {
		s := newTestServer(t)
		resp, err := s.Commit(nomad.CommitMessage{MutativeMessage: mutative(3, "u1")})
		requireRejected(t, nomad.RejectionCheckError, resp, err)
	})

	t.Run("invalid change", func(t *testing.T) {
		s := newTestServer(t)
		before := discover(t, s)

		resp, err := s.Prepare(prepareMsg(0, "u1", 1, "invalid"))
		requireRejected(t, nomad.RejectionUnacceptableChange, resp, err)
		require.Contains(t, resp.RejectionMessage, "payload not allowed")
		require.Equal(t, before, discover(t, s))

		// the uuid was not consumed
		resp, err = s.Prepare(prepareMsg(0, "u1", 1, "a=1"))
		requireAccepted(t, resp, err)
	})
}

func TestApplicatorFailureIsAnError(t *testing.T) {
	s := newTestServer(t)
	before := discover(t, s)

	_, err := s.Prepare(prepareMsg(0, "u1", 1, "broken"))
	require.ErrorIs(t, err, errApplicatorBroken)
	require.Equal(t, before, discover(t, s))
}

func TestRequiresRestart(t *testing.T) {
	s := newTestServer(t)

	msg := prepareMsg(0, "u1", 1, "restart.port=1")
	msg.Change.Type = "restart"
	resp, err := s.Prepare(msg)
	requireAccepted(t, resp, err)

	resp, err = s.Commit(nomad.CommitMessage{MutativeMessage: mutative(1, "u1")})
	requireAccepted(t, resp, err)
	require.True(t, resp.RequiresRestart)
}

func TestTakeover(t *testing.T) {
	s := newTestServer(t)
	resp, err := s.Prepare(prepareMsg(0, "u1", 1, "a=1"))
	requireAccepted(t, resp, err)

	takeover := nomad.TakeoverMessage{MutativeMessage: mutative(1, "")}
	takeover.MutationHost = "host-b"
	takeover.MutationUser = "bob"

	resp, err = s.Takeover(takeover)
	requireAccepted(t, resp, err)

	d := discover(t, s)
	require.Equal(t, nomad.ModePrepared, d.Mode, "takeover keeps the mode")
	require.Equal(t, int64(2), d.MutativeMessageCount)
	require.Equal(t, "host-b", d.LastMutationHost)
	require.Equal(t, "bob", d.LastMutationUser)

	// the old owner is locked out
	resp, err = s.Commit(nomad.CommitMessage{MutativeMessage: mutative(1, "u1")})
	requireRejected(t, nomad.RejectionCheckError, resp, err)
	require.Equal(t, "host-b", resp.LastMutationHost)

	// the new owner finishes the change
	resp, err = s.Commit(nomad.CommitMessage{MutativeMessage: mutative(2, "u1")})
	requireAccepted(t, resp, err)
	require.Equal(t, "a=1\n", discover(t, s).CommittedConfig)
}

func TestPersistence(t *testing.T) {
	s := newTestServer(t)
	count := commitChange(t, s, 0, "u1", 1, "a=1")
	resp, err := s.Prepare(prepareMsg(count, "u2", 2, "b=2"))
	requireAccepted(t, resp, err)
	before := discover(t, s)

	s = s.reopen(t)
	after := discover(t, s)
	require.Equal(t, before.Mode, after.Mode)
	require.Equal(t, before.MutativeMessageCount, after.MutativeMessageCount)
	require.Equal(t, before.CurrentVersion, after.CurrentVersion)
	require.Equal(t, before.HighestVersion, after.HighestVersion)
	require.Equal(t, before.LatestChangeUUID(), after.LatestChangeUUID())
	require.Equal(t, before.CommittedConfig, after.CommittedConfig)
	require.True(t, before.LastMutationTimestamp.Equal(after.LastMutationTimestamp))

	resp, err = s.Commit(nomad.CommitMessage{MutativeMessage: mutative(count+1, "u2")})
	requireAccepted(t, resp, err)
	require.Equal(t, "a=1\nb=2\n", discover(t, s).CommittedConfig)
}

func TestReset(t *testing.T) {
	s := newTestServer(t)
	commitChange(t, s, 0, "u1", 1, "a=1")

	require.Equal(t, []string{"a=1"}, s.applicator.applied)

	require.NoError(t, s.Reset())

	d := discover(t, s)
	require.Equal(t, nomad.ModeAccepting, d.Mode)
	require.Equal(t, int64(0), d.MutativeMessageCount)
	require.Equal(t, int64(0), d.CurrentVersion)
	require.Nil(t, d.LatestChange)
	require.Empty(t, d.CommittedConfig)
	require.Empty(t, s.applicator.applied, "applicator must follow the reset")
	require.Equal(t, 1, s.applicator.resets)

	// uuids are free again after a reset
	commitChange(t, s, 0, "u1", 1, "a=1")
}

func TestClosedServer(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	resp, err := s.Prepare(prepareMsg(0, "u1", 1, "a=1"))
	requireRejected(t, nomad.RejectionDead, resp, err)

	resp, err = s.Takeover(nomad.TakeoverMessage{MutativeMessage: mutative(0, "")})
	requireRejected(t, nomad.RejectionDead, resp, err)

	_, err = s.Discover()
	require.ErrorIs(t, err, sanskrit.ErrClosed)
}

func TestServerWithoutApplicator(t *testing.T) {
	store, err := sanskrit.Open(t.TempDir(), lockmgr.NewLocalLockManager(lockmgr.NewRegistry()))
	require.NoError(t, err)
	s, err := NewNomadServer("bare", store, configstore.NewMemoryConfigStore(), nil)
	require.NoError(t, err)
	defer s.Close()

	resp, err := s.Prepare(prepareMsg(0, "u1", 1, "a=1"))
	requireRejected(t, nomad.RejectionDead, resp, err)

	d, err := s.Discover()
	require.NoError(t, err)
	require.Equal(t, nomad.ModeAccepting, d.Mode)
}

func TestResultHashIsVerified(t *testing.T) {
	store, err := sanskrit.Open(t.TempDir(), lockmgr.NewLocalLockManager(lockmgr.NewRegistry()))
	require.NoError(t, err)
	configs := configstore.NewMemoryConfigStore()
	s, err := NewNomadServer("hash", store, configs, &lineApplicator{})
	require.NoError(t, err)
	defer s.Close()

	commitChange(t, s, 0, "u1", 1, "a=1")
	require.NoError(t, configs.SaveConfig("u1", 1, "tampered"))

	_, err = s.Discover()
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "hash mismatch"))
}

func TestDoubleOpenFails(t *testing.T) {
	s := newTestServer(t)
	_, err := Open("second", s.dir, lockmgr.NewDirectoryLockManager(s.registry), &lineApplicator{})
	require.ErrorIs(t, err, lockmgr.ErrLockHeld)
}

func TestRequestCounters(t *testing.T) {
	accepted := metrics.GetOrCreateCounter(`nomad_server_requests_total{op="prepare",result="accepted"}`)
	rejected := metrics.GetOrCreateCounter(fmt.Sprintf(`nomad_server_requests_total{op="prepare",result=%q}`, nomad.RejectionCheckError.String()))
	acceptedBefore, rejectedBefore := accepted.Get(), rejected.Get()

	s := newTestServer(t)
	resp, err := s.Prepare(prepareMsg(0, "u1", 1, "a=1"))
	requireAccepted(t, resp, err)
	resp, err = s.Prepare(prepareMsg(0, "u2", 1, "a=1"))
	require.NoError(t, err)
	require.False(t, resp.Accepted)

	require.Equal(t, acceptedBefore+1, accepted.Get())
	require.Equal(t, rejectedBefore+1, rejected.Get())
}

func TestOpenCompactsLargeLog(t *testing.T) {
	dir := t.TempDir()
	registry := lockmgr.NewRegistry()
	logPath := filepath.Join(dir, sanskritDirName, sanskrit.LogFileName)
	backups := filepath.Join(dir, sanskritDirName, "backup-"+sanskrit.LogFileName+"-*")

	s := openTestServer(t, dir, registry)
	count := int64(0)
	for i := range 5 {
		count = commitChange(t, s, count, fmt.Sprintf("u%d", i), int64(i+1), fmt.Sprintf("k%d=v", i))
	}
	before := discover(t, s)
	require.NoError(t, s.Close())

	info, err := os.Stat(logPath)
	require.NoError(t, err)
	sizeBefore := info.Size()

	// below the threshold nothing happens
	s2, err := Open("test", dir, lockmgr.NewDirectoryLockManager(registry), &lineApplicator{}, WithCompactThreshold(sizeBefore))
	require.NoError(t, err)
	require.NoError(t, s2.Close())
	matches, err := filepath.Glob(backups)
	require.NoError(t, err)
	require.Empty(t, matches)

	s3, err := Open("test", dir, lockmgr.NewDirectoryLockManager(registry), &lineApplicator{}, WithCompactThreshold(1))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s3.Close() })

	info, err = os.Stat(logPath)
	require.NoError(t, err)
	require.Less(t, info.Size(), sizeBefore)
	matches, err = filepath.Glob(backups)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	after := discover(t, s3)
	require.Equal(t, before.MutativeMessageCount, after.MutativeMessageCount)
	require.Equal(t, before.CurrentVersion, after.CurrentVersion)
	require.Equal(t, before.LatestChangeUUID(), after.LatestChangeUUID())
	require.Equal(t, before.CommittedConfig, after.CommittedConfig)

	// the compacted log keeps accepting changes
	commitChange(t, s3, count, "u5", 6, "k5=v")
}
