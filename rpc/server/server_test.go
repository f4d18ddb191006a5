package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/dNomad/lib/lockmgr"
	"github.com/ValentinKolb/dNomad/lib/nomad"
	nomadserver "github.com/ValentinKolb/dNomad/lib/nomad/server"
	"github.com/ValentinKolb/dNomad/lib/settings"
	"github.com/ValentinKolb/dNomad/rpc/common"
	"github.com/ValentinKolb/dNomad/rpc/serializer"
	"github.com/ValentinKolb/dNomad/rpc/transport/unix"
	"github.com/stretchr/testify/require"
)

func openNomadServer(t *testing.T) nomad.INomadServer {
	t.Helper()
	s, _ := openNomadServerWithSettings(t)
	return s
}

func openNomadServerWithSettings(t *testing.T) (nomad.INomadServer, *settings.Applicator) {
	t.Helper()
	applicator, err := settings.NewApplicator("")
	require.NoError(t, err)
	s, err := nomadserver.Open("test", t.TempDir(), lockmgr.NewDirectoryLockManager(lockmgr.NewRegistry()), applicator)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, applicator
}

func mutative(count int64, uuid string) nomad.MutativeMessage {
	return nomad.MutativeMessage{
		ExpectedMutativeMessageCount: count,
		MutationHost:                 "host",
		MutationUser:                 "user",
		MutationTimestamp:            time.Now(),
		ChangeUUID:                   uuid,
	}
}

func decodeAcceptReject(t *testing.T, resp *common.Message) nomad.AcceptRejectResponse {
	t.Helper()
	require.NoError(t, resp.RemoteErr())
	var result nomad.AcceptRejectResponse
	require.NoError(t, resp.Decode(&result))
	return result
}

func TestAdapterTwoPhaseCommit(t *testing.T) {
	adapter := NewNomadServerAdapter()
	s := openNomadServer(t)

	resp := adapter.Handle(common.NewDiscoverRequest(), s)
	require.Equal(t, common.MsgTDiscover, resp.MsgType)
	var discovery nomad.DiscoverResponse
	require.NoError(t, resp.Decode(&discovery))
	require.Equal(t, nomad.ModeAccepting, discovery.Mode)

	change, err := settings.NewChange(settings.Set("a", "1"))
	require.NoError(t, err)

	resp = adapter.Handle(common.NewPrepareRequest(nomad.PrepareMessage{
		MutativeMessage: mutative(discovery.MutativeMessageCount, "c1"),
		VersionNumber:   discovery.CurrentVersion + 1,
		Change:          change,
	}), s)
	require.Equal(t, common.MsgTPrepare, resp.MsgType)
	require.True(t, decodeAcceptReject(t, resp).Accepted)

	// a stale count is rejected, not an error
	resp = adapter.Handle(common.NewCommitRequest(nomad.CommitMessage{
		MutativeMessage: mutative(discovery.MutativeMessageCount, "c1"),
	}), s)
	rejected := decodeAcceptReject(t, resp)
	require.False(t, rejected.Accepted)
	require.Equal(t, nomad.RejectionCheckError, rejected.RejectionType)

	resp = adapter.Handle(common.NewCommitRequest(nomad.CommitMessage{
		MutativeMessage: mutative(discovery.MutativeMessageCount+1, "c1"),
	}), s)
	require.Equal(t, common.MsgTCommit, resp.MsgType)
	require.True(t, decodeAcceptReject(t, resp).Accepted)

	state, err := s.Discover()
	require.NoError(t, err)
	require.Equal(t, `{"a":"1"}`, state.CommittedConfig)
}

func TestAdapterRollbackTakeoverReset(t *testing.T) {
	adapter := NewNomadServerAdapter()
	s := openNomadServer(t)

	change, err := settings.NewChange(settings.Set("a", "1"))
	require.NoError(t, err)

	resp := adapter.Handle(common.NewPrepareRequest(nomad.PrepareMessage{
		MutativeMessage: mutative(0, "c1"),
		VersionNumber:   1,
		Change:          change,
	}), s)
	require.True(t, decodeAcceptReject(t, resp).Accepted)

	resp = adapter.Handle(common.NewTakeoverRequest(nomad.TakeoverMessage{MutativeMessage: mutative(1, "")}), s)
	require.Equal(t, common.MsgTTakeover, resp.MsgType)
	require.True(t, decodeAcceptReject(t, resp).Accepted)

	resp = adapter.Handle(common.NewRollbackRequest(nomad.RollbackMessage{MutativeMessage: mutative(2, "c1")}), s)
	require.Equal(t, common.MsgTRollback, resp.MsgType)
	require.True(t, decodeAcceptReject(t, resp).Accepted)

	resp = adapter.Handle(common.NewResetRequest(), s)
	require.Equal(t, common.MsgTReset, resp.MsgType)
	require.NoError(t, resp.RemoteErr())

	state, err := s.Discover()
	require.NoError(t, err)
	require.Equal(t, int64(0), state.MutativeMessageCount)
}

func TestAdapterResetClearsSettings(t *testing.T) {
	adapter := NewNomadServerAdapter()
	s, applicator := openNomadServerWithSettings(t)

	change, err := settings.NewChange(settings.Set("a", "1"))
	require.NoError(t, err)

	resp := adapter.Handle(common.NewPrepareRequest(nomad.PrepareMessage{
		MutativeMessage: mutative(0, "c1"),
		VersionNumber:   1,
		Change:          change,
	}), s)
	require.True(t, decodeAcceptReject(t, resp).Accepted)
	resp = adapter.Handle(common.NewCommitRequest(nomad.CommitMessage{MutativeMessage: mutative(1, "c1")}), s)
	require.True(t, decodeAcceptReject(t, resp).Accepted)
	require.Equal(t, map[string]string{"a": "1"}, applicator.Effective())

	resp = adapter.Handle(common.NewResetRequest(), s)
	require.NoError(t, resp.RemoteErr())

	state, err := s.Discover()
	require.NoError(t, err)
	require.Empty(t, state.CommittedConfig)
	require.Empty(t, applicator.Effective(), "effective settings must match the empty committed config")
}

func TestAdapterErrors(t *testing.T) {
	adapter := NewNomadServerAdapter()
	s := openNomadServer(t)

	t.Run("nil server", func(t *testing.T) {
		resp := adapter.Handle(common.NewDiscoverRequest(), nil)
		require.Equal(t, common.MsgTError, resp.MsgType)
		require.ErrorIs(t, resp.RemoteErr(), common.ErrRemote)
	})

	t.Run("unsupported type", func(t *testing.T) {
		resp := adapter.Handle(&common.Message{MsgType: common.MsgTSuccess}, s)
		require.Equal(t, common.MsgTError, resp.MsgType)
	})

	t.Run("missing payload", func(t *testing.T) {
		resp := adapter.Handle(&common.Message{MsgType: common.MsgTPrepare}, s)
		require.Equal(t, common.MsgTError, resp.MsgType)
	})

	t.Run("invalid payload", func(t *testing.T) {
		resp := adapter.Handle(&common.Message{MsgType: common.MsgTCommit, Payload: []byte("{")}, s)
		require.Equal(t, common.MsgTError, resp.MsgType)
	})
}

// TestServeOverUnixSocket starts the server, sends raw requests and checks the
// settings survive a restart
func TestServeOverUnixSocket(t *testing.T) {
	dir := t.TempDir()
	config := common.ServerConfig{
		Shards:        []common.ServerShard{{ShardID: 1}, {ShardID: 2, Name: "second"}},
		DataDir:       filepath.Join(dir, "data"),
		TimeoutSecond: 5,
		Transport:     common.ServerTransportConfig{Endpoint: filepath.Join(dir, "nomad.sock")},
		LogLevel:      "warning",
	}
	ser := serializer.NewBinarySerializer()

	serve := func() (*rpcServer, func()) {
		s := NewRPCServer(config, unix.NewUnixDefaultServerTransport(), ser)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- s.Serve(ctx) }()

		<-s.Ready()
		require.Eventually(t, func() bool {
			conn, err := net.Dial("unix", config.Transport.Endpoint)
			if err != nil {
				return false
			}
			_ = conn.Close()
			return true
		}, 5*time.Second, 10*time.Millisecond)

		return s, func() {
			cancel()
			require.NoError(t, <-done)
		}
	}

	s, stop := serve()

	transport := unix.NewUnixClientTransport()
	require.NoError(t, transport.Connect(common.ClientConfig{
		TimeoutSecond: 5,
		Transport:     common.ClientTransportConfig{Endpoints: []string{config.Transport.Endpoint}},
	}))
	defer transport.Close()

	send := func(shardId uint64, req *common.Message) *common.Message {
		b, err := ser.Serialize(*req)
		require.NoError(t, err)
		respBytes, err := transport.Send(context.Background(), shardId, b)
		require.NoError(t, err)
		var resp common.Message
		require.NoError(t, ser.Deserialize(respBytes, &resp))
		return &resp
	}

	// unknown shard
	resp := send(99, common.NewDiscoverRequest())
	require.Equal(t, common.MsgTError, resp.MsgType)
	require.Contains(t, resp.Err, "shard 99 not found")

	change, err := settings.NewChange(settings.Set("color", "blue"))
	require.NoError(t, err)
	require.True(t, decodeAcceptReject(t, send(2, common.NewPrepareRequest(nomad.PrepareMessage{
		MutativeMessage: mutative(0, "c1"),
		VersionNumber:   1,
		Change:          change,
	}))).Accepted)
	require.True(t, decodeAcceptReject(t, send(2, common.NewCommitRequest(nomad.CommitMessage{
		MutativeMessage: mutative(1, "c1"),
	}))).Accepted)

	effective, ok := s.Settings(2)
	require.True(t, ok)
	require.Equal(t, map[string]string{"color": "blue"}, effective)
	effective, ok = s.Settings(1)
	require.True(t, ok)
	require.Empty(t, effective)

	stop()

	// the committed settings are loaded on startup
	s, stop = serve()
	defer stop()
	effective, ok = s.Settings(2)
	require.True(t, ok)
	require.Equal(t, map[string]string{"color": "blue"}, effective)
	_, ok = s.Settings(3)
	require.False(t, ok)
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	s := NewRPCServer(common.ServerConfig{}, unix.NewUnixDefaultServerTransport(), serializer.NewJSONSerializer())
	require.Error(t, s.Serve(context.Background()))
}

func TestServeFailsOnLockedShard(t *testing.T) {
	dir := t.TempDir()
	config := common.ServerConfig{
		Shards:    []common.ServerShard{{ShardID: 1}, {ShardID: 2}},
		DataDir:   dir,
		Transport: common.ServerTransportConfig{Endpoint: filepath.Join(dir, "nomad.sock")},
	}

	// another process holds shard 2
	applicator, err := settings.NewApplicator("")
	require.NoError(t, err)
	held, err := nomadserver.Open("holder", config.ShardDir(2), lockmgr.NewFileLockManager(), applicator)
	require.NoError(t, err)
	defer held.Close()

	s := NewRPCServer(config, unix.NewUnixDefaultServerTransport(), serializer.NewJSONSerializer())
	require.Error(t, s.Serve(context.Background()))

	// shard 1 was closed again and can be opened
	_, ok := s.Settings(1)
	require.False(t, ok)
	reopened, err := nomadserver.Open("again", config.ShardDir(1), lockmgr.NewFileLockManager(), applicator)
	require.NoError(t, err)
	require.NoError(t, reopened.Close())
}
