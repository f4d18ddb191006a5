package client

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/dNomad/lib/nomad"
	nomadclient "github.com/ValentinKolb/dNomad/lib/nomad/client"
	"github.com/ValentinKolb/dNomad/lib/settings"
	"github.com/ValentinKolb/dNomad/rpc/common"
	"github.com/ValentinKolb/dNomad/rpc/serializer"
	"github.com/ValentinKolb/dNomad/rpc/server"
	"github.com/ValentinKolb/dNomad/rpc/transport/tcp"
	"github.com/ValentinKolb/dNomad/rpc/transport/unix"
	"github.com/stretchr/testify/require"
)

const shardCount = 3

type testServer interface {
	Settings(shardId uint64) (map[string]string, bool)
}

// startServer serves shardCount nomad servers on one unix socket
func startServer(t *testing.T, ser serializer.IRPCSerializer) (string, testServer) {
	t.Helper()
	dir := t.TempDir()

	config := common.ServerConfig{
		DataDir:       filepath.Join(dir, "data"),
		TimeoutSecond: 5,
		Transport:     common.ServerTransportConfig{Endpoint: filepath.Join(dir, "nomad.sock")},
		LogLevel:      "warning",
	}
	for i := uint64(1); i <= shardCount; i++ {
		config.Shards = append(config.Shards, common.ServerShard{ShardID: i})
	}

	s := server.NewRPCServer(config, unix.NewUnixDefaultServerTransport(), ser)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	<-s.Ready()
	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", config.Transport.Endpoint)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond)

	return config.Transport.Endpoint, s
}

func newEndpoints(t *testing.T, socket string, ser serializer.IRPCSerializer) []nomadclient.INomadEndpoint {
	t.Helper()
	config := common.ClientConfig{
		TimeoutSecond: 5,
		Transport:     common.ClientTransportConfig{Endpoints: []string{socket}, RetryCount: 2},
	}

	var endpoints []nomadclient.INomadEndpoint
	for i := uint64(1); i <= shardCount; i++ {
		e, err := NewRPCEndpoint(fmt.Sprintf("server-%d", i), i, config, unix.NewUnixClientTransport(), ser)
		require.NoError(t, err)
		endpoints = append(endpoints, e)
	}
	return endpoints
}

func TestEndpointRoundTrip(t *testing.T) {
	ser := serializer.NewBinarySerializer()
	socket, _ := startServer(t, ser)
	endpoints := newEndpoints(t, socket, ser)
	e := endpoints[0]
	defer func() {
		for _, e := range endpoints {
			require.NoError(t, e.Close())
		}
	}()

	ctx := context.Background()
	require.Equal(t, "server-1", e.Address())

	discovery, err := e.Discover(ctx)
	require.NoError(t, err)
	require.Equal(t, nomad.ModeAccepting, discovery.Mode)

	change, err := settings.NewChange(settings.Set("a", "1"))
	require.NoError(t, err)
	resp, err := e.Prepare(ctx, nomad.PrepareMessage{
		MutativeMessage: nomad.MutativeMessage{MutationHost: "h", MutationUser: "u", ChangeUUID: "c1", MutationTimestamp: time.Now()},
		VersionNumber:   1,
		Change:          change,
	})
	require.NoError(t, err)
	require.True(t, resp.Accepted)

	// rejections are values, not errors
	resp, err = e.Commit(ctx, nomad.CommitMessage{
		MutativeMessage: nomad.MutativeMessage{MutationHost: "h", MutationUser: "u", ChangeUUID: "c1"},
	})
	require.NoError(t, err)
	require.False(t, resp.Accepted)
	require.Equal(t, nomad.RejectionCheckError, resp.RejectionType)

	resp, err = e.Rollback(ctx, nomad.RollbackMessage{
		MutativeMessage: nomad.MutativeMessage{ExpectedMutativeMessageCount: 1, MutationHost: "h", MutationUser: "u", ChangeUUID: "c1"},
	})
	require.NoError(t, err)
	require.True(t, resp.Accepted)

	resp, err = e.Takeover(ctx, nomad.TakeoverMessage{
		MutativeMessage: nomad.MutativeMessage{ExpectedMutativeMessageCount: 2, MutationHost: "h2", MutationUser: "u2"},
	})
	require.NoError(t, err)
	require.True(t, resp.Accepted)

	require.NoError(t, e.Reset(ctx))
	discovery, err = e.Discover(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), discovery.MutativeMessageCount)
}

func TestEndpointUnknownShard(t *testing.T) {
	ser := serializer.NewJSONSerializer()
	socket, _ := startServer(t, ser)

	e, err := NewRPCEndpoint("nowhere", 42, common.ClientConfig{
		Transport: common.ClientTransportConfig{Endpoints: []string{socket}},
	}, unix.NewUnixClientTransport(), ser)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Discover(context.Background())
	require.ErrorIs(t, err, common.ErrRemote)
	require.ErrorContains(t, err, "shard 42 not found")
}

func TestEndpointUnreachable(t *testing.T) {
	e, err := NewRPCEndpoint("down", 1, common.ClientConfig{
		TimeoutSecond: 1,
		Transport:     common.ClientTransportConfig{Endpoints: []string{"127.0.0.1:1"}},
	}, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = e.Discover(ctx)
	require.Error(t, err)
}

// TestNomadClientOverRPC runs the change and discovery processes against
// servers reached through the unix transport
func TestNomadClientOverRPC(t *testing.T) {
	for name, newSerializer := range map[string]func() serializer.IRPCSerializer{
		"JSON":   serializer.NewJSONSerializer,
		"GOB":    serializer.NewGOBSerializer,
		"Binary": serializer.NewBinarySerializer,
	} {
		t.Run(name, func(t *testing.T) {
			ser := newSerializer()
			socket, srv := startServer(t, ser)

			c, err := nomadclient.NewNomadClient(newEndpoints(t, socket, ser), nomadclient.Options{
				Host:    "host",
				User:    "user",
				Timeout: 5 * time.Second,
			})
			require.NoError(t, err)
			defer func() { require.NoError(t, c.Close()) }()

			ctx := context.Background()
			change, err := settings.NewChange(settings.Set("color", "blue"), settings.Set("size", "xl"))
			require.NoError(t, err)
			require.Equal(t, nomadclient.Consistent, c.TryApplyChange(ctx, change, nomadclient.NoopResultsReceiver{}))

			for i := uint64(1); i <= shardCount; i++ {
				effective, ok := srv.Settings(i)
				require.True(t, ok)
				require.Equal(t, map[string]string{"color": "blue", "size": "xl"}, effective)
			}

			// an invalid change is rolled back everywhere
			change, err = settings.NewChange(settings.Unset("missing"))
			require.NoError(t, err)
			require.Equal(t, nomadclient.Consistent, c.TryApplyChange(ctx, change, nomadclient.NoopResultsReceiver{}))

			analyzer := c.Discover(ctx, nomadclient.NoopResultsReceiver{})
			require.Equal(t, nomadclient.GlobalAccepting, analyzer.GlobalState())
			checkpoint, ok := analyzer.Checkpoint()
			require.True(t, ok)
			require.Equal(t, int64(1), checkpoint.Version)
			require.Len(t, analyzer.Addresses(), shardCount)

			// the client records its phases
			require.NotNil(t, c.Metrics().Get("nomad.client.commit"))
			require.NotNil(t, c.Metrics().Get("nomad.client.prepare"))
		})
	}
}
