package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapString(t *testing.T) {
	wrapped := WrapString(strings.Repeat("word ", 30))
	for _, line := range strings.Split(wrapped, "\n") {
		require.LessOrEqual(t, len(line), Wrap)
	}
	require.Equal(t, "short text", WrapString("  short   text "))
}

func TestParseServers(t *testing.T) {
	cluster, err := ParseServers("node-1=localhost:8080#2, localhost:8081,,/tmp/n3.sock#3", 1)
	require.NoError(t, err)
	require.Equal(t, []ClusterServer{
		{Name: "node-1", Endpoint: "localhost:8080", Shard: 2},
		{Endpoint: "localhost:8081", Shard: 1},
		{Endpoint: "/tmp/n3.sock", Shard: 3},
	}, cluster.Servers)

	require.NoError(t, cluster.Validate())
	require.Equal(t, "localhost:8081#1", cluster.Servers[1].Name)

	_, err = ParseServers("localhost:8080#x", 1)
	require.Error(t, err)
}

func TestClusterValidate(t *testing.T) {
	tests := []struct {
		name    string
		cluster Cluster
		ok      bool
	}{
		{"empty", Cluster{}, false},
		{"missing endpoint", Cluster{Servers: []ClusterServer{{Name: "a"}}}, false},
		{"duplicate", Cluster{Servers: []ClusterServer{{Name: "a", Endpoint: "x"}, {Name: "a", Endpoint: "y"}}}, false},
		{"same endpoint other shard", Cluster{Servers: []ClusterServer{{Endpoint: "x", Shard: 1}, {Endpoint: "x", Shard: 2}}}, true},
		{"too many expected", Cluster{Servers: []ClusterServer{{Endpoint: "x"}}, ExpectedNodes: 2}, false},
		{"valid", Cluster{Servers: []ClusterServer{{Endpoint: "x"}}, ExpectedNodes: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cluster.Validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestLoadCluster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
servers:
  - name: node-1
    endpoint: localhost:8080
    shard: 1
  - name: node-2
    endpoint: /tmp/node-2.sock
    transport: unix
expected-nodes: 2
`), 0o644))

	cluster, err := LoadCluster(path)
	require.NoError(t, err)
	require.Equal(t, 2, cluster.ExpectedNodes)
	require.Len(t, cluster.Servers, 2)
	require.Equal(t, ClusterServer{Name: "node-2", Endpoint: "/tmp/node-2.sock", Transport: "unix"}, cluster.Servers[1])

	_, err = LoadCluster(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("servers: [unterminated"), 0o644))
	_, err = LoadCluster(path)
	require.Error(t, err)
}

func TestGetTransport(t *testing.T) {
	for _, name := range []string{"http", "tcp", "unix", "grpc"} {
		tr, err := GetTransport(name)
		require.NoError(t, err)
		require.NotNil(t, tr)
	}
	_, err := GetTransport("smoke-signals")
	require.Error(t, err)
}
