package util

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dNomad/lib/nomad/client"
	rpcClient "github.com/ValentinKolb/dNomad/rpc/client"
	"github.com/ValentinKolb/dNomad/rpc/common"
	"github.com/ValentinKolb/dNomad/rpc/serializer"
	"github.com/ValentinKolb/dNomad/rpc/transport"
	"github.com/ValentinKolb/dNomad/rpc/transport/grpc"
	"github.com/ValentinKolb/dNomad/rpc/transport/http"
	"github.com/ValentinKolb/dNomad/rpc/transport/tcp"
	"github.com/ValentinKolb/dNomad/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables (e.g. DNOMAD_TIMEOUT)
	EnvPrefix = "dnomad"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// InitConfig loads .env files and binds environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// SetupRPCClientFlags adds common RPC connection flags to a command
func SetupRPCClientFlags(cmd *cobra.Command) {
	key := "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("The timeout in seconds of a single request to a server"))

	key = "servers"
	cmd.PersistentFlags().String(key, "", WrapString("Comma-separated list of nomad servers in the format [name=]endpoint[#shard] (e.g. node-1=localhost:8080#1). Ignored if a cluster file is given"))

	key = "cluster-file"
	cmd.PersistentFlags().String(key, "", WrapString("Path of a YAML file listing the servers of the cluster"))

	key = "shard"
	cmd.PersistentFlags().Uint64(key, 1, WrapString("Default shard ID of the servers"))

	key = "transport-conn-per-endpoint"
	cmd.PersistentFlags().Int(key, 1, WrapString("Simultaneous connections per endpoint - for transports that support this feature"))

	key = "transport-retries"
	cmd.PersistentFlags().Int(key, 3, WrapString("How many times to retry a request that could not be sent"))

	key = "transport-write-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the write buffer for the transport (in KB, only for tcp)"))

	key = "transport-read-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the read buffer for the transport (in KB, only for tcp)"))

	key = "transport-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY for the transport (only for tcp)"))

	key = "transport-tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keepalive interval for the transport (in seconds, only for tcp)"))

	key = "transport-tcp-linger"
	cmd.PersistentFlags().Int(key, 0, WrapString("The linger time for the transport (in seconds, only for tcp)"))

	key = "user"
	cmd.PersistentFlags().String(key, "", WrapString("User recorded as mutator on the servers (defaults to the current user)"))

	key = "max-concurrency"
	cmd.PersistentFlags().Int(key, client.DefaultMaxConcurrency, WrapString("Maximum number of requests in flight per phase"))
}

// GetClientConfig reads the client configuration of one server endpoint from viper
func GetClientConfig(endpoint string) common.ClientConfig {
	return common.ClientConfig{
		TimeoutSecond: viper.GetInt("timeout"),
		Transport: common.ClientTransportConfig{
			RetryCount:             viper.GetInt("transport-retries"),
			Endpoints:              []string{endpoint},
			ConnectionsPerEndpoint: viper.GetInt("transport-conn-per-endpoint"),
			WriteBufferSize:        viper.GetInt("transport-write-buffer") * 1024,
			ReadBufferSize:         viper.GetInt("transport-read-buffer") * 1024,
			TCPKeepAliveSec:        viper.GetInt("transport-tcp-keepalive"),
			TCPLingerSec:           viper.GetInt("transport-tcp-linger"),
			TCPNoDelay:             viper.GetBool("transport-tcp-nodelay"),
		},
	}
}

// GetSerializer creates a serializer based on configuration
func GetSerializer() (serializer.IRPCSerializer, error) {
	switch viper.GetString("serializer") {
	case "json":
		return serializer.NewJSONSerializer(), nil
	case "gob":
		return serializer.NewGOBSerializer(), nil
	case "binary":
		return serializer.NewBinarySerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %s", viper.GetString("serializer"))
	}
}

// GetTransport creates a client transport based on configuration
func GetTransport(name string) (transport.IRPCClientTransport, error) {
	switch name {
	case "http":
		return http.NewHttpClientTransport(), nil
	case "tcp":
		return tcp.NewTCPClientTransport(), nil
	case "unix":
		return unix.NewUnixClientTransport(), nil
	case "grpc":
		return grpc.NewGRPCClientTransport(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", name)
	}
}

// --------------------------------------------------------------------------
// Cluster
// --------------------------------------------------------------------------

// ClusterServer is one nomad server of the cluster
type ClusterServer struct {
	// Name identifies the server in the output, defaults to the endpoint
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
	// Shard defaults to the shard flag if missing or 0
	Shard uint64 `yaml:"shard"`
	// Transport overrides the transport flag for this server
	Transport string `yaml:"transport,omitempty"`
}

// Cluster lists the servers a client talks to
type Cluster struct {
	Servers []ClusterServer `yaml:"servers"`
	// ExpectedNodes is the default of recover --expected-nodes, 0 means all servers
	ExpectedNodes int `yaml:"expected-nodes,omitempty"`
}

// LoadCluster reads a cluster file
//
// Example:
//
//	servers:
//	  - name: node-1
//	    endpoint: localhost:8080
//	    shard: 1
//	  - name: node-2
//	    endpoint: /tmp/node-2.sock
//	    transport: unix
//	expected-nodes: 2
func LoadCluster(path string) (*Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster file: %w", err)
	}
	var cluster Cluster
	if err := yaml.Unmarshal(data, &cluster); err != nil {
		return nil, fmt.Errorf("invalid cluster file %s: %w", path, err)
	}
	return &cluster, nil
}

// ParseServers parses the servers flag
func ParseServers(servers string, defaultShard uint64) (*Cluster, error) {
	cluster := &Cluster{}
	for _, server := range strings.Split(servers, ",") {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}

		s := ClusterServer{Shard: defaultShard}
		if name, endpoint, ok := strings.Cut(server, "="); ok {
			s.Name = strings.TrimSpace(name)
			server = endpoint
		}
		if endpoint, shard, ok := strings.Cut(server, "#"); ok {
			id, err := strconv.ParseUint(strings.TrimSpace(shard), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid shard ID in %s: %w", server, err)
			}
			s.Shard = id
			server = endpoint
		}
		s.Endpoint = strings.TrimSpace(server)
		cluster.Servers = append(cluster.Servers, s)
	}
	return cluster, nil
}

// GetCluster returns the cluster from the cluster file or the servers flag
func GetCluster() (*Cluster, error) {
	var cluster *Cluster
	var err error
	if path := viper.GetString("cluster-file"); path != "" {
		cluster, err = LoadCluster(path)
		if err == nil {
			// a missing shard means the default shard
			for i := range cluster.Servers {
				if cluster.Servers[i].Shard == 0 {
					cluster.Servers[i].Shard = viper.GetUint64("shard")
				}
			}
		}
	} else {
		cluster, err = ParseServers(viper.GetString("servers"), viper.GetUint64("shard"))
	}
	if err != nil {
		return nil, err
	}
	if err := cluster.Validate(); err != nil {
		return nil, err
	}
	return cluster, nil
}

// Validate checks that the cluster has servers with unique names
func (c *Cluster) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("no servers configured (use --servers or --cluster-file)")
	}
	seen := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Endpoint == "" {
			return fmt.Errorf("server %d has no endpoint", i)
		}
		if s.Name == "" {
			s.Name = s.Endpoint
			if s.Shard != 0 {
				s.Name += "#" + strconv.FormatUint(s.Shard, 10)
			}
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate server %s", s.Name)
		}
		seen[s.Name] = true
	}
	if c.ExpectedNodes < 0 || c.ExpectedNodes > len(c.Servers) {
		return fmt.Errorf("expected-nodes must be between 0 and %d", len(c.Servers))
	}
	return nil
}

// Endpoints creates one RPC endpoint per server. The caller owns the endpoints.
func (c *Cluster) Endpoints() ([]client.INomadEndpoint, error) {
	s, err := GetSerializer()
	if err != nil {
		return nil, err
	}

	endpoints := make([]client.INomadEndpoint, 0, len(c.Servers))
	closeAll := func() {
		for _, e := range endpoints {
			_ = e.Close()
		}
	}

	for _, server := range c.Servers {
		transportName := server.Transport
		if transportName == "" {
			transportName = viper.GetString("transport")
		}
		t, err := GetTransport(transportName)
		if err != nil {
			closeAll()
			return nil, err
		}

		e, err := rpcClient.NewRPCEndpoint(server.Name, server.Shard, GetClientConfig(server.Endpoint), t, s)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to connect to %s: %w", server.Name, err)
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, nil
}
