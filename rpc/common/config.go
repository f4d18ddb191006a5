package common

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerShard is one nomad server hosted by the RPC server
type ServerShard struct {
	// ShardID is the ID of the shard, clients address the server by it
	ShardID uint64
	// Name identifies the server in logs and metrics, defaults to shard-<id>
	Name string
}

// DisplayName returns the configured name or shard-<id>
func (s ServerShard) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return "shard-" + strconv.FormatUint(s.ShardID, 10)
}

// ServerTransportConfig holds the transport parameters of the server
type ServerTransportConfig struct {
	// Endpoint is the listen address (host:port, socket path or URL host)
	Endpoint string
	// WorkersPerConn caps the requests processed concurrently per connection
	WorkersPerConn int
	// BufferSize of the pooled read buffers
	BufferSize int

	// TCP only
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
	WriteBufferSize int
	ReadBufferSize  int
}

// ServerConfig holds all configuration parameters of the RPC server.
type ServerConfig struct {
	// Shards served by this process, each with its own state directory
	Shards []ServerShard

	// DataDir holds one sub directory per shard
	DataDir string

	// TimeoutSecond bounds reads and writes on a connection
	TimeoutSecond int64

	Transport ServerTransportConfig

	// MetricsEndpoint serves /metrics if set, the http transport always does
	MetricsEndpoint string

	// CompactThresholdKB compacts the log of a shard on startup once it is
	// larger. Zero disables compaction.
	CompactThresholdKB int64

	// Logging configuration
	LogLevel string
}

// ShardDir returns the state directory of a shard
func (c *ServerConfig) ShardDir(shardID uint64) string {
	return filepath.Join(c.DataDir, "shard-"+strconv.FormatUint(shardID, 10))
}

// Validate checks the configuration for obvious mistakes
func (c *ServerConfig) Validate() error {
	if len(c.Shards) == 0 {
		return fmt.Errorf("no shards configured")
	}
	if c.DataDir == "" {
		return fmt.Errorf("no data directory configured")
	}
	if c.Transport.Endpoint == "" {
		return fmt.Errorf("no endpoint configured")
	}
	if c.CompactThresholdKB < 0 {
		return fmt.Errorf("compact threshold must not be negative")
	}
	seen := make(map[uint64]bool, len(c.Shards))
	for _, shard := range c.Shards {
		if seen[shard.ShardID] {
			return fmt.Errorf("duplicate shard %d", shard.ShardID)
		}
		seen[shard.ShardID] = true
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Transport.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Workers Per Conn", strconv.Itoa(c.Transport.WorkersPerConn))
	if c.MetricsEndpoint != "" {
		addField("Metrics", c.MetricsEndpoint)
	}

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	// Storage
	addSection("Storage")
	addField("Data Directory", c.DataDir)
	if c.CompactThresholdKB > 0 {
		addField("Compact Threshold", fmt.Sprintf("%d KB", c.CompactThresholdKB))
	} else {
		addField("Compact Threshold", "disabled")
	}

	// Shards, sorted for consistent output
	addSection("Shards")
	shards := append([]ServerShard(nil), c.Shards...)
	sort.Slice(shards, func(i, j int) bool { return shards[i].ShardID < shards[j].ShardID })
	for _, shard := range shards {
		addField(strconv.FormatUint(shard.ShardID, 10), shard.DisplayName())
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientTransportConfig holds the transport parameters of a client
type ClientTransportConfig struct {
	Endpoints              []string
	RetryCount             int
	ConnectionsPerEndpoint int

	// TCP only
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
	WriteBufferSize int
	ReadBufferSize  int
}

// ClientConfig holds the configuration of one RPC client
type ClientConfig struct {
	TimeoutSecond int
	Transport     ClientTransportConfig
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.Transport.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.Transport.ConnectionsPerEndpoint)))))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Transport.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
