// Package server implements the RPC server of dNomad. It hosts one nomad
// server per configured shard and routes incoming requests to it.
//
// The package focuses on:
//   - Server-side RPC request handling for the nomad protocol
//   - Adapter pattern to decouple the nomad servers from RPC mechanisms
//   - One persisted nomad server per shard, each in its own state directory
//   - An optional Prometheus metrics endpoint
//
// Key Components:
//
//   - IRPCServerAdapter: Interface defining the contract for all server adapters,
//     with the Handle method that processes incoming requests against a nomad.INomadServer.
//
//   - NewNomadServerAdapter: Factory function creating an adapter that translates
//     discover, prepare, commit, rollback, takeover and reset requests to
//     nomad.INomadServer method calls.
//
//   - NewRPCServer: Factory function creating a configured server with the specified
//     transport and serializer mechanisms.
//
// Usage Example:
//
//	// Create server configuration
//	config := common.ServerConfig{
//	  Shards:        []common.ServerShard{{ShardID: 1}},
//	  DataDir:       "/var/lib/dnomad",
//	  TimeoutSecond: 5,
//	  Transport:     common.ServerTransportConfig{Endpoint: "0.0.0.0:8080"},
//	  LogLevel:      "info",
//	}
//
//	// Create and start the server
//	s := server.NewRPCServer(
//	  config,
//	  tcp.NewTCPServerTransport(),
//	  serializer.NewBinarySerializer(),
//	)
//
//	// Serve until ctx is cancelled
//	if err := s.Serve(ctx); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// The state of shard N lives in <DataDir>/shard-N. Every shard applies its
// committed changes to a settings applicator, so the effective settings are
// restored from the committed configuration when the server starts.
//
// Thread Safety:
//
//	The server implementation is thread-safe and can handle concurrent requests
//	across multiple connections. Requests to the same shard are serialized by the
//	nomad server. Serve is not thread-safe and should be called only once.
package server
