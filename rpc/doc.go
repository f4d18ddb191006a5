// Package rpc carries nomad messages between the dnomad CLI and the nomad
// servers.
//
// Subpackages:
//
//   - common: the Message envelope, server and client configuration, logging
//   - serializer: binary, JSON and GOB encodings of the envelope
//   - transport: pluggable transports (tcp, unix, http, grpc)
//   - client: INomadEndpoint implemented on top of a transport
//   - server: hosts one nomad server per shard and dispatches requests to it
//
// A request names a shard; one server process can therefore host the nomad
// state of several logical nodes, which the tests use to run a whole cluster
// in one process.
package rpc
