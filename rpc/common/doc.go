// Package common provides the data structures shared by the RPC client, server,
// serializers and transports.
//
// Key Components:
//
//   - Message: the envelope of every RPC request and response. MsgType selects
//     the nomad operation, Payload carries the JSON encoding of the nomad message
//     and Err reports failures of the remote side.
//
//   - ServerConfig / ClientConfig: configuration of the RPC server (shards, data
//     directory, transport options) and of RPC clients (endpoints, timeouts,
//     retries). Both render a human readable report with String().
//
//   - Logger: a formatter for dragonboat's logging facade used by all packages,
//     installed with InitLoggers.
package common
