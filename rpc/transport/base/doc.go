// Package base holds the stream transport shared by the tcp and unix
// packages. Those packages only supply a connector that dials or listens; the
// framing, request correlation and connection handling live here.
//
// Every request and response is one frame:
//
//	8 bytes  shard id (big endian)
//	8 bytes  request id (big endian)
//	4 bytes  payload length (big endian)
//	N bytes  payload
//
// Client side, a clientTransport keeps ConnectionsPerEndpoint connections per
// endpoint and picks one round robin. Responses are matched to waiting
// callers by request id, so many requests can be in flight on one
// connection. A connection that breaks fails every pending request and is
// redialed lazily by the next Send. A request is retried on another
// connection only if it was never written: a nomad prepare that reached the
// server must not be delivered twice.
//
// Server side, serverTransport accepts connections and runs each request
// through the handler on a pool of WorkersPerConn goroutines per connection.
// Read buffers come from a sync.Pool. Listen returns once its context is
// done and all connections are closed.
package base
