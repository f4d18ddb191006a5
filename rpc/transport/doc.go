// Package transport declares the client and server side of an RPC transport.
// Implementations live in the subpackages; base holds the framed stream
// transport that tcp and unix build on.
//
// A request is an opaque byte slice addressed to a shard, the response is the
// byte slice the ServerHandleFunc returned for it.
//
// Send and Listen take a context: Send returns when its context is done, Listen
// shuts the server down and returns nil. A transport never sends a request
// twice once it was written, since nomad requests are not idempotent.
package transport
