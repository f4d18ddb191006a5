// Package http carries RPC messages as HTTP requests: every request is a
// POST /{shardId} with the serialized message as body, answered with the
// serialized response.
//
// The client round robins over the configured endpoints and retries a request
// on the next endpoint only when it could not connect, since a request that
// reached a server may already have changed its nomad state. The server also
// serves the VictoriaMetrics registry on GET /metrics and logs every request
// when the log level is debug.
//
// The transport is easy to poke at with curl together with the json
// serializer.
package http
