// Package server implements the server side of the nomad two phase commit
// protocol on top of a sanskrit store.
//
// A server is either ACCEPTING (no change outstanding) or PREPARED (exactly
// one change staged). Every mutative message carries the mutative message
// count the sender last observed; a mismatch is rejected with CHECK_ERROR,
// which makes the count an optimistic concurrency token between clients.
//
// State transitions:
//
//	ACCEPTING --prepare(v = current+1)--> PREPARED
//	PREPARED  --commit(uuid)-----------> ACCEPTING (current = highest)
//	PREPARED  --rollback(uuid)---------> ACCEPTING (highest = current)
//	any       --takeover---------------> unchanged mode, new owner
//
// Each accepted message increments the count and is persisted as a single
// sanskrit change before the response is returned. A rejected message leaves
// the state untouched. All operations of one server are serialized.
//
// The configuration produced by a change is stored in a configstore keyed by
// change uuid; the sanskrit state records its sha256 hash which is verified
// whenever the change is read back.
//
// Metrics (VictoriaMetrics default set):
//
//	nomad_server_requests_total{op,result}
//	nomad_server_request_duration_seconds{op}
package server
