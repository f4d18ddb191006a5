// Package client drives the nomad protocol from the client side.
//
// A NomadClient owns a fixed list of endpoints (INomadEndpoint), either in
// process (NewLocalEndpoint) or remote (see rpc/client.NewRPCEndpoint), and
// runs one of three processes against them:
//
//   - DiscoveryProcess: read-only, analyzed by a ConsistencyAnalyzer
//   - ChangeProcess: discovery, second discovery, prepare, then commit or rollback
//   - RecoveryProcess: discovery, takeover of the prepared servers, then commit or rollback
//
// Every phase fans out to all endpoints concurrently (bounded by
// Options.MaxConcurrency, each call bounded by Options.Timeout) and waits for
// all of them before the next phase starts. Results are reported through an
// IResultsReceiver in endpoint order, never concurrently. Embed
// NoopResultsReceiver to implement only some callbacks; LoggingResultsReceiver
// and MuxResultsReceiver are ready made receivers.
//
// The outcome of a change or recovery is a Consistency:
//
//	CONSISTENT                  all servers ended in the same state
//	MAY_NEED_RECOVERY           a change was started but not finished everywhere
//	UNKNOWN_BUT_NO_CHANGE       aborted before anything was changed
//	UNRECOVERABLY_INCONSISTENT  servers disagree on the outcome of a change
//
// Phase timers and failure counters are recorded in a go-metrics registry
// (NomadClient.Metrics).
package client
