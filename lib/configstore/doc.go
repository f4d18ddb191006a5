// Package configstore persists the configuration produced by each prepared
// nomad change. The nomad server state only keeps a hash of the resulting
// configuration; the configuration itself lives here, keyed by change uuid.
//
// Implementations:
//
//   - NewBoltConfigStore: bbolt database (configs.db) in the server data directory
//   - NewMemoryConfigStore: in-memory map for ephemeral servers and tests
//
// Errors reported by the store itself are of type *Error and carry a RetCode.
package configstore
