// Package sanskrit implements a durable, crash safe key value store backed by
// an append-only log. It is the persistence layer below the nomad server
// state machine.
//
// Values are one of string, int64 or a nested Object. Mutations are expressed
// as a Change: an ordered list of Operation values (SetString, SetLong,
// SetObject, RemoveKey) that is applied as one atomic unit.
//
// On-disk layout of a store directory:
//
//	lock                                 OS lock file (see lockmgr)
//	append.log                           the append log
//	backup-append.log-<yyyyMMdd.HHmmss.SSS>   backups taken before rewrites
//
// Every record of append.log has the form
//
//	format version: 1
//	2024-01-02T15:04:05.123456789Z
//	[{"op":"setString","key":"mode","value":{"s":"ACCEPTING"}}]
//	<sha1 over previous hash, timestamp and data>
//
// followed by an empty line. Hashes are chained, so a record only validates
// after its predecessor. On open the log is replayed; a record that is
// incomplete or fails validation at the end of the file is truncated away,
// anywhere else it is reported as ErrCorrupt.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Writes are serialized and reads
//	observe the state after the last successful ApplyChange.
//
// Usage Example:
//
//	store, err := sanskrit.Open(dir, lockmgr.NewDirectoryLockManager(registry))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	err = store.ApplyChange(sanskrit.Change{
//	    sanskrit.SetString("mode", "ACCEPTING"),
//	    sanskrit.SetLong("mutativeMessageCount", 0),
//	})
package sanskrit
