// Package dberrors holds the sentinel errors the engine originates,
// so callers can branch on them with errors.Is regardless of which package
// surfaced the failure.
package dberrors

import "errors"

var (
	// ErrNoSuchKeyspace is returned when a keyspace name has no registered
	// column families.
	ErrNoSuchKeyspace = errors.New("no such keyspace")

	// ErrNoSuchColumnFamily is returned when a (keyspace, name) pair does
	// not resolve to a live column family.
	ErrNoSuchColumnFamily = errors.New("no such column family")

	// ErrConfigurationInvalid flags a bad replication strategy option, a
	// malformed replication factor, or an unrecognized config key.
	ErrConfigurationInvalid = errors.New("invalid configuration")

	// ErrMalformedSSTable is returned when the directory probe finds a
	// corrupt or unreadable SSTable; boot fails with the offending
	// filename wrapped around this sentinel.
	ErrMalformedSSTable = errors.New("malformed sstable")

	// ErrReplayPositionReordered flags a write that arrived with a replay
	// position below highest_flushed_rp; the caller retries the whole
	// apply.
	ErrReplayPositionReordered = errors.New("replay position reordered")

	// ErrOverloaded is returned when a read-concurrency queue exceeded its
	// configured cap.
	ErrOverloaded = errors.New("overloaded")

	// ErrAtomicDeletionCancelled flags an SSTable delete aborted because a
	// peer shard's delete of the same shared file failed.
	ErrAtomicDeletionCancelled = errors.New("atomic deletion cancelled")

	// ErrFlushFailed surfaces on the future returned by request_flush; the
	// memtable remains in place and will be retried.
	ErrFlushFailed = errors.New("flush failed")

	// ErrRangeNotOwned is returned when a streamed mutation's key falls
	// outside every token range this shard currently owns for the target
	// keyspace.
	ErrRangeNotOwned = errors.New("range not owned by this shard")
)
