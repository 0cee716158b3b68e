// Package replication abstracts the ordered, durable log behind
// large-partition streaming-plan commits. The engine itself never builds a
// replicated cluster (cross-shard coordination is explicitly out of
// scope); it only needs a Log that can order and durably record the moment
// a streaming plan's SSTables become eligible to be added to the set, the
// same role a consensus log plays for any other durable commit point.
package replication

import "context"

// LogEntry is one committed record: a streaming plan id and the SSTable
// generation numbers that were produced for it.
type LogEntry struct {
	Index uint64
	Term  uint64
	Data  []byte
}

// Log abstracts an ordered, durable append log.
type Log interface {
	Append(ctx context.Context, entries []LogEntry) (uint64, error)
	LastIndex(ctx context.Context) (uint64, error)
	Entries(ctx context.Context, from uint64, max int) ([]LogEntry, error)
} 