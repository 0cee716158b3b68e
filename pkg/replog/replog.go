// Package replog implements pkg/replication.Log on top of etcd/raft's
// single-node consensus core, giving the streaming-ingest pipeline a
// durably ordered commit point for "large-partition plan committed"
// notifications without pulling in full
// multi-node cluster membership (out of scope: cross-shard coordination).
//
// Built on a standard raft Ready-loop, narrowed to a single voter whose
// only job is ordering and durably recording commits.
package replog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/cassandane/colfam/pkg/replication"
)

// Log is a single-node etcd/raft instance used purely for its durable,
// ordered commit log — there is exactly one voter (this shard), so every
// proposal commits as soon as it is persisted to stable storage.
type Log struct {
	id uint64

	underlying   raft.Node
	storage      *raft.MemoryStorage
	tickInterval time.Duration

	mu        sync.Mutex
	committed []replication.LogEntry

	ctx    context.Context
	cancel context.CancelFunc
}

// New starts a single-voter raft log identified by id.
func New(id uint64) *Log {
	storage := raft.NewMemoryStorage()
	cfg := &raft.Config{
		ID:              id,
		ElectionTick:    10,
		HeartbeatTick:   1,
		Storage:         storage,
		MaxSizePerMsg:   4096,
		MaxInflightMsgs: 256,
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Log{
		id:           id,
		storage:      storage,
		tickInterval: 100 * time.Millisecond,
		underlying:   raft.StartNode(cfg, []raft.Peer{{ID: id}}),
		ctx:          ctx,
		cancel:       cancel,
	}
	go l.run()
	return l
}

func (l *Log) run() {
	ticker := time.NewTicker(l.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.underlying.Tick()
		case rd := <-l.underlying.Ready():
			if err := l.handleReady(rd); err != nil {
				slog.Error("replog: failed to apply ready state", "error", err)
			}
		}
	}
}

func (l *Log) handleReady(rd raft.Ready) error {
	if err := l.storage.Append(rd.Entries); err != nil {
		return fmt.Errorf("append raft entries: %w", err)
	}

	l.mu.Lock()
	for _, e := range rd.CommittedEntries {
		if e.Type != raftpb.EntryNormal || len(e.Data) == 0 {
			continue
		}
		l.committed = append(l.committed, replication.LogEntry{Index: e.Index, Term: e.Term, Data: e.Data})
	}
	l.mu.Unlock()

	l.underlying.Advance()
	return nil
}

// Append implements replication.Log: proposes every entry's payload in
// order and blocks until all of them have committed, returning the
// resulting commit index.
func (l *Log) Append(ctx context.Context, entries []replication.LogEntry) (uint64, error) {
	l.mu.Lock()
	target := len(l.committed) + len(entries)
	l.mu.Unlock()

	for _, e := range entries {
		if err := l.underlying.Propose(ctx, e.Data); err != nil {
			return 0, fmt.Errorf("propose: %w", err)
		}
	}

	for {
		l.mu.Lock()
		n := len(l.committed)
		var idx uint64
		if n > 0 {
			idx = l.committed[n-1].Index
		}
		l.mu.Unlock()
		if n >= target {
			return idx, nil
		}
		select {
		case <-time.After(l.tickInterval):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// LastIndex implements replication.Log.
func (l *Log) LastIndex(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.committed) == 0 {
		return 0, nil
	}
	return l.committed[len(l.committed)-1].Index, nil
}

// Entries implements replication.Log, returning up to max committed
// entries with index >= from.
func (l *Log) Entries(ctx context.Context, from uint64, max int) ([]replication.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []replication.LogEntry
	for _, e := range l.committed {
		if e.Index < from {
			continue
		}
		out = append(out, e)
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

// Close stops the underlying raft node.
func (l *Log) Close() error {
	l.cancel()
	l.underlying.Stop()
	return nil
}

var _ replication.Log = (*Log)(nil)
