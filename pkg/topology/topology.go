// Package topology resolves which token ranges this shard currently owns,
// the collaborator behind ReplicationStrategy.get_local_ranges that
// Database.apply_streaming consults before accepting a streamed mutation
// for a range.
//
// Built as a membership watcher, narrowed from full ring/membership
// management (out of scope: gossip, endpoint routing) down to watching
// one ZK path for this node's owned ranges and serving a snapshot of
// them.
package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/cassandane/colfam/pkg/types"
)

// Range is a token range this node owns for one keyspace, inclusive of
// both StartTok and EndTok.
type Range struct {
	StartTok uint64
	EndTok   uint64
}

func (r Range) Contains(tok uint64) bool {
	return tok >= r.StartTok && tok <= r.EndTok
}

// Resolver reports the token ranges currently owned by this shard,
// refreshed from ZooKeeper.
type Resolver struct {
	conn *zk.Conn
	path string

	mu     sync.RWMutex
	ranges map[string][]Range // keyspace -> owned ranges
}

// NewResolver connects to the given ZooKeeper ensemble and watches path for
// this node's owned-range assignment.
func NewResolver(servers []string, path string) (*Resolver, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &Resolver{conn: conn, path: path, ranges: make(map[string][]Range)}, nil
}

// Close releases the ZooKeeper session.
func (r *Resolver) Close() error {
	r.conn.Close()
	return nil
}

// LocalRanges returns a snapshot of the ranges owned for ks.
func (r *Resolver) LocalRanges(ks string) []Range {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Range, len(r.ranges[ks]))
	copy(out, r.ranges[ks])
	return out
}

// Owns reports whether key's token falls within a range owned for ks.
func (r *Resolver) Owns(ks string, key types.DecoratedKey) bool {
	for _, rg := range r.LocalRanges(ks) {
		if rg.Contains(key.Token) {
			return true
		}
	}
	return false
}

type assignment map[string][]Range

// Watch runs until ctx is cancelled, refreshing the owned-range snapshot
// every time the watched path changes.
func (r *Resolver) Watch(ctx context.Context) {
	for {
		data, _, ch, err := r.conn.GetW(r.path)
		if err != nil {
			slog.Warn("topology: failed to watch assignment path", "path", r.path, "error", err)
			select {
			case <-time.After(2 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		r.applyAssignment(data)

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return
		}
	}
}

func (r *Resolver) applyAssignment(data []byte) {
	var a assignment
	if err := json.Unmarshal(data, &a); err != nil {
		slog.Warn("topology: malformed assignment, keeping previous ranges", "error", err)
		return
	}
	r.mu.Lock()
	r.ranges = a
	r.mu.Unlock()
}
