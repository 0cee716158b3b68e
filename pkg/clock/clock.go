// Package clock allocates monotonically increasing replay positions for a
// single shard, built on a pair of atomic counters widened to the
// (segment, offset) coordinate the write-ahead log needs.
package clock

import (
	"sync/atomic"

	"github.com/cassandane/colfam/pkg/types"
)

// Allocator hands out strictly increasing ReplayPositions for one shard.
type Allocator struct {
	shard   uint32
	segment atomic.Uint64
	offset  atomic.Uint64
}

// NewAllocator creates an allocator for the given shard, resuming after the
// highest position already observed (e.g. during WAL replay).
func NewAllocator(shard uint32, resumeAfter types.ReplayPosition) *Allocator {
	a := &Allocator{shard: shard}
	a.segment.Store(resumeAfter.Segment)
	a.offset.Store(resumeAfter.Offset)
	return a
}

// Next allocates the next replay position on this shard.
func (a *Allocator) Next() types.ReplayPosition {
	off := a.offset.Add(1)
	return types.ReplayPosition{
		Shard:   a.shard,
		Segment: a.segment.Load(),
		Offset:  off,
	}
}

// Peek returns the position that would be assigned to a mutation applied
// right now, without consuming it.
func (a *Allocator) Peek() types.ReplayPosition {
	return types.ReplayPosition{
		Shard:   a.shard,
		Segment: a.segment.Load(),
		Offset:  a.offset.Load() + 1,
	}
}

// RollSegment starts a new WAL segment, resetting the offset counter. Any
// position allocated before the roll still compares less than positions
// allocated after it, because segment is the primary sort key.
func (a *Allocator) RollSegment() uint64 {
	seg := a.segment.Add(1)
	a.offset.Store(0)
	return seg
}
