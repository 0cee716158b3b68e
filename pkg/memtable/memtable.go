// Package memtable implements the in-memory write buffer and its
// owning ordered list. The partition map is a lock-free concurrent
// skip list so reads never block writers, the same structure a flat
// key/value memtable would use, widened here to hold partition bodies
// keyed by decorated key.
package memtable

import (
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/cassandane/colfam/pkg/dirtymem"
	"github.com/cassandane/colfam/pkg/types"
)

type partitions = skipmap.FuncMap[types.DecoratedKey, *types.PartitionBody]

// Memtable is an ordered partition-key -> partition-body map plus the
// bookkeeping required to track flushes: the highest replay position of
// any contained mutation, and a reference to the region tracking its
// occupancy.
type Memtable struct {
	schema string // opaque schema snapshot token, updated in place on ALTER

	data *partitions

	highestRP atomic.Value // types.ReplayPosition
	region    *dirtymem.Region

	// flushedTo is set once this memtable's flush has produced an SSTable,
	// before the cache transfer runs.
	mu        sync.Mutex
	flushedTo string
}

// New creates an empty memtable backed by region, which accounts its
// occupancy against the owning DirtyMemoryManager.
func New(schema string, region *dirtymem.Region) *Memtable {
	mt := &Memtable{
		schema: schema,
		data: skipmap.NewFunc[types.DecoratedKey, *types.PartitionBody](
			func(a, b types.DecoratedKey) bool { return a.Compare(b) < 0 },
		),
		region: region,
	}
	mt.highestRP.Store(types.ReplayPosition{})
	return mt
}

// Region returns the dirty-memory region backing this memtable.
func (mt *Memtable) Region() *dirtymem.Region { return mt.region }

// ReplayPosition returns the highest RP of any mutation applied to this
// memtable; the empty RP if it is still empty.
func (mt *Memtable) ReplayPosition() types.ReplayPosition {
	return mt.highestRP.Load().(types.ReplayPosition)
}

// Occupancy returns the bytes this memtable holds in its region.
func (mt *Memtable) Occupancy() uint64 { return mt.region.Real() }

// Schema returns the schema snapshot this memtable was created with.
func (mt *Memtable) Schema() string { return mt.schema }

// SetSchema updates the schema snapshot in place.
func (mt *Memtable) SetSchema(s string) {
	mt.mu.Lock()
	mt.schema = s
	mt.mu.Unlock()
}

// FlushedTo returns the generation identifier of the SSTable this memtable
// was flushed into, or "" if it has not flushed yet.
func (mt *Memtable) FlushedTo() string {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.flushedTo
}

// SetFlushedTo records the back-reference once a flush succeeds.
func (mt *Memtable) SetFlushedTo(generation string) {
	mt.mu.Lock()
	mt.flushedTo = generation
	mt.mu.Unlock()
}

// estimateSize approximates the serialized size of a partition body for
// dirty-memory accounting purposes.
func estimateSize(key types.DecoratedKey, body *types.PartitionBody) uint64 {
	n := uint64(len(key.Key)) + 8
	if body.StaticRow != nil {
		n += rowSize(body.StaticRow)
	}
	for i := range body.Rows {
		n += rowSize(&body.Rows[i])
	}
	for _, rt := range body.RangeTombstones {
		n += uint64(len(rt.Range.Start)+len(rt.Range.End)) + 16
	}
	return n
}

func rowSize(r *types.Row) uint64 {
	n := uint64(len(r.Clustering)) + 8
	for _, c := range r.Cells {
		n += uint64(len(c.Column)+len(c.Value)) + 16
	}
	return n
}

// Apply merges body into any existing partition for key, reconciling
// cell-by-cell by timestamp (see Reconcile), and advances the memtable's
// high-water replay position. A memtable is mutated only by writes on
// its own shard, so Apply assumes a single
// logical writer and performs a plain load-merge-store rather than a CAS
// retry loop.
func (mt *Memtable) Apply(key types.DecoratedKey, body types.PartitionBody, rp types.ReplayPosition) {
	added := estimateSize(key, &body)

	if existing, ok := mt.data.Load(key); ok {
		merged := Reconcile(*existing, body)
		mt.data.Store(key, &merged)
	} else {
		cp := body
		mt.data.Store(key, &cp)
	}

	mt.region.Manager().Reserve(mt.region, added)
	mt.advanceRP(rp)
}

func (mt *Memtable) advanceRP(rp types.ReplayPosition) {
	cur := mt.highestRP.Load().(types.ReplayPosition)
	if cur.Less(rp) {
		mt.highestRP.Store(rp)
	}
}

// Get returns the partition body stored for key, if any.
func (mt *Memtable) Get(key types.DecoratedKey) (types.PartitionBody, bool) {
	body, ok := mt.data.Load(key)
	if !ok {
		return types.PartitionBody{}, false
	}
	return *body, true
}

// Len reports the number of partitions currently held.
func (mt *Memtable) Len() int { return mt.data.Len() }

// Range visits every partition in ascending decorated-key order, stopping
// early if fn returns false. Safe to call concurrently with Apply; it
// reflects a live, not point-in-time, view (callers that need a stable
// snapshot should be reading a sealed, read-only memtable).
func (mt *Memtable) Range(fn func(types.DecoratedKey, types.PartitionBody) bool) {
	mt.data.Range(func(k types.DecoratedKey, v *types.PartitionBody) bool {
		return fn(k, *v)
	})
}

// RangeFrom visits partitions with decorated key >= start, in order.
func (mt *Memtable) RangeFrom(start types.DecoratedKey, fn func(types.DecoratedKey, types.PartitionBody) bool) {
	mt.data.Range(func(k types.DecoratedKey, v *types.PartitionBody) bool {
		if k.Compare(start) < 0 {
			return true
		}
		return fn(k, *v)
	})
}
