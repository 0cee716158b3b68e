package reader

import (
	"container/heap"

	"github.com/cassandane/colfam/pkg/memtable"
	"github.com/cassandane/colfam/pkg/types"
)

type combinedEntry struct {
	reader Reader
	key    types.DecoratedKey
	body   types.PartitionBody
	valid  bool
}

func (e *combinedEntry) advance() error {
	k, b, ok, err := e.reader.Next()
	if err != nil {
		return err
	}
	e.key, e.body, e.valid = k, b, ok
	return nil
}

type combinedHeap []*combinedEntry

func (h combinedHeap) Len() int           { return len(h) }
func (h combinedHeap) Less(i, j int) bool { return h[i].key.Compare(h[j].key) < 0 }
func (h combinedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *combinedHeap) Push(x any)        { *h = append(*h, x.(*combinedEntry)) }
func (h *combinedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// CombinedReader merges N sorted readers into one sorted stream, honoring
// partition tombstones and row markers by reconciling every entry that
// shares a decorated key across the merged readers. The order
// readers are added in only matters insofar as memtable readers should be
// added oldest-to-newest, so that when ColumnFamily.make_reader later adds
// replay-position tie-breaking this reader's merge order stays stable.
type CombinedReader struct {
	entries []*combinedEntry
	h       combinedHeap
	err     error
}

// NewCombinedReader builds a CombinedReader over readers, oldest-to-newest.
func NewCombinedReader(readers ...Reader) (*CombinedReader, error) {
	cr := &CombinedReader{}
	for _, r := range readers {
		e := &combinedEntry{reader: r}
		if err := e.advance(); err != nil {
			return nil, err
		}
		cr.entries = append(cr.entries, e)
		if e.valid {
			cr.h = append(cr.h, e)
		}
	}
	heap.Init(&cr.h)
	return cr, nil
}

func (cr *CombinedReader) Next() (types.DecoratedKey, types.PartitionBody, bool, error) {
	if cr.err != nil {
		return types.DecoratedKey{}, types.PartitionBody{}, false, cr.err
	}
	if len(cr.h) == 0 {
		return types.DecoratedKey{}, types.PartitionBody{}, false, nil
	}

	winner := heap.Pop(&cr.h).(*combinedEntry)
	key := winner.key
	merged := winner.body

	if err := winner.advance(); err != nil {
		cr.err = err
		return types.DecoratedKey{}, types.PartitionBody{}, false, err
	}
	if winner.valid {
		heap.Push(&cr.h, winner)
	}

	for len(cr.h) > 0 && cr.h[0].key.Compare(key) == 0 {
		tie := heap.Pop(&cr.h).(*combinedEntry)
		merged = memtable.Reconcile(merged, tie.body)
		if err := tie.advance(); err != nil {
			cr.err = err
			return types.DecoratedKey{}, types.PartitionBody{}, false, err
		}
		if tie.valid {
			heap.Push(&cr.h, tie)
		}
	}

	return key, merged, true, nil
}

func (cr *CombinedReader) Close() error {
	var first error
	for _, e := range cr.entries {
		if err := e.reader.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
