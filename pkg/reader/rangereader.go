package reader

import (
	"container/heap"

	"github.com/cassandane/colfam/pkg/memtable"
	"github.com/cassandane/colfam/pkg/sstable"
	"github.com/cassandane/colfam/pkg/types"
)

// subIter pairs one selected SSTable with its open row iterator.
type subIter struct {
	ref  *sstable.Ref
	iter sstable.RowIterator

	key   types.DecoratedKey
	body  types.PartitionBody
	valid bool
}

func (s *subIter) advance() error {
	k, b, ok, err := s.iter.Next()
	if err != nil {
		return err
	}
	s.key, s.body, s.valid = k, b, ok
	return nil
}

// RangeReader streams every partition in a token range, merged across
// every SSTable selected for it. fast_forward_to recomputes the
// selected set and surgically adds/removes sub-readers rather than
// rebuilding the whole reader, so SSTables that remain selected keep their
// already-opened iterator and read position.
type RangeReader struct {
	set *sstable.Set
	pr  types.PartitionRange

	subs []*subIter
	h    subHeap
	err  error
}

// NewRangeReader selects every SSTable overlapping pr from set and opens a
// RowIterator against each one.
func NewRangeReader(set *sstable.Set, pr types.PartitionRange) (*RangeReader, error) {
	rr := &RangeReader{set: set, pr: pr}
	refs := set.Select(pr)
	for _, ref := range refs {
		if err := rr.openSub(ref, pr); err != nil {
			return nil, err
		}
	}
	rr.rebuildHeap()
	return rr, nil
}

func (rr *RangeReader) openSub(ref *sstable.Ref, pr types.PartitionRange) error {
	it, err := ref.Source.ReadRange(pr)
	if err != nil {
		return err
	}
	s := &subIter{ref: ref, iter: it}
	if err := s.advance(); err != nil {
		return err
	}
	rr.subs = append(rr.subs, s)
	return nil
}

func (rr *RangeReader) rebuildHeap() {
	rr.h = rr.h[:0]
	for _, s := range rr.subs {
		if s.valid {
			rr.h = append(rr.h, s)
		}
	}
	heap.Init(&rr.h)
}

// FastForwardTo re-selects SSTables for the new range, opening readers only
// for newly-selected SSTables and closing readers for SSTables that fell
// out of selection, leaving every unaffected sub-reader untouched.
func (rr *RangeReader) FastForwardTo(pr types.PartitionRange) error {
	next := rr.set.Select(pr)
	nextSet := make(map[*sstable.Ref]bool, len(next))
	for _, r := range next {
		nextSet[r] = true
	}

	kept := make([]*subIter, 0, len(rr.subs))
	for _, s := range rr.subs {
		if nextSet[s.ref] {
			kept = append(kept, s)
			delete(nextSet, s.ref)
		} else {
			s.iter.Close()
		}
	}
	rr.subs = kept

	remaining := make([]*sstable.Ref, 0, len(nextSet))
	for _, r := range next {
		if nextSet[r] {
			remaining = append(remaining, r)
		}
	}
	for _, ref := range sortRefsLike(next, remaining) {
		if err := rr.openSub(ref, pr); err != nil {
			return err
		}
	}

	rr.pr = pr
	rr.rebuildHeap()
	return nil
}

func (rr *RangeReader) Next() (types.DecoratedKey, types.PartitionBody, bool, error) {
	if rr.err != nil {
		return types.DecoratedKey{}, types.PartitionBody{}, false, rr.err
	}
	if len(rr.h) == 0 {
		return types.DecoratedKey{}, types.PartitionBody{}, false, nil
	}

	winner := heap.Pop(&rr.h).(*subIter)
	key := winner.key
	merged := winner.body

	if err := winner.advance(); err != nil {
		rr.err = err
		return types.DecoratedKey{}, types.PartitionBody{}, false, err
	}
	if winner.valid {
		heap.Push(&rr.h, winner)
	}

	for len(rr.h) > 0 && rr.h[0].key.Compare(key) == 0 {
		tie := heap.Pop(&rr.h).(*subIter)
		merged = memtable.Reconcile(merged, tie.body)
		if err := tie.advance(); err != nil {
			rr.err = err
			return types.DecoratedKey{}, types.PartitionBody{}, false, err
		}
		if tie.valid {
			heap.Push(&rr.h, tie)
		}
	}

	return key, merged, true, nil
}

func (rr *RangeReader) Close() error {
	var first error
	for _, s := range rr.subs {
		if err := s.iter.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type subHeap []*subIter

func (h subHeap) Len() int            { return len(h) }
func (h subHeap) Less(i, j int) bool  { return h[i].key.Compare(h[j].key) < 0 }
func (h subHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *subHeap) Push(x any)         { *h = append(*h, x.(*subIter)) }
func (h *subHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
