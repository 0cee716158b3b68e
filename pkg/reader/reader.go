// Package reader implements the base readers and compositors that
// ColumnFamily.make_reader assembles into one merged stream: MemtableReader
// and SingleKeyReader at the bottom, CombinedReader/FilteringReader/
// RestrictedReader wrapping them.
//
// Built as a heap-based k-way merge over the component readers, widened
// from a single byte-key stream to full partition bodies merged through
// memtable.Reconcile whenever two sources agree on a key.
package reader

import (
	"sort"

	"github.com/cassandane/colfam/pkg/memtable"
	"github.com/cassandane/colfam/pkg/sstable"
	"github.com/cassandane/colfam/pkg/types"
)

// Reader streams (decorated key, partition body) pairs in ascending key
// order, the common interface every reader and compositor implements.
type Reader interface {
	Next() (types.DecoratedKey, types.PartitionBody, bool, error)
	Close() error
}

// MemtableReader streams every partition currently held by one memtable, in
// ascending decorated-key order. It snapshots the memtable's contents at
// construction time: a memtable is only ever mutated by its own shard, and
// a reader built against a sealed (no longer active) memtable sees a
// stable view by construction; a reader built against the active memtable
// accepts that it reflects the state as of snapshot time, same as a
// flat-memtable iterator would.
type MemtableReader struct {
	rows []memtableRow
	pos  int
}

type memtableRow struct {
	key  types.DecoratedKey
	body types.PartitionBody
}

// NewMemtableReader snapshots mt's current contents into a MemtableReader.
func NewMemtableReader(mt *memtable.Memtable) *MemtableReader {
	rows := make([]memtableRow, 0, mt.Len())
	mt.Range(func(k types.DecoratedKey, v types.PartitionBody) bool {
		rows = append(rows, memtableRow{key: k, body: v})
		return true
	})
	return &MemtableReader{rows: rows}
}

func (r *MemtableReader) Next() (types.DecoratedKey, types.PartitionBody, bool, error) {
	if r.pos >= len(r.rows) {
		return types.DecoratedKey{}, types.PartitionBody{}, false, nil
	}
	row := r.rows[r.pos]
	r.pos++
	return row.key, row.body, true, nil
}

func (r *MemtableReader) Close() error { return nil }

// SingleKeyReader serves a singular partition range: it runs the filter
// pipeline against candidates, fans out to every surviving SSTable
// in parallel, and reconciles whatever each one returns into one body.
type SingleKeyReader struct {
	key    types.DecoratedKey
	body   types.PartitionBody
	found  bool
	err    error
	served bool
}

// NewSingleKeyReader runs FilterForReader over candidates and eagerly reads
// every survivor; fanning out at construction keeps Next() trivial, since
// a single-key read is bounded, one-shot work.
func NewSingleKeyReader(candidates []*sstable.Ref, key types.DecoratedKey, clusterRanges []types.ClusteringRange, clusterRestricted bool) *SingleKeyReader {
	survivors := sstable.FilterForReader(candidates, key, clusterRanges, clusterRestricted)

	type result struct {
		body  types.PartitionBody
		found bool
		err   error
	}
	results := make([]result, len(survivors))

	done := make(chan int, len(survivors))
	for i, ref := range survivors {
		go func(i int, ref *sstable.Ref) {
			body, found, err := ref.Source.ReadRow(key)
			results[i] = result{body: body, found: found, err: err}
			done <- i
		}(i, ref)
	}
	for range survivors {
		<-done
	}

	sr := &SingleKeyReader{key: key}
	merged := types.PartitionBody{}
	any := false
	for _, res := range results {
		if res.err != nil && sr.err == nil {
			sr.err = res.err
			continue
		}
		if !res.found {
			continue
		}
		if !any {
			merged = res.body
			any = true
		} else {
			merged = memtable.Reconcile(merged, res.body)
		}
	}
	sr.body, sr.found = merged, any
	return sr
}

func (r *SingleKeyReader) Next() (types.DecoratedKey, types.PartitionBody, bool, error) {
	if r.served {
		return types.DecoratedKey{}, types.PartitionBody{}, false, r.err
	}
	r.served = true
	if r.err != nil {
		return types.DecoratedKey{}, types.PartitionBody{}, false, r.err
	}
	if !r.found {
		return types.DecoratedKey{}, types.PartitionBody{}, false, nil
	}
	return r.key, r.body, true, nil
}

func (r *SingleKeyReader) Close() error { return nil }

// sortRefsLike orders refs to match order, used where callers need a
// stable iteration order over a filtered/selected subset.
func sortRefsLike(order []*sstable.Ref, refs []*sstable.Ref) []*sstable.Ref {
	pos := make(map[*sstable.Ref]int, len(order))
	for i, r := range order {
		pos[r] = i
	}
	out := append([]*sstable.Ref{}, refs...)
	sort.SliceStable(out, func(i, j int) bool { return pos[out[i]] < pos[out[j]] })
	return out
}
