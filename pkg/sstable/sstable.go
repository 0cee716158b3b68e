// Package sstable holds the immutable reference view of an on-disk SSTable
//, the copy-on-write SSTableSet that groups references for selection
//, and the Bloom/clustering/tombstone-salvage filter pipeline
// that narrows a set down before a read fans out to disk.
package sstable

import (
	"github.com/cassandane/colfam/pkg/types"
)

// ComponentRange records the observed [min,max] of one clustering-key
// component across every row in an SSTable, enabling per-component
// pruning.
type ComponentRange struct {
	Min, Max []byte
}

// Overlaps reports whether v falls within [Min,Max].
func (c ComponentRange) Overlaps(v []byte) bool {
	return compareBytes(v, c.Min) >= 0 && compareBytes(v, c.Max) <= 0
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// TombstoneHistogram buckets the estimated fraction of rows in an SSTable
// that are tombstones, coarse enough to answer "does this file contain any
// tombstones at all" for the salvage rule.
type TombstoneHistogram struct {
	EstimatedTombstoneCount int64
}

// HasTombstones reports whether the file is estimated to contain any
// tombstones.
func (h TombstoneHistogram) HasTombstones() bool { return h.EstimatedTombstoneCount > 0 }

// RowSource is the external SSTable-library boundary an SSTable
// reference delegates actual I/O to: read_row / read_range_rows.
type RowSource interface {
	ReadRow(key types.DecoratedKey) (types.PartitionBody, bool, error)
	ReadRange(r types.PartitionRange) (RowIterator, error)
}

// RowIterator streams (key, body) pairs in decorated-key order from an
// SSTable.
type RowIterator interface {
	Next() (types.DecoratedKey, types.PartitionBody, bool, error)
	Close() error
}

// Ref is the immutable reference view of one SSTable. It is acquired
// by value (copied by pointer, reference-counted by the caller's hold on
// the enclosing Set) so a reader can outlive a compaction that removes it
// from the live Set.
type Ref struct {
	Generation uint64
	Version    string
	Format     string
	Level      int

	MinTimestamp types.Timestamp
	MaxTimestamp types.Timestamp

	Bloom           *Bloom
	ClusteringComps []ComponentRange
	TombstoneHist   TombstoneHistogram

	Shared bool // owned by more than one shard

	FirstKey types.DecoratedKey
	LastKey  types.DecoratedKey

	SizeBytes int64

	Source RowSource
}

// MayContainKey is the first filter-pipeline step: a cheap Bloom-filter
// probe.
func (r *Ref) MayContainKey(key types.DecoratedKey) bool {
	if r.Bloom == nil {
		return true
	}
	return r.Bloom.MayContain(key.Key)
}

// Overlaps reports whether this SSTable's key span could intersect pr.
func (r *Ref) Overlaps(pr types.PartitionRange) bool {
	if pr.Singular {
		return r.MayContainKey(pr.Key) &&
			r.FirstKey.Compare(pr.Key) <= 0 && r.LastKey.Compare(pr.Key) >= 0
	}
	return r.FirstKey.Token <= pr.EndTok && r.LastKey.Token >= pr.StartTok
}
