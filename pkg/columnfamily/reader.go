package columnfamily

import (
	"context"

	"github.com/cassandane/colfam/pkg/reader"
	"github.com/cassandane/colfam/pkg/sstable"
	"github.com/cassandane/colfam/pkg/types"
)

// sstableSource adapts a filtered SSTable set into a rowcache.Source, used
// to populate the cache on a miss.
type sstableSource struct {
	set               *sstable.Set
	clusterRanges     []types.ClusteringRange
	clusterRestricted bool
}

func (s *sstableSource) ReadPartition(key types.DecoratedKey) (types.PartitionBody, bool, error) {
	candidates := s.set.Select(types.PartitionRange{Singular: true, Key: key})
	skr := reader.NewSingleKeyReader(candidates, key, s.clusterRanges, s.clusterRestricted)
	_, body, found, err := skr.Next()
	return body, found, err
}

// oneShotReader wraps a single already-resolved (key, body) pair — the
// result of a row-cache hit or miss — behind the reader.Reader interface so
// it can be folded into CombinedReader alongside the memtable readers
//.
type oneShotReader struct {
	key    types.DecoratedKey
	body   types.PartitionBody
	found  bool
	served bool
}

func (r *oneShotReader) Next() (types.DecoratedKey, types.PartitionBody, bool, error) {
	if r.served || !r.found {
		return types.DecoratedKey{}, types.PartitionBody{}, false, nil
	}
	r.served = true
	return r.key, r.body, true, nil
}

func (r *oneShotReader) Close() error { return nil }

// MakeReader implements the exact four-step composition:
//  1. a MemtableReader per memtable, oldest-to-newest, restricted to pr.
//  2. a row-cache reader for a singular range when caching is enabled,
//     else an SSTable range reader.
//  3. wrap the ensemble in a CombinedReader.
//  4. wrap that in a RestrictedReader gated by the priority's semaphore.
func (cf *ColumnFamily) MakeReader(ctx context.Context, pr types.PartitionRange, clusterRanges []types.ClusteringRange, priority types.ReadPriority) (reader.Reader, error) {
	mts := cf.memtables.Snapshot()
	readers := make([]reader.Reader, 0, len(mts)+1)
	inRange := func(k types.DecoratedKey, _ types.PartitionBody) bool {
		if pr.Singular {
			return k.Compare(pr.Key) == 0
		}
		return k.Token >= pr.StartTok && k.Token <= pr.EndTok
	}
	for _, mt := range mts {
		readers = append(readers, reader.NewFilteringReader(reader.NewMemtableReader(mt), inRange))
	}

	sstables := cf.Sstables()

	switch {
	case cf.cache != nil && pr.Singular:
		src := &sstableSource{set: sstables, clusterRanges: clusterRanges, clusterRestricted: true}
		body, found, err := cf.cache.MakeReader(pr.Key, src)
		if err != nil {
			return nil, err
		}
		readers = append(readers, &oneShotReader{key: pr.Key, body: body, found: found})
	default:
		rr, err := reader.NewRangeReader(sstables, pr)
		if err != nil {
			return nil, err
		}
		readers = append(readers, rr)
	}

	combined, err := reader.NewCombinedReader(readers...)
	if err != nil {
		return nil, err
	}

	sem := cf.normalSem
	if priority == types.PriorityStreaming {
		sem = cf.streamingSem
	}
	return reader.NewRestrictedReader(ctx, combined, sem)
}
