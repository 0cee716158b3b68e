package reader

import "github.com/cassandane/colfam/pkg/types"

// Predicate reports whether a (key, body) pair should pass through a
// FilteringReader.
type Predicate func(types.DecoratedKey, types.PartitionBody) bool

// FilteringReader applies a predicate per mutation, used e.g. to restrict
// a reader over a shared SSTable to the partitions owned by the current
// shard.
type FilteringReader struct {
	inner Reader
	pred  Predicate
}

// NewFilteringReader wraps inner, dropping any entry pred rejects.
func NewFilteringReader(inner Reader, pred Predicate) *FilteringReader {
	return &FilteringReader{inner: inner, pred: pred}
}

func (f *FilteringReader) Next() (types.DecoratedKey, types.PartitionBody, bool, error) {
	for {
		k, b, ok, err := f.inner.Next()
		if err != nil || !ok {
			return k, b, ok, err
		}
		if f.pred(k, b) {
			return k, b, true, nil
		}
	}
}

func (f *FilteringReader) Close() error { return f.inner.Close() }
