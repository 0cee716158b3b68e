package reader

import (
	"testing"

	"github.com/cassandane/colfam/pkg/dirtymem"
	"github.com/cassandane/colfam/pkg/memtable"
	"github.com/cassandane/colfam/pkg/sstable"
	"github.com/cassandane/colfam/pkg/types"
)

func newTestMemtableForReader(t *testing.T) *memtable.Memtable {
	t.Helper()
	mgr := dirtymem.NewManager("regular", 0, nil)
	region := mgr.NewRegion(func(func()) {})
	return memtable.New("schema-v1", region)
}

func drainReader(t *testing.T, r Reader) []types.DecoratedKey {
	t.Helper()
	var out []types.DecoratedKey
	for {
		k, _, ok, err := r.Next()
		if err != nil {
			t.Fatalf("Next returned error: %v", err)
		}
		if !ok {
			return out
		}
		out = append(out, k)
	}
}

func TestMemtableReader_StreamsInAscendingKeyOrder(t *testing.T) {
	mt := newTestMemtableForReader(t)
	keys := []types.DecoratedKey{
		{Token: 3, Key: []byte("c")},
		{Token: 1, Key: []byte("a")},
		{Token: 2, Key: []byte("b")},
	}
	for _, k := range keys {
		mt.Apply(k, types.PartitionBody{}, types.ReplayPosition{Segment: 1, Offset: 1})
	}

	r := NewMemtableReader(mt)
	got := drainReader(t, r)

	want := []uint64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i, tok := range want {
		if got[i].Token != tok {
			t.Fatalf("expected ascending token order %v, got %v", want, tokens(got))
		}
	}
}

func TestMemtableReader_SnapshotsAtConstruction(t *testing.T) {
	mt := newTestMemtableForReader(t)
	key := types.DecoratedKey{Token: 1, Key: []byte("a")}
	mt.Apply(key, types.PartitionBody{}, types.ReplayPosition{Segment: 1, Offset: 1})

	r := NewMemtableReader(mt)

	// A write arriving after the reader snapshots must not be visible.
	mt.Apply(types.DecoratedKey{Token: 2, Key: []byte("b")}, types.PartitionBody{}, types.ReplayPosition{Segment: 1, Offset: 2})

	got := drainReader(t, r)
	if len(got) != 1 {
		t.Fatalf("expected the reader to reflect only the pre-construction write, got %d entries", len(got))
	}
}

func tokens(keys []types.DecoratedKey) []uint64 {
	out := make([]uint64, len(keys))
	for i, k := range keys {
		out[i] = k.Token
	}
	return out
}

type fakeRowSource struct {
	body  types.PartitionBody
	found bool
	err   error
}

func (f *fakeRowSource) ReadRow(key types.DecoratedKey) (types.PartitionBody, bool, error) {
	return f.body, f.found, f.err
}

func (f *fakeRowSource) ReadRange(r types.PartitionRange) (sstable.RowIterator, error) {
	return nil, nil
}

func TestSingleKeyReader_ReconcilesAcrossSurvivingSSTables(t *testing.T) {
	key := types.DecoratedKey{Token: 1, Key: []byte("k1")}

	refA := &sstable.Ref{
		Generation: 1,
		FirstKey:   key,
		LastKey:    key,
		Source: &fakeRowSource{
			found: true,
			body: types.PartitionBody{Rows: []types.Row{{
				Clustering: []byte("c"),
				Cells:      []types.Cell{{Column: "v", Value: []byte("old"), Timestamp: 1}},
			}}},
		},
	}
	refB := &sstable.Ref{
		Generation: 2,
		FirstKey:   key,
		LastKey:    key,
		Source: &fakeRowSource{
			found: true,
			body: types.PartitionBody{Rows: []types.Row{{
				Clustering: []byte("c"),
				Cells:      []types.Cell{{Column: "v", Value: []byte("new"), Timestamp: 2}},
			}}},
		},
	}

	r := NewSingleKeyReader([]*sstable.Ref{refA, refB}, key, nil, false)

	gotKey, body, ok, err := r.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a result")
	}
	if gotKey.Compare(key) != 0 {
		t.Fatalf("expected key %v, got %v", key, gotKey)
	}
	if len(body.Rows) != 1 || string(body.Rows[0].Cells[0].Value) != "new" {
		t.Fatalf("expected the higher-timestamp cell to win reconciliation, got %+v", body)
	}

	// A single-shot reader only ever produces one result.
	_, _, ok, err = r.Next()
	if err != nil {
		t.Fatalf("unexpected error on second Next: %v", err)
	}
	if ok {
		t.Fatal("expected SingleKeyReader to be exhausted after the first Next")
	}
}

func TestSingleKeyReader_NotFoundWhenNoCandidateHasTheKey(t *testing.T) {
	key := types.DecoratedKey{Token: 1, Key: []byte("k1")}
	other := types.DecoratedKey{Token: 2, Key: []byte("k2")}

	ref := &sstable.Ref{
		Generation: 1,
		Bloom:      bloomFor(other.Key),
		FirstKey:   other,
		LastKey:    other,
		Source:     &fakeRowSource{found: true},
	}

	r := NewSingleKeyReader([]*sstable.Ref{ref}, key, nil, false)
	_, _, ok, err := r.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected no result since the bloom filter should have excluded the candidate")
	}
}

func bloomFor(keys ...[]byte) *sstable.Bloom {
	b := sstable.NewBloom(uint32(len(keys))+1, 0.01)
	for _, k := range keys {
		b.Add(k)
	}
	return b
}
