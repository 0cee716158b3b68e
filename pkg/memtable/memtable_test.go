package memtable

import (
	"testing"

	"github.com/cassandane/colfam/pkg/dirtymem"
	"github.com/cassandane/colfam/pkg/types"
)

func newTestMemtable(t *testing.T) *Memtable {
	t.Helper()
	mgr := dirtymem.NewManager("regular", 0, nil)
	region := mgr.NewRegion(func(func()) {})
	return New("schema-v1", region)
}

func TestMemtable_ApplyThenGet(t *testing.T) {
	mt := newTestMemtable(t)
	key := types.DecoratedKey{Token: 1, Key: []byte("k1")}
	body := types.PartitionBody{
		Rows: []types.Row{{
			Clustering: []byte("c1"),
			Cells:      []types.Cell{{Column: "v", Value: []byte("hello"), Timestamp: 100}},
		}},
	}

	mt.Apply(key, body, types.ReplayPosition{Segment: 1, Offset: 10})

	got, ok := mt.Get(key)
	if !ok {
		t.Fatal("expected partition to be present after Apply")
	}
	if len(got.Rows) != 1 || string(got.Rows[0].Cells[0].Value) != "hello" {
		t.Fatalf("unexpected stored body: %+v", got)
	}
}

func TestMemtable_ApplyReconcilesOnSecondWrite(t *testing.T) {
	mt := newTestMemtable(t)
	key := types.DecoratedKey{Token: 1, Key: []byte("k1")}

	mt.Apply(key, types.PartitionBody{
		Rows: []types.Row{{Clustering: []byte("c1"), Cells: []types.Cell{{Column: "v", Value: []byte("old"), Timestamp: 1}}}},
	}, types.ReplayPosition{Segment: 1, Offset: 1})

	mt.Apply(key, types.PartitionBody{
		Rows: []types.Row{{Clustering: []byte("c1"), Cells: []types.Cell{{Column: "v", Value: []byte("new"), Timestamp: 2}}}},
	}, types.ReplayPosition{Segment: 1, Offset: 2})

	got, ok := mt.Get(key)
	if !ok {
		t.Fatal("expected partition to be present")
	}
	if len(got.Rows) != 1 {
		t.Fatalf("expected exactly one reconciled row, got %d", len(got.Rows))
	}
	if string(got.Rows[0].Cells[0].Value) != "new" {
		t.Fatalf("expected the higher-timestamp write to win, got %q", got.Rows[0].Cells[0].Value)
	}
}

func TestMemtable_ReplayPositionTracksHighWaterMark(t *testing.T) {
	mt := newTestMemtable(t)
	if !mt.ReplayPosition().Empty() {
		t.Fatal("expected an empty memtable to report the empty replay position")
	}

	key := types.DecoratedKey{Token: 1, Key: []byte("k1")}
	mt.Apply(key, types.PartitionBody{}, types.ReplayPosition{Segment: 1, Offset: 10})
	mt.Apply(key, types.PartitionBody{}, types.ReplayPosition{Segment: 1, Offset: 5})

	if got := mt.ReplayPosition(); got != (types.ReplayPosition{Segment: 1, Offset: 10}) {
		t.Fatalf("expected the high-water RP to stay at offset 10 despite an out-of-order apply, got %v", got)
	}
}

func TestMemtable_OccupancyGrowsWithEachApply(t *testing.T) {
	mt := newTestMemtable(t)
	if mt.Occupancy() != 0 {
		t.Fatalf("expected a fresh memtable to have zero occupancy, got %d", mt.Occupancy())
	}

	key := types.DecoratedKey{Token: 1, Key: []byte("k1")}
	mt.Apply(key, types.PartitionBody{
		Rows: []types.Row{{Clustering: []byte("c1"), Cells: []types.Cell{{Column: "v", Value: []byte("value")}}}},
	}, types.ReplayPosition{Segment: 1, Offset: 1})

	if mt.Occupancy() == 0 {
		t.Fatal("expected occupancy to grow after an Apply")
	}
}

func TestMemtable_RangeVisitsInAscendingKeyOrder(t *testing.T) {
	mt := newTestMemtable(t)
	keys := []types.DecoratedKey{
		{Token: 3, Key: []byte("c")},
		{Token: 1, Key: []byte("a")},
		{Token: 2, Key: []byte("b")},
	}
	for _, k := range keys {
		mt.Apply(k, types.PartitionBody{}, types.ReplayPosition{Segment: 1, Offset: 1})
	}

	var seen []uint64
	mt.Range(func(k types.DecoratedKey, _ types.PartitionBody) bool {
		seen = append(seen, k.Token)
		return true
	})

	want := []uint64{1, 2, 3}
	if len(seen) != len(want) {
		t.Fatalf("expected %d partitions, got %d", len(want), len(seen))
	}
	for i, tok := range want {
		if seen[i] != tok {
			t.Fatalf("expected ascending token order %v, got %v", want, seen)
		}
	}
}

func TestMemtable_SetFlushedToRoundTrips(t *testing.T) {
	mt := newTestMemtable(t)
	if mt.FlushedTo() != "" {
		t.Fatal("expected a fresh memtable to report no flush target")
	}
	mt.SetFlushedTo("gen-7")
	if mt.FlushedTo() != "gen-7" {
		t.Fatalf("expected FlushedTo to report gen-7, got %q", mt.FlushedTo())
	}
}
