package memtable

import (
	"testing"

	"github.com/cassandane/colfam/pkg/types"
)

func TestReconcile_HigherTimestampCellWins(t *testing.T) {
	a := types.PartitionBody{Rows: []types.Row{{
		Clustering: []byte("c"),
		Cells:      []types.Cell{{Column: "v", Value: []byte("old"), Timestamp: 1}},
	}}}
	b := types.PartitionBody{Rows: []types.Row{{
		Clustering: []byte("c"),
		Cells:      []types.Cell{{Column: "v", Value: []byte("new"), Timestamp: 2}},
	}}}

	out := Reconcile(a, b)

	if len(out.Rows) != 1 || len(out.Rows[0].Cells) != 1 {
		t.Fatalf("expected one merged row with one cell, got %+v", out)
	}
	if string(out.Rows[0].Cells[0].Value) != "new" {
		t.Fatalf("expected the higher-timestamp cell to win, got %q", out.Rows[0].Cells[0].Value)
	}
}

func TestReconcile_EqualTimestampPrefersSecondArgument(t *testing.T) {
	a := types.PartitionBody{Rows: []types.Row{{
		Clustering: []byte("c"),
		Cells:      []types.Cell{{Column: "v", Value: []byte("a-value"), Timestamp: 5}},
	}}}
	b := types.PartitionBody{Rows: []types.Row{{
		Clustering: []byte("c"),
		Cells:      []types.Cell{{Column: "v", Value: []byte("b-value"), Timestamp: 5}},
	}}}

	out := Reconcile(a, b)

	if string(out.Rows[0].Cells[0].Value) != "b-value" {
		t.Fatalf("expected a tie on timestamp to resolve to the second argument, got %q", out.Rows[0].Cells[0].Value)
	}
}

func TestReconcile_RowTombstoneMasksOlderCells(t *testing.T) {
	a := types.PartitionBody{Rows: []types.Row{{
		Clustering: []byte("c"),
		Cells:      []types.Cell{{Column: "v", Value: []byte("before-delete"), Timestamp: 1}},
	}}}
	b := types.PartitionBody{Rows: []types.Row{{
		Clustering:   []byte("c"),
		HasTombstone: true,
		RowTombstone: 2,
	}}}

	out := Reconcile(a, b)

	if len(out.Rows) != 1 {
		t.Fatalf("expected one row, got %d", len(out.Rows))
	}
	if !out.Rows[0].HasTombstone {
		t.Fatal("expected the merged row to carry the tombstone")
	}
	if len(out.Rows[0].Cells) != 0 {
		t.Fatalf("expected the tombstone to mask the older cell, got cells %+v", out.Rows[0].Cells)
	}
}

func TestReconcile_CellNewerThanRowTombstoneSurvives(t *testing.T) {
	a := types.PartitionBody{Rows: []types.Row{{
		Clustering:   []byte("c"),
		HasTombstone: true,
		RowTombstone: 2,
	}}}
	b := types.PartitionBody{Rows: []types.Row{{
		Clustering: []byte("c"),
		Cells:      []types.Cell{{Column: "v", Value: []byte("after-delete"), Timestamp: 3}},
	}}}

	out := Reconcile(a, b)

	if len(out.Rows[0].Cells) != 1 {
		t.Fatalf("expected the post-tombstone cell to survive, got %+v", out.Rows[0].Cells)
	}
}

func TestReconcile_PartitionTombstoneKeepsLaterDeletionTime(t *testing.T) {
	a := types.PartitionBody{HasPartitionTombstone: true, PartitionTombstone: 5}
	b := types.PartitionBody{HasPartitionTombstone: true, PartitionTombstone: 9}

	out := Reconcile(a, b)

	if !out.HasPartitionTombstone || out.PartitionTombstone != 9 {
		t.Fatalf("expected the later partition tombstone to win, got %+v", out)
	}
}

func TestReconcile_RangeTombstonesAccumulateFromBoth(t *testing.T) {
	a := types.PartitionBody{RangeTombstones: []types.RangeTombstone{{DeletionTime: 1}}}
	b := types.PartitionBody{RangeTombstones: []types.RangeTombstone{{DeletionTime: 2}}}

	out := Reconcile(a, b)

	if len(out.RangeTombstones) != 2 {
		t.Fatalf("expected both range tombstones to be kept, got %d", len(out.RangeTombstones))
	}
}

func TestReconcile_MergeRowsPreservesClusteringOrder(t *testing.T) {
	a := types.PartitionBody{Rows: []types.Row{
		{Clustering: []byte("a")},
		{Clustering: []byte("c")},
	}}
	b := types.PartitionBody{Rows: []types.Row{
		{Clustering: []byte("b")},
		{Clustering: []byte("d")},
	}}

	out := Reconcile(a, b)

	want := []string{"a", "b", "c", "d"}
	if len(out.Rows) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(out.Rows))
	}
	for i, w := range want {
		if string(out.Rows[i].Clustering) != w {
			t.Fatalf("expected merged row order %v, got %v", want, clusterings(out.Rows))
		}
	}
}

func clusterings(rows []types.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = string(r.Clustering)
	}
	return out
}

func TestReconcile_PartitionTombstoneMasksOlderRow(t *testing.T) {
	a := types.PartitionBody{Rows: []types.Row{{
		Clustering: []byte("c"),
		Cells:      []types.Cell{{Column: "v", Value: []byte("before-delete"), Timestamp: 10}},
	}}}
	b := types.PartitionBody{HasPartitionTombstone: true, PartitionTombstone: 20}

	out := Reconcile(a, b)

	if !out.HasPartitionTombstone || out.PartitionTombstone != 20 {
		t.Fatalf("expected the merged body to carry the partition tombstone at 20, got %+v", out)
	}
	if len(out.Rows) != 0 {
		t.Fatalf("expected the partition tombstone to drop the older row entirely, got %+v", out.Rows)
	}
}

func TestReconcile_PartitionTombstoneKeepsRowWrittenAfterIt(t *testing.T) {
	a := types.PartitionBody{HasPartitionTombstone: true, PartitionTombstone: 20}
	b := types.PartitionBody{Rows: []types.Row{{
		Clustering: []byte("c"),
		Cells:      []types.Cell{{Column: "v", Value: []byte("after-delete"), Timestamp: 30}},
	}}}

	out := Reconcile(a, b)

	if len(out.Rows) != 1 || len(out.Rows[0].Cells) != 1 {
		t.Fatalf("expected the post-tombstone row to survive, got %+v", out.Rows)
	}
	if string(out.Rows[0].Cells[0].Value) != "after-delete" {
		t.Fatalf("expected the surviving cell to be the post-tombstone write, got %q", out.Rows[0].Cells[0].Value)
	}
}

func TestReconcile_PartitionTombstoneMasksStaticRow(t *testing.T) {
	a := types.PartitionBody{StaticRow: &types.Row{
		Cells: []types.Cell{{Column: "v", Value: []byte("stale"), Timestamp: 1}},
	}}
	b := types.PartitionBody{HasPartitionTombstone: true, PartitionTombstone: 5}

	out := Reconcile(a, b)

	if out.StaticRow != nil {
		t.Fatalf("expected the partition tombstone to mask the static row, got %+v", out.StaticRow)
	}
}
