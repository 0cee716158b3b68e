package memtable

import (
	"bytes"

	"github.com/cassandane/colfam/pkg/types"
)

// Reconcile merges two partition bodies for the same key into the single
// body a correct read must observe: per column the cell with the higher
// timestamp wins (liveness, expiry and deletion time are not compared; on
// equal timestamps b's cell wins), tombstones mask any cell they cover, and
// tombstones themselves reconcile by keeping the later deletion time.
func Reconcile(a, b types.PartitionBody) types.PartitionBody {
	out := types.PartitionBody{}

	out.HasPartitionTombstone = a.HasPartitionTombstone || b.HasPartitionTombstone
	switch {
	case a.HasPartitionTombstone && b.HasPartitionTombstone:
		out.PartitionTombstone = maxTS(a.PartitionTombstone, b.PartitionTombstone)
	case a.HasPartitionTombstone:
		out.PartitionTombstone = a.PartitionTombstone
	case b.HasPartitionTombstone:
		out.PartitionTombstone = b.PartitionTombstone
	}

	out.StaticRow = reconcileRowPtr(a.StaticRow, b.StaticRow)
	out.Rows = mergeRows(a.Rows, b.Rows)
	out.RangeTombstones = append(append([]types.RangeTombstone{}, a.RangeTombstones...), b.RangeTombstones...)

	if out.HasPartitionTombstone {
		if out.StaticRow != nil {
			if masked, keep := maskRowByPartitionTombstone(*out.StaticRow, out.PartitionTombstone); keep {
				out.StaticRow = &masked
			} else {
				out.StaticRow = nil
			}
		}
		out.Rows = maskRowsByPartitionTombstone(out.Rows, out.PartitionTombstone)
	}

	return out
}

// maskRowsByPartitionTombstone drops every cell a partition tombstone
// covers, dropping rows entirely once nothing survives.
func maskRowsByPartitionTombstone(rows []types.Row, pt types.Timestamp) []types.Row {
	out := make([]types.Row, 0, len(rows))
	for _, row := range rows {
		if masked, keep := maskRowByPartitionTombstone(row, pt); keep {
			out = append(out, masked)
		}
	}
	return out
}

// maskRowByPartitionTombstone mirrors reconcileRow's row-tombstone masking
// one level up: cells at or before pt are covered by the partition
// tombstone, and a row tombstone at or before pt is itself subsumed by it.
// The row survives only if a cell or a later row tombstone is left.
func maskRowByPartitionTombstone(row types.Row, pt types.Timestamp) (types.Row, bool) {
	cells := make([]types.Cell, 0, len(row.Cells))
	for _, c := range row.Cells {
		if c.Timestamp > pt {
			cells = append(cells, c)
		}
	}
	row.Cells = cells

	if row.HasTombstone && row.RowTombstone <= pt {
		row.HasTombstone = false
		row.RowTombstone = 0
	}

	if len(row.Cells) == 0 && !row.HasTombstone {
		return types.Row{}, false
	}
	return row, true
}

func maxTS(a, b types.Timestamp) types.Timestamp {
	if a > b {
		return a
	}
	return b
}

func reconcileRowPtr(a, b *types.Row) *types.Row {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		merged := reconcileRow(*a, *b)
		return &merged
	}
}

// mergeRows merges two ascending-by-clustering-key row slices, reconciling
// rows that share a clustering key.
func mergeRows(a, b []types.Row) []types.Row {
	out := make([]types.Row, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		c := bytes.Compare(a[i].Clustering, b[j].Clustering)
		switch {
		case c < 0:
			out = append(out, a[i])
			i++
		case c > 0:
			out = append(out, b[j])
			j++
		default:
			out = append(out, reconcileRow(a[i], b[j]))
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// reconcileRow merges two rows at the same clustering key: the row
// tombstone with the later deletion time wins, and cells reconcile
// per-column on timestamp.
func reconcileRow(a, b types.Row) types.Row {
	out := types.Row{Clustering: a.Clustering}

	out.HasTombstone = a.HasTombstone || b.HasTombstone
	switch {
	case a.HasTombstone && b.HasTombstone:
		out.RowTombstone = maxTS(a.RowTombstone, b.RowTombstone)
	case a.HasTombstone:
		out.RowTombstone = a.RowTombstone
	case b.HasTombstone:
		out.RowTombstone = b.RowTombstone
	}

	cells := make(map[string]types.Cell, len(a.Cells)+len(b.Cells))
	for _, c := range a.Cells {
		cells[c.Column] = c
	}
	for _, c := range b.Cells {
		if existing, ok := cells[c.Column]; !ok || c.Timestamp >= existing.Timestamp {
			cells[c.Column] = c
		}
	}
	out.Cells = make([]types.Cell, 0, len(cells))
	for _, c := range cells {
		// a row tombstone masks any cell written before it.
		if out.HasTombstone && c.Timestamp <= out.RowTombstone {
			continue
		}
		out.Cells = append(out.Cells, c)
	}

	return out
}
