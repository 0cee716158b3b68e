package sstable

import "github.com/cassandane/colfam/pkg/types"

// SingularPrefixSplit splits ranges into per-clustering-component
// sub-ranges following the "singular-prefix" rule: only the
// longest prefix of singular-bound components is split; the first
// non-singular component keeps its original inclusivity, and components
// after it are ignored. A ClusteringRange is "singular" in a component
// when Start == End for that component (an equality restriction).
//
// Because this engine represents clustering keys as opaque byte strings
// rather than a tuple of typed components, a ComponentRange comparison is
// performed against the single effective component derived from the
// range's Start/End bytes: when Start == End the range is singular (one
// component, an equality predicate) and is compared directly; otherwise it
// is treated as one non-singular component and compared as an interval.
func componentsOf(r types.ClusteringRange) []ComponentRange {
	if len(r.Start) == 0 && len(r.End) == 0 {
		return nil
	}
	if string(r.Start) == string(r.End) && len(r.Start) > 0 {
		return []ComponentRange{{Min: r.Start, Max: r.Start}}
	}
	return []ComponentRange{{Min: r.Start, Max: r.End}}
}

// clusteringOverlaps reports whether sstable's stored per-component
// min/max could contain any row satisfying every component of r.
func clusteringOverlaps(ref *Ref, r types.ClusteringRange) bool {
	want := componentsOf(r)
	if len(want) == 0 {
		return true // full range restriction, nothing to prune on
	}
	if len(ref.ClusteringComps) == 0 {
		return true // no stored stats; can't prove absence
	}
	for i, w := range want {
		if i >= len(ref.ClusteringComps) {
			break
		}
		stored := ref.ClusteringComps[i]
		if !rangesOverlap(stored, w) {
			return false
		}
	}
	return true
}

func rangesOverlap(a, b ComponentRange) bool {
	return compareBytes(a.Min, b.Max) <= 0 && compareBytes(b.Min, a.Max) <= 0
}

// FilterForReader runs the single-partition filter pipeline over
// candidates, returning the surviving SSTable references in their
// original relative order. clusterRestricted reports whether the
// compaction strategy (here: always) opts in to clustering-range pruning
// for ranges other than "full".
func FilterForReader(candidates []*Ref, key types.DecoratedKey, clusterRanges []types.ClusteringRange, clusterRestricted bool) []*Ref {
	// Step 1: Bloom filter.
	survivors := make([]*Ref, 0, len(candidates))
	for _, c := range candidates {
		if c.MayContainKey(key) {
			survivors = append(survivors, c)
		}
	}

	fullRange := len(clusterRanges) == 0
	for _, r := range clusterRanges {
		if !r.FullRange() {
			fullRange = false
			break
		}
	}

	if !clusterRestricted || fullRange {
		return survivors
	}

	// Step 2: per-component clustering-range pruning.
	kept := make([]*Ref, 0, len(survivors))
	dropped := make([]*Ref, 0)
	for _, c := range survivors {
		matches := false
		for _, cr := range clusterRanges {
			if clusteringOverlaps(c, cr) {
				matches = true
				break
			}
		}
		if matches {
			kept = append(kept, c)
		} else {
			dropped = append(dropped, c)
		}
	}

	if len(dropped) == 0 {
		return kept
	}

	// Step 3: tombstone salvage. Find the minimum MinTimestamp among the
	// kept files; re-admit any dropped file whose MaxTimestamp exceeds
	// that minimum and whose tombstone histogram says it may contain
	// tombstones — otherwise a tombstone in the dropped file could fail
	// to mask a live row in a kept file.
	if len(kept) == 0 {
		// Nothing survived clustering pruning: there is no "kept minimum"
		// to salvage against, so every candidate that carries tombstones
		// must be conservatively re-admitted.
		for _, c := range dropped {
			if c.TombstoneHist.HasTombstones() {
				kept = append(kept, c)
			}
		}
		return reorderLike(candidates, kept)
	}

	minKeptTimestamp := kept[0].MinTimestamp
	for _, c := range kept[1:] {
		if c.MinTimestamp < minKeptTimestamp {
			minKeptTimestamp = c.MinTimestamp
		}
	}

	for _, c := range dropped {
		if c.MaxTimestamp > minKeptTimestamp && c.TombstoneHist.HasTombstones() {
			kept = append(kept, c)
		}
	}

	// Step 4: restore original relative order among survivors.
	return reorderLike(candidates, kept)
}

func reorderLike(order []*Ref, set []*Ref) []*Ref {
	present := make(map[*Ref]bool, len(set))
	for _, c := range set {
		present[c] = true
	}
	out := make([]*Ref, 0, len(set))
	for _, c := range order {
		if present[c] {
			out = append(out, c)
		}
	}
	return out
}
