package sstable

import (
	"github.com/zhangyunhao116/skipmap"

	"github.com/cassandane/colfam/pkg/types"
)

// Set is the authoritative, copy-on-write collection of live SSTable
// references for one column family. Leveled selection is modeled after a
// LevelManager, generalized into an immutable value so readers can hold a
// stable snapshot.
type Set struct {
	levels [][]*Ref
	byGen  *skipmap.FuncMap[uint64, *Ref]
}

// Empty returns a Set with no SSTables.
func Empty() *Set {
	return &Set{
		byGen: skipmap.NewFunc[uint64, *Ref](func(a, b uint64) bool { return a < b }),
	}
}

// Insert returns a new Set with ref added at its level, leaving the
// receiver untouched.
func (s *Set) Insert(ref *Ref) *Set {
	next := s.clone()
	for len(next.levels) <= ref.Level {
		next.levels = append(next.levels, nil)
	}
	next.levels[ref.Level] = append(append([]*Ref{}, next.levels[ref.Level]...), ref)
	next.byGen.Store(ref.Generation, ref)
	return next
}

// Remove returns a new Set with every ref in dead removed from every
// level, leaving the receiver untouched — used once an atomic deletion of
// compacted SSTables is confirmed.
func (s *Set) Remove(dead []*Ref) *Set {
	deadSet := make(map[uint64]bool, len(dead))
	for _, r := range dead {
		deadSet[r.Generation] = true
	}

	next := s.clone()
	for lvl, tables := range next.levels {
		kept := make([]*Ref, 0, len(tables))
		for _, t := range tables {
			if !deadSet[t.Generation] {
				kept = append(kept, t)
			}
		}
		next.levels[lvl] = kept
	}
	for gen := range deadSet {
		next.byGen.Delete(gen)
	}
	return next
}

func (s *Set) clone() *Set {
	next := &Set{
		levels: make([][]*Ref, len(s.levels)),
		byGen:  skipmap.NewFunc[uint64, *Ref](func(a, b uint64) bool { return a < b }),
	}
	copy(next.levels, s.levels)
	s.byGen.Range(func(gen uint64, ref *Ref) bool {
		next.byGen.Store(gen, ref)
		return true
	})
	return next
}

// All returns every live SSTable reference across every level, L0 first.
func (s *Set) All() []*Ref {
	out := make([]*Ref, 0)
	for _, tables := range s.levels {
		out = append(out, tables...)
	}
	return out
}

// Select returns the subset of SSTables that could overlap pr: one
// candidate scan per level, pruned by key-span overlap. Real compaction
// strategies (leveled, size-tiered) refine this per level; this baseline
// picks every table whose span overlaps, which is always a superset of
// what a smarter strategy would pick.
func (s *Set) Select(pr types.PartitionRange) []*Ref {
	out := make([]*Ref, 0)
	for _, tables := range s.levels {
		for _, t := range tables {
			if t.Overlaps(pr) {
				out = append(out, t)
			}
		}
	}
	return out
}

// ByGeneration looks up a live SSTable by generation number.
func (s *Set) ByGeneration(gen uint64) (*Ref, bool) {
	return s.byGen.Load(gen)
}

// Len returns the total number of live SSTables.
func (s *Set) Len() int { return s.byGen.Len() }
