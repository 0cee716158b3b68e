// Package sstablestore is the external SSTable-library boundary: a
// factory for new SSTables given (schema, dir, generation), write_components,
// open_data, read_row / read_range_rows, delete_atomically and a
// descriptor parser for directory probing. It is a concrete local
// implementation so the rest of the engine (out of scope: "the SSTable
// binary format") has something real to exercise.
//
// Uses a length-prefixed binary layout for each entry, building a Bloom
// filter while writing; data blocks are compressed with
// klauspost/compress/zstd.
package sstablestore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/cassandane/colfam/pkg/memtable"
	"github.com/cassandane/colfam/pkg/sstable"
	"github.com/cassandane/colfam/pkg/types"
)

const (
	dataSuffix = "-Data.db"
	tocSuffix  = "-TOC.txt"
	tmpTOC     = "-TOC.tmp"
)

// Descriptor names one SSTable generation's files within a directory.
type Descriptor struct {
	Dir        string
	Generation uint64
	Version    string
}

func (d Descriptor) dataPath() string { return filepath.Join(d.Dir, d.baseName()+dataSuffix) }
func (d Descriptor) tocPath() string  { return filepath.Join(d.Dir, d.baseName()+tocSuffix) }
func (d Descriptor) tmpTOCPath() string {
	return filepath.Join(d.Dir, d.baseName()+tmpTOC)
}
func (d Descriptor) baseName() string {
	return fmt.Sprintf("%s-%d", d.Version, d.Generation)
}

// DataPath and TOCPath expose a descriptor's component paths so callers
// outside this package (snapshot hard-linking, directory-probe cleanup)
// don't need to reimplement the naming scheme.
func (d Descriptor) DataPath() string { return d.dataPath() }
func (d Descriptor) TOCPath() string  { return d.tocPath() }

// DescriptorFor returns the descriptor naming ref's on-disk components.
func (s *Store) DescriptorFor(ref *sstable.Ref) Descriptor {
	return Descriptor{Dir: s.dir, Generation: ref.Generation, Version: ref.Version}
}

// DiscardTemporary removes a generation that only ever produced a
// Temporary TOC — the signature of a crashed flush.
func (s *Store) DiscardTemporary(desc Descriptor) error {
	var firstErr error
	for _, p := range []string{desc.tmpTOCPath(), desc.dataPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MakeDescriptor parses an on-disk filename of the form
// "<version>-<generation>-Data.db".
func MakeDescriptor(dir, filename string) (Descriptor, bool) {
	base := strings.TrimSuffix(filename, dataSuffix)
	if base == filename {
		return Descriptor{}, false
	}
	parts := strings.SplitN(base, "-", 2)
	if len(parts) != 2 {
		return Descriptor{}, false
	}
	gen, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Descriptor{}, false
	}
	return Descriptor{Dir: dir, Generation: gen, Version: parts[0]}, true
}

// Store creates and opens SSTables under one column family's directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create sstable dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// WriteComponents flushes mt's contents to a new SSTable at the given
// generation and level, returning its reference view with a live
// RowSource attached. A Temporary TOC is written first and renamed into
// place once every component is durable, so a crash mid-write leaves only
// a Temporary TOC behind for the directory probe to clean up.
func (s *Store) WriteComponents(mt *memtable.Memtable, generation uint64, level int) (*sstable.Ref, error) {
	desc := Descriptor{Dir: s.dir, Generation: generation, Version: "bti"}

	if err := os.WriteFile(desc.tmpTOCPath(), []byte("data.db\n"), 0o640); err != nil {
		return nil, fmt.Errorf("write temporary TOC: %w", err)
	}

	f, err := os.Create(desc.dataPath())
	if err != nil {
		return nil, fmt.Errorf("create sstable data file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	defer enc.Close()

	var (
		count        int64
		minTS        = types.Timestamp(1<<63 - 1)
		maxTS        types.Timestamp
		tombstones   int64
		firstKey     types.DecoratedKey
		lastKey      types.DecoratedKey
		haveFirst    bool
		minComponent []byte
		maxComponent []byte
		index        []indexEntry
	)

	bloom := sstable.NewBloom(uint32(max64(int64(mt.Len()), 1)), 0.01)

	var writeErr error
	offset := int64(0)
	mt.Range(func(key types.DecoratedKey, body types.PartitionBody) bool {
		raw, err := encodeBodyToBytes(body)
		if err != nil {
			writeErr = err
			return false
		}
		compressed := enc.EncodeAll(raw, nil)

		entryOffset := offset
		n, err := writeEntry(w, key, compressed, len(raw))
		if err != nil {
			writeErr = err
			return false
		}
		offset += int64(n)

		// Each partition written here is already durable in this sstable's
		// data file, so the memtable's region can pre-release that share of
		// its dirty-memory accounting ahead of the memtable actually being
		// retired.
		region := mt.Region()
		region.Manager().MarkStreamedOut(region, uint64(n))

		index = append(index, indexEntry{key: key, offset: entryOffset})
		bloom.Add(key.Key)

		if !haveFirst {
			firstKey, haveFirst = key, true
		}
		lastKey = key
		lo, hi := partitionTimestampRange(body)
		if lo < minTS {
			minTS = lo
		}
		if hi > maxTS {
			maxTS = hi
		}
		if partitionHasTombstone(body) {
			tombstones++
		}
		for _, row := range body.Rows {
			if minComponent == nil || compareBytes(row.Clustering, minComponent) < 0 {
				minComponent = row.Clustering
			}
			if maxComponent == nil || compareBytes(row.Clustering, maxComponent) > 0 {
				maxComponent = row.Clustering
			}
		}
		count++
		return true
	})
	if writeErr != nil {
		return nil, fmt.Errorf("encode partition: %w", writeErr)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("flush sstable data: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sync sstable data: %w", err)
	}

	if count == 0 {
		minTS, maxTS = 0, 0
	}

	if err := os.Rename(desc.tmpTOCPath(), desc.tocPath()); err != nil {
		return nil, fmt.Errorf("commit TOC: %w", err)
	}

	ref := &sstable.Ref{
		Generation:   generation,
		Version:      desc.Version,
		Format:       "bti",
		Level:        level,
		MinTimestamp: minTS,
		MaxTimestamp: maxTS,
		Bloom:        bloom,
		TombstoneHist: sstable.TombstoneHistogram{
			EstimatedTombstoneCount: tombstones,
		},
		FirstKey:  firstKey,
		LastKey:   lastKey,
		SizeBytes: offset,
	}
	if minComponent != nil {
		ref.ClusteringComps = []sstable.ComponentRange{{Min: minComponent, Max: maxComponent}}
	}

	src, err := newFileSource(desc.dataPath(), index)
	if err != nil {
		return nil, fmt.Errorf("open written sstable for reads: %w", err)
	}
	ref.Source = src

	return ref, nil
}

// OpenData opens an existing, TOC-complete generation for reads, used by
// the directory probe.
func (s *Store) OpenData(desc Descriptor) (*sstable.Ref, error) {
	index, firstKey, lastKey, minTS, maxTS, tombstones, minComp, maxComp, size, err := scanIndex(desc.dataPath())
	if err != nil {
		return nil, fmt.Errorf("scan sstable %v: %w", desc, err)
	}

	bloom := sstable.NewBloom(uint32(max64(int64(len(index)), 1)), 0.01)
	for _, e := range index {
		bloom.Add(e.key.Key)
	}

	src, err := newFileSource(desc.dataPath(), index)
	if err != nil {
		return nil, err
	}

	ref := &sstable.Ref{
		Generation:    desc.Generation,
		Version:       desc.Version,
		Format:        "bti",
		MinTimestamp:  minTS,
		MaxTimestamp:  maxTS,
		Bloom:         bloom,
		TombstoneHist: sstable.TombstoneHistogram{EstimatedTombstoneCount: tombstones},
		FirstKey:      firstKey,
		LastKey:       lastKey,
		SizeBytes:     size,
		Source:        src,
	}
	if minComp != nil {
		ref.ClusteringComps = []sstable.ComponentRange{{Min: minComp, Max: maxComp}}
	}
	return ref, nil
}

// DeleteAtomically removes every component of the given SSTables. Each
// file is removed independently; any failure is returned so the caller
// keeps the SSTable in sstables_compacted_but_not_deleted rather than
// dropping its tombstones prematurely.
func (s *Store) DeleteAtomically(refs []*sstable.Ref) error {
	var firstErr error
	for _, ref := range refs {
		desc := Descriptor{Dir: s.dir, Generation: ref.Generation, Version: ref.Version}
		if c, ok := ref.Source.(*fileSource); ok {
			c.Close()
		}
		for _, p := range []string{desc.dataPath(), desc.tocPath()} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = fmt.Errorf("delete %s: %w", p, err)
			}
		}
	}
	return firstErr
}

// ListGenerations scans the store directory for TOC-complete generations
// and leftover Temporary TOCs.
func (s *Store) ListGenerations() (complete []Descriptor, temporary []Descriptor, err error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, err
	}
	seen := map[uint64]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, tocSuffix):
			if d, ok := MakeDescriptor(s.dir, strings.TrimSuffix(name, tocSuffix)+dataSuffix); ok {
				complete = append(complete, d)
				seen[d.Generation] = true
			}
		case strings.HasSuffix(name, tmpTOC):
			if d, ok := MakeDescriptor(s.dir, strings.TrimSuffix(name, tmpTOC)+dataSuffix); ok {
				temporary = append(temporary, d)
			}
		}
	}
	sort.Slice(complete, func(i, j int) bool { return complete[i].Generation < complete[j].Generation })
	return complete, temporary, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func partitionTimestampRange(body types.PartitionBody) (types.Timestamp, types.Timestamp) {
	lo := types.Timestamp(1<<63 - 1)
	hi := types.Timestamp(0)
	touch := func(ts types.Timestamp) {
		if ts < lo {
			lo = ts
		}
		if ts > hi {
			hi = ts
		}
	}
	if body.HasPartitionTombstone {
		touch(body.PartitionTombstone)
	}
	if body.StaticRow != nil {
		touchRow(*body.StaticRow, touch)
	}
	for _, r := range body.Rows {
		touchRow(r, touch)
	}
	for _, rt := range body.RangeTombstones {
		touch(rt.DeletionTime)
	}
	if hi == 0 && lo == types.Timestamp(1<<63-1) {
		return 0, 0
	}
	return lo, hi
}

func touchRow(r types.Row, touch func(types.Timestamp)) {
	if r.HasTombstone {
		touch(r.RowTombstone)
	}
	for _, c := range r.Cells {
		touch(c.Timestamp)
	}
}

func partitionHasTombstone(body types.PartitionBody) bool {
	if body.HasPartitionTombstone {
		return true
	}
	if len(body.RangeTombstones) > 0 {
		return true
	}
	if body.StaticRow != nil && body.StaticRow.HasTombstone {
		return true
	}
	for _, r := range body.Rows {
		if r.HasTombstone {
			return true
		}
	}
	return false
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

// writeEntry writes one (key, compressed-body) record and returns the
// number of bytes written: [token8][keyLen4][key][origLen4][compLen4][compBytes].
func writeEntry(w io.Writer, key types.DecoratedKey, compressed []byte, origLen int) (int, error) {
	n := 0
	if err := binary.Write(w, binary.LittleEndian, key.Token); err != nil {
		return n, err
	}
	n += 8
	if err := binary.Write(w, binary.LittleEndian, uint32(len(key.Key))); err != nil {
		return n, err
	}
	n += 4
	if _, err := w.Write(key.Key); err != nil {
		return n, err
	}
	n += len(key.Key)
	if err := binary.Write(w, binary.LittleEndian, uint32(origLen)); err != nil {
		return n, err
	}
	n += 4
	if err := binary.Write(w, binary.LittleEndian, uint32(len(compressed))); err != nil {
		return n, err
	}
	n += 4
	if _, err := w.Write(compressed); err != nil {
		return n, err
	}
	n += len(compressed)
	return n, nil
}
