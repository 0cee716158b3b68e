package sstablestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cassandane/colfam/pkg/dirtymem"
	"github.com/cassandane/colfam/pkg/memtable"
	"github.com/cassandane/colfam/pkg/sstable"
	"github.com/cassandane/colfam/pkg/types"
)

func newTestMemtable(t *testing.T) *memtable.Memtable {
	t.Helper()
	mgr := dirtymem.NewManager("regular", 0, nil)
	region := mgr.NewRegion(func(func()) {})
	return memtable.New("schema-v1", region)
}

func body(value string, ts types.Timestamp) types.PartitionBody {
	return types.PartitionBody{
		Rows: []types.Row{{
			Clustering: []byte("c1"),
			Cells:      []types.Cell{{Column: "v", Value: []byte(value), Timestamp: ts}},
		}},
	}
}

func TestStore_WriteComponentsThenReadRowRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	mt := newTestMemtable(t)
	key := types.DecoratedKey{Token: 1, Key: []byte("k1")}
	mt.Apply(key, body("v1", 1), types.ReplayPosition{Segment: 1, Offset: 1})

	ref, err := store.WriteComponents(mt, 1, 0)
	if err != nil {
		t.Fatalf("WriteComponents failed: %v", err)
	}
	defer ref.Source.(interface{ Close() error }).Close()

	got, found, err := ref.Source.ReadRow(key)
	if err != nil {
		t.Fatalf("ReadRow failed: %v", err)
	}
	if !found {
		t.Fatal("expected the written partition to be found")
	}
	if string(got.Rows[0].Cells[0].Value) != "v1" {
		t.Fatalf("expected value %q, got %q", "v1", got.Rows[0].Cells[0].Value)
	}
}

func TestStore_WriteComponentsProducesCompleteTOC(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	mt := newTestMemtable(t)
	mt.Apply(types.DecoratedKey{Token: 1, Key: []byte("k1")}, body("v1", 1), types.ReplayPosition{Segment: 1, Offset: 1})

	if _, err := store.WriteComponents(mt, 5, 0); err != nil {
		t.Fatalf("WriteComponents failed: %v", err)
	}

	desc := Descriptor{Dir: dir, Generation: 5, Version: "bti"}
	if _, err := os.Stat(desc.TOCPath()); err != nil {
		t.Fatalf("expected a committed TOC at %s: %v", desc.TOCPath(), err)
	}
	if _, err := os.Stat(desc.tmpTOCPath()); !os.IsNotExist(err) {
		t.Fatalf("expected no leftover temporary TOC, stat err=%v", err)
	}
}

func TestStore_OpenDataRebuildsIndexAfterReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	mt := newTestMemtable(t)
	key := types.DecoratedKey{Token: 7, Key: []byte("k7")}
	mt.Apply(key, body("v7", 3), types.ReplayPosition{Segment: 1, Offset: 1})

	written, err := store.WriteComponents(mt, 9, 0)
	if err != nil {
		t.Fatalf("WriteComponents failed: %v", err)
	}
	written.Source.(interface{ Close() error }).Close()

	reopened, err := store.OpenData(store.DescriptorFor(written))
	if err != nil {
		t.Fatalf("OpenData failed: %v", err)
	}
	defer reopened.Source.(interface{ Close() error }).Close()

	if reopened.FirstKey.Compare(key) != 0 || reopened.LastKey.Compare(key) != 0 {
		t.Fatalf("expected first/last key to match the sole partition, got first=%v last=%v", reopened.FirstKey, reopened.LastKey)
	}
	if reopened.MaxTimestamp != 3 {
		t.Fatalf("expected MaxTimestamp 3 from the rescanned file, got %d", reopened.MaxTimestamp)
	}

	got, found, err := reopened.Source.ReadRow(key)
	if err != nil || !found {
		t.Fatalf("expected the reopened source to find the partition, found=%v err=%v", found, err)
	}
	if string(got.Rows[0].Cells[0].Value) != "v7" {
		t.Fatalf("expected value %q from the reopened file, got %q", "v7", got.Rows[0].Cells[0].Value)
	}
}

func TestStore_DeleteAtomicallyRemovesDataAndTOC(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	mt := newTestMemtable(t)
	mt.Apply(types.DecoratedKey{Token: 1, Key: []byte("k1")}, body("v1", 1), types.ReplayPosition{Segment: 1, Offset: 1})

	ref, err := store.WriteComponents(mt, 3, 0)
	if err != nil {
		t.Fatalf("WriteComponents failed: %v", err)
	}

	desc := store.DescriptorFor(ref)

	if err := store.DeleteAtomically([]*sstable.Ref{ref}); err != nil {
		t.Fatalf("DeleteAtomically failed: %v", err)
	}

	if _, err := os.Stat(desc.DataPath()); !os.IsNotExist(err) {
		t.Fatalf("expected the data file to be removed, stat err=%v", err)
	}
	if _, err := os.Stat(desc.TOCPath()); !os.IsNotExist(err) {
		t.Fatalf("expected the TOC to be removed, stat err=%v", err)
	}
}

func TestStore_ListGenerationsSeparatesCompleteFromTemporary(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	mt := newTestMemtable(t)
	mt.Apply(types.DecoratedKey{Token: 1, Key: []byte("k1")}, body("v1", 1), types.ReplayPosition{Segment: 1, Offset: 1})
	if _, err := store.WriteComponents(mt, 1, 0); err != nil {
		t.Fatalf("WriteComponents failed: %v", err)
	}

	// Simulate a crashed flush: a temporary TOC with no matching complete TOC.
	crashedDesc := Descriptor{Dir: dir, Generation: 2, Version: "bti"}
	if err := os.WriteFile(crashedDesc.tmpTOCPath(), []byte("data.db\n"), 0o640); err != nil {
		t.Fatalf("failed to seed a crashed temporary TOC: %v", err)
	}
	if err := os.WriteFile(crashedDesc.dataPath(), []byte("partial"), 0o640); err != nil {
		t.Fatalf("failed to seed a crashed data file: %v", err)
	}

	complete, temporary, err := store.ListGenerations()
	if err != nil {
		t.Fatalf("ListGenerations failed: %v", err)
	}
	if len(complete) != 1 || complete[0].Generation != 1 {
		t.Fatalf("expected exactly generation 1 to be complete, got %v", complete)
	}
	if len(temporary) != 1 || temporary[0].Generation != 2 {
		t.Fatalf("expected exactly generation 2 to be temporary, got %v", temporary)
	}
}

func TestStore_DiscardTemporaryRemovesCrashedFlushArtifacts(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	desc := Descriptor{Dir: dir, Generation: 4, Version: "bti"}
	if err := os.WriteFile(desc.tmpTOCPath(), []byte("data.db\n"), 0o640); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := os.WriteFile(desc.dataPath(), []byte("partial"), 0o640); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := store.DiscardTemporary(desc); err != nil {
		t.Fatalf("DiscardTemporary failed: %v", err)
	}

	if _, err := os.Stat(desc.tmpTOCPath()); !os.IsNotExist(err) {
		t.Fatalf("expected the temporary TOC to be gone, stat err=%v", err)
	}
	if _, err := os.Stat(desc.dataPath()); !os.IsNotExist(err) {
		t.Fatalf("expected the partial data file to be gone, stat err=%v", err)
	}
}

func TestMakeDescriptor_ParsesVersionAndGenerationFromFilename(t *testing.T) {
	desc, ok := MakeDescriptor("/some/dir", "bti-42-Data.db")
	if !ok {
		t.Fatal("expected MakeDescriptor to parse a well-formed filename")
	}
	if desc.Version != "bti" || desc.Generation != 42 {
		t.Fatalf("expected version=bti generation=42, got %+v", desc)
	}
	if desc.DataPath() != filepath.Join("/some/dir", "bti-42-Data.db") {
		t.Fatalf("unexpected data path %s", desc.DataPath())
	}
}

func TestMakeDescriptor_RejectsFilenameWithoutDataSuffix(t *testing.T) {
	if _, ok := MakeDescriptor("/some/dir", "bti-42-TOC.txt"); ok {
		t.Fatal("expected MakeDescriptor to reject a non -Data.db filename")
	}
}
