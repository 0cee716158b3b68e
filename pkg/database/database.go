// Package database implements the per-shard registry of column
// families, routing of apply/apply_streaming/query/flush/truncate/snapshot
// calls, and ownership of the three top-level dirty-memory managers (system
// ⊇ regular ⊇ streaming) and the read-concurrency semaphores every column
// family shares.
//
// Modeled as a single mutable resource composing a WAL, a memtable and
// an SSTable set behind one close func, widened here from one table to a
// keyed registry of column families, each an independent instance of
// that same composition.
package database

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/cassandane/colfam/pkg/columnfamily"
	"github.com/cassandane/colfam/pkg/config"
	"github.com/cassandane/colfam/pkg/dberrors"
	"github.com/cassandane/colfam/pkg/dirtymem"
	"github.com/cassandane/colfam/pkg/reader"
	"github.com/cassandane/colfam/pkg/topology"
	"github.com/cassandane/colfam/pkg/types"
	"github.com/cassandane/colfam/pkg/wal"
)

// defaultMemtableSpace is used whenever memtable_total_space_in_mb is 0.
// It is a fixed 512 MiB; no process or container memory limit is read and
// no fraction of memory is computed (documented in DESIGN.md).
const defaultMemtableSpace = 512 * 1024 * 1024

// Database is one shard's column-family registry.
type Database struct {
	dir   string
	shard uint32
	cfg   config.Config

	systemManager    *dirtymem.Manager
	regularManager   *dirtymem.Manager
	streamingManager *dirtymem.Manager

	normalSem    *reader.Semaphore
	streamingSem *reader.Semaphore

	mu         sync.RWMutex
	byKeyspace map[string]map[string]*columnfamily.ColumnFamily
	byID       map[types.ColumnFamilyID]*columnfamily.ColumnFamily

	// topo is consulted by ApplyStreaming before it accepts a streamed
	// mutation for a range, going through ReplicationStrategy.get_local_ranges
	// first. It is nil
	// until SetTopology is called: a node running without a configured
	// ZooKeeper ensemble accepts any streamed mutation unconditionally,
	// the same as every other feature this engine makes optional.
	topo *topology.Resolver
}

// SetTopology wires a range-ownership resolver into ApplyStreaming's
// acceptance check. Without one, every streamed mutation is accepted
// unconditionally.
func (db *Database) SetTopology(t *topology.Resolver) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.topo = t
}

// New builds the dirty-memory manager hierarchy and the shared
// read-concurrency semaphores for one shard, but opens no column families;
// call OpenColumnFamily once per table the caller's schema layer knows
// about.
func New(dir string, shard uint32, cfg config.Config) *Database {
	space := uint64(cfg.Memory.MemtableTotalSpaceInMB) * 1024 * 1024
	if space == 0 {
		space = defaultMemtableSpace
	}

	system := dirtymem.NewManager("system", space, nil)
	regular := dirtymem.NewManager("regular", space, system)
	streaming := dirtymem.NewManager("streaming", 0, system)

	return &Database{
		dir:              dir,
		shard:            shard,
		cfg:              cfg,
		systemManager:    system,
		regularManager:   regular,
		streamingManager: streaming,
		normalSem:        reader.NewSemaphore(cfg.Read.NormalConcurrency, cfg.Read.NormalQueueCap),
		streamingSem:     reader.NewSemaphore(cfg.Read.StreamingConcurrency, cfg.Read.StreamingQueueCap),
		byKeyspace:       make(map[string]map[string]*columnfamily.ColumnFamily),
		byID:             make(map[types.ColumnFamilyID]*columnfamily.ColumnFamily),
	}
}

// OpenColumnFamily opens or resumes the (keyspace, name) table under this
// shard's data directory, running the directory probe and replaying
// whatever WAL tail survived a crash before returning.
func (db *Database) OpenColumnFamily(ctx context.Context, keyspace, name string, schema func() string) (*columnfamily.ColumnFamily, error) {
	db.mu.Lock()
	if _, ok := db.byKeyspace[keyspace][name]; ok {
		db.mu.Unlock()
		return nil, fmt.Errorf("column family %s.%s already open", keyspace, name)
	}
	db.mu.Unlock()

	id, cfDir, err := db.resolveColumnFamilyDir(keyspace, name)
	if err != nil {
		return nil, err
	}

	walDir := filepath.Join(cfDir, "wal")
	resumeRP, err := wal.DiscoverResumePoint(walDir)
	if err != nil {
		return nil, fmt.Errorf("discover WAL resume point for %s.%s: %w", keyspace, name, err)
	}
	segmentBytes := int64(db.cfg.WAL.SegmentSizeInMB) * 1024 * 1024
	w, err := wal.Open(walDir, db.shard, segmentBytes, resumeRP)
	if err != nil {
		return nil, fmt.Errorf("open WAL for %s.%s: %w", keyspace, name, err)
	}

	cf, err := columnfamily.New(id, keyspace, name, cfDir, schema, db.cfg, db.regularManager, db.streamingManager, w, db.normalSem, db.streamingSem)
	if err != nil {
		_ = w.Close()
		return nil, err
	}

	if err := cf.Probe(); err != nil {
		_ = cf.Close()
		return nil, fmt.Errorf("probe %s.%s: %w", keyspace, name, err)
	}
	cf.StartRewrite()

	if err := cf.Recover(ctx); err != nil {
		_ = cf.Close()
		return nil, fmt.Errorf("recover %s.%s: %w", keyspace, name, err)
	}

	db.mu.Lock()
	if db.byKeyspace[keyspace] == nil {
		db.byKeyspace[keyspace] = make(map[string]*columnfamily.ColumnFamily)
	}
	db.byKeyspace[keyspace][name] = cf
	db.byID[id] = cf
	db.mu.Unlock()

	return cf, nil
}

// resolveColumnFamilyDir reuses an existing "<name>-<uuid_hex>" directory
// under <dir>/<keyspace> if one is already on disk (a restart), or
// allocates a fresh uuid and directory otherwise.
func (db *Database) resolveColumnFamilyDir(keyspace, name string) (types.ColumnFamilyID, string, error) {
	ksDir := filepath.Join(db.dir, keyspace)
	prefix := name + "-"

	entries, err := os.ReadDir(ksDir)
	if err != nil && !os.IsNotExist(err) {
		return types.ColumnFamilyID{}, "", fmt.Errorf("scan keyspace dir %s: %w", ksDir, err)
	}
	for _, e := range entries {
		if !e.IsDir() || len(e.Name()) <= len(prefix) || e.Name()[:len(prefix)] != prefix {
			continue
		}
		hexID := e.Name()[len(prefix):]
		id, perr := parseHexID(hexID)
		if perr != nil {
			continue
		}
		return id, filepath.Join(ksDir, e.Name()), nil
	}

	id := types.NewColumnFamilyID()
	cfDir := filepath.Join(ksDir, fmt.Sprintf("%s-%s", name, hexID(id)))
	if err := os.MkdirAll(cfDir, 0o750); err != nil {
		return types.ColumnFamilyID{}, "", fmt.Errorf("create column family dir %s: %w", cfDir, err)
	}
	return id, cfDir, nil
}

// ColumnFamily returns the open column family for (keyspace, name), or
// dberrors.ErrNoSuchColumnFamily if it is not registered.
func (db *Database) ColumnFamily(keyspace, name string) (*columnfamily.ColumnFamily, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	ks, ok := db.byKeyspace[keyspace]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dberrors.ErrNoSuchKeyspace, keyspace)
	}
	cf, ok := ks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", dberrors.ErrNoSuchColumnFamily, keyspace, name)
	}
	return cf, nil
}

// ColumnFamilyByID returns the open column family for id, or
// dberrors.ErrNoSuchColumnFamily if no column family with that id is open.
func (db *Database) ColumnFamilyByID(id types.ColumnFamilyID) (*columnfamily.ColumnFamily, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	cf, ok := db.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dberrors.ErrNoSuchColumnFamily, id)
	}
	return cf, nil
}

// Apply routes a durable write to the column family named by the frozen
// mutation's own id.
func (db *Database) Apply(ctx context.Context, fm types.FrozenMutation) error {
	cf, err := db.ColumnFamilyByID(fm.ColumnFamily)
	if err != nil {
		return err
	}
	return cf.ApplyFrozen(ctx, fm)
}

// ApplyStreaming routes a non-durable bulk write arriving from a peer
// during a topology change or repair. When a
// topology.Resolver has been wired in via SetTopology, the mutation's key
// must fall within a range this shard currently owns for the target
// column family's keyspace or it is rejected;
// without one, every streamed mutation is accepted unconditionally.
func (db *Database) ApplyStreaming(ctx context.Context, fm types.FrozenMutation, planID string, fragmented bool) error {
	cf, err := db.ColumnFamilyByID(fm.ColumnFamily)
	if err != nil {
		return err
	}

	db.mu.RLock()
	topo := db.topo
	db.mu.RUnlock()

	if topo != nil {
		key, err := cf.PeekKey(fm)
		if err != nil {
			return err
		}
		if !topo.Owns(cf.Keyspace, key) {
			return fmt.Errorf("%w: keyspace %s", dberrors.ErrRangeNotOwned, cf.Keyspace)
		}
	}

	return cf.ApplyStreamingFrozen(ctx, fm, planID, fragmented)
}

// CommitStreamingPlan atomically adds every SSTable fragment accumulated
// for planID to the named column family's live set.
func (db *Database) CommitStreamingPlan(ctx context.Context, id types.ColumnFamilyID, planID string) error {
	cf, err := db.ColumnFamilyByID(id)
	if err != nil {
		return err
	}
	return cf.CommitStreamingPlan(ctx, planID)
}

// ApplyBatch applies every frozen mutation in order, then checks the
// batch's total serialized size against batch_size_warn_threshold_in_kb:
// exceeding it logs exactly one warning naming every (keyspace, name) pair
// touched, but never fails the batch. A FrozenMutation's wire payload is
// already the exact byte count that matters, so summing len(Payload)
// across the batch needs no traversal of the decoded partition structure.
func (db *Database) ApplyBatch(ctx context.Context, fms []types.FrozenMutation) error {
	touched := make(map[string]bool)
	var totalBytes int

	for _, fm := range fms {
		cf, err := db.ColumnFamilyByID(fm.ColumnFamily)
		if err != nil {
			return err
		}
		if err := cf.ApplyFrozen(ctx, fm); err != nil {
			return err
		}
		touched[fmt.Sprintf("%s.%s", cf.Keyspace, cf.Name)] = true
		totalBytes += len(fm.Payload)
	}

	thresholdBytes := db.cfg.Batch.WarnThresholdInKB * 1024
	if thresholdBytes > 0 && totalBytes > thresholdBytes {
		pairs := make([]string, 0, len(touched))
		for p := range touched {
			pairs = append(pairs, p)
		}
		sort.Strings(pairs)
		slog.Warn("batch size exceeded warn threshold", "bytes", totalBytes, "threshold_bytes", thresholdBytes, "column_families", pairs)
	}

	return nil
}

// Flush forces an explicit flush of the named column family.
func (db *Database) Flush(ctx context.Context, id types.ColumnFamilyID) error {
	cf, err := db.ColumnFamilyByID(id)
	if err != nil {
		return err
	}
	return cf.Flush(ctx)
}

// Truncate drops all data in (keyspace, name) up to truncatedAt. The
// caller supplies the cutoff timestamp directly rather than this engine
// resolving "now" internally, since the only clock abstraction here is
// the one in pkg/clock, which governs replay positions, not wall time.
func (db *Database) Truncate(ctx context.Context, keyspace, name string, truncatedAt int64, durable bool) error {
	cf, err := db.ColumnFamily(keyspace, name)
	if err != nil {
		return err
	}
	return cf.Truncate(ctx, truncatedAt, durable)
}

// Snapshot takes a named snapshot of every open column family.
func (db *Database) Snapshot(tag string) error {
	db.mu.RLock()
	cfs := make([]*columnfamily.ColumnFamily, 0, len(db.byID))
	for _, cf := range db.byID {
		cfs = append(cfs, cf)
	}
	db.mu.RUnlock()

	var errs *multierror.Error
	for _, cf := range cfs {
		if err := cf.Snapshot(tag); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s.%s: %w", cf.Keyspace, cf.Name, err))
		}
	}
	return errs.ErrorOrNil()
}

// ClearSnapshot removes tag from every column family under the given
// keyspaces, or every open column family if ksNames is empty.
func (db *Database) ClearSnapshot(tag string, ksNames []string) error {
	db.mu.RLock()
	var cfs []*columnfamily.ColumnFamily
	if len(ksNames) == 0 {
		for _, cf := range db.byID {
			cfs = append(cfs, cf)
		}
	} else {
		wanted := make(map[string]bool, len(ksNames))
		for _, ks := range ksNames {
			wanted[ks] = true
		}
		for _, cf := range db.byID {
			if wanted[cf.Keyspace] {
				cfs = append(cfs, cf)
			}
		}
	}
	db.mu.RUnlock()

	var errs *multierror.Error
	for _, cf := range cfs {
		if err := cf.ClearSnapshot(tag); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s.%s: %w", cf.Keyspace, cf.Name, err))
		}
	}
	return errs.ErrorOrNil()
}

// Query builds a merged reader over (keyspace, name) for the given range.
// A cell-oriented result and a mutation-oriented, digest-comparable result
// only need to differ once multiple replicas' results are being compared,
// which belongs to the cross-shard coordination this engine excludes, so
// both calls collapse onto the same merged reader here (documented in
// DESIGN.md).
func (db *Database) Query(ctx context.Context, keyspace, name string, pr types.PartitionRange, clusterRanges []types.ClusteringRange, priority types.ReadPriority) (reader.Reader, error) {
	cf, err := db.ColumnFamily(keyspace, name)
	if err != nil {
		return nil, err
	}
	return cf.MakeReader(ctx, pr, clusterRanges, priority)
}

// QueryMutations is Query's mutation-oriented alias;
// see Query's doc comment for why they are the same call here.
func (db *Database) QueryMutations(ctx context.Context, keyspace, name string, pr types.PartitionRange, clusterRanges []types.ClusteringRange, priority types.ReadPriority) (reader.Reader, error) {
	return db.Query(ctx, keyspace, name, pr, clusterRanges, priority)
}

// Close cascades shutdown across every open column family: each one stops
// its flush selectors, closes its FlushQueue and its WAL. A seal already
// running when Close is called is not waited for. The top-level dirty-memory managers need no explicit shutdown of
// their own: they have no background loop (FlushWhenNeeded runs per
// column family, stopped by ColumnFamily.Close), only byte counters that
// simply stop being touched once every column family is closed.
func (db *Database) Close() error {
	db.mu.Lock()
	cfs := make([]*columnfamily.ColumnFamily, 0, len(db.byID))
	for _, cf := range db.byID {
		cfs = append(cfs, cf)
	}
	db.byKeyspace = make(map[string]map[string]*columnfamily.ColumnFamily)
	db.byID = make(map[types.ColumnFamilyID]*columnfamily.ColumnFamily)
	db.mu.Unlock()

	var errs *multierror.Error
	for _, cf := range cfs {
		if err := cf.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close %s.%s: %w", cf.Keyspace, cf.Name, err))
		}
	}
	return errs.ErrorOrNil()
}

func hexID(id types.ColumnFamilyID) string {
	raw := [16]byte(id)
	return hex.EncodeToString(raw[:])
}

func parseHexID(s string) (types.ColumnFamilyID, error) {
	var id types.ColumnFamilyID
	if len(s) != 32 {
		return id, fmt.Errorf("malformed column family id suffix %q", s)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	copy(id[:], raw)
	return id, nil
}
