// Package columnfamily owns one table's memtables, SSTable set, row cache,
// write-ahead log and flush pipeline: the flush state machine, the
// streaming-ingest variant, directory probing, and truncate/snapshot/clear.
//
// Generalized from a flat key/value table to the partition-body model
// this engine's memtable/sstable packages operate on; the flush state
// machine itself follows the transition rules laid out for
// Writable -> Sealing -> Flushing -> FlushedPendingCache -> Retired.
package columnfamily

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cassandane/colfam/pkg/config"
	"github.com/cassandane/colfam/pkg/dberrors"
	"github.com/cassandane/colfam/pkg/dirtymem"
	"github.com/cassandane/colfam/pkg/flushqueue"
	"github.com/cassandane/colfam/pkg/memtable"
	"github.com/cassandane/colfam/pkg/reader"
	"github.com/cassandane/colfam/pkg/replog"
	"github.com/cassandane/colfam/pkg/rowcache"
	"github.com/cassandane/colfam/pkg/sstable"
	"github.com/cassandane/colfam/pkg/sstablestore"
	"github.com/cassandane/colfam/pkg/types"
	"github.com/cassandane/colfam/pkg/wal"
)

// ColumnFamily owns one table's write, flush and read pipeline for this
// shard.
type ColumnFamily struct {
	ID       types.ColumnFamilyID
	Keyspace string
	Name     string

	dir string
	cfg config.Config

	schema func() string

	regularManager   *dirtymem.Manager
	streamingManager *dirtymem.Manager

	memtables          *memtable.List
	streamingMemtables *memtable.List

	// streamingBig holds the per-plan_id accumulation of large-partition
	// streamed SSTables: each fragment the
	// receiving side flushes is held here rather than added to the live
	// set, until CommitStreamingPlan adds every fragment for that plan
	// atomically.
	bigMu          sync.Mutex
	streamingBig   map[string][]*sstable.Ref
	streamingPlans map[string]*memtable.List

	store *sstablestore.Store
	cache *rowcache.Cache

	// streamLog orders and durably records the commit point of every
	// large-partition streaming plan: CommitStreamingPlan proposes the
	// fragment generations it is about to add to the live set, and only
	// swaps them in once that proposal has actually committed.
	streamLog *replog.Log

	mu       sync.Mutex
	sstables *sstable.Set

	compactedNotDeleted []*sstable.Ref
	needRewrite         []*sstable.Ref

	generation atomic.Uint64

	w           *wal.WAL
	flushQ      *flushqueue.Queue
	normalSem   *reader.Semaphore
	streamingSem *reader.Semaphore

	highestFlushedMu sync.Mutex
	highestFlushedRP types.ReplayPosition

	compactionDisabled atomic.Int64

	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// New opens a column family rooted at dir, wiring an SSTable store, a WAL
// and a row cache (if enabled), but does not run the directory probe —
// call Probe separately. Database.OpenColumnFamily runs Probe and then
// StartRewrite for this column family alone, without waiting for other
// column families to probe.
//
// normalSem and streamingSem are shared across every column family in the
// Database: read concurrency is a node-wide resource in the system this
// engine models, not a per-table one, so Database constructs the two
// semaphores once and passes them to every ColumnFamily.New call (see
// DESIGN.md's notes on semaphore ownership).
func New(id types.ColumnFamilyID, keyspace, name, dir string, schema func() string, cfg config.Config, regularParent, streamingParent *dirtymem.Manager, w *wal.WAL, normalSem, streamingSem *reader.Semaphore) (*ColumnFamily, error) {
	store, err := sstablestore.New(dir)
	if err != nil {
		return nil, fmt.Errorf("open sstable store for %s.%s: %w", keyspace, name, err)
	}

	var cache *rowcache.Cache
	if cfg.Flags.EnableCache {
		cache = rowcache.New(cfg.Cache.CapacityPartitions)
		cache.SetSchema(schema())
	}

	cf := &ColumnFamily{
		ID:           id,
		Keyspace:     keyspace,
		Name:         name,
		dir:          dir,
		cfg:          cfg,
		schema:       schema,
		store:        store,
		cache:        cache,
		streamLog:    replog.New(1),
		sstables:       sstable.Empty(),
		streamingBig:   make(map[string][]*sstable.Ref),
		streamingPlans: make(map[string]*memtable.List),
		w:              w,
		flushQ:       flushqueue.New(),
		normalSem:    normalSem,
		streamingSem: streamingSem,
	}

	cf.regularManager = dirtymem.NewManager(name+".regular", uint64(cfg.Memory.MemtableTotalSpaceInMB)*1024*1024, regularParent)
	cf.streamingManager = dirtymem.NewManager(name+".streaming", 0, streamingParent)

	cf.memtables = memtable.NewList(schema, cf.regularManager.NewRegion(cf.onRegularFlushNeeded), cf.sealRegular)
	cf.streamingMemtables = memtable.NewList(schema, cf.streamingManager.NewRegion(cf.onStreamingFlushNeeded), cf.sealStreaming)

	// Each column family's own regularManager/streamingManager is where the
	// memory-driven soft-limit selector actually runs: Regions are
	// registered directly on these managers (the active memtable of each
	// MemtableList), not on the shared top-level managers Database owns,
	// which only aggregate byte totals for hard-limit back-pressure.
	cf.bgCtx, cf.bgCancel = context.WithCancel(context.Background())
	go cf.regularManager.FlushWhenNeeded(cf.bgCtx)
	go cf.streamingManager.FlushWhenNeeded(cf.bgCtx)

	return cf, nil
}

func (cf *ColumnFamily) onRegularFlushNeeded(done func()) {
	go func() {
		defer done()
		if err := cf.memtables.RequestFlush(context.Background(), cf.newRegularRegion); err != nil {
			slog.Error("memory-driven flush failed", "cf", cf.Name, "error", err)
		}
	}()
}

func (cf *ColumnFamily) onStreamingFlushNeeded(done func()) {
	go func() {
		defer done()
		if err := cf.streamingMemtables.RequestFlush(context.Background(), cf.newStreamingRegion); err != nil {
			slog.Error("memory-driven streaming flush failed", "cf", cf.Name, "error", err)
		}
	}()
}

func (cf *ColumnFamily) newRegularRegion() *dirtymem.Region {
	return cf.regularManager.NewRegion(cf.onRegularFlushNeeded)
}

func (cf *ColumnFamily) newStreamingRegion() *dirtymem.Region {
	return cf.streamingManager.NewRegion(cf.onStreamingFlushNeeded)
}

// HighestFlushedRP returns the largest RP ever durably flushed for this
// column family.
func (cf *ColumnFamily) HighestFlushedRP() types.ReplayPosition {
	cf.highestFlushedMu.Lock()
	defer cf.highestFlushedMu.Unlock()
	return cf.highestFlushedRP
}

func (cf *ColumnFamily) advanceHighestFlushedRP(rp types.ReplayPosition) {
	cf.highestFlushedMu.Lock()
	defer cf.highestFlushedMu.Unlock()
	if cf.highestFlushedRP.Less(rp) {
		cf.highestFlushedRP = rp
	}
}

// Sstables returns the current copy-on-write SSTable set.
func (cf *ColumnFamily) Sstables() *sstable.Set {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.sstables
}

func (cf *ColumnFamily) nextGeneration() uint64 {
	return cf.generation.Add(1)
}

// Apply durably writes a mutation: WAL append, then application to the
// active memtable.
func (cf *ColumnFamily) Apply(ctx context.Context, key types.DecoratedKey, body types.PartitionBody) error {
	mutation := types.Mutation{ColumnFamily: cf.ID, Key: key, Body: body}

	var rp types.ReplayPosition
	if cf.cfg.Flags.EnableCommitlog {
		payload, err := encodeMutation(mutation)
		if err != nil {
			return fmt.Errorf("encode mutation: %w", err)
		}
		rp = cf.w.Append(payload)
	}

	if rp.Less(cf.HighestFlushedRP()) {
		return fmt.Errorf("%w: cf %s rp %v below highest_flushed_rp %v", dberrors.ErrReplayPositionReordered, cf.Name, rp, cf.HighestFlushedRP())
	}

	// The WAL append above already made this mutation durable; applying it
	// to the memtable is the point where a writer can be made to wait for
	// dirty memory to come back under the hard limit.
	return cf.regularManager.RunWhenMemoryAvailable(ctx, func() {
		cf.memtables.Active().Apply(key, body, rp)
	})
}

// ApplyFrozen decodes a wire-format mutation and applies it durably, the
// entry point Database.apply routes to once it has resolved the target
// column family from the frozen mutation's own id.
func (cf *ColumnFamily) ApplyFrozen(ctx context.Context, fm types.FrozenMutation) error {
	m, err := decodeMutation(cf.ID, fm.Payload)
	if err != nil {
		return fmt.Errorf("decode frozen mutation: %w", err)
	}
	return cf.Apply(ctx, m.Key, m.Body)
}

// ApplyStreamingFrozen is ApplyFrozen's non-durable counterpart, the entry
// point Database.apply_streaming routes to.
func (cf *ColumnFamily) ApplyStreamingFrozen(ctx context.Context, fm types.FrozenMutation, planID string, fragmented bool) error {
	m, err := decodeMutation(cf.ID, fm.Payload)
	if err != nil {
		return fmt.Errorf("decode frozen streaming mutation: %w", err)
	}
	return cf.ApplyStreaming(ctx, m.Key, m.Body, planID, fragmented)
}

// PeekKey decodes just enough of a frozen mutation to return its decorated
// key, letting a caller (Database.ApplyStreaming, consulting range
// ownership) inspect the target key before committing to applying the
// whole mutation.
func (cf *ColumnFamily) PeekKey(fm types.FrozenMutation) (types.DecoratedKey, error) {
	m, err := decodeMutation(cf.ID, fm.Payload)
	if err != nil {
		return types.DecoratedKey{}, fmt.Errorf("decode frozen streaming mutation: %w", err)
	}
	return m.Key, nil
}

// ApplyStreaming accepts a non-durable bulk mutation arriving from a peer
// during a topology change or repair. When planID
// is non-empty and fragmented is true, the mutation accumulates under that
// plan's own memtable list until the caller calls CommitStreamingPlan;
// otherwise it applies directly to the shared streaming memtable list.
func (cf *ColumnFamily) ApplyStreaming(ctx context.Context, key types.DecoratedKey, body types.PartitionBody, planID string, fragmented bool) error {
	if fragmented && planID != "" {
		cf.planList(planID).Active().Apply(key, body, types.ReplayPosition{})
		return nil
	}
	cf.streamingMemtables.Active().Apply(key, body, types.ReplayPosition{})
	return nil
}

// Recover replays every mutation still sitting in the WAL into the active
// memtable. It must run after Probe and before the column family accepts
// new writes: because DiscardCompletedSegments only ever removes segments
// once their flush is durable, every entry still on disk at boot is, by
// construction, newer than anything already reflected in the SSTable set,
// so a full replay (rather than one bounded by a persisted
// highest_flushed_rp) reconstructs exactly the unflushed tail.
func (cf *ColumnFamily) Recover(ctx context.Context) error {
	if cf.w == nil || !cf.cfg.Flags.EnableCommitlog {
		return nil
	}
	return cf.w.Replay(types.ReplayPosition{}, func(entry wal.Entry) error {
		mutation, err := decodeMutation(cf.ID, entry.Payload)
		if err != nil {
			return fmt.Errorf("decode WAL entry at %v: %w", entry.RP, err)
		}
		cf.memtables.Active().Apply(mutation.Key, mutation.Body, entry.RP)
		return nil
	})
}

// sealRegular is the SealFunc wired into the regular MemtableList: advance
// highest_flushed_rp, write the SSTable (retrying indefinitely on failure),
// add it to the live set, update the row cache, then sequence the WAL
// discard through the FlushQueue in RP order.
//
// MemtableList.RequestFlush already coalesces concurrent seal callers into
// one in-flight seal per column family, so at most one sealRegular call is
// ever running at a time here; FlushQueue's ordering guarantee therefore
// only has to arbitrate between successive flush cycles of this column
// family, not concurrent ones — the task/post split still gives a correct
// answer, it just never has two genuinely concurrent tasks to reorder in
// this single-shard scope.
func (cf *ColumnFamily) sealRegular(ctx context.Context, sealed *memtable.Memtable) error {
	rp := sealed.ReplayPosition()
	if rp.Less(cf.HighestFlushedRP()) {
		return fmt.Errorf("%w: sealed memtable rp %v below highest_flushed_rp %v", dberrors.ErrReplayPositionReordered, rp, cf.HighestFlushedRP())
	}
	cf.advanceHighestFlushedRP(rp)

	if !cf.cfg.Flags.EnableDiskWrites {
		cf.memtables.Retire(sealed)
		return nil
	}

	ref, err := cf.flushWithRetry(ctx, sealed)
	if err != nil {
		return fmt.Errorf("%w: %v", dberrors.ErrFlushFailed, err)
	}

	cf.mu.Lock()
	cf.sstables = cf.sstables.Insert(ref)
	cf.mu.Unlock()

	if cf.cache != nil {
		cf.cache.Update(sealed, cf.presenceCheckerExcluding(ref))
	}
	sealed.SetFlushedTo(fmt.Sprintf("%d", ref.Generation))

	done := make(chan struct{})
	task := func(context.Context) error { return nil }
	post := func(ctx context.Context) error {
		err := cf.discardWAL(rp)
		close(done)
		return err
	}
	if err := cf.flushQ.RunWithOrderedPostOp(rp, task, post); err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	cf.memtables.Retire(sealed)
	return nil
}

// sealStreaming mirrors sealRegular with the differences mandated by the
// streaming variant: no WAL discard (streaming writes were never logged
// locally), no cache update (instead the cache entries within the new
// SSTable's token span are invalidated), and the flushed SSTable is marked
// Shared=false since it belongs to exactly this shard.
func (cf *ColumnFamily) sealStreaming(ctx context.Context, sealed *memtable.Memtable) error {
	ref, err := cf.flushWithRetry(ctx, sealed)
	if err != nil {
		return fmt.Errorf("%w: %v", dberrors.ErrFlushFailed, err)
	}
	ref.Shared = false

	cf.mu.Lock()
	cf.sstables = cf.sstables.Insert(ref)
	cf.mu.Unlock()

	if cf.cache != nil {
		cf.cache.Invalidate(types.PartitionRange{StartTok: ref.FirstKey.Token, EndTok: ref.LastKey.Token})
	}

	sealed.SetFlushedTo(fmt.Sprintf("%d", ref.Generation))
	cf.streamingMemtables.Retire(sealed)
	return nil
}

// flushWithRetry runs write_components, retrying every 10 seconds on
// failure until it succeeds.
func (cf *ColumnFamily) flushWithRetry(ctx context.Context, mt *memtable.Memtable) (*sstable.Ref, error) {
	for {
		gen := cf.nextGeneration()
		ref, err := cf.store.WriteComponents(mt, gen, 0)
		if err == nil {
			return ref, nil
		}
		slog.Error("sstable flush failed, retrying in 10s", "cf", cf.Name, "generation", gen, "error", err)
		select {
		case <-time.After(10 * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// presenceCheckerExcluding returns a rowcache.PresenceChecker that reports
// whether key may exist in some live SSTable other than just (the Bloom
// filter of) just-flushed.
func (cf *ColumnFamily) presenceCheckerExcluding(justFlushed *sstable.Ref) rowcache.PresenceChecker {
	return func(key types.DecoratedKey) bool {
		for _, ref := range cf.Sstables().All() {
			if ref == justFlushed {
				continue
			}
			if ref.MayContainKey(key) {
				return true
			}
		}
		return false
	}
}

func (cf *ColumnFamily) discardWAL(rp types.ReplayPosition) error {
	if cf.w == nil || !cf.cfg.Flags.EnableCommitlog {
		return nil
	}
	return cf.w.DiscardCompletedSegments(rp)
}

// Flush forces an explicit seal of the active memtable, bypassing the
// memory-driven selector's priority rules since explicit requests always
// run.
func (cf *ColumnFamily) Flush(ctx context.Context) error {
	cf.regularManager.BeginExplicitFlush()
	defer cf.regularManager.EndExplicitFlush()
	return cf.memtables.RequestFlush(ctx, cf.newRegularRegion)
}

// Close stops this column family's background machinery: the memory-driven
// flush selectors stop, the flush queue drains, then the WAL is closed.
func (cf *ColumnFamily) Close() error {
	cf.bgCancel()
	cf.flushQ.Close()
	cf.streamLog.Close()
	if cf.w != nil {
		return cf.w.Close()
	}
	return nil
}
