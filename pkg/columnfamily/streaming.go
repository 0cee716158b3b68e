package columnfamily

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cassandane/colfam/pkg/dirtymem"
	"github.com/cassandane/colfam/pkg/memtable"
	"github.com/cassandane/colfam/pkg/replication"
	"github.com/cassandane/colfam/pkg/sstable"
)

// planList returns (creating if necessary) the memtable list accumulating
// fragments of one large-partition streaming plan.
func (cf *ColumnFamily) planList(planID string) *memtable.List {
	cf.bigMu.Lock()
	defer cf.bigMu.Unlock()

	if l, ok := cf.streamingPlans[planID]; ok {
		return l
	}

	var l *memtable.List
	var onFlushNeeded func(done func())
	onFlushNeeded = func(done func()) {
		go func() {
			defer done()
			if err := l.RequestFlush(context.Background(), func() *dirtymem.Region {
				return cf.streamingManager.NewRegion(onFlushNeeded)
			}); err != nil {
				slog.Error("memory-driven streaming-plan fragment flush failed", "plan", planID, "error", err)
			}
		}()
	}
	l = memtable.NewList(cf.schema, cf.streamingManager.NewRegion(onFlushNeeded), cf.sealPlanFragment(planID))
	cf.streamingPlans[planID] = l
	return l
}

// sealPlanFragment returns a SealFunc that flushes one fragment of
// planID's accumulated memtable into an SSTable held pending, rather than
// added to the live set, until CommitStreamingPlan runs.
func (cf *ColumnFamily) sealPlanFragment(planID string) memtable.SealFunc {
	return func(ctx context.Context, sealed *memtable.Memtable) error {
		ref, err := cf.flushWithRetry(ctx, sealed)
		if err != nil {
			return err
		}
		ref.Shared = false

		cf.bigMu.Lock()
		cf.streamingBig[planID] = append(cf.streamingBig[planID], ref)
		cf.bigMu.Unlock()

		return nil
	}
}

// CommitStreamingPlan seals whatever fragment of planID is still active,
// then adds every accumulated fragment's SSTable to the live set in one
// atomic pointer swap, and discards the plan's bookkeeping.
func (cf *ColumnFamily) CommitStreamingPlan(ctx context.Context, planID string) error {
	cf.bigMu.Lock()
	list, ok := cf.streamingPlans[planID]
	cf.bigMu.Unlock()
	if !ok {
		return fmt.Errorf("streaming plan %q not found", planID)
	}

	if err := list.RequestFlush(ctx, func() *dirtymem.Region { return cf.streamingManager.NewRegion(func(func()) {}) }); err != nil {
		return fmt.Errorf("commit streaming plan %s: final fragment flush: %w", planID, err)
	}

	cf.bigMu.Lock()
	fragments := cf.streamingBig[planID]
	delete(cf.streamingBig, planID)
	delete(cf.streamingPlans, planID)
	cf.bigMu.Unlock()

	if err := cf.proposeStreamingPlanCommit(ctx, planID, fragments); err != nil {
		return fmt.Errorf("commit streaming plan %s: %w", planID, err)
	}

	cf.mu.Lock()
	set := cf.sstables
	for _, ref := range fragments {
		set = set.Insert(ref)
	}
	cf.sstables = set
	cf.mu.Unlock()

	return nil
}

// streamingPlanCommit is the durably ordered record of one streaming
// plan's commit: the plan id and the generation numbers of the SSTables
// it adds to the live set.
type streamingPlanCommit struct {
	PlanID      string   `json:"plan_id"`
	Generations []uint64 `json:"generations"`
}

// proposeStreamingPlanCommit orders this plan's commit through streamLog
// before the SSTables it produced are actually made visible, so the
// "plan committed" point is durably recorded ahead of (and independent
// of) the in-memory pointer swap that follows.
func (cf *ColumnFamily) proposeStreamingPlanCommit(ctx context.Context, planID string, fragments []*sstable.Ref) error {
	commit := streamingPlanCommit{PlanID: planID}
	for _, ref := range fragments {
		commit.Generations = append(commit.Generations, ref.Generation)
	}
	data, err := json.Marshal(commit)
	if err != nil {
		return fmt.Errorf("encode streaming plan commit: %w", err)
	}
	_, err = cf.streamLog.Append(ctx, []replication.LogEntry{{Data: data}})
	return err
}
