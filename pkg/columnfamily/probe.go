package columnfamily

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/cassandane/colfam/pkg/dberrors"
	"github.com/cassandane/colfam/pkg/sstable"
)

// Probe scans this column family's data directory at startup:
// every TOC-bearing generation is opened and added to the live set (shared
// ones are instead queued for split-rewrite), every Temporary-TOC-only
// generation is a crashed write and its files are removed, and the
// generation counter resumes above the highest one found on disk.
//
// Shared-SSTable ownership tracking belongs to the cross-shard ring
// management this engine deliberately excludes (cross-shard coordination
// is a Non-goal); Ref.Shared is retained on the type for API fidelity but
// OpenData never sets it, so needRewrite is always empty here — documented
// in DESIGN.md rather than silently dropped.
func (cf *ColumnFamily) Probe() error {
	complete, temporary, err := cf.store.ListGenerations()
	if err != nil {
		return fmt.Errorf("list generations for %s.%s: %w", cf.Keyspace, cf.Name, err)
	}

	var errs *multierror.Error
	for _, desc := range temporary {
		slog.Warn("directory probe: removing crashed flush's temporary TOC", "cf", cf.Name, "generation", desc.Generation)
		if err := cf.store.DiscardTemporary(desc); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("discard temporary generation %d: %w", desc.Generation, err))
		}
	}

	set := sstable.Empty()
	var maxGen uint64
	for _, desc := range complete {
		ref, err := cf.store.OpenData(desc)
		if err != nil {
			return fmt.Errorf("%w: %s.%s generation %d: %v", dberrors.ErrMalformedSSTable, cf.Keyspace, cf.Name, desc.Generation, err)
		}
		if desc.Generation > maxGen {
			maxGen = desc.Generation
		}
		if ref.Shared {
			cf.needRewrite = append(cf.needRewrite, ref)
			continue
		}
		set = set.Insert(ref)
	}

	cf.mu.Lock()
	cf.sstables = set
	cf.mu.Unlock()
	cf.generation.Store(maxGen)

	return errs.ErrorOrNil()
}

// StartRewrite is called by Database.OpenColumnFamily right after this
// column family's own Probe; it does not wait for the other column
// families of the keyspace to finish probing. Since split-rewrite itself requires
// the cross-shard ownership negotiation this engine excludes, it just
// clears the pending queue the caller has already been told about via
// NeedsRewrite.
func (cf *ColumnFamily) StartRewrite() {
	cf.mu.Lock()
	cf.needRewrite = nil
	cf.mu.Unlock()
}

// NeedsRewrite returns the SSTables flagged shared at probe time.
func (cf *ColumnFamily) NeedsRewrite() []*sstable.Ref {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	out := make([]*sstable.Ref, len(cf.needRewrite))
	copy(out, cf.needRewrite)
	return out
}
