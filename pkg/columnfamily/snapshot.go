package columnfamily

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/cassandane/colfam/pkg/sstable"
)

type manifest struct {
	Files []string `json:"files"`
}

// truncationRecord is the persisted marker written so a truncation stays
// queryable after Truncate returns: which replay position the truncation
// corresponds to and when it happened.
type truncationRecord struct {
	Keyspace    string `json:"keyspace"`
	ColumnFam   string `json:"column_family"`
	TruncatedAt int64  `json:"truncated_at"`
	RP          string `json:"replay_position"`
}

// Truncate disables compaction for the duration, durably flushes (or, for
// a non-durable truncate, simply abandons unflushed memtable contents),
// auto-snapshots if configured, drops every SSTable whose max timestamp is
// at or before the truncation point, and persists a truncation record
//.
func (cf *ColumnFamily) Truncate(ctx context.Context, truncatedAt int64, durable bool) error {
	cf.compactionDisabled.Add(1)
	defer cf.compactionDisabled.Add(-1)

	if durable {
		if err := cf.Flush(ctx); err != nil {
			return fmt.Errorf("truncate %s: flush: %w", cf.Name, err)
		}
	}
	// A non-durable truncate intentionally does not flush: the pending
	// memtable contents are about to be invalidated by the truncation
	// anyway, so writing them out first would be wasted I/O.

	if cf.cfg.Flags.AutoSnapshot {
		tag := fmt.Sprintf("%d-%s", truncatedAt, cf.Name)
		if err := cf.Snapshot(tag); err != nil {
			return fmt.Errorf("truncate %s: auto-snapshot: %w", cf.Name, err)
		}
	}

	cf.mu.Lock()
	live := cf.sstables.All()
	var dead []*sstable.Ref
	for _, ref := range live {
		if int64(ref.MaxTimestamp) <= truncatedAt {
			dead = append(dead, ref)
		}
	}
	cf.sstables = cf.sstables.Remove(dead)
	cf.mu.Unlock()

	if len(dead) > 0 {
		if err := cf.store.DeleteAtomically(dead); err != nil {
			cf.mu.Lock()
			cf.compactedNotDeleted = append(cf.compactedNotDeleted, dead...)
			cf.mu.Unlock()
			slog.Warn("truncate: deferred deletion of truncated sstables", "cf", cf.Name, "error", err)
		}
	}

	if cf.cache != nil {
		cf.cache.Clear()
	}

	return cf.persistTruncationRecord(truncatedAt)
}

func (cf *ColumnFamily) persistTruncationRecord(truncatedAt int64) error {
	rec := truncationRecord{
		Keyspace:    cf.Keyspace,
		ColumnFam:   cf.Name,
		TruncatedAt: truncatedAt,
		RP:          cf.HighestFlushedRP().String(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal truncation record: %w", err)
	}
	path := filepath.Join(cf.dir, fmt.Sprintf("truncated-%d.json", truncatedAt))
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("persist truncation record: %w", err)
	}
	return nil
}

// Snapshot hard-links every live SSTable component into
// snapshots/<tag>/ and writes manifest.json.
//
// A rendezvous that elects one shard to write the manifest when several
// shards write into the same snapshot tag belongs to the cross-shard layer
// this engine excludes as a Non-goal, so this shard always writes its own
// manifest directly — documented in DESIGN.md.
func (cf *ColumnFamily) Snapshot(tag string) error {
	if err := validateSnapshotTag(tag); err != nil {
		return err
	}

	snapDir := filepath.Join(cf.dir, "snapshots", tag)
	if err := os.MkdirAll(snapDir, 0o750); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	live := cf.Sstables().All()

	var errs *multierror.Error
	var files []string
	for _, ref := range live {
		desc := cf.store.DescriptorFor(ref)
		for _, src := range []string{desc.DataPath(), desc.TOCPath()} {
			dst := filepath.Join(snapDir, filepath.Base(src))
			if err := os.Link(src, dst); err != nil && !os.IsExist(err) {
				errs = multierror.Append(errs, fmt.Errorf("link %s: %w", src, err))
				continue
			}
			files = append(files, filepath.Base(src))
		}
	}

	data, err := json.Marshal(manifest{Files: files})
	if err != nil {
		return fmt.Errorf("marshal snapshot manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(snapDir, "manifest.json"), data, 0o640); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("write manifest: %w", err))
	}

	return errs.ErrorOrNil()
}

// ClearSnapshot recursively removes one snapshot directory by tag, or (when
// tag is empty) every snapshot under this column family. It refuses a tag
// containing a path separator or "..".
func (cf *ColumnFamily) ClearSnapshot(tag string) error {
	if tag == "" {
		return os.RemoveAll(filepath.Join(cf.dir, "snapshots"))
	}
	if err := validateSnapshotTag(tag); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(cf.dir, "snapshots", tag))
}

func validateSnapshotTag(tag string) error {
	if tag == "" || strings.Contains(tag, "/") || strings.Contains(tag, "..") {
		return fmt.Errorf("invalid snapshot tag %q", tag)
	}
	return nil
}
