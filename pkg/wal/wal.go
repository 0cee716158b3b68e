// Package wal is the per-shard write-ahead log: the thing ColumnFamily.apply
// appends to before a mutation becomes visible in the active memtable, and
// the thing FlushQueue's post step tells to discard segments once a flush
// is durable.
//
// A single background writer goroutine drains a channel via pkg/listener,
// writing length-prefixed binary entries and fsyncing per append, widened
// from one flat file to a rotating set of segment files addressed by
// types.ReplayPosition, since discard must
// operate at segment granularity.
package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cassandane/colfam/pkg/clock"
	"github.com/cassandane/colfam/pkg/listener"
	"github.com/cassandane/colfam/pkg/types"
)

// Entry is one appended record: a frozen mutation addressed by the replay
// position assigned to it.
type Entry struct {
	RP      types.ReplayPosition
	Payload []byte
}

type segment struct {
	id     uint64
	path   string
	file   *os.File
	writer *bufio.Writer
	maxRP  types.ReplayPosition
}

// WAL is one shard's write-ahead log: a sequence of rotating segment
// files, each named "<segment-id>.wal", with in-order appends accounted
// against a clock.Allocator.
type WAL struct {
	*listener.Listener[Entry]

	dir      string
	shard    uint32
	clock    *clock.Allocator
	maxBytes int64

	mu      sync.Mutex
	active  *segment
	written int64

	inputCh chan Entry
	doneCh  chan types.ReplayPosition
}

// Open creates or resumes a WAL rooted at dir for shard, rolling to a new
// segment once the active one exceeds maxSegmentBytes. resumeAfter is the
// replay position recovery determined as already durable; the allocator
// resumes strictly after it.
func Open(dir string, shard uint32, maxSegmentBytes int64, resumeAfter types.ReplayPosition) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}

	w := &WAL{
		dir:      dir,
		shard:    shard,
		clock:    clock.NewAllocator(shard, resumeAfter),
		maxBytes: maxSegmentBytes,
		inputCh:  make(chan Entry, 8),
		doneCh:   make(chan types.ReplayPosition, 8),
	}

	segID := resumeAfter.Segment
	if resumeAfter.Empty() {
		segID = 0
	}
	seg, err := w.openSegment(segID)
	if err != nil {
		return nil, err
	}
	w.active = seg

	w.Listener = listener.New(w.inputCh, w.writeEntry, w.stop)
	w.Start(context.Background())
	return w, nil
}

func (w *WAL) segmentPath(id uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%020d.wal", id))
}

func (w *WAL) openSegment(id uint64) (*segment, error) {
	path := w.segmentPath(id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open WAL segment %d: %w", id, err)
	}
	return &segment{id: id, path: path, file: f, writer: bufio.NewWriter(f)}, nil
}

// Append assigns the next replay position and enqueues entry for durable
// write; the returned position is valid immediately, the write itself
// completes asynchronously and is observable on Done().
func (w *WAL) Append(payload []byte) types.ReplayPosition {
	rp := w.clock.Next()
	w.inputCh <- Entry{RP: rp, Payload: payload}
	return rp
}

// Done reports the replay position of every entry as its durable write
// completes, in the order writes were submitted.
func (w *WAL) Done() <-chan types.ReplayPosition { return w.doneCh }

// writeEntry is run by the embedded Listener's single writer goroutine.
func (w *WAL) writeEntry(entry Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.written >= w.maxBytes && w.maxBytes > 0 {
		if err := w.rollLocked(); err != nil {
			return err
		}
	}

	n, err := encodeEntry(w.active.writer, entry)
	if err != nil {
		return fmt.Errorf("write WAL entry: %w", err)
	}
	if err := w.active.writer.Flush(); err != nil {
		return fmt.Errorf("flush WAL segment: %w", err)
	}
	if err := w.active.file.Sync(); err != nil {
		return fmt.Errorf("sync WAL segment: %w", err)
	}
	w.written += int64(n)
	if w.active.maxRP.Less(entry.RP) {
		w.active.maxRP = entry.RP
	}

	w.doneCh <- entry.RP
	return nil
}

// rollLocked closes the active segment and opens the next one, matching
// clock.Allocator.RollSegment so future appends land in the new file.
func (w *WAL) rollLocked() error {
	if err := w.active.writer.Flush(); err != nil {
		return err
	}
	if err := w.active.file.Close(); err != nil {
		return err
	}
	nextID := w.clock.RollSegment()
	seg, err := w.openSegment(nextID)
	if err != nil {
		return err
	}
	w.active = seg
	w.written = 0
	return nil
}

// Replay streams every entry with replay position strictly greater than
// after, across every segment in ascending order, in the order they were
// written.
func (w *WAL) Replay(after types.ReplayPosition, callback func(Entry) error) error {
	w.mu.Lock()
	if err := w.active.writer.Flush(); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("flush WAL before replay: %w", err)
	}
	w.mu.Unlock()

	segments, err := w.listSegments()
	if err != nil {
		return err
	}

	for _, path := range segments {
		if err := replaySegment(path, after, callback); err != nil {
			return err
		}
	}
	return nil
}

func replaySegment(path string, after types.ReplayPosition, callback func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open WAL segment for replay: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			slog.Warn("failed to close WAL segment after replay", "path", path, "error", cerr)
		}
	}()

	r := bufio.NewReader(f)
	for {
		entry, err := decodeEntry(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read WAL entry from %s: %w", path, err)
		}
		if !after.Less(entry.RP) {
			continue
		}
		if err := callback(entry); err != nil {
			return fmt.Errorf("WAL replay callback: %w", err)
		}
	}
}

// DiscardCompletedSegments removes every segment whose highest replay
// position is <= upTo, except the currently active one.
func (w *WAL) DiscardCompletedSegments(upTo types.ReplayPosition) error {
	w.mu.Lock()
	activeID := w.active.id
	w.mu.Unlock()

	segments, err := w.listSegmentIDs()
	if err != nil {
		return err
	}

	var firstErr error
	for _, id := range segments {
		if id == activeID {
			continue
		}
		maxRP, err := segmentMaxRP(w.segmentPath(id))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if maxRP.Compare(upTo) <= 0 {
			if err := os.Remove(w.segmentPath(id)); err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func segmentMaxRP(path string) (types.ReplayPosition, error) {
	var max types.ReplayPosition
	err := replaySegment(path, types.ReplayPosition{}, func(e Entry) error {
		if max.Less(e.RP) {
			max = e.RP
		}
		return nil
	})
	return max, err
}

// DiscoverResumePoint scans dir for existing segment files and returns the
// replay position the allocator should resume after: the highest segment
// id found, at the highest offset written within it. An empty directory
// (first boot) returns the empty position.
func DiscoverResumePoint(dir string) (types.ReplayPosition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return types.ReplayPosition{}, nil
		}
		return types.ReplayPosition{}, fmt.Errorf("scan WAL dir: %w", err)
	}

	var maxID uint64
	found := false
	for _, e := range entries {
		var id uint64
		if _, err := fmt.Sscanf(e.Name(), "%020d.wal", &id); err == nil {
			if !found || id > maxID {
				maxID, found = id, true
			}
		}
	}
	if !found {
		return types.ReplayPosition{}, nil
	}

	path := filepath.Join(dir, fmt.Sprintf("%020d.wal", maxID))
	maxRP, err := segmentMaxRP(path)
	if err != nil {
		return types.ReplayPosition{}, fmt.Errorf("scan resume segment %d: %w", maxID, err)
	}
	maxRP.Segment = maxID
	return maxRP, nil
}

func (w *WAL) listSegments() ([]string, error) {
	ids, err := w.listSegmentIDs()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = w.segmentPath(id)
	}
	return out, nil
}

func (w *WAL) listSegmentIDs() ([]uint64, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("list WAL segments: %w", err)
	}
	var ids []uint64
	for _, e := range entries {
		var id uint64
		if _, err := fmt.Sscanf(e.Name(), "%020d.wal", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Close stops the writer goroutine and closes the active segment.
func (w *WAL) Close() error {
	w.Stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.active.writer.Flush(); err != nil {
		return fmt.Errorf("flush WAL on close: %w", err)
	}
	return w.active.file.Close()
}

func (w *WAL) stop() {
	close(w.inputCh)
	close(w.doneCh)
}

func encodeEntry(wr io.Writer, e Entry) (int, error) {
	n := 0
	if err := binary.Write(wr, binary.LittleEndian, e.RP.Shard); err != nil {
		return n, err
	}
	n += 4
	if err := binary.Write(wr, binary.LittleEndian, e.RP.Segment); err != nil {
		return n, err
	}
	n += 8
	if err := binary.Write(wr, binary.LittleEndian, e.RP.Offset); err != nil {
		return n, err
	}
	n += 8
	if len(e.Payload) > math.MaxUint32 {
		return n, fmt.Errorf("WAL payload too large: %d bytes", len(e.Payload))
	}
	if err := binary.Write(wr, binary.LittleEndian, uint32(len(e.Payload))); err != nil {
		return n, err
	}
	n += 4
	if _, err := wr.Write(e.Payload); err != nil {
		return n, err
	}
	n += len(e.Payload)
	return n, nil
}

func decodeEntry(r io.Reader) (Entry, error) {
	var e Entry
	if err := binary.Read(r, binary.LittleEndian, &e.RP.Shard); err != nil {
		return e, err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.RP.Segment); err != nil {
		return e, err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.RP.Offset); err != nil {
		return e, err
	}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return e, err
	}
	e.Payload = make([]byte, n)
	if _, err := io.ReadFull(r, e.Payload); err != nil {
		return e, err
	}
	return e, nil
}
