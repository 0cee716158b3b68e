package wal

import (
	"testing"
	"time"

	"github.com/cassandane/colfam/pkg/types"
)

func waitDone(t *testing.T, w *WAL, n int) []types.ReplayPosition {
	t.Helper()
	out := make([]types.ReplayPosition, 0, n)
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case rp := <-w.Done():
			out = append(out, rp)
		case <-deadline:
			t.Fatalf("timed out waiting for %d done signals, got %d", n, len(out))
		}
	}
	return out
}

// appendSync appends payload and blocks until its durable write (including
// any segment roll it triggers) has completed, so a caller issuing several
// appends back to back can reason about segment assignment deterministically
// instead of racing the background writer goroutine.
func appendSync(t *testing.T, w *WAL, payload []byte) types.ReplayPosition {
	t.Helper()
	rp := w.Append(payload)
	got := waitDone(t, w, 1)
	if got[0] != rp {
		t.Fatalf("expected Done to report the just-appended position %v, got %v", rp, got[0])
	}
	return rp
}

func TestWAL_AppendThenReplayRoundTrips(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 1, 0, types.ReplayPosition{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer w.Close()

	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, p := range payloads {
		w.Append(p)
	}
	waitDone(t, w, len(payloads))

	var replayed []Entry
	if err := w.Replay(types.ReplayPosition{}, func(e Entry) error {
		replayed = append(replayed, e)
		return nil
	}); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	if len(replayed) != len(payloads) {
		t.Fatalf("expected %d replayed entries, got %d", len(payloads), len(replayed))
	}
	for i, p := range payloads {
		if string(replayed[i].Payload) != string(p) {
			t.Fatalf("expected payload %q at position %d, got %q", p, i, replayed[i].Payload)
		}
	}
}

func TestWAL_ReplayAfterSkipsEarlierEntries(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 1, 0, types.ReplayPosition{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer w.Close()

	rp1 := w.Append([]byte("one"))
	w.Append([]byte("two"))
	w.Append([]byte("three"))
	waitDone(t, w, 3)

	var replayed []Entry
	if err := w.Replay(rp1, func(e Entry) error {
		replayed = append(replayed, e)
		return nil
	}); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	if len(replayed) != 2 {
		t.Fatalf("expected replay after the first entry to yield 2 entries, got %d", len(replayed))
	}
	if string(replayed[0].Payload) != "two" {
		t.Fatalf("expected the second entry first, got %q", replayed[0].Payload)
	}
}

func TestWAL_RollsToNewSegmentOnceMaxBytesExceeded(t *testing.T) {
	dir := t.TempDir()
	// Small enough that a single entry forces a roll on the next append.
	w, err := Open(dir, 1, 20, types.ReplayPosition{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer w.Close()

	appendSync(t, w, []byte("aaaaaaaaaaaaaaaaaaaa"))
	appendSync(t, w, []byte("b"))

	ids, err := w.listSegmentIDs()
	if err != nil {
		t.Fatalf("listSegmentIDs failed: %v", err)
	}
	if len(ids) < 2 {
		t.Fatalf("expected at least 2 segments after exceeding maxSegmentBytes, got %d", len(ids))
	}
}

func TestWAL_DiscardCompletedSegmentsRemovesOnlyFullyFlushedNonActiveSegments(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 1, 20, types.ReplayPosition{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer w.Close()

	appendSync(t, w, []byte("aaaaaaaaaaaaaaaaaaaa")) // fills segment 0
	rp2 := appendSync(t, w, []byte("b"))             // rolls into segment 1

	idsBefore, err := w.listSegmentIDs()
	if err != nil {
		t.Fatalf("listSegmentIDs failed: %v", err)
	}
	if len(idsBefore) < 2 {
		t.Fatalf("expected at least 2 segments before discard, got %d", len(idsBefore))
	}

	if err := w.DiscardCompletedSegments(rp2); err != nil {
		t.Fatalf("DiscardCompletedSegments failed: %v", err)
	}

	idsAfter, err := w.listSegmentIDs()
	if err != nil {
		t.Fatalf("listSegmentIDs failed: %v", err)
	}
	if len(idsAfter) != 1 {
		t.Fatalf("expected only the active segment to remain after discard, got %d segments: %v", len(idsAfter), idsAfter)
	}
}

func TestWAL_DiscardCompletedSegmentsNeverRemovesTheActiveSegment(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 1, 0, types.ReplayPosition{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer w.Close()

	rp := w.Append([]byte("solo"))
	waitDone(t, w, 1)

	if err := w.DiscardCompletedSegments(rp); err != nil {
		t.Fatalf("DiscardCompletedSegments failed: %v", err)
	}

	ids, err := w.listSegmentIDs()
	if err != nil {
		t.Fatalf("listSegmentIDs failed: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected the sole active segment to survive discard, got %d segments", len(ids))
	}
}

func TestDiscoverResumePoint_EmptyDirReturnsEmptyPosition(t *testing.T) {
	dir := t.TempDir()
	rp, err := DiscoverResumePoint(dir)
	if err != nil {
		t.Fatalf("DiscoverResumePoint failed: %v", err)
	}
	if !rp.Empty() {
		t.Fatalf("expected an empty position for an empty directory, got %v", rp)
	}
}

func TestDiscoverResumePoint_NonexistentDirReturnsEmptyPosition(t *testing.T) {
	rp, err := DiscoverResumePoint("/nonexistent/path/for/wal/test")
	if err != nil {
		t.Fatalf("DiscoverResumePoint failed: %v", err)
	}
	if !rp.Empty() {
		t.Fatalf("expected an empty position for a missing directory, got %v", rp)
	}
}

func TestDiscoverResumePoint_ResumesAfterHighestWrittenPosition(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 1, 20, types.ReplayPosition{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	appendSync(t, w, []byte("aaaaaaaaaaaaaaaaaaaa")) // fills segment 0
	lastRP := appendSync(t, w, []byte("b"))          // rolls; written to segment file 1

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	resume, err := DiscoverResumePoint(dir)
	if err != nil {
		t.Fatalf("DiscoverResumePoint failed: %v", err)
	}
	// lastRP was allocated before the roll, so it still carries segment 0
	// although it sits in file 1; the resume point takes the newest file's
	// id and the highest offset written within it.
	want := types.ReplayPosition{Shard: lastRP.Shard, Segment: 1, Offset: lastRP.Offset}
	if resume != want {
		t.Fatalf("expected resume point %v (newest segment id, highest offset written), got %v", want, resume)
	}

	// A WAL reopened from the discovered resume point must allocate strictly
	// after every previously written position.
	w2, err := Open(dir, 1, 20, resume)
	if err != nil {
		t.Fatalf("reopen Open failed: %v", err)
	}
	defer w2.Close()

	next := w2.Append([]byte("c"))
	waitDone(t, w2, 1)
	if !lastRP.Less(next) {
		t.Fatalf("expected the next allocated position %v to sort after the resume point %v", next, lastRP)
	}
}
