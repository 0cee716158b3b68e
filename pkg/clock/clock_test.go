package clock

import (
	"testing"

	"github.com/cassandane/colfam/pkg/types"
)

func TestAllocator_NextIsMonotonicWithinASegment(t *testing.T) {
	a := NewAllocator(1, types.ReplayPosition{})

	first := a.Next()
	second := a.Next()

	if !first.Less(second) {
		t.Fatalf("expected %v to sort before %v", first, second)
	}
	if first.Segment != second.Segment {
		t.Fatalf("expected both allocations to stay in segment 0, got %d and %d", first.Segment, second.Segment)
	}
}

func TestAllocator_PeekDoesNotConsume(t *testing.T) {
	a := NewAllocator(1, types.ReplayPosition{})

	peeked := a.Peek()
	next := a.Next()

	if peeked != next {
		t.Fatalf("expected Peek to predict the next allocation exactly, got peek=%v next=%v", peeked, next)
	}
	if a.Peek() == next {
		t.Fatalf("expected a second Peek after Next to move past the consumed position")
	}
}

func TestAllocator_RollSegmentResetsOffsetAndAdvancesSegment(t *testing.T) {
	a := NewAllocator(1, types.ReplayPosition{})
	a.Next()
	a.Next()

	a.RollSegment()
	next := a.Next()

	if next.Segment != 1 {
		t.Fatalf("expected the next allocation to land in segment 1, got %d", next.Segment)
	}
	if next.Offset != 1 {
		t.Fatalf("expected the offset to reset after rolling, got %d", next.Offset)
	}
}

func TestAllocator_ResumesStrictlyAfterGivenPosition(t *testing.T) {
	resumeAfter := types.ReplayPosition{Shard: 1, Segment: 3, Offset: 7}
	a := NewAllocator(1, resumeAfter)

	next := a.Next()

	if !resumeAfter.Less(next) {
		t.Fatalf("expected the first allocation after resume %v to sort after %v", next, resumeAfter)
	}
	if next.Segment != 3 {
		t.Fatalf("expected the allocator to resume in the same segment, got %d", next.Segment)
	}
}
