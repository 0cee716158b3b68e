package types

import "testing"

func TestReplayPosition_EmptySortsBeforeEverything(t *testing.T) {
	empty := ReplayPosition{}
	other := ReplayPosition{Segment: 1, Offset: 1}

	if !empty.Empty() {
		t.Fatal("expected the zero value to report Empty")
	}
	if !empty.Less(other) {
		t.Fatalf("expected the empty position to sort before %v", other)
	}
}

func TestReplayPosition_CompareOrdersBySegmentThenOffset(t *testing.T) {
	a := ReplayPosition{Segment: 1, Offset: 5}
	b := ReplayPosition{Segment: 2, Offset: 1}

	if a.Compare(b) >= 0 {
		t.Fatalf("expected %v to sort before %v on segment alone", a, b)
	}

	c := ReplayPosition{Segment: 1, Offset: 9}
	if a.Compare(c) >= 0 {
		t.Fatalf("expected %v to sort before %v within the same segment", a, c)
	}
	if a.Compare(a) != 0 {
		t.Fatalf("expected a position to compare equal to itself")
	}
}

func TestDecoratedKey_CompareOrdersByTokenThenKey(t *testing.T) {
	a := DecoratedKey{Token: 1, Key: PartitionKey("a")}
	b := DecoratedKey{Token: 1, Key: PartitionKey("b")}
	c := DecoratedKey{Token: 2, Key: PartitionKey("a")}

	if a.Compare(b) >= 0 {
		t.Fatalf("expected %v to sort before %v on key bytes within the same token", a, b)
	}
	if b.Compare(c) >= 0 {
		t.Fatalf("expected %v to sort before %v once the token differs", b, c)
	}
}

func TestColumnFamilyID_StringParseRoundTrips(t *testing.T) {
	id := NewColumnFamilyID()

	parsed, err := ParseColumnFamilyID(id.String())
	if err != nil {
		t.Fatalf("ParseColumnFamilyID failed: %v", err)
	}
	if parsed != id {
		t.Fatalf("expected parsing %q to round trip to %v, got %v", id.String(), id, parsed)
	}
}

func TestColumnFamilyID_ParseRejectsGarbage(t *testing.T) {
	if _, err := ParseColumnFamilyID("not-a-uuid"); err == nil {
		t.Fatal("expected an error parsing a non-uuid string")
	}
}

func TestClusteringRange_FullRangeReportsUnboundedOnBothSides(t *testing.T) {
	full := ClusteringRange{}
	if !full.FullRange() {
		t.Fatal("expected a zero-value range to report FullRange")
	}

	bounded := ClusteringRange{Start: ClusteringKey("a")}
	if bounded.FullRange() {
		t.Fatal("expected a range with a start bound to not report FullRange")
	}
}
