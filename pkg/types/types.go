// Package types holds the primitive data types shared across the storage
// engine: replay positions, keys and the small value types that ride on
// top of mutations.
package types

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// ReplayPosition is a totally ordered coordinate into the write-ahead log.
// The zero value is the "empty" position and compares strictly less than
// any position produced by an allocator.
type ReplayPosition struct {
	Shard   uint32
	Segment uint64
	Offset  uint64
}

// Empty reports whether rp is the zero/empty replay position.
func (rp ReplayPosition) Empty() bool {
	return rp == ReplayPosition{}
}

// Compare returns -1, 0 or 1 if rp is less than, equal to, or greater than
// other. The empty position sorts before every non-empty position.
func (rp ReplayPosition) Compare(other ReplayPosition) int {
	if rp == other {
		return 0
	}
	if rp.Segment != other.Segment {
		if rp.Segment < other.Segment {
			return -1
		}
		return 1
	}
	if rp.Offset < other.Offset {
		return -1
	}
	return 1
}

// Less reports whether rp sorts strictly before other.
func (rp ReplayPosition) Less(other ReplayPosition) bool {
	return rp.Compare(other) < 0
}

func (rp ReplayPosition) String() string {
	if rp.Empty() {
		return "RP(empty)"
	}
	return fmt.Sprintf("RP(shard=%d,seg=%d,off=%d)", rp.Shard, rp.Segment, rp.Offset)
}

// ColumnFamilyID identifies a column family independent of its human
// readable (keyspace, name) pair, matching the on-disk directory naming
// scheme (<cfname>-<uuid_hex>).
type ColumnFamilyID uuid.UUID

// NewColumnFamilyID allocates a fresh random column family identifier.
func NewColumnFamilyID() ColumnFamilyID {
	return ColumnFamilyID(uuid.New())
}

func (id ColumnFamilyID) String() string {
	return uuid.UUID(id).String()
}

// ParseColumnFamilyID parses the canonical uuid string form produced by
// ColumnFamilyID.String.
func ParseColumnFamilyID(s string) (ColumnFamilyID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ColumnFamilyID{}, err
	}
	return ColumnFamilyID(u), nil
}

// PartitionKey is the undecorated partition key supplied by the caller.
type PartitionKey []byte

// DecoratedKey pairs a partition key with its partitioner token, the
// primary sort key for all on-disk and in-memory structures.
type DecoratedKey struct {
	Token uint64
	Key   PartitionKey
}

// Compare orders decorated keys by token, breaking ties on the raw key.
func (dk DecoratedKey) Compare(other DecoratedKey) int {
	if dk.Token != other.Token {
		if dk.Token < other.Token {
			return -1
		}
		return 1
	}
	return bytes.Compare(dk.Key, other.Key)
}

// ClusteringKey orders rows within a partition.
type ClusteringKey []byte

// Timestamp is a microsecond-precision write timestamp used to order
// competing writes to the same cell (last-write-wins).
type Timestamp int64

// ClusteringRange is a half-open-or-closed range over clustering keys used
// to build read slices. A nil Start/End bound means unbounded in that
// direction.
type ClusteringRange struct {
	Start          ClusteringKey
	End            ClusteringKey
	StartInclusive bool
	EndInclusive   bool
}

// FullRange reports whether r spans the entire clustering space, i.e. has
// no effective restriction.
func (r ClusteringRange) FullRange() bool {
	return len(r.Start) == 0 && len(r.End) == 0
}

// PartitionRange restricts a read/scan to a range of tokens, or to a single
// decorated key when Singular is true.
type PartitionRange struct {
	Singular bool
	Key      DecoratedKey
	StartTok uint64
	EndTok   uint64
}

// ReadPriority selects which concurrency pool and timeout a reader is
// governed by.
type ReadPriority int

const (
	PriorityNormal ReadPriority = iota
	PriorityStreaming
)
