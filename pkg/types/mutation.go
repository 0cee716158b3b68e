package types

// Cell is a single column value at a clustering position.
type Cell struct {
	Column    string
	Value     []byte
	Timestamp Timestamp
	// TTLExpiry is the absolute expiry time (unix seconds), zero if the
	// cell never expires.
	TTLExpiry int64
}

// Row is one clustering row inside a partition: a clustering key plus the
// cells live at that position, and an optional row-level tombstone.
type Row struct {
	Clustering   ClusteringKey
	Cells        []Cell
	RowTombstone Timestamp // 0 means "not deleted"
	HasTombstone bool
}

// RangeTombstone deletes every row in [Start, End] at DeletionTime.
type RangeTombstone struct {
	Range        ClusteringRange
	DeletionTime Timestamp
}

// PartitionBody is the payload of a mutation or of a stored partition:
// an optional partition-level tombstone, an optional static row, ordered
// clustering rows and range tombstones.
type PartitionBody struct {
	PartitionTombstone    Timestamp
	HasPartitionTombstone bool
	StaticRow             *Row
	Rows                  []Row
	RangeTombstones       []RangeTombstone
}

// Empty reports whether the body carries no data at all.
func (b PartitionBody) Empty() bool {
	return !b.HasPartitionTombstone && b.StaticRow == nil && len(b.Rows) == 0 && len(b.RangeTombstones) == 0
}

// Mutation is a single partition-scoped write against one column family.
type Mutation struct {
	ColumnFamily ColumnFamilyID
	Key          DecoratedKey
	Body         PartitionBody
}

// FrozenMutation is the serialized form of a Mutation; it carries its own
// column family id so a replay or a streamed peer payload can be routed
// without a schema lookup first.
type FrozenMutation struct {
	ColumnFamily ColumnFamilyID
	Payload      []byte
}
