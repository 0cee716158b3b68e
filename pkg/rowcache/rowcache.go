// Package rowcache implements the partition-granularity read-through
// cache: a bounded LRU of full partition bodies (or explicit
// "definitely doesn't exist" markers) that saves a read from fanning out to
// every SSTable when caching is enabled for a singular partition range.
//
// Built on a doubly-linked-list LRU, generalized from opaque byte blocks
// to reconciled partition bodies and widened with a present/absent/cold
// three-state lookup.
package rowcache

import (
	"encoding/binary"
	"sync"

	"github.com/cassandane/colfam/pkg/memtable"
	"github.com/cassandane/colfam/pkg/types"
)

// PresenceChecker reports whether key may still exist in some SSTable other
// than the one a just-flushed memtable produced.
type PresenceChecker func(key types.DecoratedKey) bool

// Source populates the cache on a miss by merging every underlying
// mutation source (memtables already covered by the caller; this serves
// the SSTable side) for key.
type Source interface {
	ReadPartition(key types.DecoratedKey) (types.PartitionBody, bool, error)
}

type state int

const (
	stateAbsent state = iota
	statePresent
	stateDefinitelyAbsent
)

type entry struct {
	key   types.DecoratedKey
	body  types.PartitionBody
	state state

	prev, next *entry
}

// Cache is a bounded LRU row cache for one column family.
type Cache struct {
	mu       sync.Mutex
	capacity int
	schema   string
	items    map[string]*entry
	head     *entry
	tail     *entry
}

// New returns an empty cache holding at most capacity partitions.
func New(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		items:    make(map[string]*entry),
	}
}

// mapKey encodes the full 64-bit token as a fixed-width 8-byte prefix
// ahead of the raw key bytes: a rune conversion would truncate the token
// to its low 32 bits (and collapse anything outside valid-rune range to
// U+FFFD), colliding distinct partitions whenever their tokens only
// differ above bit 32.
func mapKey(key types.DecoratedKey) string {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], key.Token)
	return string(prefix[:]) + string(key.Key)
}

// SetSchema records the schema snapshot readers populated through this
// cache should be tagged with.
func (c *Cache) SetSchema(schema string) {
	c.mu.Lock()
	c.schema = schema
	c.mu.Unlock()
}

// Schema returns the cache's current schema snapshot.
func (c *Cache) Schema() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schema
}

// lookup returns the tracked entry for key (present or definitely-absent)
// without touching the source, moving it to the LRU head; false means the
// key is cold.
func (c *Cache) lookup(key types.DecoratedKey) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[mapKey(key)]
	if !ok {
		return nil, false
	}
	c.moveToHead(e)
	return e, true
}

// MakeReader implements the read-through side of the cache: on a cache hit
// it returns the cached body directly; on a miss it populates from src and
// caches the result (including a definitely-absent marker on a genuine
// miss from the source), and on an error the cache is left untouched.
func (c *Cache) MakeReader(key types.DecoratedKey, src Source) (types.PartitionBody, bool, error) {
	if e, ok := c.lookup(key); ok {
		switch e.state {
		case statePresent:
			return e.body, true, nil
		case stateDefinitelyAbsent:
			return types.PartitionBody{}, false, nil
		}
	}

	body, found, err := src.ReadPartition(key)
	if err != nil {
		return types.PartitionBody{}, false, err
	}
	if !found {
		c.setDefinitelyAbsent(key)
		return types.PartitionBody{}, false, nil
	}
	c.setPresent(key, body)
	return body, true, nil
}

// Update incorporates a just-flushed memtable one partition at a time, each
// under its own acquisition of the cache lock; the memtable as a whole is
// not applied atomically, so a concurrent reader can see some of its
// partitions folded in and others not yet. Partitions already tracked by the cache (present or marked
// definitely-absent) are reconciled with the flushed data, since a cached
// entry is always complete with respect to every other live SSTable and
// folding in the new memtable keeps that invariant. Cold partitions — not
// tracked at all — are only cached directly when checker reports that no
// other SSTable could hold data for that key, since caching just this
// memtable's contribution would otherwise be an incomplete view; when the
// checker can't rule other SSTables out, the partition is left cold rather
// than populated with partial data, preserving the read-visibility
// invariant.
func (c *Cache) Update(mt *memtable.Memtable, checker PresenceChecker) {
	mt.Range(func(key types.DecoratedKey, body types.PartitionBody) bool {
		c.mu.Lock()
		e, tracked := c.items[mapKey(key)]
		c.mu.Unlock()

		switch {
		case tracked && e.state == statePresent:
			merged := memtable.Reconcile(e.body, body)
			c.setPresent(key, merged)
		case tracked && e.state == stateDefinitelyAbsent:
			c.setPresent(key, body)
		case !tracked && !checker(key):
			c.setPresent(key, body)
		}
		return true
	})
}

func (c *Cache) setPresent(key types.DecoratedKey, body types.PartitionBody) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := mapKey(key)
	if e, ok := c.items[k]; ok {
		e.body, e.state = body, statePresent
		c.moveToHead(e)
		return
	}
	e := &entry{key: key, body: body, state: statePresent}
	c.addToHead(e)
	c.items[k] = e
	c.evictIfOverCapacity()
}

func (c *Cache) setDefinitelyAbsent(key types.DecoratedKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := mapKey(key)
	if e, ok := c.items[k]; ok {
		e.body, e.state = types.PartitionBody{}, stateDefinitelyAbsent
		c.moveToHead(e)
		return
	}
	e := &entry{key: key, state: stateDefinitelyAbsent}
	c.addToHead(e)
	c.items[k] = e
	c.evictIfOverCapacity()
}

// Invalidate drops every cached partition whose token falls within pr.
func (c *Cache) Invalidate(pr types.PartitionRange) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.items {
		hit := pr.Singular && e.key.Compare(pr.Key) == 0
		hit = hit || (!pr.Singular && e.key.Token >= pr.StartTok && e.key.Token <= pr.EndTok)
		if hit {
			c.removeLocked(k, e)
		}
	}
}

// Clear drops every cached partition.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*entry)
	c.head, c.tail = nil, nil
}

// Len returns the number of partitions currently tracked (present or
// definitely-absent).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache) removeLocked(k string, e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	delete(c.items, k)
}

// moveToHead requires c.mu to already be held by the caller.
func (c *Cache) moveToHead(e *entry) {
	if e == c.head {
		return
	}
	if e.prev != nil {
		e.prev.next = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	if e == c.tail {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
	c.addToHeadLocked(e)
}

func (c *Cache) addToHead(e *entry) { c.addToHeadLocked(e) }

func (c *Cache) addToHeadLocked(e *entry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache) evictIfOverCapacity() {
	for len(c.items) > c.capacity && c.tail != nil {
		c.removeLocked(mapKey(c.tail.key), c.tail)
	}
}
