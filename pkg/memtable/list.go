package memtable

import (
	"context"
	"sync"

	"github.com/cassandane/colfam/pkg/dirtymem"
)

// SealBehavior controls how fast a seal must take effect relative to other
// concurrently arriving seal requests.
type SealBehavior int

const (
	SealImmediate SealBehavior = iota
	SealDelayed
)

// SealFunc is supplied by the owning ColumnFamily. It receives the sealed
// (now read-only) memtable and must durably write it out; the returned
// error propagates to every caller coalesced onto this seal. SealFunc is invoked off the MemtableList's own goroutine so
// it may block on I/O freely.
type SealFunc func(ctx context.Context, sealed *Memtable) error

// List holds an ordered sequence of memtables; the back element is the
// active writer. It coalesces concurrent RequestFlush callers onto
// a single in-flight seal.
type List struct {
	schema func() string
	seal   SealFunc

	mu        sync.Mutex
	memtables []*Memtable

	// current coalescing slot: nil when no seal is in flight.
	pending *sealSlot
}

type sealSlot struct {
	done chan struct{}
	err  error
}

// NewList creates a list with one fresh active memtable, backed by
// region, and wired to call seal when that memtable (or any later one)
// needs to be durably flushed.
func NewList(schema func() string, region *dirtymem.Region, seal SealFunc) *List {
	l := &List{schema: schema, seal: seal}
	l.memtables = []*Memtable{New(schema(), region)}
	return l
}

// Active returns the current writable (back) memtable.
func (l *List) Active() *Memtable {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.memtables[len(l.memtables)-1]
}

// Snapshot returns the current memtable references, oldest first, for a
// reader under construction.
func (l *List) Snapshot() []*Memtable {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Memtable, len(l.memtables))
	copy(out, l.memtables)
	return out
}

// addMemtableLocked appends a fresh empty memtable, backed by a fresh
// region from the same manager as the one just sealed.
func (l *List) addMemtableLocked(region *dirtymem.Region) {
	l.memtables = append(l.memtables, New(l.schema(), region))
}

// RequestFlush coalesces concurrent callers: only one underlying seal is
// in flight at a time. Every caller while a seal is in flight receives the
// same completion; a caller arriving after the in-flight seal's boundary
// (i.e. after sealActive has already swapped in a new active memtable and
// returned) starts a fresh coalescing slot.
func (l *List) RequestFlush(ctx context.Context, newRegion func() *dirtymem.Region) error {
	l.mu.Lock()
	if l.pending != nil {
		slot := l.pending
		l.mu.Unlock()
		<-slot.done
		return slot.err
	}
	slot := &sealSlot{done: make(chan struct{})}
	l.pending = slot
	l.mu.Unlock()

	err := l.sealActive(ctx, newRegion)

	l.mu.Lock()
	l.pending = nil
	l.mu.Unlock()

	slot.err = err
	close(slot.done)
	return err
}

// sealActive pushes a fresh active memtable (backed by newRegion()) behind
// the current back one, which stays in the list, readable, until Retire,
// and runs the seal callback on it synchronously on the calling goroutine.
// It returns the error from seal, if any.
func (l *List) sealActive(ctx context.Context, newRegion func() *dirtymem.Region) error {
	l.mu.Lock()
	sealed := l.memtables[len(l.memtables)-1]
	l.addMemtableLocked(newRegion())
	l.mu.Unlock()

	return l.seal(ctx, sealed)
}

// Retire removes mt from the list once its flush and cache transfer have
// both completed, and releases the dirty-memory region it was holding.
// Until then a sealed memtable stays in l.memtables, so readers built in
// the meantime still see its contents.
func (l *List) Retire(mt *Memtable) {
	l.mu.Lock()
	for i, m := range l.memtables {
		if m == mt {
			l.memtables = append(l.memtables[:i], l.memtables[i+1:]...)
			break
		}
	}
	l.mu.Unlock()

	region := mt.Region()
	region.Manager().RetireRegion(region)
}

// Len returns how many memtables (active + sealing) the list currently
// holds.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.memtables)
}
