// Package dirtymem implements the hierarchical dirty-memory accounting and
// back-pressure regime: a tree of Managers (system containing regular and
// streaming) tracking real and virtual dirty bytes per Region, with
// soft-limit flush selection and hard-limit submitter blocking.
//
// Grounded on the write-buffer-manager pattern in
// aalhour/rockyardkv's internal/write_buffer_manager.go (reservation
// counters, stall condition) generalized to a hierarchy of groups and to
// the real/virtual split flushes need to pre-release memory as they write.
package dirtymem

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/zhangyunhao116/skipset"
)

// Region is one memtable's share of a Manager's byte budget. A Region is
// owned by exactly one memtable for its lifetime.
type Region struct {
	manager *Manager

	real       atomic.Uint64
	streamedUp atomic.Uint64 // bytes already streamed out during an in-progress flush

	// onFlushNeeded is invoked by the manager's background selector when
	// this region's memtable should be sealed. It must not block, and must
	// call done once the flush it kicks off has actually completed (whether
	// it succeeded or failed), so the selector can release the region's
	// flush-in-flight marker and its single flush permit.
	onFlushNeeded func(done func())
}

// Real returns the bytes currently resident for this region.
func (r *Region) Real() uint64 { return r.real.Load() }

// Virtual returns real dirty bytes minus bytes already streamed out by an
// in-progress flush.
func (r *Region) Virtual() uint64 {
	real := r.real.Load()
	streamed := r.streamedUp.Load()
	if streamed > real {
		return 0
	}
	return real - streamed
}

func (r *Region) ptrKey() uintptr { return uintptr(unsafe.Pointer(r)) }

// Manager returns the region's owning manager, so a memtable can account
// writes without the dirtymem package depending on memtable.
func (r *Region) Manager() *Manager { return r.manager }

// Manager owns one region group. Managers form a tree; byte accounting
// propagates from a region's immediate manager up through every ancestor,
// so the "system" manager's Real()/Virtual() reflect every write anywhere
// in the engine.
type Manager struct {
	name   string
	parent *Manager

	capacity atomic.Uint64 // hard limit; 0 = unlimited

	real       atomic.Uint64
	streamedUp atomic.Uint64

	mu      sync.Mutex
	regions map[*Region]struct{}

	// inFlight tracks regions with a flush currently in progress, so
	// accounting can be reconciled if the flush owner fails. Kept in an
	// ordered skip-set as mandated by the hierarchical accounting's need
	// to support concurrent add/remove/range without a global lock.
	inFlight *skipset.FuncSet[*Region]

	flushPermit chan struct{} // single-slot: at most one memory-driven flush at a time

	explicitPending atomic.Int64 // explicit flush requests in flight; memory-driven selection yields while > 0

	waitMu  sync.Mutex
	waiters []chan struct{} // FIFO queue for run_when_memory_available
}

// NewManager creates a root manager (system) or a child of parent.
func NewManager(name string, capacity uint64, parent *Manager) *Manager {
	m := &Manager{
		name:    name,
		parent:  parent,
		regions: make(map[*Region]struct{}),
		inFlight: skipset.NewFunc[*Region](func(a, b *Region) bool {
			return a.ptrKey() < b.ptrKey()
		}),
		flushPermit: make(chan struct{}, 1),
	}
	m.capacity.Store(capacity)
	return m
}

// NewRegion registers a fresh region under this manager, wired to call
// onFlushNeeded when the manager's background selector decides it must be
// sealed.
func (m *Manager) NewRegion(onFlushNeeded func(done func())) *Region {
	r := &Region{manager: m, onFlushNeeded: onFlushNeeded}
	m.mu.Lock()
	m.regions[r] = struct{}{}
	m.mu.Unlock()
	return r
}

// RetireRegion removes a region once its memtable has been fully retired,
// releasing any bytes it still held.
func (m *Manager) RetireRegion(r *Region) {
	m.mu.Lock()
	delete(m.regions, r)
	m.mu.Unlock()
	m.inFlight.Remove(r)

	if real := r.real.Load(); real > 0 {
		m.releaseReal(real)
	}
}

// Reserve accounts n additional real-dirty bytes against region r,
// propagating to every ancestor manager. It never blocks; back-pressure is
// applied separately via RunWhenMemoryAvailable.
func (m *Manager) Reserve(r *Region, n uint64) {
	r.real.Add(n)
	for g := m; g != nil; g = g.parent {
		g.real.Add(n)
	}
	m.wakeWaitersIfRoom()
}

// MarkStreamedOut records that n bytes of region r have already been
// written to the SSTable being produced by an in-progress flush, shrinking
// virtual dirty ahead of the memtable's actual release.
func (m *Manager) MarkStreamedOut(r *Region, n uint64) {
	r.streamedUp.Add(n)
	for g := m; g != nil; g = g.parent {
		g.streamedUp.Add(n)
	}
}

func (m *Manager) releaseReal(n uint64) {
	for g := m; g != nil; g = g.parent {
		subtractSaturating(&g.real, n)
		subtractSaturating(&g.streamedUp, n)
		g.wakeWaitersIfRoom()
	}
}

func subtractSaturating(v *atomic.Uint64, n uint64) {
	for {
		cur := v.Load()
		next := cur
		if n > cur {
			next = 0
		} else {
			next = cur - n
		}
		if v.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Real returns total real-dirty bytes accounted at this manager (own
// regions plus every descendant manager, since descendants propagate up).
func (m *Manager) Real() uint64 { return m.real.Load() }

// Virtual returns real minus already-streamed-out bytes.
func (m *Manager) Virtual() uint64 {
	real := m.real.Load()
	streamed := m.streamedUp.Load()
	if streamed > real {
		return 0
	}
	return real - streamed
}

// Capacity returns the hard limit, or 0 if unlimited.
func (m *Manager) Capacity() uint64 { return m.capacity.Load() }

// SetCapacity adjusts the hard limit at runtime (e.g. on config reload).
func (m *Manager) SetCapacity(n uint64) {
	m.capacity.Store(n)
	m.wakeWaitersIfRoom()
}

// SoftExceeded reports whether this manager is over half its capacity.
func (m *Manager) SoftExceeded() bool {
	cap := m.capacity.Load()
	return cap > 0 && m.Virtual() > cap/2
}

// HardExceeded reports whether this manager is at or over its hard limit.
func (m *Manager) HardExceeded() bool {
	cap := m.capacity.Load()
	return cap > 0 && m.Real() >= cap
}

func (m *Manager) underHardLimit() bool {
	return !m.HardExceeded()
}

// RunWhenMemoryAvailable enqueues task to run only once this manager (and
// every ancestor) is under its hard limit. Submitters are served FIFO.
func (m *Manager) RunWhenMemoryAvailable(ctx context.Context, task func()) error {
	if m.allAncestorsUnderHardLimit() {
		// Fast path: still must respect FIFO against already-queued
		// waiters, so only take it when the queue is empty.
		m.waitMu.Lock()
		empty := len(m.waiters) == 0
		m.waitMu.Unlock()
		if empty {
			task()
			return nil
		}
	}

	ready := make(chan struct{})
	m.waitMu.Lock()
	m.waiters = append(m.waiters, ready)
	m.waitMu.Unlock()

	for {
		select {
		case <-ctx.Done():
			m.removeWaiter(ready)
			return ctx.Err()
		case <-ready:
			if m.allAncestorsUnderHardLimit() {
				task()
				return nil
			}
			// Spurious wake (another manager level changed); re-queue at
			// the tail so order among genuinely blocked callers holds.
			m.waitMu.Lock()
			m.waiters = append(m.waiters, ready)
			m.waitMu.Unlock()
		}
	}
}

func (m *Manager) allAncestorsUnderHardLimit() bool {
	for g := m; g != nil; g = g.parent {
		if g.HardExceeded() {
			return false
		}
	}
	return true
}

func (m *Manager) removeWaiter(ch chan struct{}) {
	m.waitMu.Lock()
	defer m.waitMu.Unlock()
	for i, w := range m.waiters {
		if w == ch {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

func (m *Manager) wakeWaitersIfRoom() {
	if !m.underHardLimit() {
		return
	}
	m.waitMu.Lock()
	defer m.waitMu.Unlock()
	if len(m.waiters) == 0 {
		return
	}
	head := m.waiters[0]
	m.waiters = m.waiters[1:]
	close(head)
}

// LargestRegion returns the region with the most virtual-dirty bytes, the
// candidate the memory-driven flush selector picks.
func (m *Manager) LargestRegion() *Region {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Region
	var bestBytes uint64
	for r := range m.regions {
		if m.inFlight.Contains(r) {
			continue
		}
		if v := r.Virtual(); best == nil || v > bestBytes {
			best, bestBytes = r, v
		}
	}
	return best
}

// AddToFlushManager records that r now has a flush in flight, acquiring
// the manager's single flush permit. It blocks until the permit is free or
// ctx is done.
func (m *Manager) AddToFlushManager(ctx context.Context, r *Region) error {
	select {
	case m.flushPermit <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.inFlight.Add(r)
	return nil
}

// RemoveFromFlushManager releases the flush permit acquired by
// AddToFlushManager and clears the in-flight marker for r.
func (m *Manager) RemoveFromFlushManager(r *Region) {
	m.inFlight.Remove(r)
	select {
	case <-m.flushPermit:
	default:
	}
}

// BeginExplicitFlush/EndExplicitFlush bracket an explicit (non
// memory-driven) flush request so FlushWhenNeeded yields to it: explicit
// flush requests have strict priority.
func (m *Manager) BeginExplicitFlush() { m.explicitPending.Add(1) }
func (m *Manager) EndExplicitFlush()   { m.explicitPending.Add(-1) }

func (m *Manager) hasExplicitPending() bool { return m.explicitPending.Load() > 0 }

// FlushWhenNeeded runs until ctx is done, repeatedly selecting the largest
// region in this group while it is soft-limit-exceeded and no explicit
// flush is already queued, and sealing it via its onFlushNeeded callback.
func (m *Manager) FlushWhenNeeded(ctx context.Context) {
	// A cheap poll loop rather than wiring a dedicated wake channel into
	// every Reserve call.
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.hasExplicitPending() {
				continue
			}
			if !m.SoftExceeded() {
				continue
			}
			region := m.LargestRegion()
			if region == nil {
				continue
			}
			if err := m.AddToFlushManager(ctx, region); err != nil {
				return
			}
			region.onFlushNeeded(func() { m.RemoveFromFlushManager(region) })
		}
	}
}

// pollInterval governs how often FlushWhenNeeded re-checks soft-limit
// state; small enough that back-pressure kicks in promptly, large enough
// not to spin.
const pollInterval = 20 * time.Millisecond
