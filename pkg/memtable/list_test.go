package memtable

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cassandane/colfam/pkg/dirtymem"
)

func newTestRegion(mgr *dirtymem.Manager) *dirtymem.Region {
	return mgr.NewRegion(func(func()) {})
}

func TestList_ActiveStartsAsTheOnlyMemtable(t *testing.T) {
	mgr := dirtymem.NewManager("regular", 0, nil)
	region := newTestRegion(mgr)

	l := NewList(func() string { return "schema-v1" }, region, func(ctx context.Context, sealed *Memtable) error {
		return nil
	})

	if l.Len() != 1 {
		t.Fatalf("expected a fresh list to hold exactly one memtable, got %d", l.Len())
	}
	if l.Active() == nil {
		t.Fatal("expected Active to return the sole memtable")
	}
}

func TestList_RequestFlushSealsAndReplacesActive(t *testing.T) {
	mgr := dirtymem.NewManager("regular", 0, nil)
	region := newTestRegion(mgr)

	var sealedSchemas []string
	var mu sync.Mutex
	l := NewList(func() string { return "schema-v1" }, region, func(ctx context.Context, sealed *Memtable) error {
		mu.Lock()
		sealedSchemas = append(sealedSchemas, sealed.Schema())
		mu.Unlock()
		return nil
	})

	original := l.Active()

	if err := l.RequestFlush(context.Background(), func() *dirtymem.Region { return newTestRegion(mgr) }); err != nil {
		t.Fatalf("RequestFlush failed: %v", err)
	}

	if l.Active() == original {
		t.Fatal("expected a fresh active memtable after RequestFlush")
	}
	mu.Lock()
	n := len(sealedSchemas)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one seal callback invocation, got %d", n)
	}
}

func TestList_ConcurrentRequestFlushCoalescesOntoOneSeal(t *testing.T) {
	mgr := dirtymem.NewManager("regular", 0, nil)
	region := newTestRegion(mgr)

	var sealCount int
	var mu sync.Mutex
	release := make(chan struct{})
	l := NewList(func() string { return "schema-v1" }, region, func(ctx context.Context, sealed *Memtable) error {
		mu.Lock()
		sealCount++
		mu.Unlock()
		<-release
		return nil
	})

	var wg sync.WaitGroup
	const callers = 5
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			_ = l.RequestFlush(context.Background(), func() *dirtymem.Region { return newTestRegion(mgr) })
		}()
	}

	// Hold the first seal open until it has started and the other callers
	// have had time to join its slot.
	for {
		mu.Lock()
		started := sealCount >= 1
		mu.Unlock()
		if started {
			break
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	close(release)
	wg.Wait()

	mu.Lock()
	n := sealCount
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected concurrent callers to coalesce onto a single seal, got %d seals", n)
	}
}

func TestList_RetireRemovesMemtableFromList(t *testing.T) {
	mgr := dirtymem.NewManager("regular", 0, nil)
	region := newTestRegion(mgr)

	l := NewList(func() string { return "schema-v1" }, region, func(ctx context.Context, sealed *Memtable) error {
		return nil
	})

	active := l.Active()
	_ = l.RequestFlush(context.Background(), func() *dirtymem.Region { return newTestRegion(mgr) })

	if l.Len() != 2 {
		t.Fatalf("expected 2 memtables (sealing + new active) before Retire, got %d", l.Len())
	}

	l.Retire(active)

	if l.Len() != 1 {
		t.Fatalf("expected 1 memtable after Retire, got %d", l.Len())
	}
}
