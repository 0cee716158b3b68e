package reader

import (
	"context"
	"sync/atomic"

	"github.com/cassandane/colfam/pkg/dberrors"
	"github.com/cassandane/colfam/pkg/types"
)

// Semaphore gates concurrent readers with a queue-length cap: once the
// number of callers already waiting for a slot reaches QueueCap, further
// Acquire calls fail immediately with dberrors.ErrOverloaded instead of
// joining the queue. One Semaphore is shared by
// every RestrictedReader governed by the same priority class.
type Semaphore struct {
	slots   chan struct{}
	queued  atomic.Int64
	queuCap int64
}

// NewSemaphore returns a Semaphore allowing at most concurrency readers at
// once, failing admission once queueCap callers are already waiting.
func NewSemaphore(concurrency, queueCap int) *Semaphore {
	return &Semaphore{
		slots:   make(chan struct{}, concurrency),
		queuCap: int64(queueCap),
	}
}

// Acquire blocks for a slot, failing with dberrors.ErrOverloaded if the
// queue is already at capacity, or with ctx's error if ctx is done first.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if s.queued.Load() >= s.queuCap {
		return dberrors.ErrOverloaded
	}
	s.queued.Add(1)
	defer s.queued.Add(-1)

	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a previously acquired slot.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
	}
}

// RestrictedReader gates one reader behind a Semaphore, acquiring a slot
// at construction and releasing it on Close.
type RestrictedReader struct {
	inner Reader
	sem   *Semaphore
}

// NewRestrictedReader acquires a slot from sem before wrapping inner,
// returning dberrors.ErrOverloaded (or ctx's error) instead of a reader
// when admission fails.
func NewRestrictedReader(ctx context.Context, inner Reader, sem *Semaphore) (*RestrictedReader, error) {
	if err := sem.Acquire(ctx); err != nil {
		return nil, err
	}
	return &RestrictedReader{inner: inner, sem: sem}, nil
}

func (r *RestrictedReader) Next() (types.DecoratedKey, types.PartitionBody, bool, error) {
	return r.inner.Next()
}

func (r *RestrictedReader) Close() error {
	err := r.inner.Close()
	r.sem.Release()
	return err
}
