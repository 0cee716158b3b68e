// Package flushqueue implements the ordered post-op queue: it
// lets a flush's expensive work (writing an SSTable) run concurrently with
// other flushes while guaranteeing the cheap post step (telling the WAL to
// discard segments) only ever runs in replay-position order. That ordering
// is what keeps commitlog truncation correct even when flushes complete
// out of order.
//
// Built on the same background-worker pattern pkg/listener uses (one
// goroutine draining a channel of jobs), generalized into a
// min-heap-ordered scheduler so posts can be released strictly by key
// instead of completion order.
package flushqueue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/cassandane/colfam/pkg/types"
)

type job struct {
	rp   types.ReplayPosition
	task func(ctx context.Context) error
	post func(ctx context.Context) error

	taskDone chan error
}

type jobHeap []*job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].rp.Less(h[j].rp) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)         { *h = append(*h, x.(*job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is the ordered post-op queue for one column family's flush
// pipeline.
type Queue struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  jobHeap
	highest  types.ReplayPosition
	hasHigh  bool
	closed   bool
	waiters  []waiter

	wake chan struct{}
	done chan struct{}
}

type waiter struct {
	rp   types.ReplayPosition
	done chan struct{}
}

// New starts a Queue's background drain loop.
func New() *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// RunWithOrderedPostOp schedules task to run immediately (it may run
// concurrently with other tasks already scheduled) and post to run only
// once task completes and every post with a strictly lower replay position
// has already run. An empty rp submitted while the queue already
// holds entries is coerced to highest_key() + ε so empty-RP streaming
// flushes don't jump ahead of real writes.
func (q *Queue) RunWithOrderedPostOp(rp types.ReplayPosition, task, post func(ctx context.Context) error) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("flushqueue: closed")
	}
	if rp.Empty() && q.pending.Len() > 0 {
		rp = epsilonAfter(q.highest)
	}
	j := &job{rp: rp, task: task, post: post, taskDone: make(chan error, 1)}
	heap.Push(&q.pending, j)
	if !q.hasHigh || q.highest.Less(rp) {
		q.highest, q.hasHigh = rp, true
	}
	q.mu.Unlock()

	go func() {
		j.taskDone <- task(q.ctx)
		q.nudge()
	}()

	return nil
}

// epsilonAfter returns the smallest replay position strictly greater than
// rp under ReplayPosition.Compare's ordering (segment, then offset).
func epsilonAfter(rp types.ReplayPosition) types.ReplayPosition {
	return types.ReplayPosition{Shard: rp.Shard, Segment: rp.Segment, Offset: rp.Offset + 1}
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run drains jobs in RP order, executing each post only once its task has
// finished and every earlier-RP job has already posted.
func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if q.pending.Len() == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				return
			}
		}

		head := q.pending[0]
		q.mu.Unlock()

		select {
		case err := <-head.taskDone:
			if err == nil {
				err = head.post(q.ctx)
			}
			_ = err // posts log their own failures; the queue only sequences them

			q.mu.Lock()
			heap.Pop(&q.pending)
			q.notifyWaiters()
			q.mu.Unlock()

		case <-q.ctx.Done():
			return
		}
	}
}

// notifyWaiters releases any waiter whose RP can no longer be blocked by a
// still-pending job. Must be called with q.mu held, right after popping the
// job that just completed its post step.
func (q *Queue) notifyWaiters() {
	var minPending types.ReplayPosition
	any := q.pending.Len() > 0
	if any {
		minPending = q.pending[0].rp
	}

	kept := q.waiters[:0]
	for _, w := range q.waiters {
		if !any || minPending.Compare(w.rp) > 0 {
			close(w.done)
			continue
		}
		kept = append(kept, w)
	}
	q.waiters = kept
}

// WaitForPending blocks until every post with replay position <= rp has
// executed.
func (q *Queue) WaitForPending(ctx context.Context, rp types.ReplayPosition) error {
	q.mu.Lock()
	satisfied := true
	for _, j := range q.pending {
		if j.rp.Compare(rp) <= 0 {
			satisfied = false
			break
		}
	}
	if satisfied {
		q.mu.Unlock()
		return nil
	}
	w := waiter{rp: rp, done: make(chan struct{})}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains remaining work and forbids future submissions.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.nudge()
	<-q.done
}
