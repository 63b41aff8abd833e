package pipeline

import (
	"sync"

	"github.com/eapache/queue"
)

// batchQueue is a FIFO of assembled batches shared by the flush path, the writer worker and the
// shutdown drain. Batches taken from the queue are counted as pending until they are either
// completed or requeued, so that the writer only exits once no batch can reappear.
type batchQueue[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   *queue.Queue
	pending int
	closed  bool
	aborted bool
}

func newBatchQueue[T any]() *batchQueue[T] {
	q := &batchQueue[T]{items: queue.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// enqueue adds a newly assembled batch. Returns false once the queue has been closed.
func (q *batchQueue[T]) enqueue(batch []T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items.Add(batch)
	q.cond.Broadcast()
	return true
}

// add appends a batch regardless of whether the queue has been closed.
func (q *batchQueue[T]) add(batch []T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.Add(batch)
	q.cond.Broadcast()
}

// requeue returns a previously taken batch to the tail of the queue. Allowed after close.
func (q *batchQueue[T]) requeue(batch []T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.Add(batch)
	q.pending--
	q.cond.Broadcast()
}

// done marks a previously taken batch as finished.
func (q *batchQueue[T]) done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending--
	q.cond.Broadcast()
}

// tryTake removes the head batch without blocking.
func (q *batchQueue[T]) tryTake() ([]T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.aborted || q.items.Length() == 0 {
		return nil, false
	}
	q.pending++
	return q.items.Remove().([]T), true
}

// wait blocks until a batch is available. It returns false when the queue is aborted, or when it
// is closed, empty and no taken batch is still outstanding.
func (q *batchQueue[T]) wait() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.aborted && q.items.Length() == 0 {
		if q.closed && q.pending == 0 {
			return false
		}
		q.cond.Wait()
	}
	return !q.aborted
}

func (q *batchQueue[T]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// abort wakes every waiter and makes the queue hand out nothing further. Returns the number of
// records left undelivered.
func (q *batchQueue[T]) abort() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.aborted = true
	q.closed = true
	remaining := 0
	for q.items.Length() > 0 {
		remaining += len(q.items.Remove().([]T))
	}
	q.cond.Broadcast()
	return remaining
}

func (q *batchQueue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}
