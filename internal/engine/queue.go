package engine

import (
	"sync"
	"sync/atomic"
)

// jobQueue is a FIFO queue with any number of producers and a single
// consumer, the engine thread.
type jobQueue struct {
	mu      sync.Mutex
	items   []*Job
	nextSeq uint64
	closed  bool

	// size mirrors len(items) so the engine thread can check for pending
	// work without taking the lock.
	size atomic.Int64
}

func newJobQueue() *jobQueue {
	return &jobQueue{items: make([]*Job, 0, 64)}
}

// push appends a job and stamps its sequence number. It returns false once
// the queue has been closed.
func (q *jobQueue) push(job *Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.nextSeq++
	job.Seq = q.nextSeq
	q.items = append(q.items, job)
	q.size.Add(1)
	return true
}

// pop removes the oldest job.
func (q *jobQueue) pop() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}

	job := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.size.Add(-1)
	return job, true
}

func (q *jobQueue) len() int {
	return int(q.size.Load())
}

// close rejects further pushes and returns whatever was left, oldest first.
func (q *jobQueue) close() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	if len(q.items) == 0 {
		return nil
	}

	remaining := make([]*Job, len(q.items))
	copy(remaining, q.items)
	q.items = nil
	q.size.Store(0)
	return remaining
}
