package pool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Queue is the per-connection FIFO of pending operations. It serializes
// writes via a single-permit write_lock released as soon as a command's
// final frontend message is flushed, not after its response is read — this
// is what lets a second caller start writing while the first is still
// reading.
type Queue struct {
	writeLock *semaphore.Weighted

	mu   sync.Mutex
	head *Slot
	tail *Slot
}

func NewQueue() *Queue {
	return &Queue{writeLock: semaphore.NewWeighted(1)}
}

// AcquireWrite blocks until the write_lock is free or ctx is done.
func (q *Queue) AcquireWrite(ctx context.Context) error {
	return q.writeLock.Acquire(ctx, 1)
}

func (q *Queue) ReleaseWrite() {
	q.writeLock.Release(1)
}

// Enqueue creates a new slot and appends it to the tail. If the queue was
// empty, the new slot is the head and its read_ready latch is pre-signaled,
// since there is nothing ahead of it to wait on.
func (q *Queue) Enqueue() *Slot {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := newSlot()
	if q.tail == nil {
		q.head = s
		s.signalReadReady()
	} else {
		q.tail.next = s
	}
	q.tail = s
	return s
}

// CompleteHead completes the current head slot with err, advances the
// queue, and signals the new head's read_ready latch. It
// reports whether the queue is now empty, letting the session decide
// whether to go idle.
func (q *Queue) CompleteHead(err error) (idle bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	head := q.head
	if head == nil {
		return true
	}
	head.Complete(err)
	q.head = head.next
	head.next = nil

	if q.head == nil {
		q.tail = nil
		return true
	}
	q.head.signalReadReady()
	return false
}

// Head returns the current head slot, or nil if the queue is empty.
func (q *Queue) Head() *Slot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head
}

// Break completes every pending slot with err in FIFO order and
// empties the queue. Used when the session transitions to Broken.
func (q *Queue) Break(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for s := q.head; s != nil; {
		next := s.next
		s.next = nil
		s.Complete(err)
		s = next
	}
	q.head = nil
	q.tail = nil
}

// Len reports the number of pending slots, used by the dispatcher's
// least-pending session-selection policy.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for s := q.head; s != nil; s = s.next {
		n++
	}
	return n
}
