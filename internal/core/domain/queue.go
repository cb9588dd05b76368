package domain

import (
	"sync"
	"time"
)

// WorkQueue is a mutex-guarded FIFO of work items. The scheduler and the
// workers poll it at a fixed cadence; there are no blocking waits, so a
// queue can be handed between workers without waking anyone.
type WorkQueue struct {
	mu    sync.Mutex
	items []*WorkItem
}

func NewWorkQueue() *WorkQueue {
	return &WorkQueue{}
}

// Push appends an item at the tail.
func (q *WorkQueue) Push(item *WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

// Pop removes and returns the head item, or nil when the queue is empty.
func (q *WorkQueue) Pop() *WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item
}

// Size returns the number of queued items.
func (q *WorkQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// HeadCreationTime returns the creation time of the head item without
// removing it. ok is false when the queue is empty.
func (q *WorkQueue) HeadCreationTime() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].CreationTime, true
}
