package queue

import (
	"sync"

	"remindcal/internal/model"
)

// DefaultCapacity bounds a queue whose consumer has gone away.
const DefaultCapacity = 256

// Queue is one user's outbound notification buffer. Push never blocks; when
// full the oldest pending event is dropped.
type Queue struct {
	mu       sync.Mutex
	items    []model.OutboundEvent
	capacity int
	dropped  int
	notifyCh chan struct{}
}

// New creates a queue. A non-positive capacity selects DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity: capacity,
		notifyCh: make(chan struct{}, 1),
	}
}

// Push appends ev and reports whether an older event had to be dropped.
func (q *Queue) Push(ev model.OutboundEvent) bool {
	q.mu.Lock()
	dropped := false
	if len(q.items) >= q.capacity {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, ev)
	// Signalled under the lock so that Drain can consume it atomically.
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return dropped
}

// Drain returns all pending events in FIFO order and empties the queue.
func (q *Queue) Drain() []model.OutboundEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.items
	q.items = nil
	// The pending signal refers to the events taken here.
	select {
	case <-q.notifyCh:
	default:
	}
	if out == nil {
		out = []model.OutboundEvent{}
	}
	return out
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many events were discarded due to overflow.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Notify yields a signal when events were pushed since the last Drain; used
// by long-polling consumers.
func (q *Queue) Notify() <-chan struct{} {
	return q.notifyCh
}
