package beacon

import "sync"

// Queue is a thread-safe FIFO of QueuedEvent items. Drain hands the whole
// backing slice to the caller and starts a fresh one, so a flush never
// copies or races with later enqueues.
type Queue struct {
	mu     sync.Mutex
	events []QueuedEvent
}

// NewQueue creates and returns a new empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue adds an event to the end of the queue and returns the new length.
func (q *Queue) Enqueue(event QueuedEvent) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, event)
	return len(q.events)
}

// Drain removes and returns every queued event, preserving order.
func (q *Queue) Drain() []QueuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.events
	q.events = nil
	return events
}

// IsEmpty reports whether the queue has no elements.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// Len returns the number of events currently in the queue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
