package eventqueue

import "sync"

// EventQueue is a FIFO of pooled Event objects backed by a free-list (spec
// §4.3). The free-list and the queue are protected by separate mutexes
// whose critical sections cover only the pop/push itself, matching spec
// §5's shared-resource policy.
type EventQueue struct {
	freeMu sync.Mutex
	free   *Event

	queueMu sync.Mutex
	head    *Event
	tail    *Event
	count   int
}

func NewEventQueue() *EventQueue {
	return &EventQueue{}
}

// Acquire pops an Event from the free-list, or allocates a new one if the
// free-list is empty.
func (q *EventQueue) Acquire() *Event {
	q.freeMu.Lock()
	e := q.free
	if e != nil {
		q.free = e.next
	}
	q.freeMu.Unlock()

	if e == nil {
		e = &Event{}
	} else {
		e.next = nil
	}
	return e
}

// Enqueue appends e to the tail of the queue.
func (q *EventQueue) Enqueue(e *Event) {
	e.next = nil

	q.queueMu.Lock()
	defer q.queueMu.Unlock()

	if q.tail == nil {
		q.head = e
	} else {
		q.tail.next = e
	}
	q.tail = e
	q.count++
}

// Drain detaches the entire current queue and returns its events as a
// slice, leaving the queue empty. Callers should process and Release each
// event.
func (q *EventQueue) Drain() []*Event {
	q.queueMu.Lock()
	head := q.head
	n := q.count
	q.head = nil
	q.tail = nil
	q.count = 0
	q.queueMu.Unlock()

	if head == nil {
		return nil
	}

	out := make([]*Event, 0, n)
	for e := head; e != nil; {
		next := e.next
		e.next = nil
		out = append(out, e)
		e = next
	}
	return out
}

// Len reports the number of events currently queued.
func (q *EventQueue) Len() int {
	q.queueMu.Lock()
	defer q.queueMu.Unlock()
	return q.count
}

// Release clears e's reference fields and returns it to the free-list. e
// must not be used again after Release.
func (q *EventQueue) Release(e *Event) {
	if e == nil {
		return
	}
	e.reset()

	q.freeMu.Lock()
	e.next = q.free
	q.free = e
	q.freeMu.Unlock()
}
