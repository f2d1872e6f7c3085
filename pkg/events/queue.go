package events

import (
	"sync"
)

// Queue is an ordered, unbounded delivery channel between a run's producer
// and its consumer. Push never blocks the producer; Out delivers events in
// push order. After Close, the remaining buffered events are delivered and
// Out is closed.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     []Event
	closed  bool
	out     chan Event
	stopped chan struct{}
	once    sync.Once
}

func NewQueue() *Queue {
	q := &Queue{
		out:     make(chan Event),
		stopped: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// Push appends e. It reports false if the queue is already closed.
func (q *Queue) Push(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.buf = append(q.buf, e)
	q.cond.Signal()
	return true
}

// Close stops accepting events. Already pushed events are still delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

// Abandon discards undelivered events and closes Out once the consumer has
// gone away.
func (q *Queue) Abandon() {
	q.once.Do(func() { close(q.stopped) })
	q.mu.Lock()
	q.closed = true
	q.buf = nil
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *Queue) Out() <-chan Event {
	return q.out
}

// Len returns the number of buffered, undelivered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *Queue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.buf) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.buf) == 0 {
			q.mu.Unlock()
			return
		}
		e := q.buf[0]
		q.buf[0] = nil
		q.buf = q.buf[1:]
		q.mu.Unlock()

		select {
		case q.out <- e:
		case <-q.stopped:
			return
		}
	}
}
