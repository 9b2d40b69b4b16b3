// Package queue is the bounded handoff between Policy admission and the
// relay fan-out consumer. Admission never blocks: a full queue refuses,
// and the caller maps the refusal to backpressure.
package queue

import (
	"sync"

	"github.com/relaymesh/gatehouse/pkg/intent"
)

// Queue is a fixed-capacity FIFO of admitted intents.
type Queue struct {
	mu       sync.Mutex
	items    []*intent.Record
	capacity int
	onDepth  func(depth int)
}

// Option configures a Queue.
type Option func(*Queue)

// WithDepthHook registers a callback invoked with the new depth after
// every enqueue and dequeue. Used to drive the queue-depth gauge.
func WithDepthHook(fn func(depth int)) Option {
	return func(q *Queue) { q.onDepth = fn }
}

func New(capacity int, opts ...Option) *Queue {
	q := &Queue{capacity: capacity}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Capacity returns the configured bound. A non-positive capacity admits
// nothing.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Enqueue appends rec unless the queue is full. The error return is always
// nil here; it exists so fallible backends can share the call shape.
func (q *Queue) Enqueue(rec *intent.Record) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity <= 0 || len(q.items) >= q.capacity {
		return false, nil
	}
	q.items = append(q.items, rec)
	q.notifyLocked()
	return true, nil
}

// Dequeue pops the oldest admitted intent.
func (q *Queue) Dequeue() (*intent.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	rec := q.items[0]
	q.items = q.items[1:]
	q.notifyLocked()
	return rec, true
}

// Depth returns the current number of queued intents.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) notifyLocked() {
	if q.onDepth != nil {
		q.onDepth(len(q.items))
	}
}
