// Package queue provides the bounded message queues hosts consume from.
// Four disciplines share one implementation: FIFO (insertion order), Priority
// (envelope priority, then insertion), LIFO (reverse insertion) and Unordered
// (unspecified, cheapest).
//
// All operations are safe for concurrent producers and consumers. Dequeue and
// Enqueue block with context cancellation; TryEnqueue never blocks. Overflow
// policy is the caller's business; the queue only reports fullness and can
// evict its oldest entry on request.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/hazyhaar/liaison/envelope"
)

// Kind selects the queue discipline.
type Kind string

const (
	FIFO      Kind = "fifo"
	Priority  Kind = "priority"
	LIFO      Kind = "lifo"
	Unordered Kind = "unordered"
)

// ParseKind maps a config string to a Kind. Empty means FIFO.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", FIFO:
		return FIFO, nil
	case Priority, LIFO, Unordered:
		return Kind(s), nil
	}
	return FIFO, fmt.Errorf("queue: unknown queue type %q", s)
}

// DefaultCapacity bounds queues whose config leaves queue_size unset.
const DefaultCapacity = 1000

// FullError reports an enqueue refused because the queue is at capacity.
type FullError struct {
	Capacity int
}

func (e *FullError) Error() string {
	return fmt.Sprintf("queue: full (capacity %d)", e.Capacity)
}

// ClosedError reports an operation on a closed queue.
type ClosedError struct{}

func (e *ClosedError) Error() string { return "queue: closed" }

type entry struct {
	env *envelope.Envelope
	seq uint64
}

// Queue is one bounded, discipline-ordered message queue.
type Queue struct {
	mu     sync.Mutex
	kind   Kind
	cap    int
	seq    uint64
	items  []entry
	closed bool
	// changed is closed and replaced on every mutation so blocked producers
	// and consumers can re-check state without lost wakeups.
	changed chan struct{}
}

// New creates a queue. A non-positive capacity falls back to DefaultCapacity.
func New(kind Kind, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		kind:    kind,
		cap:     capacity,
		changed: make(chan struct{}),
	}
}

// Kind returns the discipline.
func (q *Queue) Kind() Kind { return q.kind }

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return q.cap }

// Len returns the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) bumpLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// TryEnqueue inserts without blocking. Returns *FullError at capacity and
// *ClosedError after Close.
func (q *Queue) TryEnqueue(env *envelope.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(env)
}

func (q *Queue) enqueueLocked(env *envelope.Envelope) error {
	if q.closed {
		return &ClosedError{}
	}
	if len(q.items) >= q.cap {
		return &FullError{Capacity: q.cap}
	}
	q.seq++
	e := entry{env: env, seq: q.seq}
	if q.kind == Priority {
		heap.Push((*prioHeap)(q), e)
	} else {
		q.items = append(q.items, e)
	}
	q.bumpLocked()
	return nil
}

// Enqueue inserts, blocking while the queue is full. Returns ctx.Err() on
// cancellation and *ClosedError after Close. This is the "block" overflow
// policy: back-pressure propagates to the producer.
func (q *Queue) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	for {
		q.mu.Lock()
		err := q.enqueueLocked(env)
		if _, full := err.(*FullError); err == nil || !full {
			q.mu.Unlock()
			return err
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Dequeue removes the next item per the discipline, blocking while empty.
// A closed queue keeps serving its remaining items; once drained it returns
// *ClosedError.
func (q *Queue) Dequeue(ctx context.Context) (*envelope.Envelope, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.popLocked()
			q.bumpLocked()
			q.mu.Unlock()
			return env, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, &ClosedError{}
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// TryDequeue removes the next item without blocking.
func (q *Queue) TryDequeue() (*envelope.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	env := q.popLocked()
	q.bumpLocked()
	return env, true
}

func (q *Queue) popLocked() *envelope.Envelope {
	switch q.kind {
	case Priority:
		return heap.Pop((*prioHeap)(q)).(entry).env
	case LIFO:
		last := len(q.items) - 1
		env := q.items[last].env
		q.items[last] = entry{}
		q.items = q.items[:last]
		return env
	case Unordered:
		// Swap-remove: order deliberately unspecified, removal always O(1).
		last := len(q.items) - 1
		env := q.items[0].env
		q.items[0] = q.items[last]
		q.items[last] = entry{}
		q.items = q.items[:last]
		return env
	default: // FIFO
		env := q.items[0].env
		q.items[0] = entry{}
		q.items = q.items[1:]
		return env
	}
}

// EvictOldest removes and returns the oldest-inserted entry regardless of
// discipline. Used by the drop_oldest overflow policy; the caller owns the
// evictee's dead-lettering.
func (q *Queue) EvictOldest() (*envelope.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	oldest := 0
	for i := 1; i < len(q.items); i++ {
		if q.items[i].seq < q.items[oldest].seq {
			oldest = i
		}
	}
	env := q.items[oldest].env
	if q.kind == Priority {
		heap.Remove((*prioHeap)(q), oldest)
	} else {
		q.items = append(q.items[:oldest], q.items[oldest+1:]...)
	}
	q.bumpLocked()
	return env, true
}

// Drain removes every queued item without blocking. Used to transfer contents
// when a reload resizes the queue.
func (q *Queue) Drain() []*envelope.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*envelope.Envelope, 0, len(q.items))
	for len(q.items) > 0 {
		out = append(out, q.popLocked())
	}
	q.bumpLocked()
	return out
}

// Close rejects further enqueues and wakes every blocked producer and
// consumer. Items already queued remain dequeueable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.bumpLocked()
}

// prioHeap adapts Queue.items to container/heap: higher envelope priority
// first, insertion order within a priority level.
type prioHeap Queue

func (h *prioHeap) Len() int { return len(h.items) }

func (h *prioHeap) Less(i, j int) bool {
	if h.items[i].env.Priority != h.items[j].env.Priority {
		return h.items[i].env.Priority > h.items[j].env.Priority
	}
	return h.items[i].seq < h.items[j].seq
}

func (h *prioHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *prioHeap) Push(x any) { h.items = append(h.items, x.(entry)) }

func (h *prioHeap) Pop() any {
	last := len(h.items) - 1
	e := h.items[last]
	h.items[last] = entry{}
	h.items = h.items[:last]
	return e
}
