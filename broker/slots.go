package broker

import (
	"sync"

	"github.com/hazyhaar/liaison/envelope"
)

// Result is what a synchronous sender gets back: the responder's envelope or
// the error that ended processing.
type Result struct {
	Env *envelope.Envelope
	Err error
}

// Slots is a correlation-id keyed table of pending synchronous requests.
// Each host owns one; the broker resolves a slot when the worker that
// consumed the request produces its result.
type Slots struct {
	mu sync.Mutex
	m  map[string]chan Result
}

// NewSlots returns an empty slot table.
func NewSlots() *Slots {
	return &Slots{m: make(map[string]chan Result)}
}

// Add allocates a slot for the correlation id and returns the channel the
// result will arrive on. Adding an id twice replaces the old slot; the
// previous waiter would never have been resolved anyway.
func (s *Slots) Add(id string) <-chan Result {
	ch := make(chan Result, 1)
	s.mu.Lock()
	s.m[id] = ch
	s.mu.Unlock()
	return ch
}

// Resolve delivers the result to the slot's waiter and removes the slot.
// Returns false when no slot exists, which happens when the waiter already
// timed out or the correlation id is stale.
func (s *Slots) Resolve(id string, r Result) bool {
	s.mu.Lock()
	ch, ok := s.m[id]
	if ok {
		delete(s.m, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- r // cap 1, never blocks
	return true
}

// Cancel removes a slot without resolving it. Callers use it after a timeout
// so a late response finds nothing instead of a dead channel.
func (s *Slots) Cancel(id string) {
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

// Len returns the number of pending slots.
func (s *Slots) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
