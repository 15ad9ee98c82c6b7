package broker

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/hazyhaar/liaison/envelope"
)

// Target is the broker's view of a host: somewhere a message can be enqueued
// and, for synchronous sends, the table where the host's pending requests
// wait for resolution.
type Target interface {
	Name() string
	// Enqueue admits the envelope under the host's overflow policy.
	Enqueue(ctx context.Context, env *envelope.Envelope) error
	// Pending is the host's correlation-id → response-slot table.
	Pending() *Slots
	// Synchronous reports whether producers should await a response from
	// this host (sync_reliable / concurrent_sync messaging patterns).
	Synchronous() bool
}

// Registry resolves item names to live targets. Lookups happen on every send,
// so reads are a single atomic load; deployments publish a whole new binding
// map in one store, which is the generation-swap instant: after it, no sender
// can resolve a previous-generation host by name.
type Registry struct {
	v atomic.Value // map[string]Target
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.v.Store(map[string]Target{})
	return r
}

// Lookup resolves a target by item name.
func (r *Registry) Lookup(name string) (Target, bool) {
	m := r.v.Load().(map[string]Target)
	t, ok := m[name]
	return t, ok
}

// Swap atomically publishes a new binding map. The map is copied; the caller
// may keep mutating its own.
func (r *Registry) Swap(bindings map[string]Target) {
	m := make(map[string]Target, len(bindings))
	for name, t := range bindings {
		m[name] = t
	}
	r.v.Store(m)
}

// Snapshot returns a copy of the current bindings.
func (r *Registry) Snapshot() map[string]Target {
	m := r.v.Load().(map[string]Target)
	out := make(map[string]Target, len(m))
	for name, t := range m {
		out[name] = t
	}
	return out
}

// Names returns the registered item names, sorted.
func (r *Registry) Names() []string {
	m := r.v.Load().(map[string]Target)
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
