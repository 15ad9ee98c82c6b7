// Package hosts provides the built-in behaviour classes a production can
// name in its items: the inbound HL7 TCP service, the HL7 routing process,
// the outbound HL7 TCP operation and a passthrough relay. A class registry
// maps class names to factories; the engine resolves every item's class when
// it deploys a production, so a typo in class_name fails the deploy instead
// of a running host.
package hosts

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/liaison/archive"
	"github.com/hazyhaar/liaison/broker"
	"github.com/hazyhaar/liaison/config"
	"github.com/hazyhaar/liaison/envelope"
	"github.com/hazyhaar/liaison/host"
	"github.com/hazyhaar/liaison/tracer"
	"github.com/hazyhaar/liaison/wal"
)

// Built-in class names.
const (
	ClassHL7Service   = "hl7.tcp.service"
	ClassHL7Router    = "hl7.router"
	ClassHL7Operation = "hl7.tcp.operation"
	ClassPassthrough  = "passthrough"
)

// Deps is everything a behaviour may need from its production. One value is
// shared by all factories of a project.
type Deps struct {
	Project    string
	Broker     *broker.Broker
	Tracer     *tracer.Tracer
	Log        *wal.Log
	Archive    *archive.Store
	Transforms *Transforms
	Logger     *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Factory builds the behaviour for one configured item.
type Factory func(deps Deps, item *config.Item) (host.Behaviour, error)

// UnknownClassError reports an item class no factory claims.
type UnknownClassError struct {
	Class string
}

func (e *UnknownClassError) Error() string {
	return fmt.Sprintf("hosts: unknown class %q", e.Class)
}

// Registry maps class names to behaviour factories.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]Factory)}
}

// Builtin returns a registry with every built-in class registered. Embedders
// add their own classes on top.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register(ClassHL7Service, NewHL7Service)
	r.Register(ClassHL7Router, NewHL7Router)
	r.Register(ClassHL7Operation, NewHL7Operation)
	r.Register(ClassPassthrough, NewPassthrough)
	return r
}

// Register binds a class name to a factory, replacing any previous binding.
func (r *Registry) Register(class string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[class] = f
}

// New builds the behaviour for the item's class.
func (r *Registry) New(deps Deps, item *config.Item) (host.Behaviour, error) {
	r.mu.RLock()
	f, ok := r.classes[item.Class]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownClassError{Class: item.Class}
	}
	return f(deps, item)
}

// Classes returns the registered class names, sorted.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.classes))
	for c := range r.classes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// TransformFunc rewrites an envelope into a derived one. Returning nil
// without an error filters the message out.
type TransformFunc func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)

// Transforms is the registry routing rules resolve transform names against.
type Transforms struct {
	mu     sync.RWMutex
	byName map[string]TransformFunc
}

// NewTransforms returns an empty transform registry.
func NewTransforms() *Transforms {
	return &Transforms{byName: make(map[string]TransformFunc)}
}

// Register binds a transform name, replacing any previous binding.
func (t *Transforms) Register(name string, fn TransformFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byName[name] = fn
}

// Lookup resolves a transform name. Safe on a nil registry.
func (t *Transforms) Lookup(name string) (TransformFunc, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.byName[name]
	return fn, ok
}

// Names returns the registered transform names, sorted.
func (t *Transforms) Names() []string {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.byName))
	for n := range t.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// DecodeAdapter re-encodes the free-form adapter_settings map into a typed
// settings struct. Unknown keys are rejected so misspelt settings fail the
// deploy rather than silently falling back to defaults.
func DecodeAdapter(settings map[string]any, out any) error {
	if len(settings) == 0 {
		return nil
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("adapter settings: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("adapter settings: %w", err)
	}
	return nil
}

// NewPassthrough builds the identity behaviour: envelopes pass through
// unchanged and the host's target list decides where they go next.
func NewPassthrough(Deps, *config.Item) (host.Behaviour, error) {
	return passthrough{}, nil
}

type passthrough struct{}

func (passthrough) Process(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	return env, nil
}
