// Package broker moves envelopes between hosts by name. Every send is logged
// to the write-ahead log before it touches a queue, so a crash between hosts
// loses nothing. The broker also enforces the hop ceiling that turns routing
// loops into dead letters instead of infinite traffic.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/liaison/envelope"
	"github.com/hazyhaar/liaison/idgen"
	"github.com/hazyhaar/liaison/wal"
)

// DefaultMaxHops bounds re-enqueues per message before dead-lettering.
const DefaultMaxHops = 16

// SystemSender is the source name used for sends that originate outside any
// host: operator test sends, replay republication.
const SystemSender = "__system__"

// UnknownTargetError reports a send to an item name with no live binding.
type UnknownTargetError struct {
	Target string
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("broker: unknown target %q", e.Target)
}

// LoopError reports an envelope that hit the hop ceiling.
type LoopError struct {
	Target string
	Hops   int
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("broker: loop detected after %d hops (target %q)", e.Hops, e.Target)
}

// TimeoutError reports a synchronous send whose response never arrived.
type TimeoutError struct {
	Target        string
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("broker: no response from %q within %s (correlation %s)", e.Target, e.Timeout, e.CorrelationID)
}

// DeadLetteredError resolves the slot of a synchronous sender whose request
// was parked before any worker consumed it.
type DeadLetteredError struct {
	MessageID string
	Reason    string
}

func (e *DeadLetteredError) Error() string {
	return fmt.Sprintf("broker: message %s dead-lettered: %s", e.MessageID, e.Reason)
}

// DeadLetterFunc parks an undeliverable envelope. The engine wires this to
// the WAL, the trace store and the audit trail; the envelope arrives with its
// final state already set.
type DeadLetterFunc func(ctx context.Context, env *envelope.Envelope, reason string)

// Options configures a Broker.
type Options struct {
	// MaxHops dead-letters envelopes whose hop count reaches this value.
	MaxHops int
	// DeadLetter receives undeliverable envelopes. Nil means log-only.
	DeadLetter DeadLetterFunc
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// NewCorrelationID defaults to idgen.Correlation.
	NewCorrelationID idgen.Generator
}

func (o *Options) defaults() {
	if o.MaxHops <= 0 {
		o.MaxHops = DefaultMaxHops
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.NewCorrelationID == nil {
		o.NewCorrelationID = idgen.Correlation
	}
}

// Broker routes envelopes for one project.
type Broker struct {
	project string
	log     *wal.Log
	reg     *Registry
	opts    Options
	// system holds pending slots for senders that are not hosts.
	system *Slots
}

// New creates a broker over the project's WAL and registry.
func New(project string, log *wal.Log, reg *Registry, opts Options) *Broker {
	opts.defaults()
	return &Broker{
		project: project,
		log:     log,
		reg:     reg,
		opts:    opts,
		system:  NewSlots(),
	}
}

// Project returns the project this broker serves.
func (b *Broker) Project() string { return b.project }

// Registry returns the live binding table.
func (b *Broker) Registry() *Registry { return b.reg }

// Synchronous reports whether the named target expects its producers to wait
// for a response. Unknown targets read as asynchronous; the send itself will
// surface the binding error.
func (b *Broker) Synchronous(target string) bool {
	t, ok := b.reg.Lookup(target)
	return ok && t.Synchronous()
}

// SendAsync logs the envelope as enqueued and admits it to the target's
// queue. The returned envelope is the routed copy (source, destination and
// hop count stamped). Fire-and-forget: delivery outcome is the consumer's
// story, durability is guaranteed here.
func (b *Broker) SendAsync(ctx context.Context, from, target string, env *envelope.Envelope) (*envelope.Envelope, error) {
	routed, t, err := b.route(ctx, from, target, env)
	if err != nil {
		return nil, err
	}
	routed = routed.WithState(envelope.StateEnqueued)
	if err := b.log.Append(ctx, b.project, target, routed); err != nil {
		return nil, err
	}
	if err := t.Enqueue(ctx, routed); err != nil {
		return nil, err
	}
	return routed, nil
}

// SendSync logs and enqueues like SendAsync, then blocks until the consuming
// worker resolves the sender's response slot, the timeout lapses, or ctx
// ends. The request is logged as awaiting_reply: still live, so a crash
// before the response replays it to the target.
func (b *Broker) SendSync(ctx context.Context, from, target string, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	routed, t, err := b.route(ctx, from, target, env)
	if err != nil {
		return nil, err
	}

	// Every hop waits on its own correlation id. Reusing the inbound id
	// would overwrite the upstream waiter's slot when a request is
	// forwarded along a synchronous chain.
	cid := b.opts.NewCorrelationID()
	routed = routed.WithCorrelation(cid, true).WithState(envelope.StateAwaitingReply)

	slots := b.slotsFor(from)
	resultCh := slots.Add(cid)

	if err := b.log.Append(ctx, b.project, target, routed); err != nil {
		slots.Cancel(cid)
		return nil, err
	}
	if err := t.Enqueue(ctx, routed); err != nil {
		slots.Cancel(cid)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-resultCh:
		return r.Env, r.Err
	case <-timer.C:
		slots.Cancel(cid)
		return nil, &TimeoutError{Target: target, CorrelationID: cid, Timeout: timeout}
	case <-ctx.Done():
		slots.Cancel(cid)
		return nil, ctx.Err()
	}
}

// SendResponse resolves the slot a synchronous sender is waiting on. The
// request envelope names the sender in routing.source; a false return means
// the waiter is gone (timed out, or its host left with an old generation).
func (b *Broker) SendResponse(request *envelope.Envelope, result *envelope.Envelope, rerr error) bool {
	if request.CorrelationID == "" {
		return false
	}
	slots := b.slotsFor(request.Routing.Source)
	ok := slots.Resolve(request.CorrelationID, Result{Env: result, Err: rerr})
	if !ok {
		b.opts.Logger.Debug("broker: no waiter for response",
			"correlation_id", request.CorrelationID, "source", request.Routing.Source)
	}
	return ok
}

// DeadLetter parks an envelope that cannot continue. The caller sets the
// envelope's final state; the reason is recorded alongside. If a synchronous
// sender is still waiting on the envelope, its slot resolves immediately with
// a *DeadLetteredError instead of running out the timeout.
func (b *Broker) DeadLetter(ctx context.Context, env *envelope.Envelope, reason string) {
	b.opts.Logger.Warn("broker: dead letter",
		"message_id", env.MessageID, "reason", reason,
		"source", env.Routing.Source, "destination", env.Routing.Destination)
	if env.Routing.ReplyExpected && env.CorrelationID != "" {
		b.SendResponse(env, nil, &DeadLetteredError{MessageID: env.MessageID, Reason: reason})
	}
	if b.opts.DeadLetter != nil {
		b.opts.DeadLetter(ctx, env, reason)
	}
}

// route stamps addressing and enforces binding and hop invariants.
func (b *Broker) route(ctx context.Context, from, target string, env *envelope.Envelope) (*envelope.Envelope, Target, error) {
	t, ok := b.reg.Lookup(target)
	if !ok {
		dead := env.WithSource(from).WithDestination(target).WithState(envelope.StateDeadLettered)
		b.DeadLetter(ctx, dead, "unknown target "+target)
		return nil, nil, &UnknownTargetError{Target: target}
	}

	routed := env.WithSource(from).WithDestination(target).WithHop()
	if routed.Routing.HopCount >= b.opts.MaxHops {
		dead := routed.WithState(envelope.StateDeadLettered)
		b.DeadLetter(ctx, dead, fmt.Sprintf("loop detected: hop count %d", routed.Routing.HopCount))
		return nil, nil, &LoopError{Target: target, Hops: routed.Routing.HopCount}
	}
	return routed, t, nil
}

func (b *Broker) slotsFor(source string) *Slots {
	if t, ok := b.reg.Lookup(source); ok {
		return t.Pending()
	}
	return b.system
}
