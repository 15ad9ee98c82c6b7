// Package host runs one configured item: a behaviour (the class-specific
// logic) wrapped in the machinery every item shares. The host owns the
// item's queue, its worker pool, its response-slot table and its lifecycle
// state; the behaviour only sees envelopes.
//
// Lifecycle: initialising -> starting -> running <-> paused -> stopping ->
// stopped, with error reachable from any running state. Reload pauses,
// drains in-flight work, releases the behaviour's adapters, applies the new
// item settings and brings the pool back up; the queue and pending slots
// survive the cycle.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/liaison/broker"
	"github.com/hazyhaar/liaison/config"
	"github.com/hazyhaar/liaison/envelope"
	"github.com/hazyhaar/liaison/queue"
	"github.com/hazyhaar/liaison/runner"
	"github.com/hazyhaar/liaison/tracer"
	"github.com/hazyhaar/liaison/wal"
)

// State is a host's lifecycle phase.
type State string

const (
	StateInitialising State = "initialising"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateError        State = "error"
)

// Behaviour is the class-specific logic of an item. Process handles one
// envelope and returns the result envelope (for a pass-through item, the
// input itself).
type Behaviour interface {
	Process(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)
}

// Optional behaviour hooks. The host type-asserts for each at the relevant
// lifecycle point; behaviours implement only what they need.
type (
	// Initialiser runs once before the first start.
	Initialiser interface {
		OnInit(ctx context.Context) error
	}
	// Starter acquires external resources (listeners, connections).
	Starter interface {
		OnStart(ctx context.Context) error
	}
	// Quiescer stops intake before the worker drain. Ingress behaviours
	// close their listeners here so the drain sees a bounded backlog.
	Quiescer interface {
		OnQuiesce(ctx context.Context) error
	}
	// Stopper releases resources after the workers have stopped. Egress
	// behaviours close their client connections here, not in OnQuiesce,
	// because draining workers still deliver through them.
	Stopper interface {
		OnStop(ctx context.Context) error
	}
	// Reloader receives the new item settings during a reload, between
	// OnStop and OnStart.
	Reloader interface {
		OnReload(item *config.Item) error
	}
	// BeforeHook runs before each process call; it may rewrite the envelope.
	BeforeHook interface {
		OnBeforeProcess(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)
	}
	// AfterHook runs after a successful process call.
	AfterHook interface {
		OnAfterProcess(ctx context.Context, env, result *envelope.Envelope) (*envelope.Envelope, error)
	}
	// ErrorHook intercepts process failures; returning a nil error recovers
	// the message with the hook's result.
	ErrorHook interface {
		OnProcessError(ctx context.Context, env *envelope.Envelope, procErr error) (*envelope.Envelope, error)
	}
	// SelfRouter marks behaviours that deliver their results themselves
	// (routing processes). The worker loop leaves their results alone
	// instead of forwarding to target_config_names.
	SelfRouter interface {
		SelfRouting() bool
	}
	// Addresser exposes the bound network address of a listening behaviour.
	Addresser interface {
		Address() string
	}
	// Supervised behaviours receive a callback for fatal background errors
	// (a died accept loop) so the supervisor can restart the host.
	Supervised interface {
		SetFailure(fn func(error))
	}
)

// ExpiredError reports a message dropped because its TTL elapsed while
// queued.
type ExpiredError struct {
	MessageID string
	ExpiredAt time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("host: message %s expired at %s", e.MessageID, e.ExpiredAt.Format(time.RFC3339))
}

// DownstreamError wraps a failure that a downstream host already accounted
// for (its own failed state, trace row and dead-letter record). Hosts that
// see it propagate the failure without dead-lettering a second time.
type DownstreamError struct {
	Target string
	Err    error
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("host: downstream %s: %v", e.Target, e.Err)
}

func (e *DownstreamError) Unwrap() error { return e.Err }

// Config wires one host.
type Config struct {
	Project   string
	Item      *config.Item
	Behaviour Behaviour
	Broker    *broker.Broker
	Tracer    *tracer.Tracer
	Log       *wal.Log
	// Strategy runs the worker pool. StrategyFor, when set, rebuilds it on
	// reload so execution_mode changes take effect.
	Strategy    runner.Strategy
	StrategyFor func(item *config.Item) (runner.Strategy, error)
	Logger      *slog.Logger
	Now         func() time.Time
}

// Host runs one item. It implements broker.Target.
type Host struct {
	project   string
	behaviour Behaviour
	brok      *broker.Broker
	trc       *tracer.Tracer
	log       *wal.Log
	logger    *slog.Logger
	now       func() time.Time
	slots     *broker.Slots
	met       *Metrics

	strategyFor func(item *config.Item) (runner.Strategy, error)

	mu        sync.Mutex
	item      *config.Item // treated as immutable once applied
	strategy  runner.Strategy
	q         *queue.Queue
	state     State
	stateErr  error
	resumeCh  chan struct{} // non-nil while paused; closed on resume
	runCancel context.CancelFunc
	handles   []runner.Handle
	runSince  time.Time

	inflight atomic.Int64
	restarts atomic.Int32
}

// New builds a host in the initialising state.
func New(cfg Config) (*Host, error) {
	switch {
	case cfg.Item == nil:
		return nil, fmt.Errorf("host: item config is required")
	case cfg.Behaviour == nil:
		return nil, fmt.Errorf("host %s: behaviour is required", cfg.Item.Name)
	case cfg.Broker == nil || cfg.Tracer == nil || cfg.Log == nil:
		return nil, fmt.Errorf("host %s: broker, tracer and log are required", cfg.Item.Name)
	case cfg.Strategy == nil:
		return nil, fmt.Errorf("host %s: strategy is required", cfg.Item.Name)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	kind, err := queue.ParseKind(cfg.Item.Host.QueueType)
	if err != nil {
		return nil, fmt.Errorf("host %s: %w", cfg.Item.Name, err)
	}
	h := &Host{
		project:     cfg.Project,
		behaviour:   cfg.Behaviour,
		brok:        cfg.Broker,
		trc:         cfg.Tracer,
		log:         cfg.Log,
		logger:      cfg.Logger.With("item", cfg.Item.Name),
		now:         cfg.Now,
		slots:       broker.NewSlots(),
		met:         &Metrics{},
		strategyFor: cfg.StrategyFor,
		item:        cfg.Item,
		strategy:    cfg.Strategy,
		q:           queue.New(kind, cfg.Item.Host.QueueSize),
		state:       StateInitialising,
	}
	if s, ok := cfg.Behaviour.(Supervised); ok {
		s.SetFailure(h.fail)
	}
	return h, nil
}

// Name implements broker.Target.
func (h *Host) Name() string { return h.Item().Name }

// Pending implements broker.Target.
func (h *Host) Pending() *broker.Slots { return h.slots }

// Synchronous implements broker.Target.
func (h *Host) Synchronous() bool {
	return config.SynchronousPattern(h.Item().Host.Pattern)
}

// Item returns the current item settings.
func (h *Host) Item() *config.Item {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.item
}

// Behaviour returns the wrapped behaviour.
func (h *Host) Behaviour() Behaviour { return h.behaviour }

// State returns the lifecycle state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the error that moved the host into the error state.
func (h *Host) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateErr
}

// Metrics returns the host's live counters.
func (h *Host) Metrics() *Metrics { return h.met }

// QueueDepth is the number of messages waiting.
func (h *Host) QueueDepth() int {
	h.mu.Lock()
	q := h.q
	h.mu.Unlock()
	return q.Len()
}

// Restarts is the number of supervisor restarts since the last reset.
func (h *Host) Restarts() int { return int(h.restarts.Load()) }

// NoteRestart increments the restart counter; the supervisor calls it after
// a policy-driven reload.
func (h *Host) NoteRestart() { h.restarts.Add(1) }

// ResetRestarts zeroes the restart counter after sustained healthy running.
func (h *Host) ResetRestarts() { h.restarts.Store(0) }

// RunningSince reports when the host last entered the running state.
func (h *Host) RunningSince() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runSince, h.state == StateRunning
}

func (h *Host) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateStopping || h.state == StateStopped {
		return
	}
	h.state = StateError
	h.stateErr = err
	h.logger.Error("host failed", "error", err)
}

// Init runs the behaviour's one-shot initialisation.
func (h *Host) Init(ctx context.Context) error {
	ini, ok := h.behaviour.(Initialiser)
	if !ok {
		return nil
	}
	if err := ini.OnInit(ctx); err != nil {
		h.fail(err)
		return fmt.Errorf("host %s: init: %w", h.Name(), err)
	}
	return nil
}

// Start acquires the behaviour's adapters and launches the worker pool.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	switch h.state {
	case StateInitialising, StateStopped:
	default:
		st := h.state
		h.mu.Unlock()
		return fmt.Errorf("host %s: cannot start from %s", h.Name(), st)
	}
	h.state = StateStarting
	item := h.item
	strategy := h.strategy
	h.mu.Unlock()

	if s, ok := h.behaviour.(Starter); ok {
		if err := s.OnStart(ctx); err != nil {
			h.fail(err)
			return fmt.Errorf("host %s: start: %w", item.Name, err)
		}
	}

	// Workers outlive the deploy call that started them; their context is
	// cut only by Stop or Reload.
	runCtx, cancel := context.WithCancel(context.Background())
	handles, err := strategy.StartWorkers(runCtx, h.effectiveWorkers(item), h.behaviour.Process, h.workerLoop)
	if err != nil {
		cancel()
		h.fail(err)
		return fmt.Errorf("host %s: start workers: %w", item.Name, err)
	}

	h.mu.Lock()
	h.runCancel = cancel
	h.handles = handles
	h.state = StateRunning
	h.stateErr = nil
	h.runSince = h.now()
	h.mu.Unlock()

	h.logger.Info("host started",
		"type", item.Type,
		"class", item.Class,
		"workers", h.effectiveWorkers(item),
		"strategy", strategy.Name(),
		"queue", item.Host.QueueType,
		"pattern", item.Host.Pattern)
	return nil
}

// effectiveWorkers caps the pool at 1 for ordering-sensitive configurations.
func (h *Host) effectiveWorkers(item *config.Item) int {
	if item.Host.Pattern == config.PatternSyncReliable || item.Host.ExecutionMode == config.ExecSingle {
		return 1
	}
	return item.Workers()
}

// Pause gates the workers before their next dequeue. In-flight messages
// complete.
func (h *Host) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateRunning {
		return fmt.Errorf("host %s: cannot pause from %s", h.item.Name, h.state)
	}
	h.state = StatePaused
	h.resumeCh = make(chan struct{})
	return nil
}

// Resume releases paused workers.
func (h *Host) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StatePaused {
		return fmt.Errorf("host %s: cannot resume from %s", h.item.Name, h.state)
	}
	close(h.resumeCh)
	h.resumeCh = nil
	h.state = StateRunning
	h.runSince = h.now()
	return nil
}

func (h *Host) pauseGate() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resumeCh
}

// Stop quiesces intake, lets the workers drain until the queue and in-flight
// work are empty or the timeout lapses, then cancels the pool. Messages left
// behind stay durable in the write-ahead log and are republished on the next
// start.
func (h *Host) Stop(ctx context.Context, timeout time.Duration) error {
	h.mu.Lock()
	if h.state == StateStopped {
		h.mu.Unlock()
		return nil
	}
	if h.runCancel == nil { // never started
		h.state = StateStopped
		h.mu.Unlock()
		return nil
	}
	h.state = StateStopping
	if h.resumeCh != nil { // release paused workers so they can exit
		close(h.resumeCh)
		h.resumeCh = nil
	}
	cancel := h.runCancel
	handles := h.handles
	strategy := h.strategy
	q := h.q
	h.mu.Unlock()

	if qc, ok := h.behaviour.(Quiescer); ok {
		if err := qc.OnQuiesce(ctx); err != nil {
			h.logger.Warn("quiesce failed", "error", err)
		}
	}

	deadline := h.now().Add(timeout)
	for h.now().Before(deadline) && ctx.Err() == nil {
		if q.Len() == 0 && h.inflight.Load() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	grace := deadline.Sub(h.now())
	if grace < 100*time.Millisecond {
		grace = 100 * time.Millisecond
	}
	stopErr := strategy.StopWorkers(handles, grace)

	if s, ok := h.behaviour.(Stopper); ok {
		if err := s.OnStop(ctx); err != nil {
			h.logger.Warn("stop hook failed", "error", err)
		}
	}

	h.mu.Lock()
	h.state = StateStopped
	h.runCancel = nil
	h.handles = nil
	left := h.q.Len()
	h.mu.Unlock()

	h.logger.Info("host stopped", "queued_left", left, "forced", stopErr != nil)
	return stopErr
}

// Reload applies new item settings without losing the queue or the pending
// response slots: pause, drain in-flight work, stop the pool, release
// adapters, swap settings, reacquire, restart the pool.
func (h *Host) Reload(ctx context.Context, item *config.Item) error {
	h.mu.Lock()
	switch h.state {
	case StateRunning:
		h.state = StatePaused
		h.resumeCh = make(chan struct{})
	case StatePaused, StateError:
	default:
		st := h.state
		h.mu.Unlock()
		return fmt.Errorf("host %s: cannot reload from %s", h.item.Name, st)
	}
	old := h.item
	cancel := h.runCancel
	handles := h.handles
	strategy := h.strategy
	h.mu.Unlock()

	drain := old.Host.DrainTimeout.Std()
	deadline := h.now().Add(drain)
	for h.now().Before(deadline) && h.inflight.Load() > 0 && ctx.Err() == nil {
		time.Sleep(10 * time.Millisecond)
	}

	if cancel != nil {
		cancel()
		grace := deadline.Sub(h.now())
		if grace < 100*time.Millisecond {
			grace = 100 * time.Millisecond
		}
		if err := strategy.StopWorkers(handles, grace); err != nil {
			h.logger.Warn("reload: workers forced", "error", err)
		}
	}

	if qc, ok := h.behaviour.(Quiescer); ok {
		if err := qc.OnQuiesce(ctx); err != nil {
			h.logger.Warn("reload: quiesce failed", "error", err)
		}
	}
	if s, ok := h.behaviour.(Stopper); ok {
		if err := s.OnStop(ctx); err != nil {
			h.logger.Warn("reload: stop hook failed", "error", err)
		}
	}

	if err := h.applySettings(ctx, item); err != nil {
		h.fail(err)
		return err
	}

	if r, ok := h.behaviour.(Reloader); ok {
		if err := r.OnReload(item); err != nil {
			h.fail(err)
			return fmt.Errorf("host %s: reload: %w", item.Name, err)
		}
	}
	if s, ok := h.behaviour.(Starter); ok {
		if err := s.OnStart(ctx); err != nil {
			h.fail(err)
			return fmt.Errorf("host %s: reload start: %w", item.Name, err)
		}
	}

	h.mu.Lock()
	strategy = h.strategy
	h.mu.Unlock()
	runCtx, newCancel := context.WithCancel(context.Background())
	newHandles, err := strategy.StartWorkers(runCtx, h.effectiveWorkers(item), h.behaviour.Process, h.workerLoop)
	if err != nil {
		newCancel()
		h.fail(err)
		return fmt.Errorf("host %s: reload workers: %w", item.Name, err)
	}

	h.mu.Lock()
	h.runCancel = newCancel
	h.handles = newHandles
	if h.resumeCh != nil {
		close(h.resumeCh)
		h.resumeCh = nil
	}
	h.state = StateRunning
	h.stateErr = nil
	h.runSince = h.now()
	h.mu.Unlock()

	h.logger.Info("host reloaded", "workers", h.effectiveWorkers(item), "queue_size", item.Host.QueueSize)
	return nil
}

// applySettings swaps the item config and, when the queue shape changed,
// migrates the backlog into a fresh queue.
func (h *Host) applySettings(ctx context.Context, item *config.Item) error {
	var overflow []*envelope.Envelope

	h.mu.Lock()
	if h.strategyFor != nil && item.Host.ExecutionMode != h.item.Host.ExecutionMode {
		st, err := h.strategyFor(item)
		if err != nil {
			h.mu.Unlock()
			return fmt.Errorf("host %s: strategy: %w", item.Name, err)
		}
		h.strategy = st
	}
	if item.Host.QueueType != h.item.Host.QueueType || item.Host.QueueSize != h.item.Host.QueueSize {
		kind, err := queue.ParseKind(item.Host.QueueType)
		if err != nil {
			h.mu.Unlock()
			return fmt.Errorf("host %s: %w", item.Name, err)
		}
		nq := queue.New(kind, item.Host.QueueSize)
		old := h.q
		h.q = nq
		// Producers that raced the swap see ClosedError and retry against
		// the new queue (see Enqueue).
		old.Close()
		for _, env := range old.Drain() {
			if err := nq.TryEnqueue(env); err != nil {
				overflow = append(overflow, env)
			}
		}
	}
	h.item = item
	h.mu.Unlock()

	for _, env := range overflow {
		h.met.addDropped()
		h.brok.DeadLetter(ctx, env.WithState(envelope.StateDeadLettered), "queue resized below backlog")
	}
	return nil
}

// Enqueue implements broker.Target, admitting the envelope under the item's
// overflow strategy.
func (h *Host) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	for {
		h.mu.Lock()
		q := h.q
		policy := h.item.Host.Overflow
		h.mu.Unlock()

		err := h.admit(ctx, q, env, policy)
		var closed *queue.ClosedError
		if errors.As(err, &closed) {
			h.mu.Lock()
			swapped := h.q != q
			h.mu.Unlock()
			if swapped {
				continue // reload replaced the queue mid-enqueue
			}
		}
		if err == nil {
			h.met.addReceived()
		}
		return err
	}
}

func (h *Host) admit(ctx context.Context, q *queue.Queue, env *envelope.Envelope, policy string) error {
	switch policy {
	case config.OverflowBlock:
		return q.Enqueue(ctx, env)

	case config.OverflowReject:
		return q.TryEnqueue(env)

	case config.OverflowDropOldest:
		for {
			err := q.TryEnqueue(env)
			var full *queue.FullError
			if !errors.As(err, &full) {
				return err
			}
			if evicted, ok := q.EvictOldest(); ok {
				h.met.addDropped()
				h.brok.DeadLetter(ctx, evicted.WithState(envelope.StateDeadLettered), "queue overflow: evicted oldest")
			}
		}

	case config.OverflowDropNewest:
		err := q.TryEnqueue(env)
		var full *queue.FullError
		if errors.As(err, &full) {
			h.met.addDropped()
			h.logger.Warn("queue full, dropping newest", "message_id", env.MessageID)
			h.brok.DeadLetter(ctx, env.WithState(envelope.StateDeadLettered), "queue overflow: dropped newest")
			return nil
		}
		return err

	default:
		return q.Enqueue(ctx, env)
	}
}

// workerLoop is the body every strategy runs per worker: gate on pause,
// dequeue, process with hooks, settle the outcome.
func (h *Host) workerLoop(ctx context.Context, w runner.Worker) {
	for {
		if gate := h.pauseGate(); gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return
			}
		}

		h.mu.Lock()
		q := h.q
		h.mu.Unlock()
		env, err := q.Dequeue(ctx)
		if err != nil {
			var closed *queue.ClosedError
			if errors.As(err, &closed) && ctx.Err() == nil {
				// Reload swapped the queue; pick up the new one.
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return
		}

		h.inflight.Add(1)
		h.handleOne(ctx, w, env)
		h.inflight.Add(-1)
	}
}

func (h *Host) handleOne(ctx context.Context, w runner.Worker, env *envelope.Envelope) {
	item := h.Item()
	now := h.now()

	// Processing must survive a pool shutdown (drain) but not run unbounded.
	procCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), item.Host.MessageTimeout.Std())
	defer cancel()

	if env.Expired(now) {
		h.met.addExpired()
		h.appendState(procCtx, env, envelope.StateExpired)
		h.trc.Record(item.Name, string(item.Type), item.Type.Direction(), env, "expired", "ttl elapsed in queue")
		if env.Routing.ReplyExpected {
			h.brok.SendResponse(env, nil, &ExpiredError{MessageID: env.MessageID, ExpiredAt: env.ExpiresAt})
		}
		return
	}

	visit := h.trc.Begin(item.Name, string(item.Type), item.Type.Direction(), env)
	procCtx = tracer.ContextWithVisit(procCtx, visit)
	h.appendState(procCtx, env, envelope.StateProcessing)

	started := h.now()
	result, perr := h.invoke(procCtx, w, env)
	elapsed := h.now().Sub(started)

	if perr != nil {
		h.met.observe(elapsed, true)
		h.settleFailure(procCtx, env, visit, perr)
		return
	}
	h.met.observe(elapsed, false)
	h.settleSuccess(procCtx, env, result, item, visit)
}

// invoke runs the hook chain around the strategy-routed process call.
func (h *Host) invoke(ctx context.Context, w runner.Worker, env *envelope.Envelope) (*envelope.Envelope, error) {
	msg := env
	var err error
	if bh, ok := h.behaviour.(BeforeHook); ok {
		msg, err = bh.OnBeforeProcess(ctx, msg)
		if err != nil {
			return h.recover(ctx, env, err)
		}
	}
	result, err := w.Invoke(ctx, msg)
	if err != nil {
		return h.recover(ctx, msg, err)
	}
	if ah, ok := h.behaviour.(AfterHook); ok {
		result, err = ah.OnAfterProcess(ctx, msg, result)
		if err != nil {
			return h.recover(ctx, msg, err)
		}
	}
	return result, nil
}

func (h *Host) recover(ctx context.Context, env *envelope.Envelope, perr error) (*envelope.Envelope, error) {
	if eh, ok := h.behaviour.(ErrorHook); ok {
		return eh.OnProcessError(ctx, env, perr)
	}
	return nil, perr
}

func (h *Host) settleFailure(ctx context.Context, env *envelope.Envelope, visit *tracer.Visit, perr error) {
	h.appendState(ctx, env, envelope.StateFailed)
	visit.Fail(perr)
	if env.Routing.ReplyExpected {
		h.brok.SendResponse(env, nil, perr)
	}
	// The origin of a failure owns its dead-letter record. Propagated
	// downstream failures and sync timeouts are already settled (or may yet
	// complete) elsewhere.
	if AlreadySettled(perr) {
		return
	}
	h.brok.DeadLetter(ctx, env.WithState(envelope.StateFailed), perr.Error())
}

// AlreadySettled reports whether another host or the broker has dead-lettered
// (or may yet settle) the message behind this error, so the caller must not
// write a second dead-letter record. Behaviours that deliver messages
// themselves apply the same rule the worker loop does.
func AlreadySettled(err error) bool {
	var down *DownstreamError
	var tout *broker.TimeoutError
	var unk *broker.UnknownTargetError
	var loop *broker.LoopError
	var dl *broker.DeadLetteredError
	return errors.As(err, &down) || errors.As(err, &tout) ||
		errors.As(err, &unk) || errors.As(err, &loop) || errors.As(err, &dl)
}

// WrapDownstream classifies a synchronous send failure. Errors the consuming
// host has already recorded against its own copy of the message come back as
// *DownstreamError; failures of the send itself (full queue, binding and hop
// errors, timeout) pass through so the sender settles them as the origin.
func WrapDownstream(target string, err error) error {
	var full *queue.FullError
	var tout *broker.TimeoutError
	var unk *broker.UnknownTargetError
	var loop *broker.LoopError
	if errors.As(err, &full) || errors.As(err, &tout) ||
		errors.As(err, &unk) || errors.As(err, &loop) {
		return fmt.Errorf("send to %s: %w", target, err)
	}
	return &DownstreamError{Target: target, Err: err}
}

func (h *Host) settleSuccess(ctx context.Context, env, result *envelope.Envelope, item *config.Item, visit *tracer.Visit) {
	if env.Routing.ReplyExpected {
		h.brok.SendResponse(env, result, nil)
		h.appendState(ctx, env, envelope.StateDelivered)
		visit.Complete(string(envelope.StateDelivered))
		return
	}

	if sr, ok := h.behaviour.(SelfRouter); ok && sr.SelfRouting() {
		// The behaviour routed (or absorbed) the message itself; forwarded
		// copies already carry live WAL records from the broker.
		status := string(envelope.StateDelivered)
		if result != nil && result.State.Terminal() {
			h.appendState(ctx, result, result.State)
			status = string(result.State)
		}
		visit.Complete(status)
		return
	}

	targets := item.Host.Targets
	if len(targets) == 0 {
		h.appendState(ctx, env, envelope.StateDelivered)
		visit.Complete(string(envelope.StateDelivered))
		return
	}
	h.routeOnward(ctx, env, result, targets, item, visit)
}

// routeOnward forwards the result to the configured targets. The first
// target receives the instance itself (same message_id, so the WAL chain
// stays one line per message); fan-out siblings get derived copies with
// fresh ids and causation back to the original.
func (h *Host) routeOnward(ctx context.Context, env, result *envelope.Envelope, targets []string, item *config.Item, visit *tracer.Visit) {
	out := result
	if out == nil {
		out = env
	}

	var errs []error
	forwardedOriginal := false
	for i, target := range targets {
		msg := out
		if i > 0 {
			msg = out.Derive(out.MessageType, out.Payload.Clone())
		}
		var err error
		if h.brok.Synchronous(target) {
			_, err = h.brok.SendSync(ctx, item.Name, target, msg, item.Host.MessageTimeout.Std())
			if err != nil {
				err = WrapDownstream(target, err)
			}
		} else {
			_, err = h.brok.SendAsync(ctx, item.Name, target, msg)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if i == 0 && msg.MessageID == env.MessageID {
			forwardedOriginal = true
		}
	}

	visit.SetDestination(strings.Join(targets, ","))

	if len(errs) > 0 {
		perr := errors.Join(errs...)
		h.appendState(ctx, env, envelope.StateFailed)
		visit.Fail(perr)
		// Dead-letter here only if some branch failed without anyone else
		// having recorded it.
		for _, err := range errs {
			if !AlreadySettled(err) {
				h.brok.DeadLetter(ctx, env.WithState(envelope.StateFailed), perr.Error())
				break
			}
		}
		return
	}

	if !forwardedOriginal {
		// A transform minted a new instance, or every copy was derived; the
		// input terminates at this host.
		h.appendState(ctx, env, envelope.StateDelivered)
	}
	visit.Complete(string(envelope.StateDelivered))
}

// ProcessInline runs one envelope through the hook chain and behaviour on
// the caller's goroutine, bypassing the queue and the worker strategy. The
// admin test-send path uses it to get a synchronous answer.
func (h *Host) ProcessInline(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	item := h.Item()
	procCtx, cancel := context.WithTimeout(ctx, item.Host.MessageTimeout.Std())
	defer cancel()

	started := h.now()
	result, err := h.invoke(procCtx, inlineWorker{h.behaviour}, env)
	h.met.observe(h.now().Sub(started), err != nil)
	return result, err
}

type inlineWorker struct{ b Behaviour }

func (w inlineWorker) ID() int { return -1 }
func (w inlineWorker) Invoke(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	return w.b.Process(ctx, env)
}

func (h *Host) appendState(ctx context.Context, env *envelope.Envelope, s envelope.State) {
	if err := h.log.Append(ctx, h.project, h.Name(), env.WithState(s)); err != nil {
		h.logger.Error("wal append failed", "message_id", env.MessageID, "state", s, "error", err)
	}
}

// Health is the host's row in the production health snapshot.
type Health struct {
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Class      string          `json:"class"`
	State      string          `json:"state"`
	Error      string          `json:"error,omitempty"`
	Address    string          `json:"address,omitempty"`
	Workers    int             `json:"workers"`
	QueueDepth int             `json:"queue_depth"`
	QueueCap   int             `json:"queue_cap"`
	Pending    int             `json:"pending_requests"`
	Restarts   int             `json:"restarts"`
	Metrics    MetricsSnapshot `json:"metrics"`
}

// Health snapshots the host for operators.
func (h *Host) Health() Health {
	h.mu.Lock()
	item := h.item
	state := h.state
	stateErr := h.stateErr
	q := h.q
	h.mu.Unlock()

	out := Health{
		Name:       item.Name,
		Type:       string(item.Type),
		Class:      item.Class,
		State:      string(state),
		Workers:    h.effectiveWorkers(item),
		QueueDepth: q.Len(),
		QueueCap:   q.Cap(),
		Pending:    h.slots.Len(),
		Restarts:   h.Restarts(),
		Metrics:    h.met.Snapshot(),
	}
	if stateErr != nil {
		out.Error = stateErr.Error()
	}
	if a, ok := h.behaviour.(Addresser); ok {
		out.Address = a.Address()
	}
	return out
}
