package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/liaison/broker"
	"github.com/hazyhaar/liaison/config"
	"github.com/hazyhaar/liaison/envelope"
	"github.com/hazyhaar/liaison/hl7"
	"github.com/hazyhaar/liaison/host"
	"github.com/hazyhaar/liaison/hosts"
	"github.com/hazyhaar/liaison/msgstore"
	"github.com/hazyhaar/liaison/observability"
	"github.com/hazyhaar/liaison/tracer"
	"github.com/hazyhaar/liaison/wal"
)

// production is one deployed project: its document, its hosts and the
// broker/tracer pair they share. The broker and registry live as long as
// the production, spanning generations, so in-flight sends resolve across
// a redeploy.
type production struct {
	project string
	eng     *Engine
	reg     *broker.Registry
	brok    *broker.Broker
	trc     *tracer.Tracer
	deps    hosts.Deps
	logger  *slog.Logger

	// opMu serialises control verbs. The supervisor's restart pass takes
	// it with TryLock so an in-flight deploy or stop is never raced.
	opMu sync.Mutex

	mu         sync.Mutex
	doc        *config.Production
	hosts      []*host.Host
	byName     map[string]*host.Host
	generation int
	running    bool
	deployedAt time.Time
	startedAt  time.Time
	supCancel  context.CancelFunc
	supDone    chan struct{}
}

func (e *Engine) newProduction(project string) *production {
	p := &production{
		project: project,
		eng:     e,
		reg:     broker.NewRegistry(),
		logger:  e.logger.With("project", project),
	}
	p.brok = broker.New(project, e.log, p.reg, broker.Options{
		DeadLetter: p.deadLetter,
		Logger:     e.logger,
	})
	p.trc = tracer.New(project, e.writer, tracer.WithLogger(e.logger))
	p.deps = hosts.Deps{
		Project:    project,
		Broker:     p.brok,
		Tracer:     p.trc,
		Log:        e.log,
		Archive:    e.arch,
		Transforms: e.transforms,
		Logger:     e.logger,
	}
	return p
}

func (p *production) gen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// --- deploy ---

func (p *production) deploy(ctx context.Context, doc *config.Production) error {
	hs, byName, err := p.buildHosts(ctx, doc)
	if err != nil {
		p.eng.event(observability.Event{
			Project:  p.project,
			Type:     observability.EventDeployFailed,
			Severity: observability.SeverityError,
			Error:    err.Error(),
		})
		return err
	}

	p.mu.Lock()
	running := p.running
	old := p.hosts
	p.mu.Unlock()

	if running {
		if err := p.swapGenerations(ctx, doc, hs, byName, old); err != nil {
			p.eng.event(observability.Event{
				Project:  p.project,
				Type:     observability.EventDeployFailed,
				Severity: observability.SeverityError,
				Error:    err.Error(),
			})
			return err
		}
	} else {
		p.reg.Swap(bindings(byName))
		p.mu.Lock()
		p.doc = doc
		p.hosts = hs
		p.byName = byName
		p.generation++
		p.deployedAt = p.eng.now()
		p.mu.Unlock()
	}

	p.mu.Lock()
	generation := p.generation
	p.mu.Unlock()
	p.logger.Info("production deployed", "generation", generation, "items", len(hs), "running", running)
	p.eng.event(observability.Event{
		Project: p.project,
		Type:    observability.EventDeploy,
		Detail:  observability.Detail(map[string]any{"generation": generation, "items": len(hs)}),
	})
	return nil
}

// buildHosts constructs and initialises a host per enabled item. Nothing
// starts here; a failure leaves no external resources behind.
func (p *production) buildHosts(ctx context.Context, doc *config.Production) ([]*host.Host, map[string]*host.Host, error) {
	var hs []*host.Host
	byName := make(map[string]*host.Host)
	for _, item := range doc.Items {
		if !item.IsEnabled() {
			continue
		}
		behaviour, err := p.eng.classes.New(p.deps, item)
		if err != nil {
			return nil, nil, fmt.Errorf("item %s: %w", item.Name, err)
		}
		strategy, err := p.eng.strategyFor(item)
		if err != nil {
			return nil, nil, err
		}
		h, err := host.New(host.Config{
			Project:     p.project,
			Item:        item,
			Behaviour:   behaviour,
			Broker:      p.brok,
			Tracer:      p.trc,
			Log:         p.eng.log,
			Strategy:    strategy,
			StrategyFor: p.eng.strategyFor,
			Logger:      p.eng.logger,
			Now:         p.eng.now,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := h.Init(ctx); err != nil {
			return nil, nil, fmt.Errorf("item %s: init: %w", item.Name, err)
		}
		hs = append(hs, h)
		byName[item.Name] = h
	}
	return hs, byName, nil
}

// swapGenerations replaces a running production's hosts with a freshly
// built set. The incoming downstream tiers start first; ingress hands over
// in the middle (old services close their listeners, the registry swaps,
// new services bind); the old internals then drain forward through the
// swapped registry into the new generation. If the new ingress fails to
// bind, the old generation resumes.
func (p *production) swapGenerations(ctx context.Context, doc *config.Production, hs []*host.Host, byName map[string]*host.Host, old []*host.Host) error {
	if err := startTier(ctx, tierOf(hs, config.OperationItem)); err != nil {
		p.stopGeneration(ctx, hs)
		return fmt.Errorf("deploy %s: start operations: %w", p.project, err)
	}
	if err := startTier(ctx, tierOf(hs, config.ProcessItem)); err != nil {
		p.stopGeneration(ctx, hs)
		return fmt.Errorf("deploy %s: start processes: %w", p.project, err)
	}

	// The listeners share ports: old ingress must close before new binds.
	oldSvcs := tierOf(old, config.ServiceItem)
	if err := stopTier(ctx, oldSvcs, drainFor(0)); err != nil {
		p.logger.Warn("deploy: old services stopped with errors", "error", err)
	}

	oldBindings := p.reg.Snapshot()
	p.reg.Swap(bindings(byName))

	if err := startTier(ctx, tierOf(hs, config.ServiceItem)); err != nil {
		p.reg.Swap(oldBindings)
		p.stopGeneration(ctx, hs)
		if rerr := startTier(ctx, oldSvcs); rerr != nil {
			p.logger.Error("deploy rollback: old services did not restart", "error", rerr)
		}
		return fmt.Errorf("deploy %s: start services: %w", p.project, err)
	}

	// Past the swap instant nothing routes to the old hosts any more.
	// Draining their internals pushes what they still hold through the
	// registry into the new generation.
	if err := stopTier(ctx, tierOf(old, config.ProcessItem), drainFor(0)); err != nil {
		p.logger.Warn("deploy: old processes stopped with errors", "error", err)
	}
	if err := stopTier(ctx, tierOf(old, config.OperationItem), drainFor(0)); err != nil {
		p.logger.Warn("deploy: old operations stopped with errors", "error", err)
	}

	now := p.eng.now()
	p.mu.Lock()
	p.doc = doc
	p.hosts = hs
	p.byName = byName
	p.generation++
	p.deployedAt = now
	p.startedAt = now
	p.mu.Unlock()
	return nil
}

// stopGeneration tears down a host set that never took over, newest tier
// first. Hosts that never started stop as a no-op.
func (p *production) stopGeneration(ctx context.Context, hs []*host.Host) {
	for _, t := range []config.ItemType{config.ServiceItem, config.ProcessItem, config.OperationItem} {
		if err := stopTier(ctx, tierOf(hs, t), drainFor(0)); err != nil {
			p.logger.Warn("generation teardown", "tier", string(t), "error", err)
		}
	}
}

// --- start / stop ---

func (p *production) start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	hs := p.hosts
	p.mu.Unlock()

	if err := startTier(ctx, tierOf(hs, config.OperationItem)); err != nil {
		p.stopGeneration(ctx, hs)
		return fmt.Errorf("start %s: operations: %w", p.project, err)
	}
	if err := startTier(ctx, tierOf(hs, config.ProcessItem)); err != nil {
		p.stopGeneration(ctx, hs)
		return fmt.Errorf("start %s: processes: %w", p.project, err)
	}

	// Backlog lands in the queues before ingress opens, so recovered
	// messages keep their place ahead of new traffic.
	p.republish(ctx, p.eng.takeBacklog(p.project))

	if err := startTier(ctx, tierOf(hs, config.ServiceItem)); err != nil {
		p.stopGeneration(ctx, hs)
		return fmt.Errorf("start %s: services: %w", p.project, err)
	}

	p.mu.Lock()
	p.running = true
	p.startedAt = p.eng.now()
	p.mu.Unlock()

	p.startSupervisor()
	p.logger.Info("production started", "items", len(hs))
	p.eng.event(observability.Event{Project: p.project, Type: observability.EventStart})
	return nil
}

func (p *production) stop(ctx context.Context, drain time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	hs := p.hosts
	cancel := p.supCancel
	done := p.supDone
	p.supCancel, p.supDone = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	var errs []error
	for _, t := range []config.ItemType{config.ServiceItem, config.ProcessItem, config.OperationItem} {
		if err := stopTier(ctx, tierOf(hs, t), drainFor(drain)); err != nil {
			errs = append(errs, err)
		}
	}

	p.logger.Info("production stopped")
	p.eng.event(observability.Event{Project: p.project, Type: observability.EventStop})
	return errors.Join(errs...)
}

// --- replay ---

// republish feeds recovered write-ahead records back into the owning
// hosts, oldest first. At-least-once records re-enter the owner's queue in
// state enqueued; at-most-once records park as failed rather than risk a
// duplicate delivery; records whose owner left the configuration dead
// letter.
func (p *production) republish(ctx context.Context, recs []*wal.Record) {
	if len(recs) == 0 {
		return
	}
	p.mu.Lock()
	byName := p.byName
	p.mu.Unlock()

	requeued, parked := 0, 0
	for _, rec := range recs {
		env := rec.Envelope
		if env.DeliveryMode == envelope.AtMostOnce {
			failed := env.WithState(envelope.StateFailed)
			p.appendRecovery(ctx, rec.Owner, failed)
			p.trc.Record(rec.Owner, "", "internal", failed, string(envelope.StateFailed),
				"recovery: at-most-once message not republished")
			parked++
			continue
		}
		h, ok := byName[rec.Owner]
		if !ok {
			dead := env.WithState(envelope.StateDeadLettered)
			p.deadLetter(ctx, dead, fmt.Sprintf("recovery: item %q not in configuration", rec.Owner))
			parked++
			continue
		}
		queued := env.WithState(envelope.StateEnqueued)
		p.appendRecovery(ctx, rec.Owner, queued)
		if err := h.Enqueue(ctx, queued); err != nil {
			if !host.AlreadySettled(err) {
				p.deadLetter(ctx, queued.WithState(envelope.StateDeadLettered),
					"recovery: "+err.Error())
			}
			parked++
			continue
		}
		requeued++
	}
	p.logger.Info("backlog republished", "requeued", requeued, "parked", parked)
}

func (p *production) appendRecovery(ctx context.Context, owner string, env *envelope.Envelope) {
	if err := p.eng.log.Append(ctx, p.project, owner, env); err != nil {
		p.logger.Error("recovery wal append failed", "message_id", env.MessageID, "error", err)
	}
}

// --- dead letters ---

// deadLetter is the broker's terminal tap and the engine's own parking
// path. The envelope arrives already in a terminal state; this writes the
// custody record, traces the visit under the dead-letter destination and
// raises an event.
func (p *production) deadLetter(ctx context.Context, env *envelope.Envelope, reason string) {
	if err := p.eng.log.Append(ctx, p.project, msgstore.DeadLetterDestination, env); err != nil {
		p.logger.Error("dead letter wal append failed", "message_id", env.MessageID, "error", err)
	}

	item, itemType, direction := p.blame(env)
	visit := p.trc.Begin(item, itemType, direction, env)
	visit.SetDestination(msgstore.DeadLetterDestination)
	visit.Note(reason)
	visit.Complete(string(env.State))

	p.eng.event(observability.Event{
		Project:  p.project,
		Item:     item,
		Type:     observability.EventDeadLetter,
		Severity: observability.SeverityWarn,
		Error:    reason,
		Detail: observability.Detail(map[string]string{
			"message_id":  env.MessageID,
			"destination": env.Routing.Destination,
		}),
	})
}

// blame resolves the item a dead letter is charged to: the destination
// that refused it, else the source that produced it.
func (p *production) blame(env *envelope.Envelope) (item, itemType, direction string) {
	item = env.Routing.Destination
	if item == "" {
		item = env.Routing.Source
	}
	direction = "internal"
	p.mu.Lock()
	doc := p.doc
	p.mu.Unlock()
	if doc != nil {
		if it := doc.Item(item); it != nil {
			itemType = string(it.Type)
			direction = it.Type.Direction()
		}
	}
	return item, itemType, direction
}

// --- reload ---

func (p *production) reloadItem(ctx context.Context, name string, patch *config.ItemPatch) error {
	p.mu.Lock()
	h, ok := p.byName[name]
	doc := p.doc
	p.mu.Unlock()
	if !ok {
		return &UnknownItemError{Project: p.project, Item: name}
	}

	// Validate the document as it will stand, so a patch cannot smuggle
	// in a dangling target or a broken rule set.
	next := doc.Item(name).Apply(patch)
	trial := doc.Clone()
	for i := range trial.Items {
		if trial.Items[i].Name == name {
			trial.Items[i] = next
		}
	}
	if err := trial.Validate(); err != nil {
		return err
	}

	if err := h.Reload(ctx, next); err != nil {
		p.eng.event(observability.Event{
			Project:  p.project,
			Item:     name,
			Type:     observability.EventReload,
			Severity: observability.SeverityError,
			Error:    err.Error(),
		})
		return err
	}

	p.mu.Lock()
	p.doc = trial
	p.mu.Unlock()

	p.logger.Info("item reloaded", "item", name)
	p.eng.event(observability.Event{Project: p.project, Item: name, Type: observability.EventReload})
	return nil
}

// --- test send ---

// TestSendResult is what an operator gets back from an inline test send.
type TestSendResult struct {
	SessionID string             `json:"session_id"`
	Reply     *envelope.Envelope `json:"reply,omitempty"`
}

func (p *production) testSend(ctx context.Context, name string, raw []byte) (*TestSendResult, error) {
	p.mu.Lock()
	h, ok := p.byName[name]
	p.mu.Unlock()
	if !ok {
		return nil, &UnknownItemError{Project: p.project, Item: name}
	}
	item := h.Item()
	if item.Type != config.OperationItem {
		return nil, fmt.Errorf("engine: test send targets outbound items; %s is a %s", name, item.Type)
	}

	session := p.trc.NewTestSession()
	env := testEnvelope(raw).WithSession(session).WithSource(broker.SystemSender).WithDestination(name)

	visit := p.trc.Begin(name, string(item.Type), "outbound", env)
	reply, err := h.ProcessInline(tracer.ContextWithVisit(ctx, visit), env)
	if err != nil {
		visit.Fail(err)
		p.eng.event(observability.Event{
			Project:  p.project,
			Item:     name,
			Type:     observability.EventTestSend,
			Severity: observability.SeverityError,
			Error:    err.Error(),
			Detail:   observability.Detail(map[string]string{"session_id": session}),
		})
		return &TestSendResult{SessionID: session}, err
	}
	visit.Complete(string(envelope.StateDelivered))

	p.eng.event(observability.Event{
		Project: p.project,
		Item:    name,
		Type:    observability.EventTestSend,
		Detail:  observability.Detail(map[string]string{"session_id": session}),
	})
	return &TestSendResult{SessionID: session, Reply: reply}, nil
}

// testEnvelope wraps raw operator input the way ingress would wrap it off
// the wire, so the operation sees a normal message.
func testEnvelope(raw []byte) *envelope.Envelope {
	msg, err := hl7.Parse(raw)
	if err != nil {
		return envelope.New("HL7.unparseable", envelope.NewPayload(raw, "", "")).
			WithBodyClass("bytes.Raw")
	}
	msgType := msg.MessageType()
	schema := strings.ReplaceAll(msgType, "^", "_")
	if v := msg.Version(); v != "" {
		schema = v + ":" + schema
	}
	return envelope.New(msgType, envelope.NewPayload(raw, schema, "urn:hl7-org:v2")).
		WithBodyClass("hl7.Message")
}

// --- health ---

func (p *production) health() *Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := &Health{
		Project:    p.project,
		Running:    p.running,
		Generation: p.generation,
		DeployedAt: p.deployedAt,
		StartedAt:  p.startedAt,
	}
	for _, h := range p.hosts {
		out.Hosts = append(out.Hosts, h.Health())
	}
	return out
}

// --- tiers ---

func tierOf(hs []*host.Host, t config.ItemType) []*host.Host {
	var out []*host.Host
	for _, h := range hs {
		if h.Item().Type == t {
			out = append(out, h)
		}
	}
	return out
}

func startTier(ctx context.Context, hs []*host.Host) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range hs {
		h := h
		g.Go(func() error { return h.Start(gctx) })
	}
	return g.Wait()
}

func stopTier(ctx context.Context, hs []*host.Host, drain func(*host.Host) time.Duration) error {
	var g errgroup.Group
	for _, h := range hs {
		h := h
		g.Go(func() error { return h.Stop(ctx, drain(h)) })
	}
	return g.Wait()
}

// drainFor picks the drain budget per host: the verb's override when set,
// the item's own drain_timeout otherwise.
func drainFor(override time.Duration) func(*host.Host) time.Duration {
	return func(h *host.Host) time.Duration {
		if override > 0 {
			return override
		}
		return h.Item().Host.DrainTimeout.Std()
	}
}

func bindings(byName map[string]*host.Host) map[string]broker.Target {
	out := make(map[string]broker.Target, len(byName))
	for name, h := range byName {
		out[name] = h
	}
	return out
}
