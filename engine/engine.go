// Package engine turns production documents into running message flows.
//
// One Engine owns the process-wide durability pair (write-ahead log and
// message-store writer) and any number of deployed productions. Each
// production gets its own broker, registry and tracer; its hosts are built
// from the document's items through a class registry. The control verbs
// map one-to-one onto the admin surface: deploy, start, stop, reload,
// test send, health.
//
// Hosts start in dependency order (operations, then processes, then
// services) so egress is ready before ingress opens, and stop in the
// reverse order with a drain in between. Redeploying a running production
// builds the incoming generation's hosts first and hands ingress over from
// the old generation, so listening ports move without a gap in custody.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/liaison/archive"
	"github.com/hazyhaar/liaison/config"
	"github.com/hazyhaar/liaison/host"
	"github.com/hazyhaar/liaison/hosts"
	"github.com/hazyhaar/liaison/msgstore"
	"github.com/hazyhaar/liaison/observability"
	"github.com/hazyhaar/liaison/runner"
	"github.com/hazyhaar/liaison/wal"
)

// NotDeployedError reports a control verb against a project that has no
// deployed production.
type NotDeployedError struct {
	Project string
}

func (e *NotDeployedError) Error() string {
	return fmt.Sprintf("engine: project %q is not deployed", e.Project)
}

// UnknownItemError reports a control verb against an item name the deployed
// production does not contain.
type UnknownItemError struct {
	Project string
	Item    string
}

func (e *UnknownItemError) Error() string {
	return fmt.Sprintf("engine: project %q has no item %q", e.Project, e.Item)
}

// Config wires an Engine.
type Config struct {
	// Log is the process-wide write-ahead log. Every custody change of
	// every message lands here before anything else happens to it.
	Log *wal.Log
	// Writer is the asynchronous message-store writer the tracers flush
	// visit rows through.
	Writer *msgstore.Writer
	// Classes resolves item class names to behaviours. Defaults to
	// hosts.Builtin().
	Classes *hosts.Registry
	// Transforms backs the routing rules' transform lookups.
	Transforms *hosts.Transforms
	// Archive receives wire captures for items with archive_io enabled.
	Archive *archive.Store
	// Events receives engine lifecycle events (deploys, restarts, dead
	// letters). Optional.
	Events *observability.Recorder
	// Metrics receives periodic per-host samples. Optional.
	Metrics *observability.MetricsManager
	// Backlog is the live record set recovered by the startup replay.
	// Each project's share is republished into its hosts on first start.
	Backlog []*wal.Record
	// SuperviseInterval is the restart-policy polling period. Default 1s.
	SuperviseInterval time.Duration
	// SampleInterval is the metrics sampling period. Default 10s.
	SampleInterval time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Engine hosts deployed productions and answers control verbs.
type Engine struct {
	log            *wal.Log
	writer         *msgstore.Writer
	classes        *hosts.Registry
	transforms     *hosts.Transforms
	arch           *archive.Store
	events         *observability.Recorder
	metrics        *observability.MetricsManager
	superviseEvery time.Duration
	sampleEvery    time.Duration
	logger         *slog.Logger
	now            func() time.Time

	mu       sync.Mutex
	projects map[string]*production
	backlog  map[string][]*wal.Record
	closed   bool
}

// New builds an engine. The write-ahead log and store writer are required;
// everything else has a default or is optional.
func New(cfg Config) (*Engine, error) {
	if cfg.Log == nil || cfg.Writer == nil {
		return nil, fmt.Errorf("engine: write-ahead log and store writer are required")
	}
	if cfg.Classes == nil {
		cfg.Classes = hosts.Builtin()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SuperviseInterval <= 0 {
		cfg.SuperviseInterval = time.Second
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 10 * time.Second
	}

	backlog := make(map[string][]*wal.Record)
	for _, rec := range cfg.Backlog {
		if rec == nil || rec.Envelope == nil {
			continue
		}
		backlog[rec.Project] = append(backlog[rec.Project], rec)
	}

	return &Engine{
		log:            cfg.Log,
		writer:         cfg.Writer,
		classes:        cfg.Classes,
		transforms:     cfg.Transforms,
		arch:           cfg.Archive,
		events:         cfg.Events,
		metrics:        cfg.Metrics,
		superviseEvery: cfg.SuperviseInterval,
		sampleEvery:    cfg.SampleInterval,
		logger:         cfg.Logger,
		now:            cfg.Now,
		projects:       make(map[string]*production),
		backlog:        backlog,
	}, nil
}

// --- control verbs ---

// Deploy validates the document and installs it under its production name.
// A first deploy builds the hosts and leaves them stopped; a redeploy of a
// running production swaps generations without losing custody of queued
// messages. On failure the previous generation, if any, stays active.
func (e *Engine) Deploy(ctx context.Context, doc *config.Production) error {
	if doc == nil || doc.Name == "" {
		return fmt.Errorf("engine: production document without a name")
	}
	if err := doc.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine: closed")
	}
	p, ok := e.projects[doc.Name]
	if !ok {
		p = e.newProduction(doc.Name)
		e.projects[doc.Name] = p
	}
	e.mu.Unlock()

	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.deploy(ctx, doc)
}

// Start brings the project's hosts up in dependency order, republishes any
// write-ahead backlog recovered for it, and begins supervision. Starting a
// running production is a no-op.
func (e *Engine) Start(ctx context.Context, project string) error {
	p, err := e.lookup(project)
	if err != nil {
		return err
	}
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.start(ctx)
}

// Stop quiesces ingress, drains the queues and stops the hosts in reverse
// dependency order. A drain of zero falls back to each item's own
// drain_timeout. Stopping a stopped production is a no-op.
func (e *Engine) Stop(ctx context.Context, project string, drain time.Duration) error {
	p, err := e.lookup(project)
	if err != nil {
		return err
	}
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.stop(ctx, drain)
}

// ReloadItem applies a partial settings patch to one host without touching
// the rest of the production. Messages queued on the host survive the
// reload; the patched document must still validate as a whole.
func (e *Engine) ReloadItem(ctx context.Context, project, item string, patch *config.ItemPatch) error {
	p, err := e.lookup(project)
	if err != nil {
		return err
	}
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.reloadItem(ctx, item, patch)
}

// TestSend pushes a raw message through one operation inline: no queue, no
// write-ahead custody, full tracing under a test session. The reply, if the
// remote sent one, comes back to the caller.
func (e *Engine) TestSend(ctx context.Context, project, item string, raw []byte) (*TestSendResult, error) {
	p, err := e.lookup(project)
	if err != nil {
		return nil, err
	}
	return p.testSend(ctx, item, raw)
}

// Health snapshots one production: running state, generation and a row per
// host.
func (e *Engine) Health(project string) (*Health, error) {
	p, err := e.lookup(project)
	if err != nil {
		return nil, err
	}
	return p.health(), nil
}

// Projects lists the deployed production names, sorted.
func (e *Engine) Projects() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.projects))
	for name, p := range e.projects {
		if p.gen() > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Close stops every running production. The engine accepts no further
// deploys afterwards.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ps := make([]*production, 0, len(e.projects))
	for _, p := range e.projects {
		ps = append(ps, p)
	}
	e.mu.Unlock()

	var errs []error
	for _, p := range ps {
		p.opMu.Lock()
		if err := p.stop(ctx, 0); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", p.project, err))
		}
		p.opMu.Unlock()
	}
	return errors.Join(errs...)
}

// --- internals ---

func (e *Engine) lookup(project string) (*production, error) {
	e.mu.Lock()
	p, ok := e.projects[project]
	e.mu.Unlock()
	if !ok || p.gen() == 0 {
		return nil, &NotDeployedError{Project: project}
	}
	return p, nil
}

// takeBacklog hands out a project's replay records exactly once.
func (e *Engine) takeBacklog(project string) []*wal.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	recs := e.backlog[project]
	delete(e.backlog, project)
	return recs
}

// strategyFor maps an item's execution_mode to a worker-pool strategy. The
// multi-process pool addresses its children by item name, which the worker
// binary resolves against the transform registry.
func (e *Engine) strategyFor(item *config.Item) (runner.Strategy, error) {
	switch item.Host.ExecutionMode {
	case "", config.ExecCooperative:
		return runner.NewCooperative(), nil
	case config.ExecThreaded:
		return runner.NewThreaded(), nil
	case config.ExecSingle:
		return runner.NewSingle(), nil
	case config.ExecMultiProcess:
		return runner.NewMultiProcess(runner.ProcOptions{
			Handler: item.Name,
			Logger:  e.logger,
		}), nil
	default:
		return nil, fmt.Errorf("engine: item %s: unknown execution mode %q", item.Name, item.Host.ExecutionMode)
	}
}

func (e *Engine) event(ev observability.Event) {
	if e.events == nil {
		return
	}
	e.events.Record(ev)
}

// Health is a production's health snapshot.
type Health struct {
	Project    string        `json:"project"`
	Running    bool          `json:"running"`
	Generation int           `json:"generation"`
	DeployedAt time.Time     `json:"deployed_at"`
	StartedAt  time.Time     `json:"started_at"`
	Hosts      []host.Health `json:"hosts"`
}
