// Package tracer records the journey of each message through a production.
// A session is minted once at the ingress host and stamped on every envelope
// derived from that delivery; each host that handles the message opens a
// Visit, annotates it, and completes it. Visits land in the message store
// through its async writer, so tracing never blocks a worker on SQLite.
package tracer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/liaison/envelope"
	"github.com/hazyhaar/liaison/idgen"
	"github.com/hazyhaar/liaison/msgstore"
)

// Tracer mints sessions and opens visits for one project.
type Tracer struct {
	project string
	writer  *msgstore.Writer
	logger  *slog.Logger

	newSession     idgen.Generator
	newTestSession idgen.Generator
	newVisit       idgen.Generator
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracer) { t.logger = l }
}

// WithSessionGenerator overrides session ID minting (tests pin IDs with it).
func WithSessionGenerator(gen idgen.Generator) Option {
	return func(t *Tracer) { t.newSession = gen }
}

// New creates a tracer writing through the given async writer.
func New(project string, w *msgstore.Writer, opts ...Option) *Tracer {
	t := &Tracer{
		project:        project,
		writer:         w,
		logger:         slog.Default(),
		newSession:     idgen.Session,
		newTestSession: idgen.TestSession,
		newVisit:       idgen.Visit,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Project returns the project this tracer writes rows for.
func (t *Tracer) Project() string { return t.project }

// NewSession mints a session identifier for a live ingress delivery.
func (t *Tracer) NewSession() string { return t.newSession() }

// NewTestSession mints a session identifier for an operator-initiated test
// send, distinguishable from live traffic by its prefix.
func (t *Tracer) NewTestSession() string { return t.newTestSession() }

// Begin opens a visit for one host's handling of one envelope and records it
// immediately in state "processing", so in-flight messages are visible to the
// admin surface. Complete or Fail closes it.
func (t *Tracer) Begin(item, itemType, direction string, env *envelope.Envelope) *Visit {
	now := time.Now()
	v := &Visit{t: t, started: now}
	v.row = msgstore.Visit{
		ID:            t.newVisit(),
		MessageID:     env.MessageID,
		Project:       t.project,
		Item:          item,
		ItemType:      itemType,
		Direction:     direction,
		MessageType:   env.MessageType,
		CorrelationID: env.CorrelationID,
		SessionID:     env.SessionID,
		BodyClassName: env.BodyClassName,
		Status:        string(envelope.StateProcessing),
		SourceItem:    env.Routing.Source,
		RetryCount:    env.RetryCount,
		ReceivedAt:    now,
	}
	if env.Payload != nil {
		v.row.SchemaName = env.Payload.SchemaName
		v.row.SchemaNamespace = env.Payload.SchemaNamespace
		v.row.RawContent = env.Payload.Raw
		v.row.ContentSize = env.Payload.Size()
	}
	t.writer.RecordAsync(v.snapshot())
	return v
}

// Record writes a standalone, already-terminal visit row, used for events
// with no processing span: dead letters, evictions, expired messages.
func (t *Tracer) Record(item, itemType, direction string, env *envelope.Envelope, status, errMsg string) {
	v := t.Begin(item, itemType, direction, env)
	v.row.ErrorMessage = errMsg
	v.complete(status)
}

// Visit is one host's in-progress handling of one envelope. Annotation
// methods may be called from the worker or, via the context helpers, from
// adapter code deeper in the call stack. A Visit must be closed exactly once
// with Complete or Fail.
type Visit struct {
	t       *Tracer
	started time.Time

	mu   sync.Mutex
	row  msgstore.Visit
	done bool
}

// SetDestination records where the message went from here.
func (v *Visit) SetDestination(item string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.row.DestinationItem = item
}

// SetRemote records the peer endpoint of a network delivery or receipt.
func (v *Visit) SetRemote(host string, port int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.row.RemoteHost = host
	v.row.RemotePort = port
}

// SetAck records the acknowledgement exchanged for this visit.
func (v *Visit) SetAck(ackType, content string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.row.AckType = ackType
	v.row.AckContent = content
}

// SetContentRef records the archive blob holding the captured wire bytes.
func (v *Visit) SetContentRef(ref string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.row.RawContentRef = ref
}

// SetRetryCount records delivery attempts beyond the first.
func (v *Visit) SetRetryCount(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.row.RetryCount = n
}

// Note attaches a warning without failing the visit. Used for outcomes like
// an error acknowledgement downgraded to a warning by reply_code_actions.
func (v *Visit) Note(msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.row.ErrorMessage == "" {
		v.row.ErrorMessage = msg
	}
}

// SessionID returns the session stamped on the visit's envelope.
func (v *Visit) SessionID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.row.SessionID
}

// Complete closes the visit with the given terminal status.
func (v *Visit) Complete(status string) {
	v.complete(status)
}

// Fail closes the visit as failed, recording the error.
func (v *Visit) Fail(err error) {
	v.mu.Lock()
	if err != nil {
		v.row.ErrorMessage = err.Error()
	}
	v.mu.Unlock()
	v.complete(string(envelope.StateFailed))
}

func (v *Visit) complete(status string) {
	v.mu.Lock()
	if v.done {
		v.mu.Unlock()
		return
	}
	v.done = true
	now := time.Now()
	v.row.Status = status
	v.row.CompletedAt = now
	v.row.LatencyMs = now.Sub(v.started).Milliseconds()
	row := v.row
	v.mu.Unlock()
	v.t.writer.RecordAsync(&row)
}

// snapshot copies the row for handoff to the async writer, which retains the
// pointer past this call.
func (v *Visit) snapshot() *msgstore.Visit {
	v.mu.Lock()
	defer v.mu.Unlock()
	row := v.row
	return &row
}

type visitKey struct{}

// ContextWithVisit makes the visit reachable by adapter code below the worker.
func ContextWithVisit(ctx context.Context, v *Visit) context.Context {
	return context.WithValue(ctx, visitKey{}, v)
}

// VisitFrom returns the visit carried by ctx, or nil.
func VisitFrom(ctx context.Context) *Visit {
	v, _ := ctx.Value(visitKey{}).(*Visit)
	return v
}
