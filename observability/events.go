// Package observability is the engine's operational record, kept in SQLite
// alongside the message store but in a separate database: control-plane
// events (deploys, restarts, dead letters), process heartbeats and metric
// samples. Everything an operator asks "what did the engine do last night"
// answers from here; per-message history lives in msgstore.
//
// All persistence is asynchronous and non-blocking: a slow or failing
// observability database never applies back-pressure to message flow.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/liaison/idgen"
)

// Engine event types.
const (
	EventDeploy            = "deploy"
	EventDeployFailed      = "deploy_failed"
	EventStart             = "start"
	EventStop              = "stop"
	EventReload            = "reload"
	EventRestart           = "restart"
	EventRestartsExhausted = "restarts_exhausted"
	EventDeadLetter        = "dead_letter"
	EventTestSend          = "test_send"
)

// Event severities.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Event is one control-plane occurrence: something the engine did or noticed,
// as opposed to something a message did.
type Event struct {
	EventID    string
	OccurredAt time.Time
	Project    string
	Item       string // empty for project-level events
	Type       string
	Severity   string
	Detail     string // optional JSON payload
	Error      string
}

// Detail marshals a value into the Event.Detail JSON field. Marshal failures
// degrade to an empty detail rather than failing the event.
func Detail(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Recorder persists engine events, batching inserts off the caller's
// goroutine. Record never blocks; when the buffer is full the event is
// written synchronously as a last resort so deploy/restart history is not
// silently lost.
type Recorder struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	ch     chan *Event
	stop   chan struct{}
	done   chan struct{}
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderLogger sets the logger for flush failures.
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// WithEventIDGenerator sets a custom generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) RecorderOption {
	return func(r *Recorder) { r.newID = gen }
}

// NewRecorder creates a recorder over the observability database and starts
// its flush goroutine. A bufferSize around 256 covers deploy storms.
func NewRecorder(db *sql.DB, bufferSize int, opts ...RecorderOption) *Recorder {
	if bufferSize < 1 {
		bufferSize = 1
	}
	r := &Recorder{
		db:     db,
		newID:  idgen.Event,
		logger: slog.Default(),
		ch:     make(chan *Event, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	go r.flushLoop()
	return r
}

// Record queues an event for asynchronous persistence.
func (r *Recorder) Record(e Event) {
	r.fillDefaults(&e)
	select {
	case r.ch <- &e:
	default:
		if err := r.insert(context.Background(), &e); err != nil {
			r.logger.Error("event record failed", "event_type", e.Type, "error", err)
		}
	}
}

// Log inserts an event synchronously. Tests and shutdown paths use it when
// they need the row visible before continuing.
func (r *Recorder) Log(ctx context.Context, e Event) error {
	r.fillDefaults(&e)
	return r.insert(ctx, &e)
}

func (r *Recorder) fillDefaults(e *Event) {
	if e.EventID == "" {
		e.EventID = r.newID()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	if e.Severity == "" {
		if e.Error != "" {
			e.Severity = SeverityError
		} else {
			e.Severity = SeverityInfo
		}
	}
}

const insertEventSQL = `INSERT INTO engine_events
	(event_id, occurred_at, project_id, item_name, event_type, severity, detail, error_message)
	VALUES (?,?,?,?,?,?,?,?)`

func (r *Recorder) insert(ctx context.Context, e *Event) error {
	_, err := r.db.ExecContext(ctx, insertEventSQL,
		e.EventID, e.OccurredAt.Unix(), e.Project, e.Item, e.Type, e.Severity, e.Detail, e.Error)
	return err
}

func (r *Recorder) flushLoop() {
	defer close(r.done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	batch := make([]*Event, 0, 64)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			r.logger.Error("event flush: begin tx", "error", err)
			return
		}
		stmt, err := tx.PrepareContext(ctx, insertEventSQL)
		if err != nil {
			tx.Rollback()
			r.logger.Error("event flush: prepare", "error", err)
			return
		}
		defer stmt.Close()
		for _, e := range batch {
			if _, err := stmt.ExecContext(ctx,
				e.EventID, e.OccurredAt.Unix(), e.Project, e.Item, e.Type, e.Severity, e.Detail, e.Error); err != nil {
				r.logger.Error("event flush: insert", "event_id", e.EventID, "error", err)
			}
		}
		if err := tx.Commit(); err != nil {
			r.logger.Error("event flush: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-r.stop:
			for {
				select {
				case e := <-r.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-r.ch:
			batch = append(batch, e)
			if len(batch) >= 64 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close drains the buffer and stops the flush goroutine.
func (r *Recorder) Close() error {
	close(r.stop)
	<-r.done
	return nil
}

// EventFilter narrows Query. Zero fields match everything.
type EventFilter struct {
	Project  string
	Item     string
	Type     string
	Severity string
	Since    *time.Time
	Until    *time.Time
	Limit    int // default 100
	Offset   int
}

// Query returns events matching the filter, newest first.
func (r *Recorder) Query(ctx context.Context, f *EventFilter) ([]*Event, error) {
	q := `SELECT event_id, occurred_at, project_id, item_name, event_type, severity, detail, error_message
		FROM engine_events WHERE 1=1`
	var args []any

	if f.Project != "" {
		q += " AND project_id = ?"
		args = append(args, f.Project)
	}
	if f.Item != "" {
		q += " AND item_name = ?"
		args = append(args, f.Item)
	}
	if f.Type != "" {
		q += " AND event_type = ?"
		args = append(args, f.Type)
	}
	if f.Severity != "" {
		q += " AND severity = ?"
		args = append(args, f.Severity)
	}
	if f.Since != nil {
		q += " AND occurred_at >= ?"
		args = append(args, f.Since.Unix())
	}
	if f.Until != nil {
		q += " AND occurred_at <= ?"
		args = append(args, f.Until.Unix())
	}

	q += " ORDER BY occurred_at DESC, event_id DESC"
	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " LIMIT ?"
	args = append(args, limit)
	if f.Offset > 0 {
		q += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var occurred int64
		var item, detail, errMsg sql.NullString
		if err := rows.Scan(&e.EventID, &occurred, &e.Project, &item, &e.Type, &e.Severity, &detail, &errMsg); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.OccurredAt = time.Unix(occurred, 0)
		e.Item = item.String
		e.Detail = detail.String
		e.Error = errMsg.String
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Cleanup deletes events older than retentionDays.
func (r *Recorder) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	result, err := r.db.ExecContext(ctx, "DELETE FROM engine_events WHERE occurred_at < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup events: %w", err)
	}
	return result.RowsAffected()
}
