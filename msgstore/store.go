// Package msgstore is the queryable projection of message traffic. The write
// ahead log is the durability record; this store answers the operational
// questions: what happened to this message, what did this session touch,
// what is sitting in the dead letter queue.
//
// Writes normally flow through the async Writer; the Store itself is a thin
// synchronous layer over SQLite.
package msgstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Visit is one host's handling of one message: received, what it did, how it
// ended. Upserts are keyed by ID so a visit can be recorded at dequeue time
// and completed later.
type Visit struct {
	ID              string
	MessageID       string
	Project         string
	Item            string
	ItemType        string // "service", "process", "operation"
	Direction       string // "inbound", "internal", "outbound"
	MessageType     string // e.g. "ADT^A01"
	CorrelationID   string
	SessionID       string
	BodyClassName   string
	SchemaName      string
	SchemaNamespace string
	Status          string // envelope state at completion
	RawContent      []byte
	RawContentRef   string // archive blob ref when wire capture is enabled
	ContentSize     int
	SourceItem      string
	DestinationItem string
	RemoteHost      string
	RemotePort      int
	AckContent      string
	AckType         string // "AA", "CA", "AE", "AR"
	ErrorMessage    string
	LatencyMs       int64
	RetryCount      int
	ReceivedAt      time.Time
	CompletedAt     time.Time // zero while in flight
}

// Filter narrows ListVisits. Zero fields match everything.
type Filter struct {
	Project       string
	Item          string
	Direction     string
	Status        string
	SessionID     string
	CorrelationID string
	MessageType   string
	Since         *time.Time
	Until         *time.Time
	Limit         int // default 100
	Offset        int
}

// SessionSummary aggregates the visits stamped with one session ID.
type SessionSummary struct {
	SessionID    string
	MessageCount int
	StartedAt    time.Time
	EndedAt      time.Time
	SuccessRate  float64
	MessageTypes []string
}

// SessionFilter narrows a session listing. Item and Status match sessions
// containing at least one such visit; Since/Until bound the session's first
// visit. Zero values are ignored.
type SessionFilter struct {
	Project string
	Item    string
	Status  string
	Since   *time.Time
	Until   *time.Time
	Limit   int // default 100
	Offset  int
}

// Store persists and queries message visits.
type Store struct {
	db *sql.DB
}

// New wraps an opened database. The caller owns the connection's lifecycle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the message_visits table if it doesn't exist.
func (s *Store) Init() error {
	_, err := s.db.Exec(Schema)
	return err
}

// DB exposes the underlying connection for housekeeping joins.
func (s *Store) DB() *sql.DB { return s.db }

const upsertVisitSQL = `INSERT INTO message_visits
	(id, message_id, project_id, item_name, item_type, direction,
	 message_type, correlation_id, session_id,
	 body_class_name, schema_name, schema_namespace,
	 status, raw_content, raw_content_ref, content_size,
	 source_item, destination_item, remote_host, remote_port,
	 ack_content, ack_type, error_message, latency_ms, retry_count,
	 received_at, completed_at)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(id) DO UPDATE SET
	 status = excluded.status,
	 raw_content_ref = excluded.raw_content_ref,
	 destination_item = excluded.destination_item,
	 remote_host = excluded.remote_host,
	 remote_port = excluded.remote_port,
	 ack_content = excluded.ack_content,
	 ack_type = excluded.ack_type,
	 error_message = excluded.error_message,
	 latency_ms = excluded.latency_ms,
	 retry_count = excluded.retry_count,
	 completed_at = excluded.completed_at`

func visitArgs(v *Visit) []any {
	var completed sql.NullInt64
	if !v.CompletedAt.IsZero() {
		completed = sql.NullInt64{Int64: v.CompletedAt.UnixMilli(), Valid: true}
	}
	return []any{
		v.ID, v.MessageID, v.Project, v.Item, v.ItemType, v.Direction,
		v.MessageType, v.CorrelationID, v.SessionID,
		v.BodyClassName, v.SchemaName, v.SchemaNamespace,
		v.Status, v.RawContent, v.RawContentRef, v.ContentSize,
		v.SourceItem, v.DestinationItem, v.RemoteHost, v.RemotePort,
		v.AckContent, v.AckType, v.ErrorMessage, v.LatencyMs, v.RetryCount,
		v.ReceivedAt.UnixMilli(), completed,
	}
}

// Upsert inserts a visit or, when the ID exists, updates its outcome fields.
func (s *Store) Upsert(ctx context.Context, v *Visit) error {
	if _, err := s.db.ExecContext(ctx, upsertVisitSQL, visitArgs(v)...); err != nil {
		return fmt.Errorf("upsert visit %s: %w", v.ID, err)
	}
	return nil
}

const selectVisitSQL = `SELECT id, message_id, project_id, item_name, item_type, direction,
	message_type, correlation_id, session_id,
	body_class_name, schema_name, schema_namespace,
	status, raw_content, raw_content_ref, content_size,
	source_item, destination_item, remote_host, remote_port,
	ack_content, ack_type, error_message, latency_ms, retry_count,
	received_at, completed_at
	FROM message_visits`

func scanVisit(rows *sql.Rows) (*Visit, error) {
	var v Visit
	var receivedAt int64
	var correlationID, sessionID, bodyClass, schemaName, schemaNS sql.NullString
	var messageType, rawRef, sourceItem, destItem, remoteHost sql.NullString
	var ackContent, ackType, errMsg sql.NullString
	var remotePort, latencyMs, completedAt sql.NullInt64

	if err := rows.Scan(
		&v.ID, &v.MessageID, &v.Project, &v.Item, &v.ItemType, &v.Direction,
		&messageType, &correlationID, &sessionID,
		&bodyClass, &schemaName, &schemaNS,
		&v.Status, &v.RawContent, &rawRef, &v.ContentSize,
		&sourceItem, &destItem, &remoteHost, &remotePort,
		&ackContent, &ackType, &errMsg, &latencyMs, &v.RetryCount,
		&receivedAt, &completedAt,
	); err != nil {
		return nil, fmt.Errorf("scan visit: %w", err)
	}

	v.MessageType = messageType.String
	v.CorrelationID = correlationID.String
	v.SessionID = sessionID.String
	v.BodyClassName = bodyClass.String
	v.SchemaName = schemaName.String
	v.SchemaNamespace = schemaNS.String
	v.RawContentRef = rawRef.String
	v.SourceItem = sourceItem.String
	v.DestinationItem = destItem.String
	v.RemoteHost = remoteHost.String
	v.RemotePort = int(remotePort.Int64)
	v.AckContent = ackContent.String
	v.AckType = ackType.String
	v.ErrorMessage = errMsg.String
	v.LatencyMs = latencyMs.Int64
	v.ReceivedAt = time.UnixMilli(receivedAt)
	if completedAt.Valid {
		v.CompletedAt = time.UnixMilli(completedAt.Int64)
	}
	return &v, nil
}

// ListVisits returns visits matching the filter, most recent first.
func (s *Store) ListVisits(ctx context.Context, f *Filter) ([]*Visit, error) {
	q := selectVisitSQL + " WHERE 1=1"
	var args []any

	if f.Project != "" {
		q += " AND project_id = ?"
		args = append(args, f.Project)
	}
	if f.Item != "" {
		q += " AND item_name = ?"
		args = append(args, f.Item)
	}
	if f.Direction != "" {
		q += " AND direction = ?"
		args = append(args, f.Direction)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.SessionID != "" {
		q += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.CorrelationID != "" {
		q += " AND correlation_id = ?"
		args = append(args, f.CorrelationID)
	}
	if f.MessageType != "" {
		q += " AND message_type = ?"
		args = append(args, f.MessageType)
	}
	if f.Since != nil {
		q += " AND received_at >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	if f.Until != nil {
		q += " AND received_at <= ?"
		args = append(args, f.Until.UnixMilli())
	}

	q += " ORDER BY received_at DESC, id DESC"
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

	return s.queryVisits(ctx, q, args...)
}

// SessionTrace returns every visit stamped with the session ID, oldest first,
// which reads as the message's journey through the production.
func (s *Store) SessionTrace(ctx context.Context, sessionID string) ([]*Visit, error) {
	q := selectVisitSQL + " WHERE session_id = ? ORDER BY received_at ASC, id ASC"
	return s.queryVisits(ctx, q, sessionID)
}

// ListDeadLetters returns dead-lettered visits for a project, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, project string, limit, offset int) ([]*Visit, error) {
	if limit <= 0 {
		limit = 100
	}
	q := selectVisitSQL + " WHERE project_id = ? AND destination_item = ? ORDER BY received_at DESC, id DESC LIMIT ? OFFSET ?"
	return s.queryVisits(ctx, q, project, DeadLetterDestination, limit, offset)
}

func (s *Store) queryVisits(ctx context.Context, q string, args ...any) ([]*Visit, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	defer rows.Close()

	var visits []*Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

// ListSessions aggregates per-session activity, newest session first.
// Success rate counts delivered visits against visits that reached any
// terminal state; a session with nothing terminal yet reads as 1.0.
func (s *Store) ListSessions(ctx context.Context, f *SessionFilter) ([]*SessionSummary, error) {
	q := `SELECT session_id,
		COUNT(*) AS message_count,
		MIN(received_at),
		MAX(COALESCE(completed_at, received_at)),
		CAST(SUM(CASE WHEN status = 'delivered' THEN 1 ELSE 0 END) AS REAL) /
			MAX(1, SUM(CASE WHEN status IN ('delivered','failed','dead_lettered','expired') THEN 1 ELSE 0 END)),
		GROUP_CONCAT(DISTINCT message_type)
		FROM message_visits
		WHERE project_id = ? AND session_id != ''
		GROUP BY session_id`
	args := []any{f.Project}

	having := ""
	and := func(cond string, v any) {
		if having == "" {
			having = " HAVING " + cond
		} else {
			having += " AND " + cond
		}
		args = append(args, v)
	}
	if f.Item != "" {
		and("SUM(CASE WHEN item_name = ? THEN 1 ELSE 0 END) > 0", f.Item)
	}
	if f.Status != "" {
		and("SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) > 0", f.Status)
	}
	if f.Since != nil {
		and("MIN(received_at) >= ?", f.Since.UnixMilli())
	}
	if f.Until != nil {
		and("MIN(received_at) <= ?", f.Until.UnixMilli())
	}
	q += having + " ORDER BY MIN(received_at) DESC LIMIT ? OFFSET ?"

	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var started, ended int64
		var types sql.NullString
		if err := rows.Scan(&sum.SessionID, &sum.MessageCount, &started, &ended, &sum.SuccessRate, &types); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.StartedAt = time.UnixMilli(started)
		sum.EndedAt = time.UnixMilli(ended)
		if types.Valid && types.String != "" {
			sum.MessageTypes = strings.Split(types.String, ",")
		}
		sessions = append(sessions, &sum)
	}
	return sessions, rows.Err()
}

// DeleteOlderThan removes visits received more than retentionDays ago.
func (s *Store) DeleteOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	result, err := s.db.ExecContext(ctx, "DELETE FROM message_visits WHERE received_at < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup visits: %w", err)
	}
	return result.RowsAffected()
}
