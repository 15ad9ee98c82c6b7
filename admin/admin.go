// Package admin exposes the engine's control verbs over HTTP.
//
// The surface is deliberately small: deploy and lifecycle verbs, a test
// probe, and read-side queries over the message store. Clinical traffic
// never passes through here; that belongs to the MLLP listeners the
// productions own.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/liaison/config"
	"github.com/hazyhaar/liaison/engine"
	"github.com/hazyhaar/liaison/hl7"
	"github.com/hazyhaar/liaison/hosts"
	"github.com/hazyhaar/liaison/msgstore"
)

// maxBodyBytes caps request bodies. Production documents are hand-written
// YAML and HL7 test messages are a few kilobytes; a megabyte means someone
// pointed the wrong client at this port.
const maxBodyBytes = 1 << 20

// Server routes control verbs to an engine and read queries to the message
// store.
type Server struct {
	eng    *engine.Engine
	store  *msgstore.Store
	logger *slog.Logger
}

// Option tweaks the server.
type Option func(*Server)

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds the admin server over an engine and its message store.
func New(eng *engine.Engine, store *msgstore.Store, opts ...Option) *Server {
	s := &Server{eng: eng, store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler assembles the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(maxBody(maxBodyBytes))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/projects", s.listProjects)
		r.Route("/projects/{project}", func(r chi.Router) {
			r.Post("/deploy", s.deploy)
			r.Post("/start", s.start)
			r.Post("/stop", s.stop)
			r.Get("/health", s.health)
			r.Get("/sessions", s.sessions)
			r.Get("/dlq", s.deadLetters)
			r.Route("/items/{item}", func(r chi.Router) {
				r.Post("/reload", s.reload)
				r.Post("/test-send", s.testSend)
			})
		})
		r.Get("/sessions/{sessionID}/trace", s.trace)
	})
	return r
}

// --- control verbs ---

func (s *Server) listProjects(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, 200, map[string]any{"projects": s.eng.Projects()})
}

func (s *Server) deploy(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, 400, err)
		return
	}
	// Parse only; Deploy validates once the URL project has filled in a
	// missing document name.
	doc, err := config.Parse(body)
	if err != nil {
		writeError(w, 400, err)
		return
	}
	if doc.Name == "" {
		doc.Name = project
	}
	if doc.Name != project {
		writeError(w, 400, fmt.Errorf("document names production %q, URL names %q", doc.Name, project))
		return
	}
	if err := s.eng.Deploy(r.Context(), doc); err != nil {
		s.fail(w, err)
		return
	}
	h, err := s.eng.Health(project)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{
		"project":    project,
		"generation": h.Generation,
		"items":      len(doc.Items),
		"running":    h.Running,
	})
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	if err := s.eng.Start(r.Context(), project); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, map[string]string{"project": project, "status": "running"})
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	var drain time.Duration
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, 400, fmt.Errorf("bad timeout %q", v))
			return
		}
		drain = d
	}
	if err := s.eng.Stop(r.Context(), project, drain); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, map[string]string{"project": project, "status": "stopped"})
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	item := chi.URLParam(r, "item")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, 400, err)
		return
	}
	patch, err := config.ParsePatch(body)
	if err != nil {
		writeError(w, 400, err)
		return
	}
	if err := s.eng.ReloadItem(r.Context(), project, item, patch); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, map[string]string{"project": project, "item": item, "status": "reloaded"})
}

type testSendResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	AckType   string `json:"ack_type,omitempty"`
	Ack       string `json:"ack,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) testSend(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	item := chi.URLParam(r, "item")
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, 400, err)
		return
	}
	if len(raw) == 0 {
		writeError(w, 400, errors.New("empty message body"))
		return
	}
	result, err := s.eng.TestSend(r.Context(), project, item, raw)
	if err != nil {
		var unknown *engine.UnknownItemError
		var notDeployed *engine.NotDeployedError
		switch {
		case errors.As(err, &unknown), errors.As(err, &notDeployed):
			writeError(w, 404, err)
		case result == nil:
			// The probe never left: wrong item kind or bad addressing.
			writeError(w, 400, err)
		default:
			writeJSON(w, 502, testSendResponse{
				SessionID: result.SessionID,
				Status:    "failed",
				Error:     err.Error(),
			})
		}
		return
	}
	resp := testSendResponse{SessionID: result.SessionID, Status: "delivered"}
	if result.Reply != nil && result.Reply.Payload != nil {
		resp.Ack = string(result.Reply.Payload.Raw)
		if ack, aerr := hl7.ParseAck(result.Reply.Payload.Raw); aerr == nil {
			resp.AckType = string(ack.Code)
		}
	}
	writeJSON(w, 200, resp)
}

// --- read side ---

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h, err := s.eng.Health(chi.URLParam(r, "project"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, 200, h)
}

type sessionRow struct {
	SessionID    string    `json:"session_id"`
	MessageCount int       `json:"message_count"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	SuccessRate  float64   `json:"success_rate"`
	MessageTypes []string  `json:"message_types,omitempty"`
}

func (s *Server) sessions(w http.ResponseWriter, r *http.Request) {
	f := &msgstore.SessionFilter{
		Project: chi.URLParam(r, "project"),
		Item:    r.URL.Query().Get("item"),
		Status:  r.URL.Query().Get("status"),
		Limit:   queryInt(r, "limit", 100),
		Offset:  queryInt(r, "offset", 0),
	}
	var err error
	if f.Since, err = queryTime(r, "from"); err != nil {
		writeError(w, 400, err)
		return
	}
	if f.Until, err = queryTime(r, "to"); err != nil {
		writeError(w, 400, err)
		return
	}
	rows, err := s.store.ListSessions(r.Context(), f)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	out := make([]sessionRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, sessionRow{
			SessionID:    row.SessionID,
			MessageCount: row.MessageCount,
			StartedAt:    row.StartedAt,
			EndedAt:      row.EndedAt,
			SuccessRate:  row.SuccessRate,
			MessageTypes: row.MessageTypes,
		})
	}
	writeJSON(w, 200, map[string]any{"sessions": out})
}

func (s *Server) trace(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	visits, err := s.store.SessionTrace(r.Context(), sessionID)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if len(visits) == 0 {
		writeError(w, 404, fmt.Errorf("no trace for session %q", sessionID))
		return
	}
	rows := make([]visitRow, 0, len(visits))
	var items []string
	seen := make(map[string]bool, len(visits))
	for _, v := range visits {
		rows = append(rows, toVisitRow(v))
		if !seen[v.Item] {
			seen[v.Item] = true
			items = append(items, v.Item)
		}
	}
	writeJSON(w, 200, map[string]any{
		"session_id": sessionID,
		"items":      items,
		"visits":     rows,
	})
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	visits, err := s.store.ListDeadLetters(r.Context(), project,
		queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, 500, err)
		return
	}
	rows := make([]visitRow, 0, len(visits))
	for _, v := range visits {
		rows = append(rows, toVisitRow(v))
	}
	writeJSON(w, 200, map[string]any{"project": project, "dead_letters": rows})
}

// visitRow is the API shape of one trace row. Raw HL7 goes out as text, not
// base64, so operators can read it.
type visitRow struct {
	ID              string     `json:"id"`
	MessageID       string     `json:"message_id"`
	Project         string     `json:"project"`
	Item            string     `json:"item"`
	ItemType        string     `json:"item_type"`
	Direction       string     `json:"direction"`
	MessageType     string     `json:"message_type,omitempty"`
	CorrelationID   string     `json:"correlation_id,omitempty"`
	SessionID       string     `json:"session_id,omitempty"`
	Status          string     `json:"status"`
	SourceItem      string     `json:"source_item,omitempty"`
	DestinationItem string     `json:"destination_item,omitempty"`
	RemoteHost      string     `json:"remote_host,omitempty"`
	RemotePort      int        `json:"remote_port,omitempty"`
	AckType         string     `json:"ack_type,omitempty"`
	AckContent      string     `json:"ack_content,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	LatencyMs       int64      `json:"latency_ms"`
	RetryCount      int        `json:"retry_count,omitempty"`
	ContentSize     int        `json:"content_size"`
	RawContent      string     `json:"raw_content,omitempty"`
	ReceivedAt      time.Time  `json:"received_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func toVisitRow(v *msgstore.Visit) visitRow {
	row := visitRow{
		ID:              v.ID,
		MessageID:       v.MessageID,
		Project:         v.Project,
		Item:            v.Item,
		ItemType:        v.ItemType,
		Direction:       v.Direction,
		MessageType:     v.MessageType,
		CorrelationID:   v.CorrelationID,
		SessionID:       v.SessionID,
		Status:          v.Status,
		SourceItem:      v.SourceItem,
		DestinationItem: v.DestinationItem,
		RemoteHost:      v.RemoteHost,
		RemotePort:      v.RemotePort,
		AckType:         v.AckType,
		AckContent:      v.AckContent,
		ErrorMessage:    v.ErrorMessage,
		LatencyMs:       v.LatencyMs,
		RetryCount:      v.RetryCount,
		ContentSize:     v.ContentSize,
		RawContent:      string(v.RawContent),
		ReceivedAt:      v.ReceivedAt,
	}
	if !v.CompletedAt.IsZero() {
		t := v.CompletedAt
		row.CompletedAt = &t
	}
	return row
}

// --- error mapping ---

// fail maps engine errors onto status codes: missing things are 404,
// configuration problems are 422, the rest is 500.
func (s *Server) fail(w http.ResponseWriter, err error) {
	if writeInvalidConfig(w, err) {
		return
	}
	var notDeployed *engine.NotDeployedError
	var unknownItem *engine.UnknownItemError
	var unknownClass *hosts.UnknownClassError
	switch {
	case errors.As(err, &notDeployed), errors.As(err, &unknownItem):
		writeError(w, 404, err)
	case errors.As(err, &unknownClass):
		writeJSON(w, 422, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("admin verb failed", "error", err)
		writeError(w, 500, err)
	}
}

// writeInvalidConfig reports a validation failure with its violation list.
// Returns false when err is something else.
func writeInvalidConfig(w http.ResponseWriter, err error) bool {
	var invalid *config.InvalidConfigError
	if !errors.As(err, &invalid) {
		return false
	}
	writeJSON(w, 422, map[string]any{
		"error":      "invalid configuration",
		"project":    invalid.Project,
		"violations": invalid.Violations,
	})
	return true
}

// --- plumbing ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("bad %s %q: want RFC 3339", key, s)
	}
	return &t, nil
}
