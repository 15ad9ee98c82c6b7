// Package envelope defines the immutable message record moving through the
// engine: identity, routing, governance, lifecycle state, and the payload
// bytes with their schema tags.
//
// Envelopes are values. Nothing mutates an envelope after publication; every
// change goes through Clone or a With* helper and produces a new record. The
// previous record is discarded or archived by the caller.
package envelope

import (
	"fmt"
	"time"

	"github.com/hazyhaar/liaison/idgen"
)

// State is the lifecycle state of a message.
type State string

const (
	StateReceived      State = "received"
	StateEnqueued      State = "enqueued"
	StateProcessing    State = "processing"
	StateAwaitingReply State = "awaiting_reply"
	StateDelivered     State = "delivered"
	StateFailed        State = "failed"
	StateExpired       State = "expired"
	StateDeadLettered  State = "dead_lettered"
)

// Terminal reports whether the state ends a message's lifecycle. Non-terminal
// records found in the WAL at startup are republished.
func (s State) Terminal() bool {
	switch s {
	case StateDelivered, StateFailed, StateExpired, StateDeadLettered:
		return true
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StateReceived, StateEnqueued, StateProcessing, StateAwaitingReply,
		StateDelivered, StateFailed, StateExpired, StateDeadLettered:
		return true
	}
	return false
}

// Priority orders messages in priority queues. Higher is more urgent.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority maps a config string to a Priority. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return PriorityNormal, &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", s)}
}

// DeliveryMode selects the delivery contract for a message.
type DeliveryMode string

const (
	AtMostOnce  DeliveryMode = "at_most_once"
	AtLeastOnce DeliveryMode = "at_least_once"
)

// Routing carries the addressing fields of an envelope.
type Routing struct {
	// Source is the name of the emitting host.
	Source string `json:"source,omitempty"`
	// Destination is the name of the intended target host; empty at ingress.
	Destination string `json:"destination,omitempty"`
	// RouteID identifies the routing rule that selected the destination.
	RouteID string `json:"route_id,omitempty"`
	// HopCount increments on every re-enqueue; the broker dead-letters the
	// envelope when it exceeds the configured maximum.
	HopCount int `json:"hop_count"`
	// ReplyExpected marks envelopes sent synchronously: the consuming worker
	// must resolve the sender's response slot instead of routing onward.
	ReplyExpected bool `json:"reply_expected,omitempty"`
}

// Governance carries compliance metadata.
type Governance struct {
	AuditID     string `json:"audit_id,omitempty"`
	TenantID    string `json:"tenant_id,omitempty"`
	Sensitivity string `json:"sensitivity,omitempty"`
}

// Envelope is one message instance. See the package comment for the
// immutability contract.
type Envelope struct {
	MessageID     string        `json:"message_id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	CausationID   string        `json:"causation_id,omitempty"`
	SessionID     string        `json:"session_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at,omitempty"`
	TTL           time.Duration `json:"ttl,omitempty"`
	MessageType   string        `json:"message_type,omitempty"`
	BodyClassName string        `json:"body_class_name,omitempty"`
	Priority      Priority      `json:"priority"`
	Tags          []string      `json:"tags,omitempty"`
	RetryCount    int           `json:"retry_count,omitempty"`
	MaxRetries    int           `json:"max_retries,omitempty"`
	RetryDelay    time.Duration `json:"retry_delay,omitempty"`
	DeliveryMode  DeliveryMode  `json:"delivery_mode"`
	Routing       Routing       `json:"routing"`
	Governance    Governance    `json:"governance,omitempty"`
	State         State         `json:"state"`
	Payload       *Payload      `json:"payload,omitempty"`
}

// New mints an envelope in state "received" with a fresh message ID.
// TTL, session, routing and governance are set by the ingress host afterwards
// through the With* helpers.
func New(messageType string, p *Payload) *Envelope {
	return &Envelope{
		MessageID:    idgen.Message(),
		CreatedAt:    time.Now().UTC(),
		MessageType:  messageType,
		Priority:     PriorityNormal,
		DeliveryMode: AtLeastOnce,
		State:        StateReceived,
		Payload:      p,
	}
}

// Clone returns a deep copy. Tags and payload are copied; the result can be
// modified by With* helpers without aliasing the original.
func (e *Envelope) Clone() *Envelope {
	cp := *e
	if e.Tags != nil {
		cp.Tags = make([]string, len(e.Tags))
		copy(cp.Tags, e.Tags)
	}
	if e.Payload != nil {
		cp.Payload = e.Payload.Clone()
	}
	return &cp
}

// WithState returns a copy in the given lifecycle state.
func (e *Envelope) WithState(s State) *Envelope {
	cp := e.Clone()
	cp.State = s
	return cp
}

// WithSession stamps the ingress session identifier. The session is set
// exactly once, at the first inbound host; stamping an already-sessioned
// envelope is a programming error surfaced loudly rather than masked.
func (e *Envelope) WithSession(sessionID string) *Envelope {
	if e.SessionID != "" && e.SessionID != sessionID {
		panic(fmt.Sprintf("envelope: session already set (%s, attempted %s)", e.SessionID, sessionID))
	}
	cp := e.Clone()
	cp.SessionID = sessionID
	return cp
}

// WithSource returns a copy with routing.source set.
func (e *Envelope) WithSource(name string) *Envelope {
	cp := e.Clone()
	cp.Routing.Source = name
	return cp
}

// WithDestination returns a copy with routing.destination set.
func (e *Envelope) WithDestination(name string) *Envelope {
	cp := e.Clone()
	cp.Routing.Destination = name
	return cp
}

// WithRouteID returns a copy recording the routing rule that matched.
func (e *Envelope) WithRouteID(id string) *Envelope {
	cp := e.Clone()
	cp.Routing.RouteID = id
	return cp
}

// WithCorrelation returns a copy carrying the caller's correlation id and,
// when replyExpected, the flag telling the consumer to resolve a response
// slot instead of routing onward.
func (e *Envelope) WithCorrelation(id string, replyExpected bool) *Envelope {
	cp := e.Clone()
	cp.CorrelationID = id
	cp.Routing.ReplyExpected = replyExpected
	return cp
}

// WithHop returns a copy with hop_count incremented.
func (e *Envelope) WithHop() *Envelope {
	cp := e.Clone()
	cp.Routing.HopCount++
	return cp
}

// WithTTL returns a copy that expires ttl after its creation time.
func (e *Envelope) WithTTL(ttl time.Duration) *Envelope {
	cp := e.Clone()
	cp.TTL = ttl
	if ttl > 0 {
		cp.ExpiresAt = cp.CreatedAt.Add(ttl)
	}
	return cp
}

// WithPriority returns a copy at the given priority.
func (e *Envelope) WithPriority(p Priority) *Envelope {
	cp := e.Clone()
	cp.Priority = p
	return cp
}

// WithBodyClass returns a copy naming the processor class for the payload.
func (e *Envelope) WithBodyClass(name string) *Envelope {
	cp := e.Clone()
	cp.BodyClassName = name
	return cp
}

// WithRetry returns a copy with retry_count incremented.
func (e *Envelope) WithRetry() *Envelope {
	cp := e.Clone()
	cp.RetryCount++
	return cp
}

// WithTag returns a copy with the tag appended, preserving order and
// uniqueness.
func (e *Envelope) WithTag(tag string) *Envelope {
	for _, t := range e.Tags {
		if t == tag {
			return e.Clone()
		}
	}
	cp := e.Clone()
	cp.Tags = append(cp.Tags, tag)
	return cp
}

// HasTag reports whether the tag is present.
func (e *Envelope) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Derive mints a child message produced from this one (a transform output).
// The child gets a fresh message id, causation_id pointing at the parent,
// and inherits session, priority, governance, delivery mode and hop count;
// hop count never decreases along a causation chain. Retry counters reset.
func (e *Envelope) Derive(messageType string, p *Payload) *Envelope {
	child := New(messageType, p)
	child.CausationID = e.MessageID
	child.SessionID = e.SessionID
	child.Priority = e.Priority
	child.DeliveryMode = e.DeliveryMode
	child.Governance = e.Governance
	child.Routing.HopCount = e.Routing.HopCount
	child.MaxRetries = e.MaxRetries
	child.RetryDelay = e.RetryDelay
	if e.Tags != nil {
		child.Tags = make([]string, len(e.Tags))
		copy(child.Tags, e.Tags)
	}
	return child
}

// Expired reports whether the envelope's lifetime has elapsed at now.
func (e *Envelope) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// ValidationError reports an invalid envelope field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("envelope: invalid %s: %s", e.Field, e.Message)
}

// Validate checks structural invariants. It does not inspect payload bytes.
func (e *Envelope) Validate() error {
	if e.MessageID == "" {
		return &ValidationError{Field: "message_id", Message: "empty"}
	}
	if e.CreatedAt.IsZero() {
		return &ValidationError{Field: "created_at", Message: "zero"}
	}
	if !e.State.Valid() {
		return &ValidationError{Field: "state", Message: fmt.Sprintf("unknown state %q", e.State)}
	}
	if e.Priority < PriorityLow || e.Priority > PriorityUrgent {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("out of range: %d", e.Priority)}
	}
	switch e.DeliveryMode {
	case AtMostOnce, AtLeastOnce:
	default:
		return &ValidationError{Field: "delivery_mode", Message: fmt.Sprintf("unknown mode %q", e.DeliveryMode)}
	}
	if e.Routing.HopCount < 0 {
		return &ValidationError{Field: "routing.hop_count", Message: "negative"}
	}
	if e.RetryCount < 0 {
		return &ValidationError{Field: "retry_count", Message: "negative"}
	}
	return nil
}
