package hosts

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/liaison/config"
	"github.com/hazyhaar/liaison/envelope"
	"github.com/hazyhaar/liaison/hl7"
	"github.com/hazyhaar/liaison/host"
	"github.com/hazyhaar/liaison/mllp"
	"github.com/hazyhaar/liaison/tracer"
)

type operationSettings struct {
	IPAddress         string          `yaml:"ip_address"`
	Port              int             `yaml:"port"`
	ConnectTimeout    config.Duration `yaml:"connect_timeout"`
	WriteTimeout      config.Duration `yaml:"write_timeout"`
	AckTimeout        config.Duration `yaml:"ack_timeout"`
	ReconnectInterval config.Duration `yaml:"reconnect_interval"`
	RetryInterval     config.Duration `yaml:"retry_interval"`
	FailureTimeout    config.Duration `yaml:"failure_timeout"`
	MaxRetries        int             `yaml:"max_retries"`
	StayConnected     *bool           `yaml:"stay_connected"`
	MaxMessageSize    int             `yaml:"max_message_size"`
	ArchiveIO         bool            `yaml:"archive_io"`
}

func (s *operationSettings) defaults() {
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = config.Duration(10 * time.Second)
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = config.Duration(10 * time.Second)
	}
	if s.AckTimeout == 0 {
		s.AckTimeout = config.Duration(30 * time.Second)
	}
	if s.ReconnectInterval == 0 {
		s.ReconnectInterval = config.Duration(30 * time.Second)
	}
	if s.RetryInterval == 0 {
		s.RetryInterval = config.Duration(time.Second)
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = 3
	}
	if s.MaxMessageSize == 0 {
		s.MaxMessageSize = mllp.DefaultMaxMessageSize
	}
}

// maxRetries is the number of delivery attempts beyond the first; negative
// values in the document mean "no retries".
func (s *operationSettings) maxRetries() int {
	if s.MaxRetries < 0 {
		return 0
	}
	return s.MaxRetries
}

func (s *operationSettings) stayConnected() bool {
	return s.StayConnected == nil || *s.StayConnected
}

func (s *operationSettings) addr() string {
	return net.JoinHostPort(s.IPAddress, strconv.Itoa(s.Port))
}

// ConnectError reports a failed dial to the remote endpoint.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("hosts: connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// DeliveryError reports a failure on an established connection, at the
// "write" or "await_ack" stage. The connection is dropped; the next attempt
// redials.
type DeliveryError struct {
	Stage string
	Addr  string
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("hosts: %s %s: %v", e.Stage, e.Addr, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// RequestRejectedError reports a remote reject acknowledgement (AR/CR)
// resolved to fail by reply_code_actions.
type RequestRejectedError struct {
	Code     hl7.AckCode
	Text     string
	Attempts int
}

func (e *RequestRejectedError) Error() string {
	return fmt.Sprintf("hosts: remote rejected after %d attempt(s): %s %s", e.Attempts, e.Code, e.Text)
}

// RequestErroredError reports a remote error acknowledgement (AE/CE)
// resolved to fail by reply_code_actions, or retries running out.
type RequestErroredError struct {
	Code     hl7.AckCode
	Text     string
	Attempts int
}

func (e *RequestErroredError) Error() string {
	return fmt.Sprintf("hosts: remote errored after %d attempt(s): %s %s", e.Attempts, e.Code, e.Text)
}

// HL7Operation delivers HL7 v2 messages to a remote MLLP endpoint: frame,
// write, await the acknowledgement, act on it per reply_code_actions. The
// connection is held open between messages (stay_connected) and rebuilt on
// any transport failure, with exponential backoff between attempts capped by
// reconnect_interval.
type HL7Operation struct {
	name string
	deps Deps
	log  *slog.Logger

	cfgMu   sync.Mutex
	set     operationSettings
	actions *hl7.ReplyActions

	connMu sync.Mutex // serialises exchanges; guards conn/dec/wr
	conn   net.Conn
	dec    *mllp.Decoder
	wr     *mllp.Writer
}

// NewHL7Operation builds the outbound client behaviour for one item.
func NewHL7Operation(deps Deps, item *config.Item) (host.Behaviour, error) {
	set, actions, err := operationConfig(item)
	if err != nil {
		return nil, err
	}
	return &HL7Operation{
		name:    item.Name,
		deps:    deps,
		log:     deps.logger().With("item", item.Name),
		set:     set,
		actions: actions,
	}, nil
}

func operationConfig(item *config.Item) (operationSettings, *hl7.ReplyActions, error) {
	var set operationSettings
	if err := DecodeAdapter(item.Adapter, &set); err != nil {
		return set, nil, fmt.Errorf("%s: %w", item.Name, err)
	}
	set.defaults()
	if set.IPAddress == "" {
		return set, nil, fmt.Errorf("%s: ip_address is required", item.Name)
	}
	if set.Port < 1 || set.Port > 65535 {
		return set, nil, fmt.Errorf("%s: port %d out of range", item.Name, set.Port)
	}
	actions, err := hl7.ParseReplyActions(item.Host.ReplyCodeActions)
	if err != nil {
		return set, nil, fmt.Errorf("%s: %w", item.Name, err)
	}
	return set, actions, nil
}

// Process delivers one envelope and returns the acknowledgement as a derived
// envelope, which resolves the sender's slot on synchronous patterns.
func (o *HL7Operation) Process(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	if env.Payload == nil || len(env.Payload.Raw) == 0 {
		return nil, fmt.Errorf("%s: message %s has no payload", o.name, env.MessageID)
	}
	o.cfgMu.Lock()
	set := o.set
	actions := o.actions
	o.cfgMu.Unlock()

	if set.FailureTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, set.FailureTimeout.Std())
		defer cancel()
	}

	visit := tracer.VisitFrom(ctx)
	if visit != nil {
		visit.SetRemote(set.IPAddress, set.Port)
	}

	raw := env.Payload.Raw
	var refs []string
	if set.ArchiveIO && o.deps.Archive != nil {
		refs = o.archive(visit, refs, raw)
	}

	maxRetries := set.maxRetries()
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if visit != nil {
				visit.SetRetryCount(attempt)
			}
			if err := o.backoff(ctx, attempt, set); err != nil {
				return nil, lastErr
			}
		}

		ackRaw, err := o.exchange(ctx, raw, set)
		if err != nil {
			lastErr = err
			o.log.Warn("delivery attempt failed", "attempt", attempt+1, "error", err)
			if attempt >= maxRetries {
				return nil, lastErr
			}
			continue
		}

		ack, perr := hl7.ParseAck(ackRaw)
		if perr != nil {
			// A garbled acknowledgement means the stream can no longer be
			// trusted; reconnect and retry like a transport failure.
			lastErr = &DeliveryError{Stage: "await_ack", Addr: set.addr(), Err: perr}
			o.dropConn()
			if attempt >= maxRetries {
				return nil, lastErr
			}
			continue
		}
		if visit != nil {
			visit.SetAck(string(ack.Code), string(ackRaw))
		}

		switch actions.Match(ack.Code) {
		case hl7.ActionSuccess:
			if set.ArchiveIO && o.deps.Archive != nil {
				o.archive(visit, refs, ackRaw)
			}
			return o.reply(env, ackRaw), nil

		case hl7.ActionWarn:
			o.log.Warn("acknowledgement downgraded to warning", "code", ack.Code, "text", ack.Text)
			if visit != nil {
				visit.Note(fmt.Sprintf("ack %s downgraded to warning: %s", ack.Code, ack.Text))
			}
			if set.ArchiveIO && o.deps.Archive != nil {
				o.archive(visit, refs, ackRaw)
			}
			return o.reply(env, ackRaw).WithTag("ack_warning"), nil

		case hl7.ActionRetry:
			lastErr = ackFailure(ack, attempt+1)
			o.log.Warn("retrying on acknowledgement", "code", ack.Code, "attempt", attempt+1)
			if attempt >= maxRetries {
				return nil, lastErr
			}
			continue

		default: // hl7.ActionFail
			return nil, ackFailure(ack, attempt+1)
		}
	}
}

// exchange performs one framed write and ack read on the shared connection,
// dialing first when none is open. Any failure drops the connection.
func (o *HL7Operation) exchange(ctx context.Context, raw []byte, set operationSettings) ([]byte, error) {
	o.connMu.Lock()
	defer o.connMu.Unlock()

	if o.conn == nil {
		d := net.Dialer{Timeout: set.ConnectTimeout.Std()}
		conn, err := d.DialContext(ctx, "tcp", set.addr())
		if err != nil {
			return nil, &ConnectError{Addr: set.addr(), Err: err}
		}
		o.conn = conn
		o.dec = mllp.NewDecoder(conn,
			mllp.WithMaxMessageSize(set.MaxMessageSize),
			mllp.WithReadTimeout(set.AckTimeout.Std()),
		)
		o.wr = mllp.NewWriter(conn)
		o.log.Info("connected", "addr", set.addr())
	}

	if err := o.conn.SetWriteDeadline(time.Now().Add(set.WriteTimeout.Std())); err != nil {
		o.closeLocked()
		return nil, &DeliveryError{Stage: "write", Addr: set.addr(), Err: err}
	}
	if err := o.wr.WriteFrame(raw); err != nil {
		o.closeLocked()
		return nil, &DeliveryError{Stage: "write", Addr: set.addr(), Err: err}
	}

	payload, err := o.dec.Next()
	if err != nil {
		o.closeLocked()
		return nil, &DeliveryError{Stage: "await_ack", Addr: set.addr(), Err: err}
	}

	if !set.stayConnected() {
		o.closeLocked()
	}
	return payload, nil
}

func (o *HL7Operation) closeLocked() {
	if o.conn != nil {
		o.conn.Close()
	}
	o.conn = nil
	o.dec = nil
	o.wr = nil
}

func (o *HL7Operation) dropConn() {
	o.connMu.Lock()
	o.closeLocked()
	o.connMu.Unlock()
}

// backoff sleeps before retry n (1-based): retry_interval doubling per
// attempt, capped at reconnect_interval.
func (o *HL7Operation) backoff(ctx context.Context, attempt int, set operationSettings) error {
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	delay := set.RetryInterval.Std() << shift
	if limit := set.ReconnectInterval.Std(); limit > 0 && delay > limit {
		delay = limit
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reply derives the acknowledgement envelope returned to the sender.
func (o *HL7Operation) reply(env *envelope.Envelope, ackRaw []byte) *envelope.Envelope {
	return env.Derive("ACK", envelope.NewPayload(ackRaw, "ACK", "urn:hl7-org:v2"))
}

func (o *HL7Operation) archive(visit *tracer.Visit, refs []string, data []byte) []string {
	ref, err := o.deps.Archive.Put(data)
	if err != nil {
		o.log.Warn("archive put failed", "error", err)
		return refs
	}
	refs = append(refs, ref)
	if visit != nil {
		visit.SetContentRef(strings.Join(refs, ","))
	}
	return refs
}

// OnStop implements host.Stopper: the connection closes after the drain, so
// in-flight deliveries finish on it first.
func (o *HL7Operation) OnStop(context.Context) error {
	o.dropConn()
	return nil
}

// OnReload adopts new settings and drops the connection so the next delivery
// dials the (possibly changed) endpoint.
func (o *HL7Operation) OnReload(item *config.Item) error {
	set, actions, err := operationConfig(item)
	if err != nil {
		return err
	}
	o.cfgMu.Lock()
	o.set = set
	o.actions = actions
	o.cfgMu.Unlock()
	o.dropConn()
	return nil
}

// Address implements host.Addresser with the remote endpoint this operation
// delivers to.
func (o *HL7Operation) Address() string {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()
	return o.set.addr()
}

func ackFailure(ack hl7.Ack, attempts int) error {
	if ack.Code.IsReject() {
		return &RequestRejectedError{Code: ack.Code, Text: ack.Text, Attempts: attempts}
	}
	return &RequestErroredError{Code: ack.Code, Text: ack.Text, Attempts: attempts}
}
