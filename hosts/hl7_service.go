package hosts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/netutil"

	"github.com/hazyhaar/liaison/config"
	"github.com/hazyhaar/liaison/envelope"
	"github.com/hazyhaar/liaison/hl7"
	"github.com/hazyhaar/liaison/host"
	"github.com/hazyhaar/liaison/mllp"
	"github.com/hazyhaar/liaison/queue"
)

type serviceSettings struct {
	Port           int             `yaml:"port"`
	BindAddress    string          `yaml:"bind_address"`
	MaxConnections int             `yaml:"max_connections"`
	ReadTimeout    config.Duration `yaml:"read_timeout"`
	MaxMessageSize int             `yaml:"max_message_size"`
	SchemaCategory string          `yaml:"message_schema_category"`
}

func (s *serviceSettings) defaults() {
	if s.BindAddress == "" {
		s.BindAddress = "0.0.0.0"
	}
	if s.MaxConnections == 0 {
		s.MaxConnections = 64
	}
	if s.MaxMessageSize == 0 {
		s.MaxMessageSize = mllp.DefaultMaxMessageSize
	}
	if s.SchemaCategory == "" {
		s.SchemaCategory = "2.4"
	}
}

// HL7Service accepts HL7 v2 messages over MLLP. Each connection gets a
// reader goroutine that decodes frames, stamps a session, makes the message
// durable and dispatches it to the item's targets; the acknowledgement sent
// back follows the configured ack_mode.
//
// Live traffic never passes through the host's queue: the connection
// goroutine dispatches directly so the acknowledgement can reflect the
// outcome. The queue only sees envelopes replayed from the log after a
// restart; Process forwards those untouched and the worker loop routes them.
type HL7Service struct {
	name string
	deps Deps
	log  *slog.Logger
	fail func(error)

	mu     sync.Mutex
	item   *config.Item
	set    serviceSettings
	ln     net.Listener
	cancel context.CancelFunc
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// NewHL7Service builds the inbound listener behaviour for one item.
func NewHL7Service(deps Deps, item *config.Item) (host.Behaviour, error) {
	var set serviceSettings
	if err := DecodeAdapter(item.Adapter, &set); err != nil {
		return nil, fmt.Errorf("%s: %w", item.Name, err)
	}
	set.defaults()
	if set.Port < 0 || set.Port > 65535 {
		return nil, fmt.Errorf("%s: port %d out of range", item.Name, set.Port)
	}
	return &HL7Service{
		name:  item.Name,
		deps:  deps,
		log:   deps.logger().With("item", item.Name),
		item:  item,
		set:   set,
		conns: make(map[net.Conn]struct{}),
	}, nil
}

// Process forwards a replayed envelope unchanged; the worker loop routes it
// to the configured targets.
func (s *HL7Service) Process(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	return env, nil
}

// SetFailure implements host.Supervised: a dead accept loop reports through
// fn so the supervisor can restart the host.
func (s *HL7Service) SetFailure(fn func(error)) { s.fail = fn }

// OnStart binds the listener and starts accepting.
func (s *HL7Service) OnStart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	addr := net.JoinHostPort(s.set.BindAddress, strconv.Itoa(s.set.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%s: listen %s: %w", s.name, addr, err)
	}
	if s.set.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.set.MaxConnections)
	}
	s.ln = ln

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.acceptLoop(runCtx, ln)

	s.log.Info("hl7 service listening",
		"addr", ln.Addr().String(), "max_connections", s.set.MaxConnections,
		"ack_mode", s.item.Host.AckMode)
	return nil
}

// Address implements host.Addresser with the bound listener address.
func (s *HL7Service) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// OnQuiesce stops intake: the listener and every open connection close, and
// the connection goroutines are waited out so the host's drain sees a
// bounded backlog.
func (s *HL7Service) OnQuiesce(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	cancel := s.cancel
	s.cancel = nil
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		if err := ln.Close(); err != nil {
			s.log.Warn("listener close failed", "error", err)
		}
	}
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnStop releases anything OnQuiesce has not already closed.
func (s *HL7Service) OnStop(ctx context.Context) error { return s.OnQuiesce(ctx) }

// OnReload adopts the new item settings. The host restarts the behaviour
// around this call, so a changed port rebinds in OnStart.
func (s *HL7Service) OnReload(item *config.Item) error {
	var set serviceSettings
	if err := DecodeAdapter(item.Adapter, &set); err != nil {
		return fmt.Errorf("%s: %w", item.Name, err)
	}
	set.defaults()
	s.mu.Lock()
	s.item = item
	s.set = set
	s.mu.Unlock()
	return nil
}

func (s *HL7Service) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("accept failed", "error", err)
			if s.fail != nil {
				s.fail(fmt.Errorf("accept: %w", err))
			}
			return
		}

		s.mu.Lock()
		if s.ln == nil {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(ctx, conn)
	}
}

func (s *HL7Service) serve(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	s.mu.Lock()
	set := s.set
	item := s.item
	s.mu.Unlock()

	remoteHost, remotePort := splitRemote(conn.RemoteAddr())
	s.log.Debug("connection open", "remote", conn.RemoteAddr().String())

	dec := mllp.NewDecoder(conn,
		mllp.WithMaxMessageSize(set.MaxMessageSize),
		mllp.WithReadTimeout(set.ReadTimeout.Std()),
	)
	wr := mllp.NewWriter(conn)

	for {
		payload, err := dec.Next()
		if err != nil {
			if s.handleReadError(wr, err) {
				continue
			}
			return
		}
		if err := s.handleMessage(ctx, wr, payload, set, item, remoteHost, remotePort); err != nil {
			s.log.Error("closing connection", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}
	}
}

// handleReadError settles one decode failure. True means the decoder has
// resynchronised and the connection keeps going.
func (s *HL7Service) handleReadError(wr *mllp.Writer, err error) bool {
	var tooBig *mllp.MessageTooLargeError
	var trunc *mllp.TruncatedError
	var framing *mllp.FramingError
	var timeout *mllp.ReadTimeoutError
	switch {
	case errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed):
		return false
	case errors.As(err, &tooBig):
		s.log.Warn("frame over size limit rejected", "limit", tooBig.Max)
		s.respond(wr, hl7.AckReject, fmt.Sprintf("message exceeds %d bytes", tooBig.Max))
		return true
	case errors.As(err, &trunc):
		s.log.Warn("truncated frame", "payload_bytes", trunc.Read)
		s.respond(wr, hl7.AckError, "truncated frame")
		return false
	case errors.As(err, &framing):
		s.log.Warn("framing error, resynchronising", "error", err)
		return true
	case errors.As(err, &timeout):
		s.log.Debug("connection idle past read timeout")
		return false
	default:
		s.log.Warn("read failed", "error", err)
		return false
	}
}

// handleMessage carries one frame from parse to acknowledgement. A non-nil
// return closes the connection; that is reserved for durability failures,
// where continuing would keep acknowledging messages the engine cannot
// guarantee.
func (s *HL7Service) handleMessage(ctx context.Context, wr *mllp.Writer, payload []byte, set serviceSettings, item *config.Item, remoteHost string, remotePort int) error {
	msg, perr := hl7.Parse(payload)
	if perr != nil {
		return s.handleBadMessage(ctx, wr, payload, item, remoteHost, remotePort, perr)
	}

	msgType := msg.MessageType()
	schema := set.SchemaCategory + ":" + strings.ReplaceAll(msgType, "^", "_")
	env := envelope.New(msgType, envelope.NewPayload(payload, schema, "urn:hl7-org:v2")).
		WithSession(s.deps.Tracer.NewSession()).
		WithSource(s.name).
		WithBodyClass("hl7.Message")

	visit := s.deps.Tracer.Begin(s.name, string(config.ServiceItem), "inbound", env)
	visit.SetRemote(remoteHost, remotePort)

	// Durability before acknowledgement: the log record is the custody
	// hand-off. If it cannot be written, refuse the message and drop the
	// connection.
	if err := s.deps.Log.Append(ctx, s.deps.Project, s.name, env); err != nil {
		visit.Fail(err)
		s.ack(wr, payload, hl7.AckError, "message could not be stored")
		return fmt.Errorf("append %s: %w", env.MessageID, err)
	}

	switch item.Host.AckMode {
	case config.AckImmediate:
		// Custody is taken the moment the commit ack leaves; a dispatch
		// failure afterwards is ours to dead-letter.
		ackContent := s.ack(wr, payload, hl7.AckCommitAccept, "")
		visit.SetAck(string(hl7.AckCommitAccept), ackContent)
		if err := s.dispatch(ctx, env, item); err != nil {
			s.settleDispatchFailure(ctx, env, err)
			visit.Fail(err)
			return nil
		}
		visit.Complete(string(envelope.StateDelivered))
		return nil

	case config.AckNever:
		if err := s.dispatch(ctx, env, item); err != nil {
			s.settleDispatchFailure(ctx, env, err)
			visit.Fail(err)
			return nil
		}
		visit.Complete(string(envelope.StateDelivered))
		return nil

	default: // Application
		err := s.dispatch(ctx, env, item)
		if err != nil {
			// The negative ack refuses custody; the terminal record stops the
			// replayer from resurrecting a message the sender will resend.
			s.appendState(ctx, env, envelope.StateFailed)
			code, text := ackCodeForError(err)
			ackContent := s.ack(wr, payload, code, text)
			visit.SetAck(string(code), ackContent)
			visit.Fail(err)
			return nil
		}
		ackContent := s.ack(wr, payload, hl7.AckAccept, "")
		visit.SetAck(string(hl7.AckAccept), ackContent)
		visit.Complete(string(envelope.StateDelivered))
		return nil
	}
}

// handleBadMessage settles a frame that is not parseable HL7: routed to the
// configured bad message handler (custody accepted, commit ack), or refused
// with an application error.
func (s *HL7Service) handleBadMessage(ctx context.Context, wr *mllp.Writer, payload []byte, item *config.Item, remoteHost string, remotePort int, perr error) error {
	env := envelope.New("HL7.unparseable", envelope.NewPayload(payload, "", "")).
		WithSession(s.deps.Tracer.NewSession()).
		WithSource(s.name).
		WithBodyClass("bytes.Raw")
	visit := s.deps.Tracer.Begin(s.name, string(config.ServiceItem), "inbound", env)
	visit.SetRemote(remoteHost, remotePort)

	handler := item.Host.BadMessageHandler
	if handler == "" {
		s.log.Warn("unparseable message refused", "error", perr)
		visit.Fail(perr)
		s.respond(wr, hl7.AckError, "unparseable message")
		return nil
	}

	if err := s.deps.Log.Append(ctx, s.deps.Project, s.name, env); err != nil {
		visit.Fail(err)
		s.respond(wr, hl7.AckError, "message could not be stored")
		return fmt.Errorf("append %s: %w", env.MessageID, err)
	}
	if _, err := s.deps.Broker.SendAsync(ctx, s.name, handler, env); err != nil {
		s.appendState(ctx, env, envelope.StateFailed)
		visit.Fail(err)
		s.respond(wr, hl7.AckError, "bad message handler unavailable")
		return nil
	}
	s.log.Warn("unparseable message routed", "handler", handler, "error", perr)
	visit.SetDestination(handler)
	visit.Note("unparseable: " + perr.Error())
	visit.Complete(string(envelope.StateDelivered))
	s.respond(wr, hl7.AckCommitAccept, "")
	return nil
}

// dispatch forwards the envelope to the item's targets: the first target
// gets the instance itself, fan-out siblings get derived copies. An empty
// target list absorbs the message.
func (s *HL7Service) dispatch(ctx context.Context, env *envelope.Envelope, item *config.Item) error {
	targets := item.Host.Targets
	if len(targets) == 0 {
		s.appendState(ctx, env, envelope.StateDelivered)
		return nil
	}

	var errs []error
	for i, target := range targets {
		out := env
		if i > 0 {
			out = env.Derive(env.MessageType, env.Payload.Clone())
		}
		var err error
		if s.deps.Broker.Synchronous(target) {
			_, err = s.deps.Broker.SendSync(ctx, s.name, target, out, item.Host.MessageTimeout.Std())
			if err != nil {
				err = host.WrapDownstream(target, err)
			}
		} else {
			_, err = s.deps.Broker.SendAsync(ctx, s.name, target, out)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// settleDispatchFailure records the terminal state for a message the service
// already acknowledged (or will never acknowledge) and dead-letters it when
// no other host has.
func (s *HL7Service) settleDispatchFailure(ctx context.Context, env *envelope.Envelope, err error) {
	s.appendState(ctx, env, envelope.StateFailed)
	if !host.AlreadySettled(err) {
		s.deps.Broker.DeadLetter(ctx, env.WithState(envelope.StateFailed), err.Error())
	}
}

func (s *HL7Service) appendState(ctx context.Context, env *envelope.Envelope, st envelope.State) {
	if err := s.deps.Log.Append(ctx, s.deps.Project, s.name, env.WithState(st)); err != nil {
		s.log.Error("append failed", "message_id", env.MessageID, "state", st, "error", err)
	}
}

// ack mirrors the original message into an acknowledgement and writes it.
// The rendered ack is returned for the trace row.
func (s *HL7Service) ack(wr *mllp.Writer, original []byte, code hl7.AckCode, text string) string {
	ackBytes, err := hl7.BuildAck(original, code, text, hl7.AckOptions{})
	if err != nil {
		ackBytes = hl7.BuildReject(code, text, hl7.AckOptions{})
	}
	if werr := wr.WriteFrame(ackBytes); werr != nil {
		s.log.Warn("ack write failed", "error", werr)
	}
	return string(ackBytes)
}

// respond writes a free-standing acknowledgement for input with no
// mirrorable MSH.
func (s *HL7Service) respond(wr *mllp.Writer, code hl7.AckCode, text string) {
	if err := wr.WriteFrame(hl7.BuildReject(code, text, hl7.AckOptions{})); err != nil {
		s.log.Warn("nack write failed", "error", err)
	}
}

// ackCodeForError picks the negative acknowledgement for a dispatch failure:
// a downstream rejection mirrors back as AR, everything else as AE.
func ackCodeForError(err error) (hl7.AckCode, string) {
	var rej *RequestRejectedError
	if errors.As(err, &rej) {
		return hl7.AckReject, rej.Text
	}
	var full *queue.FullError
	if errors.As(err, &full) {
		return hl7.AckError, "destination queue full"
	}
	return hl7.AckError, err.Error()
}

func splitRemote(addr net.Addr) (string, int) {
	h, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(p)
	return h, port
}
