package hosts

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/liaison/archive"
	"github.com/hazyhaar/liaison/config"
	"github.com/hazyhaar/liaison/envelope"
	"github.com/hazyhaar/liaison/hl7"
	"github.com/hazyhaar/liaison/mllp"
)

// --- scripted MLLP endpoint ---

// serverStep scripts the response to one received frame: answer with an ack
// code (zero value means AA), answer with raw bytes, or drop the connection.
type serverStep struct {
	code hl7.AckCode
	raw  []byte
	drop bool
}

type mllpServer struct {
	ln net.Listener

	mu       sync.Mutex
	script   []serverStep
	received [][]byte
	conns    int
}

func newMLLPServer(t *testing.T, script ...serverStep) *mllpServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &mllpServer{ln: ln, script: script}
	t.Cleanup(func() { ln.Close() })
	go s.acceptLoop()
	return s
}

func (s *mllpServer) hostPort(t *testing.T) (string, int) {
	t.Helper()
	return listenerHostPort(t, s.ln)
}

func listenerHostPort(t *testing.T, ln net.Listener) (string, int) {
	t.Helper()
	h, p, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		t.Fatalf("port %q: %v", p, err)
	}
	return h, port
}

func (s *mllpServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *mllpServer) serve(conn net.Conn) {
	defer conn.Close()
	dec := mllp.NewDecoder(conn)
	wr := mllp.NewWriter(conn)
	for {
		payload, err := dec.Next()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, payload)
		var step serverStep
		if len(s.script) > 0 {
			step = s.script[0]
			s.script = s.script[1:]
		}
		s.mu.Unlock()

		if step.drop {
			return
		}
		resp := step.raw
		if resp == nil {
			code := step.code
			if code == "" {
				code = hl7.AckAccept
			}
			resp, err = hl7.BuildAck(payload, code, "", hl7.AckOptions{})
			if err != nil {
				return
			}
		}
		if err := wr.WriteFrame(resp); err != nil {
			return
		}
	}
}

func (s *mllpServer) receivedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func (s *mllpServer) receivedPayloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.received...)
}

func (s *mllpServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// --- helpers ---

func operationItem(ip string, port int, actions string, extra map[string]any) *config.Item {
	adapter := map[string]any{
		"ip_address":         ip,
		"port":               port,
		"connect_timeout":    "2s",
		"write_timeout":      "2s",
		"ack_timeout":        "2s",
		"retry_interval":     "10ms",
		"reconnect_interval": "50ms",
	}
	for k, v := range extra {
		adapter[k] = v
	}
	return &config.Item{
		Name:     "Lab.Out",
		Type:     config.OperationItem,
		Class:    ClassHL7Operation,
		PoolSize: 1,
		Adapter:  adapter,
		Host: config.HostSettings{
			ReplyCodeActions: actions,
			MessageTimeout:   config.Duration(2 * time.Second),
		},
	}
}

func newOperation(t *testing.T, r *rig, item *config.Item) *HL7Operation {
	t.Helper()
	b, err := NewHL7Operation(r.deps, item)
	if err != nil {
		t.Fatalf("NewHL7Operation: %v", err)
	}
	op := b.(*HL7Operation)
	t.Cleanup(func() { op.OnStop(context.Background()) })
	return op
}

// --- tests ---

func TestOperationDeliversAndReturnsAck(t *testing.T) {
	r := newRig(t)
	srv := newMLLPServer(t)
	ip, port := srv.hostPort(t)
	op := newOperation(t, r, operationItem(ip, port, "", nil))

	env := hl7Env(sampleADT)
	out, err := op.Process(context.Background(), env)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.MessageType != "ACK" {
		t.Fatalf("reply type = %q", out.MessageType)
	}
	if out.CausationID != env.MessageID {
		t.Fatalf("causation = %q, want %q", out.CausationID, env.MessageID)
	}
	if out.SessionID != env.SessionID {
		t.Fatal("reply must stay in the session")
	}
	if out.Payload.SchemaName != "ACK" || out.Payload.SchemaNamespace != "urn:hl7-org:v2" {
		t.Fatalf("reply schema = %q %q", out.Payload.SchemaName, out.Payload.SchemaNamespace)
	}

	ack, err := hl7.ParseAck(out.Payload.Raw)
	if err != nil {
		t.Fatalf("ParseAck: %v", err)
	}
	if ack.Code != hl7.AckAccept {
		t.Fatalf("ack code = %s", ack.Code)
	}
	if ack.ControlID != "CTRL-77" {
		t.Fatalf("ack control id = %q", ack.ControlID)
	}

	got := srv.receivedPayloads()
	if len(got) != 1 || string(got[0]) != sampleADT {
		t.Fatalf("server received %d frames", len(got))
	}
}

func TestOperationRejectFails(t *testing.T) {
	r := newRig(t)
	srv := newMLLPServer(t, serverStep{code: hl7.AckReject})
	ip, port := srv.hostPort(t)
	op := newOperation(t, r, operationItem(ip, port, "", nil))

	_, err := op.Process(context.Background(), hl7Env(sampleADT))
	var rej *RequestRejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("error = %T (%v), want *RequestRejectedError", err, err)
	}
	if rej.Code != hl7.AckReject || rej.Attempts != 1 {
		t.Fatalf("code=%s attempts=%d", rej.Code, rej.Attempts)
	}
	// A reject is final under the default actions: no retry.
	if srv.receivedCount() != 1 {
		t.Fatalf("server received %d frames, want 1", srv.receivedCount())
	}
}

func TestOperationRetriesOnAckError(t *testing.T) {
	r := newRig(t)
	srv := newMLLPServer(t,
		serverStep{code: hl7.AckError},
		serverStep{code: hl7.AckAccept},
	)
	ip, port := srv.hostPort(t)
	op := newOperation(t, r, operationItem(ip, port, ":AA=S,:?E=R", nil))

	out, err := op.Process(context.Background(), hl7Env(sampleADT))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	ack, err := hl7.ParseAck(out.Payload.Raw)
	if err != nil {
		t.Fatalf("ParseAck: %v", err)
	}
	if ack.Code != hl7.AckAccept {
		t.Fatalf("final ack = %s, want AA", ack.Code)
	}
	if srv.receivedCount() != 2 {
		t.Fatalf("server received %d frames, want 2", srv.receivedCount())
	}
}

func TestOperationRetryExhausted(t *testing.T) {
	r := newRig(t)
	srv := newMLLPServer(t,
		serverStep{code: hl7.AckError},
		serverStep{code: hl7.AckError},
	)
	ip, port := srv.hostPort(t)
	op := newOperation(t, r, operationItem(ip, port, ":AA=S,:?E=R",
		map[string]any{"max_retries": 1}))

	_, err := op.Process(context.Background(), hl7Env(sampleADT))
	var rerr *RequestErroredError
	if !errors.As(err, &rerr) {
		t.Fatalf("error = %T (%v), want *RequestErroredError", err, err)
	}
	if rerr.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", rerr.Attempts)
	}
	if srv.receivedCount() != 2 {
		t.Fatalf("server received %d frames, want 2", srv.receivedCount())
	}
}

func TestOperationWarnTagsReply(t *testing.T) {
	r := newRig(t)
	srv := newMLLPServer(t, serverStep{code: hl7.AckError})
	ip, port := srv.hostPort(t)
	op := newOperation(t, r, operationItem(ip, port, ":?E=W,:AA=S", nil))

	out, err := op.Process(context.Background(), hl7Env(sampleADT))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !out.HasTag("ack_warning") {
		t.Fatalf("tags = %v, want ack_warning", out.Tags)
	}
	ack, err := hl7.ParseAck(out.Payload.Raw)
	if err != nil {
		t.Fatalf("ParseAck: %v", err)
	}
	if ack.Code != hl7.AckError {
		t.Fatalf("ack code = %s, want AE", ack.Code)
	}
}

func TestOperationReconnectsAfterDrop(t *testing.T) {
	r := newRig(t)
	srv := newMLLPServer(t,
		serverStep{drop: true},
		serverStep{code: hl7.AckAccept},
	)
	ip, port := srv.hostPort(t)
	op := newOperation(t, r, operationItem(ip, port, "", nil))

	if _, err := op.Process(context.Background(), hl7Env(sampleADT)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if srv.connCount() != 2 {
		t.Fatalf("connections = %d, want 2", srv.connCount())
	}
	if srv.receivedCount() != 2 {
		t.Fatalf("server received %d frames, want 2", srv.receivedCount())
	}
}

func TestOperationGarbledAckRedials(t *testing.T) {
	r := newRig(t)
	srv := newMLLPServer(t,
		serverStep{raw: []byte("XXX not an acknowledgement")},
		serverStep{code: hl7.AckAccept},
	)
	ip, port := srv.hostPort(t)
	op := newOperation(t, r, operationItem(ip, port, "", nil))

	if _, err := op.Process(context.Background(), hl7Env(sampleADT)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	// The stream was abandoned after the unparseable ack.
	if srv.connCount() != 2 {
		t.Fatalf("connections = %d, want 2", srv.connCount())
	}
}

func TestOperationStayConnectedReusesConnection(t *testing.T) {
	r := newRig(t)
	srv := newMLLPServer(t)
	ip, port := srv.hostPort(t)
	op := newOperation(t, r, operationItem(ip, port, "", nil))

	for i := 0; i < 2; i++ {
		if _, err := op.Process(context.Background(), hl7Env(sampleADT)); err != nil {
			t.Fatalf("Process #%d: %v", i+1, err)
		}
	}
	if srv.connCount() != 1 {
		t.Fatalf("connections = %d, want 1", srv.connCount())
	}
}

func TestOperationTransientConnection(t *testing.T) {
	r := newRig(t)
	srv := newMLLPServer(t)
	ip, port := srv.hostPort(t)
	op := newOperation(t, r, operationItem(ip, port, "",
		map[string]any{"stay_connected": false}))

	for i := 0; i < 2; i++ {
		if _, err := op.Process(context.Background(), hl7Env(sampleADT)); err != nil {
			t.Fatalf("Process #%d: %v", i+1, err)
		}
	}
	if srv.connCount() != 2 {
		t.Fatalf("connections = %d, want 2", srv.connCount())
	}
}

func TestOperationConnectFailure(t *testing.T) {
	r := newRig(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ip, port := listenerHostPort(t, ln)
	ln.Close()

	op := newOperation(t, r, operationItem(ip, port, "",
		map[string]any{"max_retries": -1}))
	_, err = op.Process(context.Background(), hl7Env(sampleADT))
	var cerr *ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %T (%v), want *ConnectError", err, err)
	}
}

func TestOperationFailureTimeoutReturnsLastError(t *testing.T) {
	r := newRig(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ip, port := listenerHostPort(t, ln)
	ln.Close()

	op := newOperation(t, r, operationItem(ip, port, "",
		map[string]any{"failure_timeout": "30ms"}))
	_, err = op.Process(context.Background(), hl7Env(sampleADT))
	// The budget runs out mid-backoff; the caller still sees the delivery
	// failure, not the context error.
	var cerr *ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %T (%v), want *ConnectError", err, err)
	}
}

func TestOperationArchiveIO(t *testing.T) {
	r := newRig(t)
	dir := t.TempDir()
	arc, err := archive.Open(dir)
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	deps := r.deps
	deps.Archive = arc

	srv := newMLLPServer(t)
	ip, port := srv.hostPort(t)
	b, err := NewHL7Operation(deps, operationItem(ip, port, "",
		map[string]any{"archive_io": true}))
	if err != nil {
		t.Fatalf("NewHL7Operation: %v", err)
	}
	op := b.(*HL7Operation)
	t.Cleanup(func() { op.OnStop(context.Background()) })

	if _, err := op.Process(context.Background(), hl7Env(sampleADT)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// Message and acknowledgement are both kept.
	if got := countArchived(t, dir); got != 2 {
		t.Fatalf("archived blobs = %d, want 2", got)
	}
	// The store is content addressed: re-putting the message bytes must not
	// add a third blob.
	if _, err := arc.Put([]byte(sampleADT)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got := countArchived(t, dir); got != 2 {
		t.Fatal("outbound message bytes were not archived")
	}
}

func countArchived(t *testing.T, dir string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WalkDir: %v", err)
	}
	return n
}

func TestOperationReloadMovesEndpoint(t *testing.T) {
	r := newRig(t)
	srvA := newMLLPServer(t)
	ipA, portA := srvA.hostPort(t)
	op := newOperation(t, r, operationItem(ipA, portA, "", nil))

	if _, err := op.Process(context.Background(), hl7Env(sampleADT)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	srvB := newMLLPServer(t)
	ipB, portB := srvB.hostPort(t)
	if err := op.OnReload(operationItem(ipB, portB, "", nil)); err != nil {
		t.Fatalf("OnReload: %v", err)
	}
	if got, want := op.Address(), net.JoinHostPort(ipB, strconv.Itoa(portB)); got != want {
		t.Fatalf("address = %q, want %q", got, want)
	}

	if _, err := op.Process(context.Background(), hl7Env(sampleORU)); err != nil {
		t.Fatalf("Process after reload: %v", err)
	}
	if srvA.receivedCount() != 1 || srvB.receivedCount() != 1 {
		t.Fatalf("frames: a=%d b=%d, want 1/1", srvA.receivedCount(), srvB.receivedCount())
	}
}

func TestOperationRejectsBadConfig(t *testing.T) {
	r := newRig(t)
	item := operationItem("127.0.0.1", 2575, "", nil)
	delete(item.Adapter, "ip_address")
	if _, err := NewHL7Operation(r.deps, item); err == nil {
		t.Fatal("missing ip_address must fail")
	}

	if _, err := NewHL7Operation(r.deps, operationItem("127.0.0.1", 0, "", nil)); err == nil {
		t.Fatal("port 0 must fail")
	}

	if _, err := NewHL7Operation(r.deps, operationItem("127.0.0.1", 2575, "AA=S", nil)); err == nil {
		t.Fatal("malformed reply_code_actions must fail")
	}
}

func TestOperationRequiresPayload(t *testing.T) {
	r := newRig(t)
	op := newOperation(t, r, operationItem("127.0.0.1", 2575, "", nil))
	if _, err := op.Process(context.Background(), envelope.New("ADT^A01", nil)); err == nil {
		t.Fatal("empty payload must fail")
	}
}
