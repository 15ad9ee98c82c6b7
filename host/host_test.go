package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/liaison/broker"
	"github.com/hazyhaar/liaison/config"
	"github.com/hazyhaar/liaison/dbopen"
	"github.com/hazyhaar/liaison/envelope"
	"github.com/hazyhaar/liaison/msgstore"
	"github.com/hazyhaar/liaison/queue"
	"github.com/hazyhaar/liaison/runner"
	"github.com/hazyhaar/liaison/tracer"
	"github.com/hazyhaar/liaison/wal"
)

// --- test rig ---

type rig struct {
	log  *wal.Log
	reg  *broker.Registry
	brok *broker.Broker
	trc  *tracer.Tracer

	mu       sync.Mutex
	bindings map[string]broker.Target
	dead     []string // "messageID: reason"
}

func newRig(t *testing.T) *rig {
	t.Helper()
	log, err := wal.Open(t.TempDir(), wal.Options{})
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	store := msgstore.New(dbopen.OpenMemory(t))
	if err := store.Init(); err != nil {
		t.Fatalf("store.Init: %v", err)
	}
	w := msgstore.NewWriter(store, 256)
	t.Cleanup(func() { w.Close() })

	r := &rig{
		log:      log,
		reg:      broker.NewRegistry(),
		trc:      tracer.New("test-project", w),
		bindings: make(map[string]broker.Target),
	}
	r.brok = broker.New("test-project", log, r.reg, broker.Options{
		DeadLetter: func(_ context.Context, env *envelope.Envelope, reason string) {
			r.mu.Lock()
			r.dead = append(r.dead, env.MessageID+": "+reason)
			r.mu.Unlock()
		},
	})
	return r
}

func (r *rig) bind(h *Host) {
	r.mu.Lock()
	r.bindings[h.Name()] = h
	snap := make(map[string]broker.Target, len(r.bindings))
	for k, v := range r.bindings {
		snap[k] = v
	}
	r.mu.Unlock()
	r.reg.Swap(snap)
}

func (r *rig) deadLetters() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dead...)
}

func (r *rig) newHost(t *testing.T, item *config.Item, b Behaviour) *Host {
	t.Helper()
	h, err := New(Config{
		Project:   "test-project",
		Item:      item,
		Behaviour: b,
		Broker:    r.brok,
		Tracer:    r.trc,
		Log:       r.log,
		Strategy:  runner.NewCooperative(),
	})
	if err != nil {
		t.Fatalf("host.New: %v", err)
	}
	r.bind(h)
	t.Cleanup(func() { h.Stop(context.Background(), time.Second) })
	return h
}

func testItem(name string, typ config.ItemType, mutate func(*config.Item)) *config.Item {
	it := &config.Item{
		Name:     name,
		Type:     typ,
		Class:    "test.echo",
		PoolSize: 1,
		Host: config.HostSettings{
			ExecutionMode:  config.ExecCooperative,
			QueueType:      string(queue.FIFO),
			QueueSize:      16,
			Overflow:       config.OverflowBlock,
			RestartPolicy:  config.RestartOnFailure,
			MaxRestarts:    5,
			RestartDelay:   config.Duration(time.Second),
			Pattern:        config.PatternAsyncReliable,
			MessageTimeout: config.Duration(5 * time.Second),
			DrainTimeout:   config.Duration(2 * time.Second),
			AckMode:        config.AckApplication,
		},
	}
	if mutate != nil {
		mutate(it)
	}
	return it
}

// echoBehaviour records what it saw and returns the input unchanged (or the
// configured error).
type echoBehaviour struct {
	mu   sync.Mutex
	seen []*envelope.Envelope
	err  error
}

func (b *echoBehaviour) Process(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	b.mu.Lock()
	b.seen = append(b.seen, env)
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	return env, nil
}

func (b *echoBehaviour) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.seen)
}

func newEnv(body string) *envelope.Envelope {
	return envelope.New("TEST", envelope.NewPayload([]byte(body), "TEST", "urn:test"))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- lifecycle ---

func TestHostLifecycle(t *testing.T) {
	r := newRig(t)
	h := r.newHost(t, testItem("Echo", config.ProcessItem, nil), &echoBehaviour{})

	if got := h.State(); got != StateInitialising {
		t.Fatalf("state = %s, want initialising", got)
	}
	ctx := context.Background()
	if err := h.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.State(); got != StateRunning {
		t.Fatalf("state = %s, want running", got)
	}
	if err := h.Start(ctx); err == nil {
		t.Fatal("second Start should fail")
	}
	if err := h.Stop(ctx, time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := h.State(); got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
	// Stop is idempotent.
	if err := h.Stop(ctx, time.Second); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestHostProcessesQueue(t *testing.T) {
	r := newRig(t)
	b := &echoBehaviour{}
	h := r.newHost(t, testItem("Echo", config.ProcessItem, nil), b)
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := r.brok.SendAsync(ctx, broker.SystemSender, "Echo", newEnv(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("SendAsync: %v", err)
		}
	}
	waitFor(t, "3 processed", func() bool { return b.count() == 3 })

	m := h.Metrics().Snapshot()
	if m.Received != 3 || m.Processed != 3 || m.Failed != 0 {
		t.Errorf("metrics = %+v", m)
	}
	if m.LatencyCount != 3 {
		t.Errorf("latency count = %d, want 3", m.LatencyCount)
	}
}

func TestHostSyncReply(t *testing.T) {
	r := newRig(t)
	b := &echoBehaviour{}
	h := r.newHost(t, testItem("Echo", config.ProcessItem, func(it *config.Item) {
		it.Host.Pattern = config.PatternSyncReliable
	}), b)
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	env := newEnv("ping")
	resp, err := r.brok.SendSync(ctx, broker.SystemSender, "Echo", env, 3*time.Second)
	if err != nil {
		t.Fatalf("SendSync: %v", err)
	}
	if resp.MessageID != env.MessageID {
		t.Errorf("echoed response id = %s, want %s", resp.MessageID, env.MessageID)
	}
}

func TestHostSyncFailurePropagates(t *testing.T) {
	r := newRig(t)
	procErr := errors.New("downstream unwell")
	h := r.newHost(t, testItem("Echo", config.ProcessItem, func(it *config.Item) {
		it.Host.Pattern = config.PatternSyncReliable
	}), &echoBehaviour{err: procErr})
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err := r.brok.SendSync(ctx, broker.SystemSender, "Echo", newEnv("ping"), 3*time.Second)
	if err == nil || !errors.Is(err, procErr) {
		t.Fatalf("SendSync err = %v, want %v", err, procErr)
	}
	// The origin of the failure dead-letters the message.
	waitFor(t, "dead letter", func() bool { return len(r.deadLetters()) == 1 })
}

func TestHostRoutesToTarget(t *testing.T) {
	r := newRig(t)
	sink := &echoBehaviour{}
	hSink := r.newHost(t, testItem("Sink", config.OperationItem, nil), sink)
	relay := r.newHost(t, testItem("Relay", config.ProcessItem, func(it *config.Item) {
		it.Host.Targets = []string{"Sink"}
	}), &echoBehaviour{})
	ctx := context.Background()
	if err := hSink.Start(ctx); err != nil {
		t.Fatalf("start sink: %v", err)
	}
	if err := relay.Start(ctx); err != nil {
		t.Fatalf("start relay: %v", err)
	}

	env := newEnv("pass it on")
	if _, err := r.brok.SendAsync(ctx, broker.SystemSender, "Relay", env); err != nil {
		t.Fatalf("SendAsync: %v", err)
	}
	waitFor(t, "sink received", func() bool { return sink.count() == 1 })

	sink.mu.Lock()
	got := sink.seen[0]
	sink.mu.Unlock()
	if got.MessageID != env.MessageID {
		t.Errorf("forwarded id = %s, want %s (single-target forward keeps the instance)", got.MessageID, env.MessageID)
	}
	if got.Routing.Source != "Relay" {
		t.Errorf("source = %s, want Relay", got.Routing.Source)
	}
	if got.Routing.HopCount != 2 {
		t.Errorf("hop count = %d, want 2", got.Routing.HopCount)
	}
}

func TestHostFanOutDerivesCopies(t *testing.T) {
	// WHAT: with two targets the second copy gets a fresh message id with
	// causation back to the original, so WAL replay can restore both.
	r := newRig(t)
	a, b := &echoBehaviour{}, &echoBehaviour{}
	hA := r.newHost(t, testItem("A", config.OperationItem, nil), a)
	hB := r.newHost(t, testItem("B", config.OperationItem, nil), b)
	relay := r.newHost(t, testItem("Relay", config.ProcessItem, func(it *config.Item) {
		it.Host.Targets = []string{"A", "B"}
	}), &echoBehaviour{})
	ctx := context.Background()
	for _, h := range []*Host{hA, hB, relay} {
		if err := h.Start(ctx); err != nil {
			t.Fatalf("start %s: %v", h.Name(), err)
		}
	}

	env := newEnv("fan out")
	if _, err := r.brok.SendAsync(ctx, broker.SystemSender, "Relay", env); err != nil {
		t.Fatalf("SendAsync: %v", err)
	}
	waitFor(t, "both sinks", func() bool { return a.count() == 1 && b.count() == 1 })

	a.mu.Lock()
	gotA := a.seen[0]
	a.mu.Unlock()
	b.mu.Lock()
	gotB := b.seen[0]
	b.mu.Unlock()
	if gotA.MessageID != env.MessageID {
		t.Errorf("first target id = %s, want original %s", gotA.MessageID, env.MessageID)
	}
	if gotB.MessageID == env.MessageID {
		t.Error("second target should get a derived copy, not the original instance")
	}
	if gotB.CausationID != env.MessageID {
		t.Errorf("derived causation = %s, want %s", gotB.CausationID, env.MessageID)
	}
}

func TestHostFailureDeadLetters(t *testing.T) {
	r := newRig(t)
	h := r.newHost(t, testItem("Echo", config.ProcessItem, nil), &echoBehaviour{err: errors.New("boom")})
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	env := newEnv("doomed")
	if _, err := r.brok.SendAsync(ctx, broker.SystemSender, "Echo", env); err != nil {
		t.Fatalf("SendAsync: %v", err)
	}
	waitFor(t, "dead letter", func() bool { return len(r.deadLetters()) == 1 })
	if m := h.Metrics().Snapshot(); m.Failed != 1 {
		t.Errorf("failed = %d, want 1", m.Failed)
	}
}

func TestHostExpiredMessage(t *testing.T) {
	r := newRig(t)
	b := &echoBehaviour{}
	h := r.newHost(t, testItem("Echo", config.ProcessItem, nil), b)
	ctx := context.Background()

	// Enqueue before starting so the TTL elapses while queued.
	env := newEnv("stale").WithTTL(10 * time.Millisecond)
	if _, err := r.brok.SendAsync(ctx, broker.SystemSender, "Echo", env); err != nil {
		t.Fatalf("SendAsync: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "expiry", func() bool { return h.Metrics().Snapshot().Expired == 1 })
	if b.count() != 0 {
		t.Errorf("expired message was processed %d times", b.count())
	}
}

// --- overflow policies ---

func pausedHostWithFullQueue(t *testing.T, r *rig, overflow string) *Host {
	t.Helper()
	h := r.newHost(t, testItem("Slow", config.ProcessItem, func(it *config.Item) {
		it.Host.QueueSize = 2
		it.Host.Overflow = overflow
	}), &echoBehaviour{})
	// Never started: nothing consumes, so the queue fills deterministically.
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := h.Enqueue(ctx, newEnv(fmt.Sprintf("fill%d", i))); err != nil {
			t.Fatalf("fill enqueue %d: %v", i, err)
		}
	}
	return h
}

func TestOverflowReject(t *testing.T) {
	r := newRig(t)
	h := pausedHostWithFullQueue(t, r, config.OverflowReject)

	err := h.Enqueue(context.Background(), newEnv("overflow"))
	var full *queue.FullError
	if !errors.As(err, &full) {
		t.Fatalf("err = %v, want *queue.FullError", err)
	}
	if len(r.deadLetters()) != 0 {
		t.Errorf("reject must not dead-letter, got %v", r.deadLetters())
	}
}

func TestOverflowDropOldest(t *testing.T) {
	r := newRig(t)
	h := pausedHostWithFullQueue(t, r, config.OverflowDropOldest)

	if err := h.Enqueue(context.Background(), newEnv("newest")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if h.QueueDepth() != 2 {
		t.Errorf("depth = %d, want 2", h.QueueDepth())
	}
	dead := r.deadLetters()
	if len(dead) != 1 {
		t.Fatalf("dead letters = %v, want the evicted oldest", dead)
	}
	if m := h.Metrics().Snapshot(); m.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", m.Dropped)
	}
}

func TestOverflowDropNewest(t *testing.T) {
	r := newRig(t)
	h := pausedHostWithFullQueue(t, r, config.OverflowDropNewest)

	env := newEnv("newest")
	if err := h.Enqueue(context.Background(), env); err != nil {
		t.Fatalf("drop_newest should accept and drop, got %v", err)
	}
	dead := r.deadLetters()
	if len(dead) != 1 || dead[0] != env.MessageID+": queue overflow: dropped newest" {
		t.Fatalf("dead letters = %v", dead)
	}
}

// --- pause, reload ---

func TestHostPauseResume(t *testing.T) {
	r := newRig(t)
	b := &echoBehaviour{}
	h := r.newHost(t, testItem("Echo", config.ProcessItem, nil), b)
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	if _, err := r.brok.SendAsync(ctx, broker.SystemSender, "Echo", newEnv("held")); err != nil {
		t.Fatalf("SendAsync: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if b.count() != 0 {
		t.Fatalf("paused host processed %d messages", b.count())
	}

	if err := h.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, "resume drains", func() bool { return b.count() == 1 })
}

func TestHostReloadPreservesQueue(t *testing.T) {
	r := newRig(t)
	b := &echoBehaviour{}
	item := testItem("Echo", config.ProcessItem, nil)
	h := r.newHost(t, item, b)
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := r.brok.SendAsync(ctx, broker.SystemSender, "Echo", newEnv(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("SendAsync: %v", err)
		}
	}

	updated := item.Apply(&config.ItemPatch{PoolSize: intp(4)})
	if err := h.Reload(ctx, updated); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := h.State(); got != StateRunning {
		t.Fatalf("state after reload = %s", got)
	}
	waitFor(t, "backlog drains after reload", func() bool { return b.count() == 10 })
	if got := h.Item().PoolSize; got != 4 {
		t.Errorf("pool_size after reload = %d, want 4", got)
	}
}

func TestHostReloadResizesQueue(t *testing.T) {
	r := newRig(t)
	item := testItem("Echo", config.ProcessItem, nil)
	h := r.newHost(t, item, &echoBehaviour{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := h.Enqueue(ctx, newEnv(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	size := 2
	updated := item.Apply(&config.ItemPatch{Host: &config.HostSettings{QueueSize: size}})
	if err := h.Reload(ctx, updated); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	// Whatever did not fit the smaller queue is dead-lettered, not lost
	// silently.
	waitFor(t, "drain + dead letters", func() bool {
		m := h.Metrics().Snapshot()
		return m.Processed+m.Dropped == 4
	})
}

func TestHostErrorHookRecovers(t *testing.T) {
	r := newRig(t)
	b := &recoveringBehaviour{}
	h := r.newHost(t, testItem("Echo", config.ProcessItem, nil), b)
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := r.brok.SendAsync(ctx, broker.SystemSender, "Echo", newEnv("flaky")); err != nil {
		t.Fatalf("SendAsync: %v", err)
	}
	waitFor(t, "recovered", func() bool { return h.Metrics().Snapshot().Processed == 1 })
	if len(r.deadLetters()) != 0 {
		t.Errorf("recovered message dead-lettered: %v", r.deadLetters())
	}
}

// recoveringBehaviour always fails Process but recovers in the error hook.
type recoveringBehaviour struct{}

func (b *recoveringBehaviour) Process(_ context.Context, _ *envelope.Envelope) (*envelope.Envelope, error) {
	return nil, errors.New("transient")
}

func (b *recoveringBehaviour) OnProcessError(_ context.Context, env *envelope.Envelope, _ error) (*envelope.Envelope, error) {
	return env, nil
}

func TestHostStopDrains(t *testing.T) {
	r := newRig(t)
	b := &echoBehaviour{}
	h := r.newHost(t, testItem("Echo", config.ProcessItem, nil), b)
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := r.brok.SendAsync(ctx, broker.SystemSender, "Echo", newEnv(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("SendAsync: %v", err)
		}
	}
	if err := h.Stop(ctx, 3*time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if b.count() != 5 {
		t.Errorf("drained %d of 5 before stop", b.count())
	}
}

func intp(i int) *int { return &i }
