package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/liaison/envelope"
)

func testEnv(t *testing.T, note string) *envelope.Envelope {
	t.Helper()
	p := envelope.NewPayload([]byte(note), "ADT_A01", "urn:hl7-org:v2")
	return envelope.New("ADT^A01", p)
}

func mustEnqueue(t *testing.T, q *Queue, envs ...*envelope.Envelope) {
	t.Helper()
	for _, e := range envs {
		if err := q.TryEnqueue(e); err != nil {
			t.Fatalf("TryEnqueue: %v", err)
		}
	}
}

func TestFIFOOrder(t *testing.T) {
	q := New(FIFO, 10)
	a, b, c := testEnv(t, "a"), testEnv(t, "b"), testEnv(t, "c")
	mustEnqueue(t, q, a, b, c)

	ctx := context.Background()
	for i, want := range []*envelope.Envelope{a, b, c} {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue %d: %v", i, err)
		}
		if got.MessageID != want.MessageID {
			t.Fatalf("Dequeue %d: got %s want %s", i, got.MessageID, want.MessageID)
		}
	}
}

func TestLIFOOrder(t *testing.T) {
	q := New(LIFO, 10)
	a, b, c := testEnv(t, "a"), testEnv(t, "b"), testEnv(t, "c")
	mustEnqueue(t, q, a, b, c)

	ctx := context.Background()
	for i, want := range []*envelope.Envelope{c, b, a} {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue %d: %v", i, err)
		}
		if got.MessageID != want.MessageID {
			t.Fatalf("Dequeue %d: got %s want %s", i, got.MessageID, want.MessageID)
		}
	}
}

// WHAT: priority queues dequeue by envelope priority, insertion order within
// a level.
// WHY: urgent clinical traffic (e.g. STAT orders) must overtake routine feeds
// without reordering messages of equal priority.
func TestPriorityOrder(t *testing.T) {
	q := New(Priority, 10)
	low := testEnv(t, "low").WithPriority(envelope.PriorityLow)
	first := testEnv(t, "first")
	second := testEnv(t, "second")
	urgent := testEnv(t, "urgent").WithPriority(envelope.PriorityUrgent)
	mustEnqueue(t, q, low, first, second, urgent)

	ctx := context.Background()
	for i, want := range []*envelope.Envelope{urgent, first, second, low} {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue %d: %v", i, err)
		}
		if got.MessageID != want.MessageID {
			t.Fatalf("Dequeue %d: got %q want %q", i, got.Payload.Raw, want.Payload.Raw)
		}
	}
}

func TestUnorderedDeliversEverything(t *testing.T) {
	q := New(Unordered, 20)
	want := map[string]bool{}
	for i := 0; i < 20; i++ {
		e := testEnv(t, fmt.Sprintf("m%d", i))
		want[e.MessageID] = true
		mustEnqueue(t, q, e)
	}
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue %d: %v", i, err)
		}
		if !want[got.MessageID] {
			t.Fatalf("Dequeue %d: unexpected or duplicate %s", i, got.MessageID)
		}
		delete(want, got.MessageID)
	}
	if len(want) != 0 {
		t.Fatalf("missing messages: %v", want)
	}
}

func TestTryEnqueueFull(t *testing.T) {
	q := New(FIFO, 2)
	mustEnqueue(t, q, testEnv(t, "a"), testEnv(t, "b"))

	err := q.TryEnqueue(testEnv(t, "c"))
	var full *FullError
	if !errors.As(err, &full) {
		t.Fatalf("want FullError, got %v", err)
	}
	if full.Capacity != 2 {
		t.Fatalf("Capacity = %d, want 2", full.Capacity)
	}
}

// WHAT: a blocked Enqueue completes once a consumer frees a slot.
// WHY: the block overflow policy is how TCP back-pressure reaches producers.
func TestEnqueueBlocksUntilSpace(t *testing.T) {
	q := New(FIFO, 1)
	mustEnqueue(t, q, testEnv(t, "a"))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- q.Enqueue(ctx, testEnv(t, "b"))
	}()

	select {
	case err := <-done:
		t.Fatalf("Enqueue returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := q.Dequeue(context.Background()); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Enqueue after space freed: %v", err)
	}
}

func TestEnqueueHonoursContext(t *testing.T) {
	q := New(FIFO, 1)
	mustEnqueue(t, q, testEnv(t, "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, testEnv(t, "b")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
}

func TestDequeueBlocksUntilItem(t *testing.T) {
	q := New(FIFO, 1)
	got := make(chan *envelope.Envelope, 1)
	go func() {
		env, err := q.Dequeue(context.Background())
		if err != nil {
			t.Errorf("Dequeue: %v", err)
		}
		got <- env
	}()

	time.Sleep(20 * time.Millisecond)
	want := testEnv(t, "late")
	mustEnqueue(t, q, want)

	select {
	case env := <-got:
		if env.MessageID != want.MessageID {
			t.Fatalf("got %s want %s", env.MessageID, want.MessageID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Dequeue never woke up")
	}
}

func TestEvictOldest(t *testing.T) {
	q := New(Priority, 3)
	oldest := testEnv(t, "oldest").WithPriority(envelope.PriorityUrgent)
	mid := testEnv(t, "mid")
	newest := testEnv(t, "newest")
	mustEnqueue(t, q, oldest, mid, newest)

	got, ok := q.EvictOldest()
	if !ok {
		t.Fatal("EvictOldest reported empty queue")
	}
	// Eviction is by insertion age, not dequeue order: the urgent message
	// went in first, so it goes out first when the queue must shed load.
	if got.MessageID != oldest.MessageID {
		t.Fatalf("evicted %q, want %q", got.Payload.Raw, oldest.Payload.Raw)
	}
	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}
}

// WHAT: Close wakes blocked consumers with ClosedError but lets queued items
// drain first.
func TestCloseDrainsThenRejects(t *testing.T) {
	q := New(FIFO, 2)
	mustEnqueue(t, q, testEnv(t, "a"))
	q.Close()

	if _, err := q.Dequeue(context.Background()); err != nil {
		t.Fatalf("Dequeue of remaining item: %v", err)
	}
	_, err := q.Dequeue(context.Background())
	var closed *ClosedError
	if !errors.As(err, &closed) {
		t.Fatalf("want ClosedError, got %v", err)
	}
	if err := q.TryEnqueue(testEnv(t, "b")); !errors.As(err, &closed) {
		t.Fatalf("TryEnqueue after Close: want ClosedError, got %v", err)
	}
}

func TestDrainTransfersContents(t *testing.T) {
	q := New(FIFO, 5)
	mustEnqueue(t, q, testEnv(t, "a"), testEnv(t, "b"), testEnv(t, "c"))

	moved := q.Drain()
	if len(moved) != 3 {
		t.Fatalf("Drain returned %d items, want 3", len(moved))
	}
	if q.Len() != 0 {
		t.Fatalf("Len after Drain = %d, want 0", q.Len())
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	q := New(FIFO, 8)
	const total = 200
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for p := 0; p < 2; p++ {
		go func(p int) {
			for i := 0; i < total/2; i++ {
				if err := q.Enqueue(ctx, testEnv(t, fmt.Sprintf("p%d-%d", p, i))); err != nil {
					t.Errorf("Enqueue: %v", err)
					return
				}
			}
		}(p)
	}

	got := make(chan string, total)
	var claimed atomic.Int64
	for c := 0; c < 2; c++ {
		go func() {
			for claimed.Add(1) <= total {
				env, err := q.Dequeue(ctx)
				if err != nil {
					t.Errorf("Dequeue: %v", err)
					return
				}
				got <- env.MessageID
			}
		}()
	}

	seen := map[string]bool{}
	for i := 0; i < total; i++ {
		select {
		case id := <-got:
			if seen[id] {
				t.Fatalf("duplicate delivery of %s", id)
			}
			seen[id] = true
		case <-ctx.Done():
			t.Fatalf("timed out after %d deliveries", i)
		}
	}
}
