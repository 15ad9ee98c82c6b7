// Package runner abstracts how a host's workers execute. The host supplies
// one loop function; the strategy decides where it runs and how the
// per-message process call is invoked:
//
//	cooperative: goroutines sharing the scheduler (the default)
//	threaded: one goroutine per worker pinned to an OS thread
//	multi_process: loop in-process, process call shipped to a child process
//	single: cooperative with exactly one worker
//
// The loop receives a Worker whose Invoke runs the process function wherever
// the strategy placed it, so the loop's shape is identical across strategies.
package runner

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/hazyhaar/liaison/envelope"
)

// ProcessFunc handles one envelope and returns the result envelope.
type ProcessFunc func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)

// Worker is the per-worker handle given to the loop.
type Worker interface {
	// ID is the worker's index within the pool, starting at 0.
	ID() int
	// Invoke executes the host's process function under this strategy.
	Invoke(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)
}

// WorkerFunc is the loop a host runs in every worker. It must return when
// ctx is cancelled.
type WorkerFunc func(ctx context.Context, w Worker)

// Handle tracks one started worker.
type Handle interface {
	ID() int
	// Alive reports whether the worker's loop is still running.
	Alive() bool
}

// Strategy starts and stops a pool of workers.
type Strategy interface {
	Name() string
	// StartWorkers launches n workers, each running loop(ctx, w). The caller
	// stops the pool by cancelling ctx and then calling StopWorkers.
	StartWorkers(ctx context.Context, n int, process ProcessFunc, loop WorkerFunc) ([]Handle, error)
	// StopWorkers waits for the loops to return. Workers still running after
	// timeout are abandoned (and their child processes killed) and reported
	// via *ForceStopError.
	StopWorkers(handles []Handle, timeout time.Duration) error
}

// ForceStopError reports workers that did not stop within the timeout.
type ForceStopError struct {
	WorkerIDs []int
}

func (e *ForceStopError) Error() string {
	return fmt.Sprintf("runner: %d worker(s) still running after stop timeout: %v", len(e.WorkerIDs), e.WorkerIDs)
}

// goWorker is the in-process Worker: Invoke is a direct call.
type goWorker struct {
	id      int
	process ProcessFunc
	done    chan struct{}
}

func (w *goWorker) ID() int { return w.id }

func (w *goWorker) Invoke(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	return w.process(ctx, env)
}

func (w *goWorker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

type goroutineStrategy struct {
	name       string
	pinThreads bool
	singleton  bool
}

// NewCooperative runs workers as plain goroutines.
func NewCooperative() Strategy {
	return &goroutineStrategy{name: "cooperative"}
}

// NewThreaded pins each worker goroutine to its own OS thread for the life
// of the loop. Use it for hosts calling thread-affine code or doing sustained
// CPU-bound work that should not share scheduler threads with latency-bound
// hosts.
func NewThreaded() Strategy {
	return &goroutineStrategy{name: "threaded", pinThreads: true}
}

// NewSingle runs exactly one worker regardless of the requested pool size,
// for hosts whose ordering contract requires a single consumer.
func NewSingle() Strategy {
	return &goroutineStrategy{name: "single", singleton: true}
}

func (s *goroutineStrategy) Name() string { return s.name }

func (s *goroutineStrategy) StartWorkers(ctx context.Context, n int, process ProcessFunc, loop WorkerFunc) ([]Handle, error) {
	if n < 1 {
		n = 1
	}
	if s.singleton {
		n = 1
	}
	handles := make([]Handle, 0, n)
	for i := 0; i < n; i++ {
		w := &goWorker{id: i, process: process, done: make(chan struct{})}
		go func() {
			defer close(w.done)
			if s.pinThreads {
				// The thread dies with the goroutine: no Unlock, so a
				// poisoned thread state never leaks back to the scheduler.
				runtime.LockOSThread()
			}
			loop(ctx, w)
		}()
		handles = append(handles, w)
	}
	return handles, nil
}

func (s *goroutineStrategy) StopWorkers(handles []Handle, timeout time.Duration) error {
	return awaitHandles(handles, timeout)
}

// awaitHandles waits for every handle's loop to finish, reporting stragglers.
func awaitHandles(handles []Handle, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	finished := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, h := range handles {
			if w, ok := h.(interface{ doneCh() <-chan struct{} }); ok {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-w.doneCh()
				}()
			}
		}
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-deadline.C:
		var stuck []int
		for _, h := range handles {
			if h.Alive() {
				stuck = append(stuck, h.ID())
			}
		}
		if len(stuck) == 0 {
			return nil
		}
		return &ForceStopError{WorkerIDs: stuck}
	}
}

func (w *goWorker) doneCh() <-chan struct{} { return w.done }
