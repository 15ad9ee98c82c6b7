package runner

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hazyhaar/liaison/envelope"
)

// WorkerModeEnv marks a child worker process. The main binary checks it at
// startup and, when set, serves the worker protocol on stdin/stdout instead
// of booting the engine.
const WorkerModeEnv = "LIAISON_PROC_WORKER"

// IsWorkerMode reports whether this process was spawned as a child worker.
func IsWorkerMode() bool { return os.Getenv(WorkerModeEnv) == "1" }

// maxProcFrame bounds a single request or response frame.
const maxProcFrame = 64 << 20

// SpawnError reports a child process that could not be started.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("runner: spawn worker: %v", e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// WorkerCrashedError reports a child that died mid-conversation. The worker
// respawns its child on the next invoke; the in-flight message fails.
type WorkerCrashedError struct {
	ID  int
	Err error
}

func (e *WorkerCrashedError) Error() string {
	return fmt.Sprintf("runner: worker %d crashed: %v", e.ID, e.Err)
}
func (e *WorkerCrashedError) Unwrap() error { return e.Err }

// RemoteError carries a process-function error back from the child.
type RemoteError struct {
	Handler string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("runner: remote handler %s: %s", e.Handler, e.Message)
}

// Frames are a u32 big-endian length followed by a JSON body. The request
// names the handler so one child binary can serve any registered transform.
type procRequest struct {
	Handler  string             `json:"handler,omitempty"`
	Envelope *envelope.Envelope `json:"envelope"`
}

type procResponse struct {
	Envelope *envelope.Envelope `json:"envelope,omitempty"`
	Error    string             `json:"error,omitempty"`
}

func writeProcFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(body)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readProcFrame(r io.Reader, v any) error {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(head[:])
	if size > maxProcFrame {
		return fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// RemoteFunc executes a named handler inside the child process.
type RemoteFunc func(ctx context.Context, handler string, env *envelope.Envelope) (*envelope.Envelope, error)

// ServeChild runs the child side of the worker protocol: read a request,
// run the handler, write the response, until stdin closes. A handler panic
// becomes an error response, not a child death.
func ServeChild(ctx context.Context, r io.Reader, w io.Writer, fn RemoteFunc) error {
	in := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var req procRequest
		if err := readProcFrame(in, &req); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("runner: read request: %w", err)
		}

		resp := runHandler(ctx, fn, &req)
		if err := writeProcFrame(w, resp); err != nil {
			return fmt.Errorf("runner: write response: %w", err)
		}
	}
}

func runHandler(ctx context.Context, fn RemoteFunc, req *procRequest) (resp *procResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = &procResponse{Error: fmt.Sprintf("handler panic: %v", r)}
		}
	}()
	out, err := fn(ctx, req.Handler, req.Envelope)
	if err != nil {
		return &procResponse{Error: err.Error()}
	}
	return &procResponse{Envelope: out}
}

// ProcOptions configures the multi_process strategy.
type ProcOptions struct {
	// Handler names the child-side function invoked for every message.
	Handler string
	// Command is the child argv. Empty means re-exec this binary with
	// WorkerModeEnv set.
	Command []string
	// Env appends extra variables to the child environment.
	Env []string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type multiProcStrategy struct {
	opts ProcOptions
}

// NewMultiProcess runs each worker's process calls in a dedicated child
// process, isolating crashes and GIL-less CPU burn from the engine. The
// queue, slots and routing stay in the parent; only the process call
// crosses the pipe.
func NewMultiProcess(opts ProcOptions) Strategy {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &multiProcStrategy{opts: opts}
}

func (s *multiProcStrategy) Name() string { return "multi_process" }

func (s *multiProcStrategy) StartWorkers(ctx context.Context, n int, _ ProcessFunc, loop WorkerFunc) ([]Handle, error) {
	if n < 1 {
		n = 1
	}
	workers := make([]*procWorker, 0, n)
	for i := 0; i < n; i++ {
		pw := &procWorker{id: i, opts: s.opts, done: make(chan struct{})}
		if err := pw.spawn(); err != nil {
			for _, started := range workers {
				started.shutdown(time.Second)
				close(started.done)
			}
			return nil, err
		}
		workers = append(workers, pw)
	}

	handles := make([]Handle, 0, n)
	for _, pw := range workers {
		pw := pw
		go func() {
			defer close(pw.done)
			loop(ctx, pw)
		}()
		handles = append(handles, pw)
	}
	return handles, nil
}

func (s *multiProcStrategy) StopWorkers(handles []Handle, timeout time.Duration) error {
	err := awaitHandles(handles, timeout)
	for _, h := range handles {
		if pw, ok := h.(*procWorker); ok {
			pw.shutdown(2 * time.Second)
		}
	}
	return err
}

// procWorker owns one child process. Invoke is serialized per worker; pool
// parallelism comes from running several workers.
type procWorker struct {
	id   int
	opts ProcOptions
	done chan struct{}

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

func (pw *procWorker) ID() int { return pw.id }

func (pw *procWorker) Alive() bool {
	select {
	case <-pw.done:
		return false
	default:
		return true
	}
}

func (pw *procWorker) doneCh() <-chan struct{} { return pw.done }

func (pw *procWorker) spawn() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.spawnLocked()
}

func (pw *procWorker) spawnLocked() error {
	argv := pw.opts.Command
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return &SpawnError{Err: err}
		}
		argv = []string{exe}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), WorkerModeEnv+"=1")
	cmd.Env = append(cmd.Env, pw.opts.Env...)
	// Child logs go to our stderr; stdout is the frame channel.
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &SpawnError{Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &SpawnError{Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &SpawnError{Err: err}
	}

	pw.cmd = cmd
	pw.stdin = stdin
	pw.stdout = bufio.NewReader(stdout)
	pw.opts.Logger.Debug("runner: worker child started", "worker", pw.id, "pid", cmd.Process.Pid)
	return nil
}

func (pw *procWorker) Invoke(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if pw.cmd == nil {
		if err := pw.spawnLocked(); err != nil {
			return nil, err
		}
	}

	if err := writeProcFrame(pw.stdin, &procRequest{Handler: pw.opts.Handler, Envelope: env}); err != nil {
		pw.teardownLocked()
		return nil, &WorkerCrashedError{ID: pw.id, Err: err}
	}

	type readResult struct {
		resp procResponse
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		var resp procResponse
		err := readProcFrame(pw.stdout, &resp)
		ch <- readResult{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		// Killing the child unblocks the reader goroutine.
		pw.teardownLocked()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			pw.teardownLocked()
			return nil, &WorkerCrashedError{ID: pw.id, Err: r.err}
		}
		if r.resp.Error != "" {
			return nil, &RemoteError{Handler: pw.opts.Handler, Message: r.resp.Error}
		}
		return r.resp.Envelope, nil
	}
}

// shutdown closes the child's stdin (it exits on EOF) and kills it if it
// lingers past the grace period.
func (pw *procWorker) shutdown(grace time.Duration) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.cmd == nil {
		return
	}
	pw.stdin.Close()

	waited := make(chan struct{})
	cmd := pw.cmd
	go func() {
		cmd.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(grace):
		pw.opts.Logger.Warn("runner: worker child did not exit, killing", "worker", pw.id)
		cmd.Process.Kill()
		<-waited
	}
	pw.cmd = nil
	pw.stdin = nil
	pw.stdout = nil
}

func (pw *procWorker) teardownLocked() {
	if pw.cmd == nil {
		return
	}
	pw.stdin.Close()
	pw.cmd.Process.Kill()
	cmd := pw.cmd
	go cmd.Wait()
	pw.cmd = nil
	pw.stdin = nil
	pw.stdout = nil
}
