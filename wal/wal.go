// Package wal is the write-ahead log: the durable, authoritative record of
// every message transition. An append returns only after the bytes are
// fsynced; everything else in the engine (the message store included) is a
// projection that can be rebuilt from here.
//
// Appends from all hosts funnel through a single append loop, which gives
// group commit for free: concurrent appenders share one write+fsync, and
// every waiter is released only after the flush that covers its record.
package wal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hazyhaar/liaison/envelope"
)

// DurabilityError reports that a record could not be made durable. Fatal for
// the message concerned: the ingress NACKs and the sender must retransmit.
type DurabilityError struct {
	Op  string
	Err error
}

func (e *DurabilityError) Error() string {
	return fmt.Sprintf("wal: durability failure during %s: %v", e.Op, e.Err)
}

func (e *DurabilityError) Unwrap() error { return e.Err }

// ErrClosed is returned for appends after Close.
var ErrClosed = &DurabilityError{Op: "append", Err: fmt.Errorf("log closed")}

const (
	segmentPattern = "wal-%08d.log"
	segmentGlob    = "wal-*.log"
)

// Options tunes the log.
type Options struct {
	// SegmentSize rotates the active segment once it exceeds this many
	// bytes. Default 64 MiB.
	SegmentSize int64
	// QueueDepth bounds in-flight append requests. Default 256.
	QueueDepth int
	// Logger overrides slog.Default().
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.SegmentSize <= 0 {
		o.SegmentSize = 64 << 20
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 256
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type appendReq struct {
	rec  *Record
	done chan error
}

// Log is a segmented append-only log under one directory.
type Log struct {
	dir    string
	opts   Options
	logger *slog.Logger

	ch     chan appendReq
	closed chan struct{}
	loopWg chan struct{} // closed when the append loop exits

	// Owned by the append loop after Start; by Open/Replay before.
	active     *os.File
	activeSize int64
	activeSeq  int // segment number
	nextSeq    uint64
}

// Open prepares the log directory and positions the writer after the last
// intact record. Call Replay before the first Append to recover state; the
// append loop starts lazily on first use.
func Open(dir string, opts Options) (*Log, error) {
	opts.defaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}
	l := &Log{
		dir:    dir,
		opts:   opts,
		logger: opts.Logger,
		ch:     make(chan appendReq, opts.QueueDepth),
		closed: make(chan struct{}),
		loopWg: make(chan struct{}),
	}

	segs, err := l.segments()
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		if err := l.openSegment(1); err != nil {
			return nil, err
		}
	} else {
		// The global sequence continues from the highest seq anywhere in the
		// log; the newest segment may be empty after a rotate+crash.
		var lastScan *scanResult
		for _, seg := range segs {
			scan, err := scanSegment(seg.path, l.logger)
			if err != nil {
				return nil, err
			}
			if scan.lastSeq > l.nextSeq {
				l.nextSeq = scan.lastSeq
			}
			lastScan = scan
		}
		last := segs[len(segs)-1]
		f, err := os.OpenFile(last.path, os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("wal: open active segment: %w", err)
		}
		// Drop any torn tail so the next record starts at a clean boundary.
		if err := f.Truncate(lastScan.intactSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
		if _, err := f.Seek(lastScan.intactSize, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("wal: seek: %w", err)
		}
		l.active = f
		l.activeSize = lastScan.intactSize
		l.activeSeq = last.seq
	}

	go l.appendLoop()
	return l, nil
}

type segmentInfo struct {
	seq  int
	path string
}

func (l *Log) segments() ([]segmentInfo, error) {
	paths, err := filepath.Glob(filepath.Join(l.dir, segmentGlob))
	if err != nil {
		return nil, fmt.Errorf("wal: list segments: %w", err)
	}
	infos := make([]segmentInfo, 0, len(paths))
	for _, p := range paths {
		var seq int
		if _, err := fmt.Sscanf(filepath.Base(p), segmentPattern, &seq); err != nil {
			l.logger.Warn("wal: ignoring foreign file", "path", p)
			continue
		}
		infos = append(infos, segmentInfo{seq: seq, path: p})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].seq < infos[j].seq })
	return infos, nil
}

func (l *Log) openSegment(seq int) error {
	path := filepath.Join(l.dir, fmt.Sprintf(segmentPattern, seq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: create segment: %w", err)
	}
	l.active = f
	l.activeSize = 0
	l.activeSeq = seq
	return nil
}

// Append persists one transition. It returns after the record is flushed to
// stable storage, or with a *DurabilityError. The envelope is serialised as
// given; callers pass the post-transition state.
func (l *Log) Append(ctx context.Context, project, owner string, env *envelope.Envelope) error {
	rec := &Record{
		Project:  project,
		Owner:    owner,
		LoggedAt: time.Now().UTC(),
		Envelope: env,
	}
	req := appendReq{rec: rec, done: make(chan error, 1)}
	select {
	case l.ch <- req:
	case <-l.closed:
		return ErrClosed
	case <-ctx.Done():
		return &DurabilityError{Op: "append", Err: ctx.Err()}
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		// The record may still land; the caller must treat this message as
		// not durable.
		return &DurabilityError{Op: "append", Err: ctx.Err()}
	}
}

// appendLoop is the sole writer. It drains whatever is pending, writes all
// of it, fsyncs once, then releases every waiter in the batch.
func (l *Log) appendLoop() {
	defer close(l.loopWg)
	batch := make([]appendReq, 0, 64)
	for {
		var req appendReq
		select {
		case req = <-l.ch:
		case <-l.closed:
			// Fail whatever raced shutdown; their Append already returned.
			for {
				select {
				case r := <-l.ch:
					r.done <- ErrClosed
				default:
					return
				}
			}
		}
		batch = append(batch[:0], req)
	drain:
		for len(batch) < cap(batch) {
			select {
			case more := <-l.ch:
				batch = append(batch, more)
			default:
				break drain
			}
		}
		err := l.writeBatch(batch)
		for _, r := range batch {
			r.done <- err
		}
	}
}

func (l *Log) writeBatch(batch []appendReq) error {
	var buf []byte
	for _, r := range batch {
		l.nextSeq++
		r.rec.Seq = l.nextSeq
		frame, err := encodeRecord(r.rec)
		if err != nil {
			return &DurabilityError{Op: "encode", Err: err}
		}
		buf = append(buf, frame...)
	}
	if _, err := l.active.Write(buf); err != nil {
		return &DurabilityError{Op: "write", Err: err}
	}
	if err := l.active.Sync(); err != nil {
		return &DurabilityError{Op: "fsync", Err: err}
	}
	l.activeSize += int64(len(buf))
	if l.activeSize >= l.opts.SegmentSize {
		if err := l.rotate(); err != nil {
			// The batch is durable; rotation failure only affects future
			// appends, so surface it there.
			l.logger.Error("wal: rotation failed", "error", err)
		}
	}
	return nil
}

func (l *Log) rotate() error {
	old := l.active
	if err := l.openSegment(l.activeSeq + 1); err != nil {
		l.active = old
		return err
	}
	if err := old.Close(); err != nil {
		l.logger.Warn("wal: closing rotated segment", "error", err)
	}
	l.logger.Info("wal: rotated segment", "segment", l.activeSeq)
	return nil
}

// Close stops the append loop and syncs the active segment. Appends after
// Close fail with ErrClosed.
func (l *Log) Close() error {
	select {
	case <-l.closed:
		return nil
	default:
	}
	close(l.closed)
	<-l.loopWg
	if err := l.active.Sync(); err != nil {
		l.active.Close()
		return &DurabilityError{Op: "close-sync", Err: err}
	}
	return l.active.Close()
}

// Dir returns the log directory.
func (l *Log) Dir() string { return l.dir }
