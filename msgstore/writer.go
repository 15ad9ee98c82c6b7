package msgstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/liaison/dbopen"
)

const (
	writerBatchSize    = 64
	writerFlushEvery   = time.Second
	writerRetryCeiling = 4096
)

// Writer batches visit upserts off the message path. Hosts record visits at
// wire speed; the writer flushes every 64 rows or once a second, whichever
// comes first. A failed flush is kept and retried on the next tick so a
// transient database stall does not lose trace rows.
type Writer struct {
	store  *Store
	logger *slog.Logger
	ch     chan *Visit
	sync   chan chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithWriterLogger overrides the default slog logger.
func WithWriterLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) { w.logger = l }
}

// NewWriter starts the flush goroutine. Recommended bufferSize: 1024.
func NewWriter(store *Store, bufferSize int, opts ...WriterOption) *Writer {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	w := &Writer{
		store:  store,
		logger: slog.Default(),
		ch:     make(chan *Visit, bufferSize),
		sync:   make(chan chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	go w.flushLoop()
	return w
}

// RecordAsync queues a visit for persistence. Non-blocking; when the buffer
// is full the row is dropped with a warning rather than stalling a worker.
func (w *Writer) RecordAsync(v *Visit) {
	select {
	case w.ch <- v:
	default:
		w.logger.Warn("msgstore writer buffer full, dropping visit",
			"visit_id", v.ID, "item", v.Item)
	}
}

// Sync blocks until everything queued before the call has been flushed.
func (w *Writer) Sync(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case w.sync <- reply:
	case <-w.done:
		return fmt.Errorf("msgstore writer: closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the buffer, flushes, and stops the goroutine.
func (w *Writer) Close() error {
	w.once.Do(func() { close(w.stop) })
	<-w.done
	return nil
}

func (w *Writer) flushLoop() {
	defer close(w.done)

	batch := make([]*Visit, 0, writerBatchSize)
	var retry []*Visit
	ticker := time.NewTicker(writerFlushEvery)
	defer ticker.Stop()

	flush := func() {
		if len(retry) > 0 {
			batch = append(retry, batch...)
			retry = nil
		}
		if len(batch) == 0 {
			return
		}
		if err := w.flushBatch(batch); err != nil {
			w.logger.Error("msgstore writer: flush failed, will retry", "error", err, "rows", len(batch))
			retry = append(retry, batch...)
			if len(retry) > writerRetryCeiling {
				dropped := len(retry) - writerRetryCeiling
				retry = retry[dropped:]
				w.logger.Error("msgstore writer: retry buffer overflow", "dropped", dropped)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-w.stop:
			for {
				select {
				case v := <-w.ch:
					batch = append(batch, v)
				default:
					flush()
					return
				}
			}
		case reply := <-w.sync:
			for drained := false; !drained; {
				select {
				case v := <-w.ch:
					batch = append(batch, v)
				default:
					drained = true
				}
			}
			flush()
			close(reply)
		case v := <-w.ch:
			batch = append(batch, v)
			if len(batch) >= writerBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (w *Writer) flushBatch(batch []*Visit) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return dbopen.RunTx(ctx, w.store.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertVisitSQL)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()

		for _, v := range batch {
			if _, err := stmt.ExecContext(ctx, visitArgs(v)...); err != nil {
				w.logger.Error("msgstore writer: upsert", "error", err, "visit_id", v.ID)
			}
		}
		return nil
	})
}
