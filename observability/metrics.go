package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Metric names the supervisor samples per host. Counter metrics carry the
// cumulative total at sample time; rates are a query-side concern.
const (
	MetricQueueDepth    = "queue_depth"
	MetricReceived      = "messages_received_total"
	MetricProcessed     = "messages_processed_total"
	MetricFailed        = "messages_failed_total"
	MetricExpired       = "messages_expired_total"
	MetricDropped       = "messages_dropped_total"
	MetricLatencyMeanMs = "latency_mean_ms"
	MetricGoroutines    = "goroutines_count"
	MetricMemoryAllocMB = "memory_alloc_mb"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string
	SampledAt time.Time
	Value     float64
	Labels    map[string]string // typically {"project": ..., "item": ...}
	Unit      string            // "count", "milliseconds", "megabytes"
}

// MetricsManager buffers datapoints and flushes them to SQLite in batches.
// Record never blocks and never fails the caller; a datapoint lost to a
// failing observability database is logged and forgotten.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	logger        *slog.Logger
	buffer        []*Metric
	mu            sync.Mutex
	stop          chan struct{}
	done          chan struct{}
}

// NewMetricsManager creates a manager. bufferSize 256 and flushInterval 5s
// suit one datapoint per host per second.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration) *MetricsManager {
	if bufferSize < 1 {
		bufferSize = 1
	}
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		logger:        slog.Default(),
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go mm.flushLoop()
	return mm
}

// Record queues a datapoint for async persistence.
func (mm *MetricsManager) Record(m *Metric) {
	if m.SampledAt.IsZero() {
		m.SampledAt = time.Now()
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.bufferSize {
		mm.flushLocked()
	}
}

// RecordSimple queues a datapoint without labels.
func (mm *MetricsManager) RecordSimple(name string, value float64, unit string) {
	mm.Record(&Metric{Name: name, Value: value, Unit: unit})
}

// Query retrieves datapoints for one metric (or all, with an empty name),
// newest first. Nil time bounds mean unbounded.
func (mm *MetricsManager) Query(metricName string, since, until *time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, sampled_at, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	args := make([]any, 0, 4)

	if metricName != "" {
		q += " AND metric_name = ?"
		args = append(args, metricName)
	}
	if since != nil {
		q += " AND sampled_at >= ?"
		args = append(args, since.Unix())
	}
	if until != nil {
		q += " AND sampled_at <= ?"
		args = append(args, until.Unix())
	}
	q += " ORDER BY sampled_at DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var name, unit string
		var ts int64
		var value float64
		var labelsJSON sql.NullString

		if err := rows.Scan(&name, &ts, &value, &labelsJSON, &unit); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m := &Metric{Name: name, SampledAt: time.Unix(ts, 0), Value: value, Unit: unit}
		if labelsJSON.Valid {
			var labels map[string]string
			if json.Unmarshal([]byte(labelsJSON.String), &labels) == nil {
				m.Labels = labels
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Cleanup deletes datapoints older than retentionDays.
func (mm *MetricsManager) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	result, err := mm.db.ExecContext(ctx, "DELETE FROM metrics_timeseries WHERE sampled_at < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup metrics: %w", err)
	}
	return result.RowsAffected()
}

// Close flushes remaining datapoints and stops the background goroutine.
func (mm *MetricsManager) Close() error {
	close(mm.stop)
	<-mm.done
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mm.stop:
			mm.mu.Lock()
			mm.flushLocked()
			mm.mu.Unlock()
			return
		case <-ticker.C:
			mm.mu.Lock()
			mm.flushLocked()
			mm.mu.Unlock()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		mm.logger.Error("metrics flush: begin tx", "error", err)
		return
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, sampled_at, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		mm.logger.Error("metrics flush: prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, m := range mm.buffer {
		var labelsJSON sql.NullString
		if len(m.Labels) > 0 {
			if b, err := json.Marshal(m.Labels); err == nil {
				labelsJSON = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, m.Name, m.SampledAt.Unix(), m.Value, labelsJSON, m.Unit); err != nil {
			mm.logger.Error("metrics flush: insert", "metric", m.Name, "error", err)
		}
	}

	if err := tx.Commit(); err != nil {
		mm.logger.Error("metrics flush: commit", "error", err)
	}
	mm.buffer = mm.buffer[:0]
}
