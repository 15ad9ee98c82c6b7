package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// RuntimeMetrics captures Go process health at a point in time.
type RuntimeMetrics struct {
	Goroutines    int
	MemoryAllocMB float64
	MemorySysMB   float64
	GCCount       uint32
}

// CollectRuntimeMetrics reads current Go runtime stats.
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(mem.Alloc) / 1024 / 1024,
		MemorySysMB:   float64(mem.Sys) / 1024 / 1024,
		GCCount:       mem.NumGC,
	}
}

// HeartbeatWriter writes periodic liveness rows for the engine process.
// External monitoring reads the latest row per process_name and compares its
// age against the expected interval.
type HeartbeatWriter struct {
	db       *sql.DB
	name     string
	hostname string
	pid      int
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewHeartbeatWriter creates a writer beating under processName. An interval
// of 15s keeps staleness detection responsive without noticeable write load.
func NewHeartbeatWriter(db *sql.DB, processName string, interval time.Duration) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &HeartbeatWriter{
		db:       db,
		name:     processName,
		hostname: hostname,
		pid:      os.Getpid(),
		interval: interval,
		logger:   slog.Default(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the heartbeat goroutine: one row immediately, then one per
// interval until Stop or context cancellation.
func (hw *HeartbeatWriter) Start(ctx context.Context) {
	go hw.loop(ctx)
}

// WriteHeartbeat writes a single row with current runtime metrics.
func (hw *HeartbeatWriter) WriteHeartbeat() error {
	m := CollectRuntimeMetrics()
	_, err := hw.db.Exec(`
		INSERT INTO engine_heartbeats
			(process_name, hostname, pid, beat_at, goroutines, memory_alloc_mb, memory_sys_mb, gc_count)
		VALUES (?,?,?,?,?,?,?,?)`,
		hw.name, hw.hostname, hw.pid, time.Now().Unix(),
		m.Goroutines, m.MemoryAllocMB, m.MemorySysMB, m.GCCount)
	if err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

// Stop signals the heartbeat goroutine to exit and waits for it.
func (hw *HeartbeatWriter) Stop() {
	close(hw.stop)
	<-hw.done
}

func (hw *HeartbeatWriter) loop(ctx context.Context) {
	defer close(hw.done)
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	if err := hw.WriteHeartbeat(); err != nil {
		hw.logger.Error("heartbeat write failed", "process", hw.name, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-hw.stop:
			return
		case <-ticker.C:
			if err := hw.WriteHeartbeat(); err != nil {
				hw.logger.Error("heartbeat write failed", "process", hw.name, "error", err)
			}
		}
	}
}

// HeartbeatStatus is the latest heartbeat for a process, with the staleness
// check already applied.
type HeartbeatStatus struct {
	ProcessName   string        `json:"process_name"`
	Hostname      string        `json:"hostname"`
	PID           int           `json:"pid"`
	BeatAt        time.Time     `json:"beat_at"`
	Goroutines    int           `json:"goroutines"`
	MemoryAllocMB float64       `json:"memory_alloc_mb"`
	MemorySysMB   float64       `json:"memory_sys_mb"`
	GCCount       int           `json:"gc_count"`
	Alive         bool          `json:"alive"`
	StaleFor      time.Duration `json:"stale_for,omitempty"` // time past the threshold
}

// LatestHeartbeat returns the most recent heartbeat for the process, or
// nil, nil if none has been recorded. staleAfter sets the alive boundary;
// 3x the write interval tolerates scheduling jitter.
func LatestHeartbeat(ctx context.Context, db *sql.DB, processName string, staleAfter time.Duration) (*HeartbeatStatus, error) {
	row := db.QueryRowContext(ctx, `
		SELECT process_name, hostname, pid, beat_at, goroutines, memory_alloc_mb, memory_sys_mb, gc_count
		FROM engine_heartbeats
		WHERE process_name = ?
		ORDER BY beat_at DESC LIMIT 1`, processName)

	var hs HeartbeatStatus
	var ts int64
	err := row.Scan(&hs.ProcessName, &hs.Hostname, &hs.PID, &ts,
		&hs.Goroutines, &hs.MemoryAllocMB, &hs.MemorySysMB, &hs.GCCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest heartbeat: %w", err)
	}

	hs.BeatAt = time.Unix(ts, 0)
	age := time.Since(hs.BeatAt)
	if age <= staleAfter {
		hs.Alive = true
	} else {
		hs.StaleFor = age - staleAfter
	}
	return &hs, nil
}
