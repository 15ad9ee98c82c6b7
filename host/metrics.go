package host

import (
	"sync/atomic"
	"time"
)

// LatencyBucketsMs are the upper bounds of the processing-latency histogram,
// in milliseconds. A ninth bucket catches everything slower.
var LatencyBucketsMs = [8]int64{1, 5, 10, 50, 100, 500, 1000, 5000}

// Metrics counts one host's traffic. All methods are safe for concurrent use
// by workers and the adapter goroutines.
type Metrics struct {
	received  atomic.Int64 // accepted into the queue
	processed atomic.Int64
	failed    atomic.Int64
	expired   atomic.Int64
	dropped   atomic.Int64 // overflow evictions and drops

	latCount atomic.Int64
	latSumUs atomic.Int64
	latBkt   [9]atomic.Int64
}

func (m *Metrics) addReceived() { m.received.Add(1) }
func (m *Metrics) addExpired()  { m.expired.Add(1) }
func (m *Metrics) addDropped()  { m.dropped.Add(1) }

func (m *Metrics) observe(d time.Duration, failed bool) {
	if failed {
		m.failed.Add(1)
	} else {
		m.processed.Add(1)
	}
	m.latCount.Add(1)
	m.latSumUs.Add(d.Microseconds())
	ms := d.Milliseconds()
	for i, le := range LatencyBucketsMs {
		if ms <= le {
			m.latBkt[i].Add(1)
			return
		}
	}
	m.latBkt[len(LatencyBucketsMs)].Add(1)
}

// MetricsSnapshot is a point-in-time copy for health reporting.
type MetricsSnapshot struct {
	Received  int64 `json:"received"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Expired   int64 `json:"expired"`
	Dropped   int64 `json:"dropped"`

	LatencyCount  int64    `json:"latency_count"`
	LatencyMeanMs float64  `json:"latency_mean_ms"`
	LatencyBkts   [9]int64 `json:"latency_buckets"`
}

// Snapshot copies the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Received:     m.received.Load(),
		Processed:    m.processed.Load(),
		Failed:       m.failed.Load(),
		Expired:      m.expired.Load(),
		Dropped:      m.dropped.Load(),
		LatencyCount: m.latCount.Load(),
	}
	if s.LatencyCount > 0 {
		s.LatencyMeanMs = float64(m.latSumUs.Load()) / float64(s.LatencyCount) / 1000
	}
	for i := range m.latBkt {
		s.LatencyBkts[i] = m.latBkt[i].Load()
	}
	return s
}
