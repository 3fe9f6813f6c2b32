// Package metrics provides in-memory runtime statistics for the relay.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	Failures  int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Fragment counts (only for streaming operations)
	TotalFragments int64
	MaxFragments   int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	Failures    int64   `json:"failures"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`

	TotalFragments *int64   `json:"total_fragments,omitempty"`
	AvgFragments   *float64 `json:"avg_fragments,omitempty"`
	MaxFragments   *int64   `json:"max_fragments,omitempty"`
}

// Snapshot represents the full relay statistics at a point in time.
type Snapshot struct {
	UptimeSeconds     float64            `json:"uptime_seconds"`
	ActiveConnections int64              `json:"active_connections"`
	Turn              *OperationSnapshot `json:"turn,omitempty"`
	UpstreamStream    *OperationSnapshot `json:"upstream_stream,omitempty"`
	DBQuery           *OperationSnapshot `json:"db_query,omitempty"`
	DBWrite           *OperationSnapshot `json:"db_write,omitempty"`
	DBSearch          *OperationSnapshot `json:"db_search,omitempty"`
}

// Operation names for the collector.
const (
	OpTurn           = "turn"
	OpUpstreamStream = "upstream_stream"
	OpDBQuery        = "db_query"
	OpDBWrite        = "db_write"
	OpDBSearch       = "db_search"
)

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe and a nil *Collector discards everything.
type Collector struct {
	mu          sync.RWMutex
	startTime   time.Time
	ops         map[string]*OperationMetrics
	connections atomic.Int64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

func (m *OperationMetrics) observe(duration time.Duration, failed bool) {
	m.Count++
	m.TotalTime += duration
	if failed {
		m.Failures++
	}
	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.getOrCreate(op).observe(duration, err != nil)
}

// RecordStream records timing and the number of fragments delivered by a streaming operation.
func (c *Collector) RecordStream(op string, duration time.Duration, fragments int64, err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.observe(duration, err != nil)
	m.TotalFragments += fragments
	if fragments > m.MaxFragments {
		m.MaxFragments = fragments
	}
}

// ConnectionOpened and ConnectionClosed track live WebSocket connections.
func (c *Collector) ConnectionOpened() {
	if c != nil {
		c.connections.Add(1)
	}
}

func (c *Collector) ConnectionClosed() {
	if c != nil {
		c.connections.Add(-1)
	}
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics, includeFragments bool) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	snap := &OperationSnapshot{
		Count:       m.Count,
		Failures:    m.Failures,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}

	if includeFragments {
		total := m.TotalFragments
		avg := float64(m.TotalFragments) / float64(m.Count)
		maxFrags := m.MaxFragments
		snap.TotalFragments = &total
		snap.AvgFragments = &avg
		snap.MaxFragments = &maxFrags
	}

	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds:     time.Since(c.startTime).Seconds(),
		ActiveConnections: c.connections.Load(),
		Turn:              snapshotOp(c.ops[OpTurn], true),
		UpstreamStream:    snapshotOp(c.ops[OpUpstreamStream], true),
		DBQuery:           snapshotOp(c.ops[OpDBQuery], false),
		DBWrite:           snapshotOp(c.ops[OpDBWrite], false),
		DBSearch:          snapshotOp(c.ops[OpDBSearch], false),
	}
}
