package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType names a counted operation
type OperationType string

const (
	OpReadBlock  OperationType = "read_block"
	OpWriteBlock OperationType = "write_block"
	OpSync       OperationType = "sync"
	OpGet        OperationType = "get"
	OpSet        OperationType = "set"
	OpUpdate     OperationType = "update"
	OpMkfs       OperationType = "mkfs"
)

// registry lazily creates one value per key. Values are never replaced, so a
// pointer handed out stays valid until reset.
type registry[K comparable, T any] struct {
	mu sync.RWMutex
	m  map[K]*T
}

func (r *registry[K, T]) get(key K) *T {
	r.mu.RLock()
	v, ok := r.m[key]
	r.mu.RUnlock()
	if ok {
		return v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok = r.m[key]; !ok {
		if r.m == nil {
			r.m = make(map[K]*T)
		}
		v = new(T)
		r.m[key] = v
	}
	return v
}

func (r *registry[K, T]) lookup(key K) (*T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.m[key]
	return v, ok
}

func (r *registry[K, T]) each(fn func(K, *T)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, v := range r.m {
		fn(k, v)
	}
}

func (r *registry[K, T]) reset() {
	r.mu.Lock()
	r.m = nil
	r.mu.Unlock()
}

// AtomicCollector counts operations, errors, bytes and latencies with
// atomics. Locks are only taken to add a new operation or error kind.
type AtomicCollector struct {
	counts    registry[OperationType, atomic.Uint64]
	lastOp    registry[OperationType, atomic.Int64] // unix nanoseconds
	errors    registry[string, atomic.Uint64]
	latencies registry[OperationType, LatencyTracker]

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// LatencyTracker keeps running latency figures for one operation
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64 // nanoseconds
	max   atomic.Uint64
	min   atomic.Uint64 // zero until the first sample
}

func (l *LatencyTracker) observe(ns uint64) {
	l.count.Add(1)
	l.sum.Add(ns)

	for cur := l.max.Load(); ns > cur; cur = l.max.Load() {
		if l.max.CompareAndSwap(cur, ns) {
			break
		}
	}
	for cur := l.min.Load(); cur == 0 || ns < cur; cur = l.min.Load() {
		if l.min.CompareAndSwap(cur, ns) {
			break
		}
	}
}

func (l *LatencyTracker) snapshot() (map[string]interface{}, bool) {
	count := l.count.Load()
	if count == 0 {
		return nil, false
	}
	out := map[string]interface{}{
		"count":  count,
		"avg_ns": l.sum.Load() / count,
	}
	if min := l.min.Load(); min != 0 {
		out["min_ns"] = min
	}
	if max := l.max.Load(); max != 0 {
		out["max_ns"] = max
	}
	return out, true
}

// NewAtomicCollector creates an empty collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{}
}

func (c *AtomicCollector) TrackOperation(op OperationType) {
	c.counts.get(op).Add(1)
	c.lastOp.get(op).Store(time.Now().UnixNano())
}

func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.TrackOperation(op)
	c.latencies.get(op).observe(latencyNs)
}

func (c *AtomicCollector) TrackError(errorType string) {
	c.errors.get(errorType).Add(1)
}

func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.bytesWritten.Add(bytes)
		return
	}
	c.bytesRead.Add(bytes)
}

// Count returns how many times op was tracked since the last Reset.
func (c *AtomicCollector) Count(op OperationType) uint64 {
	if counter, ok := c.counts.lookup(op); ok {
		return counter.Load()
	}
	return 0
}

// Reset drops every counter, timestamp and latency sample.
func (c *AtomicCollector) Reset() {
	c.counts.reset()
	c.lastOp.reset()
	c.errors.reset()
	c.latencies.reset()
	c.bytesRead.Store(0)
	c.bytesWritten.Store(0)
}

// GetStats returns a snapshot keyed as <op>_ops, last_<op>_time,
// <op>_latency, total_bytes_read, total_bytes_written and errors.
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.counts.each(func(op OperationType, n *atomic.Uint64) {
		stats[string(op)+"_ops"] = n.Load()
	})
	c.lastOp.each(func(op OperationType, ts *atomic.Int64) {
		stats["last_"+string(op)+"_time"] = ts.Load()
	})
	c.latencies.each(func(op OperationType, l *LatencyTracker) {
		if snap, ok := l.snapshot(); ok {
			stats[string(op)+"_latency"] = snap
		}
	})

	errs := make(map[string]uint64)
	c.errors.each(func(kind string, n *atomic.Uint64) {
		errs[kind] = n.Load()
	})
	stats["errors"] = errs

	stats["total_bytes_read"] = c.bytesRead.Load()
	stats["total_bytes_written"] = c.bytesWritten.Load()
	return stats
}

// GetStatsFiltered returns the GetStats entries whose key starts with prefix.
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	filtered := make(map[string]interface{})
	for key, value := range c.GetStats() {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}
	return filtered
}
