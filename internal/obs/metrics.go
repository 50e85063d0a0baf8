package obs

import (
	"sync/atomic"
	"time"
)

// Metrics collects lightweight counters and latency stats for the pool,
// notifier and bridge.
type Metrics struct {
	poolExhausted uint64
	poolDiscarded uint64

	reconnects uint64
	resyncs    uint64
	malformed  uint64
	delivered  uint64

	tasksCompleted uint64
	tasksFailed    uint64
	tasksCancelled uint64

	acquireLatency LatencyStats
	taskLatency    LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	PoolExhausted  uint64
	PoolDiscarded  uint64
	Reconnects     uint64
	Resyncs        uint64
	Malformed      uint64
	Delivered      uint64
	TasksCompleted uint64
	TasksFailed    uint64
	TasksCancelled uint64
	AcquireLatency LatencySnapshot
	TaskLatency    LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveAcquire measures how long a lease acquire waited.
func (m *Metrics) ObserveAcquire(d time.Duration) {
	if m == nil {
		return
	}
	m.acquireLatency.Observe(d)
}

// IncPoolExhausted records an acquire that timed out.
func (m *Metrics) IncPoolExhausted() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.poolExhausted, 1)
}

// IncPoolDiscarded records a connection dropped by the health policy.
func (m *Metrics) IncPoolDiscarded() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.poolDiscarded, 1)
}

// IncReconnect records a notifier reconnect attempt.
func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.reconnects, 1)
}

// IncResync records a resync broadcast.
func (m *Metrics) IncResync() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.resyncs, 1)
}

// IncMalformed records a dropped malformed payload.
func (m *Metrics) IncMalformed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.malformed, 1)
}

// IncDelivered records an event handed to a subscription.
func (m *Metrics) IncDelivered() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.delivered, 1)
}

// ObserveTask records a finished task and its run time.
func (m *Metrics) ObserveTask(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	if failed {
		atomic.AddUint64(&m.tasksFailed, 1)
	} else {
		atomic.AddUint64(&m.tasksCompleted, 1)
	}
	m.taskLatency.Observe(d)
}

// IncTaskCancelled records a task that ended cancelled.
func (m *Metrics) IncTaskCancelled() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.tasksCancelled, 1)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		PoolExhausted:  atomic.LoadUint64(&m.poolExhausted),
		PoolDiscarded:  atomic.LoadUint64(&m.poolDiscarded),
		Reconnects:     atomic.LoadUint64(&m.reconnects),
		Resyncs:        atomic.LoadUint64(&m.resyncs),
		Malformed:      atomic.LoadUint64(&m.malformed),
		Delivered:      atomic.LoadUint64(&m.delivered),
		TasksCompleted: atomic.LoadUint64(&m.tasksCompleted),
		TasksFailed:    atomic.LoadUint64(&m.tasksFailed),
		TasksCancelled: atomic.LoadUint64(&m.tasksCancelled),
		AcquireLatency: m.acquireLatency.Snapshot(),
		TaskLatency:    m.taskLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
