package obs

import (
	"sync/atomic"
	"time"
)

// Metrics collects lightweight dispatcher counters and latency stats.
type Metrics struct {
	passes          uint64
	enqueued        uint64
	admissions      uint64
	deferrals       uint64
	cancellations   uint64
	faults          uint64
	itemFailures    uint64
	publishFailures uint64
	heartbeats      uint64

	passLatency LatencyStats
	runDuration LatencyStats
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
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Passes          uint64          `json:"passes"`
	Enqueued        uint64          `json:"enqueued"`
	Admissions      uint64          `json:"admissions"`
	Deferrals       uint64          `json:"deferrals"`
	Cancellations   uint64          `json:"cancellations"`
	Faults          uint64          `json:"faults"`
	ItemFailures    uint64          `json:"itemFailures"`
	PublishFailures uint64          `json:"publishFailures"`
	Heartbeats      uint64          `json:"heartbeats"`
	PassLatency     LatencySnapshot `json:"passLatency"`
	RunDuration     LatencySnapshot `json:"runDuration"`
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObservePass counts a coalesced pass and its duration.
func (m *Metrics) ObservePass(d time.Duration) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.passes, 1)
	m.passLatency.Observe(d)
}

// IncEnqueued records a first sighting of a request.
func (m *Metrics) IncEnqueued() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.enqueued, 1)
}

// IncAdmission records a request admitted for launch.
func (m *Metrics) IncAdmission() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.admissions, 1)
}

// IncDeferral records an admission attempt that found no free slot.
func (m *Metrics) IncDeferral() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.deferrals, 1)
}

// IncCancellation records a request cancelled before launch.
func (m *Metrics) IncCancellation() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.cancellations, 1)
}

// IncFault records a Faulted status synthesised by the supervisor.
func (m *Metrics) IncFault() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.faults, 1)
}

// IncItemFailure records a store item that could not be merged.
func (m *Metrics) IncItemFailure() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.itemFailures, 1)
}

// IncPublishFailure records a status or availability publish error.
func (m *Metrics) IncPublishFailure() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.publishFailures, 1)
}

// IncHeartbeat records a published availability record.
func (m *Metrics) IncHeartbeat() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.heartbeats, 1)
}

// ObserveRun measures the wall-clock time of a worker process.
func (m *Metrics) ObserveRun(d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Passes:          atomic.LoadUint64(&m.passes),
		Enqueued:        atomic.LoadUint64(&m.enqueued),
		Admissions:      atomic.LoadUint64(&m.admissions),
		Deferrals:       atomic.LoadUint64(&m.deferrals),
		Cancellations:   atomic.LoadUint64(&m.cancellations),
		Faults:          atomic.LoadUint64(&m.faults),
		ItemFailures:    atomic.LoadUint64(&m.itemFailures),
		PublishFailures: atomic.LoadUint64(&m.publishFailures),
		Heartbeats:      atomic.LoadUint64(&m.heartbeats),
		PassLatency:     m.passLatency.Snapshot(),
		RunDuration:     m.runDuration.Snapshot(),
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
