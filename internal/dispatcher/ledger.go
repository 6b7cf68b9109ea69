package dispatcher

import "sync/atomic"

// CapacityLedger counts the concurrency slots of a host.
//
// Admission is a lock-free best-effort token counter: available may dip below
// zero while a failed attempt rolls back, but a slot is only granted when the
// decrement left it non-negative, so executing never exceeds the budget.
type CapacityLedger struct {
	budget    int64
	available atomic.Int64
	executing atomic.Int64
	changes   atomic.Int64
}

// NewCapacityLedger creates a ledger with every slot free.
func NewCapacityLedger(budget int) *CapacityLedger {
	l := &CapacityLedger{budget: int64(budget)}
	l.available.Store(int64(budget))
	return l
}

// TryAcquire reserves a slot, reporting false when none is free.
func (l *CapacityLedger) TryAcquire() bool {
	if l.available.Add(-1) < 0 {
		l.available.Add(1)
		return false
	}
	l.executing.Add(1)
	l.changes.Add(1)
	return true
}

// Release frees a slot reserved by TryAcquire.
func (l *CapacityLedger) Release() {
	l.executing.Add(-1)
	l.available.Add(1)
	l.changes.Add(1)
}

// TakeChanges returns the number of capacity changes since the last call.
func (l *CapacityLedger) TakeChanges() int64 {
	return l.changes.Swap(0)
}

// RestoreChanges gives back changes taken by a heartbeat that failed to publish.
func (l *CapacityLedger) RestoreChanges(n int64) {
	if n > 0 {
		l.changes.Add(n)
	}
}

func (l *CapacityLedger) Budget() int64 {
	return l.budget
}

func (l *CapacityLedger) Available() int64 {
	return l.available.Load()
}

func (l *CapacityLedger) Executing() int64 {
	return l.executing.Load()
}
