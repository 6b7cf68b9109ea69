package dispatcher

import (
	"gridworker/internal/model/enum"
	"gridworker/internal/store"
)

// passPlan is what one pass publishes once the table lock is released.
type passPlan struct {
	cancelled []requestSnapshot
	enqueued  []requestSnapshot
	launched  []requestSnapshot
}

func (p passPlan) empty() bool {
	return len(p.cancelled) == 0 && len(p.enqueued) == 0 && len(p.launched) == 0
}

// evaluate merges the streams and admits pending requests under one lock, so
// no other pass can observe the table between the two steps.
func (t *requestTable) evaluate(responses, assigned, cancellations []store.Record, ledger *CapacityLedger) passPlan {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.merge(responses, assigned, cancellations)
	return t.admit(ledger)
}

// admit walks the requests in first-observation order. Caller holds mu.
func (t *requestTable) admit(ledger *CapacityLedger) passPlan {
	var plan passPlan
	for _, r := range t.order {
		if r.assigned == nil {
			continue
		}
		if r.status != enum.RequestStatusUndefined && r.status != enum.RequestStatusEnqueued {
			continue
		}

		if r.cancellation != nil {
			r.status = enum.RequestStatusCancelled
			t.metrics.IncCancellation()
			plan.cancelled = append(plan.cancelled, r.snapshot())
			continue
		}

		if r.status == enum.RequestStatusUndefined {
			r.status = enum.RequestStatusEnqueued
			t.metrics.IncEnqueued()
			plan.enqueued = append(plan.enqueued, r.snapshot())
		}

		if !ledger.TryAcquire() {
			t.metrics.IncDeferral()
			continue
		}
		r.status = enum.RequestStatusLaunched
		t.metrics.IncAdmission()
		plan.launched = append(plan.launched, r.snapshot())
	}
	return plan
}
