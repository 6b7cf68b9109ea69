package dispatcher

import (
	"fmt"
	"runtime/debug"
	"sync"

	"gridworker/internal/model"
	"gridworker/internal/model/enum"
	"gridworker/internal/obs"
	"gridworker/internal/store"
	"gridworker/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// internalRequest is the local view of one request id.
type internalRequest struct {
	id           model.RequestID
	assigned     *model.AssignedRequest
	cancellation *model.CancellationRequest
	status       enum.RequestStatus
	fault        *model.ExceptionDetail
}

// requestSnapshot is an immutable copy of an internalRequest, taken under the
// table lock and published after it is released.
type requestSnapshot struct {
	ID           model.RequestID
	Status       enum.RequestStatus
	Fault        *model.ExceptionDetail
	Requester    *model.UserIdentity
	CancelReason string
}

func (r *internalRequest) snapshot() requestSnapshot {
	snap := requestSnapshot{
		ID:     r.id,
		Status: r.status,
		Fault:  r.fault,
	}
	switch {
	case r.assigned != nil && r.assigned.RequesterID != nil:
		snap.Requester = r.assigned.RequesterID
	case r.cancellation != nil:
		snap.Requester = r.cancellation.RequesterID
	}
	if r.status == enum.RequestStatusCancelled && r.cancellation != nil {
		snap.CancelReason = r.cancellation.CancelReason
	}
	return snap
}

// requestTable merges the three record streams into one entry per request id.
// Entries are never evicted while the host runs.
type requestTable struct {
	mu       sync.Mutex
	requests map[model.RequestID]*internalRequest
	order    []*internalRequest
	metrics  *obs.Metrics
}

func newRequestTable(metrics *obs.Metrics) *requestTable {
	return &requestTable{
		requests: make(map[model.RequestID]*internalRequest),
		metrics:  metrics,
	}
}

// entry returns the request for id, creating it on first sight. Caller holds mu.
func (t *requestTable) entry(id model.RequestID) *internalRequest {
	if r, ok := t.requests[id]; ok {
		return r
	}
	r := &internalRequest{id: id}
	t.requests[id] = r
	t.order = append(t.order, r)
	return r
}

// merge applies responses, then assignments, then cancellations. A malformed
// item is logged and skipped without affecting the others. Caller holds mu.
func (t *requestTable) merge(responses, assigned, cancellations []store.Record) {
	for _, rec := range responses {
		t.mergeItem(rec, t.mergeResponse)
	}
	for _, rec := range assigned {
		t.mergeItem(rec, t.mergeAssigned)
	}
	for _, rec := range cancellations {
		t.mergeItem(rec, t.mergeCancellation)
	}
}

func (t *requestTable) mergeItem(rec store.Record, fn func(store.Record) error) {
	defer func() {
		if r := recover(); r != nil {
			t.metrics.IncItemFailure()
			logs.Errorf("merge %s record %s panicked: %v\n%s", rec.Kind, rec.Key, r, debug.Stack())
		}
	}()
	if err := fn(rec); err != nil {
		t.metrics.IncItemFailure()
		logs.Errorf("merge %s record %s, err: %+v", rec.Kind, rec.Key, err)
	}
}

func (t *requestTable) mergeResponse(rec store.Record) error {
	resp, err := model.Decode[model.WorkerResponse](rec.Payload)
	if err != nil {
		return err
	}
	if err := requireID(resp.RequestID); err != nil {
		return err
	}
	r := t.entry(resp.RequestID)
	if !r.status.Advances(resp.Status) {
		return nil
	}
	r.status = resp.Status
	if resp.Status == enum.RequestStatusFaulted && resp.FaultDetail != nil {
		r.fault = resp.FaultDetail
	}
	return nil
}

func (t *requestTable) mergeAssigned(rec store.Record) error {
	req, err := model.Decode[model.AssignedRequest](rec.Payload)
	if err != nil {
		return err
	}
	if err := requireID(req.RequestID); err != nil {
		return err
	}
	r := t.entry(req.RequestID)
	r.assigned = &req
	return nil
}

func (t *requestTable) mergeCancellation(rec store.Record) error {
	c, err := model.Decode[model.CancellationRequest](rec.Payload)
	if err != nil {
		return err
	}
	if err := requireID(c.RequestID); err != nil {
		return err
	}
	r := t.entry(c.RequestID)
	r.cancellation = &c
	return nil
}

func requireID(id model.RequestID) error {
	if id == (model.RequestID{}) {
		return errors.Wrap(exception.ErrInvalidArgument, "record without request id")
	}
	return nil
}

// fault forces a request to Faulted with detail and returns the snapshot to publish.
func (t *requestTable) fault(id model.RequestID, detail *model.ExceptionDetail) (requestSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.requests[id]
	if !ok {
		return requestSnapshot{}, false
	}
	r.status = enum.RequestStatusFaulted
	r.fault = detail
	return r.snapshot(), true
}

// status returns the current status of id.
func (t *requestTable) status(id model.RequestID) (enum.RequestStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.requests[id]
	if !ok {
		return enum.RequestStatusUndefined, false
	}
	return r.status, true
}

// counts returns the number of requests per status name.
func (t *requestTable) counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]int, int(enum.RequestStatusFaulted)+1)
	for _, r := range t.order {
		out[r.status.String()]++
	}
	return out
}

func (s requestSnapshot) String() string {
	return fmt.Sprintf("%s(%s)", s.ID, s.Status)
}
