package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gridworker/internal/model"
	"gridworker/internal/model/enum"
	"gridworker/internal/obs"
	"gridworker/internal/store"
	"gridworker/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Publisher writes the status transitions and availability heartbeat of a host.
type Publisher struct {
	repo      *store.Repository
	host      model.HostIdentity
	ledger    *CapacityLedger
	metrics   *obs.Metrics
	retention time.Duration
	heartbeat time.Duration
	now       func() time.Time

	due  atomic.Bool
	mu   sync.Mutex
	last time.Time
}

func newPublisher(cfg Config, repo *store.Repository, ledger *CapacityLedger, metrics *obs.Metrics, now func() time.Time) *Publisher {
	return &Publisher{
		repo:      repo,
		host:      cfg.Host,
		ledger:    ledger,
		metrics:   metrics,
		retention: cfg.ResponseRetention,
		heartbeat: cfg.HeartbeatInterval,
		now:       now,
	}
}

// PublishStatus writes the worker response of snap.
func (p *Publisher) PublishStatus(ctx context.Context, snap requestSnapshot) error {
	if snap.Status == enum.RequestStatusUndefined {
		return errors.Wrap(exception.ErrPublishUndefinedStatus, "publish status").With("requestId", snap.ID)
	}

	resp := model.WorkerResponse{
		RequestID:          snap.ID,
		WorkerHostComputer: p.host.Computer,
		WorkerHostInstance: p.host.Instance,
		Status:             snap.Status,
		RequesterID:        snap.Requester,
	}
	if snap.Status == enum.RequestStatusFaulted {
		resp.FaultDetail = snap.Fault
	}
	if snap.Status == enum.RequestStatusCancelled {
		resp.CancelReason = snap.CancelReason
	}

	if err := p.repo.SaveResponse(ctx, resp, p.retention); err != nil {
		return errors.Wrap(err, "save worker response").With("requestId", snap.ID)
	}
	logs.Debugf("%s published %s", snap.ID, snap.Status)
	return nil
}

// HeartbeatDue marks the availability record due on the next PublishAvailability.
func (p *Publisher) HeartbeatDue() {
	p.due.Store(true)
}

// PublishAvailability writes the availability record when capacity changed
// since the last heartbeat, when a heartbeat is due, or when the heartbeat
// interval has elapsed. It reports whether a record was written.
func (p *Publisher) PublishAvailability(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	elapsed := now.Sub(p.last)
	// a due heartbeat is dropped when a record went out less than half an
	// interval ago
	due := p.due.Swap(false) && elapsed >= p.heartbeat/2
	changes := p.ledger.TakeChanges()
	if changes == 0 && !due && elapsed < p.heartbeat {
		return false, nil
	}

	a := model.WorkerAvailability{
		WorkerHostComputer: p.host.Computer,
		WorkerHostInstance: p.host.Instance,
		AvailableNodeCount: p.ledger.Available(),
	}
	if err := p.repo.SaveAvailability(ctx, a); err != nil {
		p.ledger.RestoreChanges(changes)
		if due {
			p.due.Store(true)
		}
		return false, errors.Wrap(err, "save worker availability")
	}
	p.last = now
	p.metrics.IncHeartbeat()
	return true, nil
}
