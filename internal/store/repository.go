package store

import (
	"context"
	"time"

	"gridworker/internal/model"
	"gridworker/pkg/exception"

	"github.com/yanun0323/errors"
)

// Repository stores the typed grid records on top of a Store.
type Repository struct {
	store Store
}

// NewRepository wraps s.
func NewRepository(s Store) *Repository {
	return &Repository{store: s}
}

// Store returns the underlying store.
func (r *Repository) Store() Store {
	return r.store
}

// HostFilter selects the records of kind addressed to host.
func HostFilter(kind Kind, host model.HostIdentity) Filter {
	return Filter{
		Kind:         kind,
		HostComputer: host.Computer,
		HostInstance: model.NormalizeInstance(host.Instance),
	}
}

// Subscribe watches the records of kind addressed to host.
func (r *Repository) Subscribe(kind Kind, host model.HostIdentity, onChange func()) (Subscription, error) {
	sub, err := r.store.Subscribe(HostFilter(kind, host), onChange)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe").With("kind", kind)
	}
	return sub, nil
}

// SaveAssigned publishes a request assignment.
func (r *Repository) SaveAssigned(ctx context.Context, req model.AssignedRequest, ttl time.Duration) error {
	if req.WorkerHostComputer == "" {
		return errors.Wrap(exception.ErrInvalidArgument, "assigned request without worker host").With("requestId", req.RequestID)
	}
	return r.save(ctx, KindAssigned, req.Key(), req.RequestID, req.Host(), req, ttl)
}

// SaveCancellation publishes a cancellation.
func (r *Repository) SaveCancellation(ctx context.Context, c model.CancellationRequest, ttl time.Duration) error {
	return r.save(ctx, KindCancellation, c.Key(), c.RequestID, c.Host(), c, ttl)
}

// SaveResponse publishes a worker response.
func (r *Repository) SaveResponse(ctx context.Context, resp model.WorkerResponse, ttl time.Duration) error {
	if !resp.Status.IsAvailable() {
		return errors.Wrap(exception.ErrTypeUnsupported, "response status").With("status", uint8(resp.Status))
	}
	return r.save(ctx, KindResponse, resp.Key(), resp.RequestID, resp.Host(), resp, ttl)
}

// SaveAvailability publishes the capacity heartbeat of a host.
func (r *Repository) SaveAvailability(ctx context.Context, a model.WorkerAvailability) error {
	return r.save(ctx, KindAvailability, a.Key(), model.RequestID{}, a.Host(), a, model.AvailabilityLifetime)
}

// Availability lists the live availability records of every host.
func (r *Repository) Availability(ctx context.Context) ([]model.WorkerAvailability, error) {
	recs, err := r.store.List(ctx, Filter{Kind: KindAvailability})
	if err != nil {
		return nil, errors.Wrap(err, "list availability")
	}
	out := make([]model.WorkerAvailability, 0, len(recs))
	for _, rec := range recs {
		a, err := model.Decode[model.WorkerAvailability](rec.Payload)
		if err != nil {
			return nil, errors.Wrap(err, "decode availability").With("key", rec.Key)
		}
		out = append(out, a)
	}
	return out, nil
}

// Responses lists every live response for id, across hosts.
func (r *Repository) Responses(ctx context.Context, id model.RequestID) ([]model.WorkerResponse, error) {
	recs, err := r.store.List(ctx, Filter{Kind: KindResponse})
	if err != nil {
		return nil, errors.Wrap(err, "list responses")
	}
	want := id.String()
	var out []model.WorkerResponse
	for _, rec := range recs {
		if rec.RequestID != want {
			continue
		}
		resp, err := model.Decode[model.WorkerResponse](rec.Payload)
		if err != nil {
			return nil, errors.Wrap(err, "decode response").With("key", rec.Key)
		}
		out = append(out, resp)
	}
	return out, nil
}

func (r *Repository) save(ctx context.Context, kind Kind, key string, id model.RequestID, host model.HostIdentity, v any, ttl time.Duration) error {
	payload, err := model.Encode(v)
	if err != nil {
		return errors.Wrap(err, "encode record").With("kind", kind)
	}
	rec := Record{
		Kind:         kind,
		Key:          key,
		HostComputer: host.Computer,
		HostInstance: model.NormalizeInstance(host.Instance),
		Payload:      payload,
	}
	if id != (model.RequestID{}) {
		rec.RequestID = id.String()
	}
	if err := r.store.Upsert(ctx, rec, ttl); err != nil {
		return errors.Wrap(err, "upsert record").With("kind", kind)
	}
	return nil
}
