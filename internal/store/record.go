package store

import (
	"context"
	"sort"
	"time"
)

// Kind names a record stream in the store.
type Kind string

const (
	KindAssigned     Kind = "assigned"
	KindCancellation Kind = "cancellation"
	KindResponse     Kind = "response"
	KindAvailability Kind = "availability"
)

func (k Kind) IsAvailable() bool {
	switch k {
	case KindAssigned, KindCancellation, KindResponse, KindAvailability:
		return true
	default:
		return false
	}
}

// Record is one item of the store, upserted by Kind and Key.
type Record struct {
	Kind         Kind      `json:"kind"`
	Key          string    `json:"key"`
	RequestID    string    `json:"requestId,omitempty"`
	HostComputer string    `json:"hostComputer,omitempty"`
	HostInstance string    `json:"hostInstance,omitempty"`
	Payload      []byte    `json:"payload"`
	UpdatedAt    time.Time `json:"updatedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Expired reports whether the record outlived its ttl at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Filter selects the records of one kind targeted at a host.
//
// An empty HostComputer selects every record of the kind. Otherwise a record
// matches when it targets the same computer and instance, or when it has no
// computer at all (broadcast).
type Filter struct {
	Kind         Kind
	HostComputer string
	HostInstance string
}

// Match reports whether r is selected by the filter.
func (f Filter) Match(r Record) bool {
	if r.Kind != f.Kind {
		return false
	}
	if f.HostComputer == "" || r.HostComputer == "" {
		return true
	}
	return r.HostComputer == f.HostComputer && r.HostInstance == f.HostInstance
}

// Store is the shared event store used for request delivery and status reporting.
type Store interface {
	// List returns a snapshot of the live records matching filter, oldest first.
	List(ctx context.Context, filter Filter) ([]Record, error)
	// Upsert creates or replaces the record identified by Kind and Key.
	// A non-positive ttl keeps the record until it is replaced.
	Upsert(ctx context.Context, rec Record, ttl time.Duration) error
	// Subscribe calls onChange whenever a record matching filter is created or updated.
	Subscribe(filter Filter, onChange func()) (Subscription, error)
	Close() error
}

// Subscription is a registered interest in a filtered record stream.
type Subscription interface {
	Filter() Filter
	// Items returns the records currently matching the subscription.
	Items(ctx context.Context) ([]Record, error)
	Close() error
}

func validateRecord(rec Record) error {
	if !rec.Kind.IsAvailable() {
		return errUnknownKind(rec.Kind)
	}
	if rec.Key == "" {
		return errEmptyKey(rec.Kind)
	}
	return nil
}

func sortRecords(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].UpdatedAt.Before(recs[j].UpdatedAt)
		}
		return recs[i].Key < recs[j].Key
	})
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
