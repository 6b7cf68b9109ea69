package store

import (
	"context"
	"sync"
	"time"

	"gridworker/pkg/exception"
)

// MemoryStore is an in-process Store. Subscribers are notified on their own goroutine.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Kind]map[string]Record
	subs    map[*memorySubscription]struct{}
	closed  bool
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock replaces the clock used for timestamps and expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[Kind]map[string]Record),
		subs:    make(map[*memorySubscription]struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns the live records matching filter.
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, exception.ErrStoreClosed
	}
	recs := make([]Record, 0, len(s.records[filter.Kind]))
	for _, rec := range s.records[filter.Kind] {
		if rec.Expired(now) || !filter.Match(rec) {
			continue
		}
		recs = append(recs, cloneRecord(rec))
	}
	sortRecords(recs)
	return recs, nil
}

// Upsert stores rec and wakes every matching subscriber.
func (s *MemoryStore) Upsert(ctx context.Context, rec Record, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRecord(rec); err != nil {
		return err
	}
	now := s.now()
	rec = cloneRecord(rec)
	rec.UpdatedAt = now
	rec.ExpiresAt = expiry(now, ttl)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return exception.ErrStoreClosed
	}
	bucket := s.records[rec.Kind]
	if bucket == nil {
		bucket = make(map[string]Record)
		s.records[rec.Kind] = bucket
	}
	bucket[rec.Key] = rec
	for sub := range s.subs {
		if sub.filter.Match(rec) {
			sub.notify()
		}
	}
	s.mu.Unlock()
	return nil
}

// Subscribe registers onChange for records matching filter. The callback fires
// once right after subscribing so existing records are picked up.
func (s *MemoryStore) Subscribe(filter Filter, onChange func()) (Subscription, error) {
	if onChange == nil {
		return nil, exception.ErrStoreNilCallback
	}
	if !filter.Kind.IsAvailable() {
		return nil, errUnknownKind(filter.Kind)
	}

	sub := &memorySubscription{
		store:    s,
		filter:   filter,
		onChange: onChange,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, exception.ErrStoreClosed
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	sub.wg.Add(1)
	go sub.run()
	sub.notify()
	return sub, nil
}

// Close detaches every subscriber and rejects further calls.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*memorySubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

func (s *MemoryStore) unsubscribe(sub *memorySubscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

type memorySubscription struct {
	store    *MemoryStore
	filter   Filter
	onChange func()
	kick     chan struct{}
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func (sub *memorySubscription) Filter() Filter {
	return sub.filter
}

func (sub *memorySubscription) Items(ctx context.Context) ([]Record, error) {
	return sub.store.List(ctx, sub.filter)
}

func (sub *memorySubscription) Close() error {
	sub.once.Do(func() {
		sub.store.unsubscribe(sub)
		close(sub.done)
	})
	sub.wg.Wait()
	return nil
}

func (sub *memorySubscription) notify() {
	select {
	case sub.kick <- struct{}{}:
	default:
	}
}

func (sub *memorySubscription) run() {
	defer sub.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case <-sub.kick:
			sub.onChange()
		}
	}
}

func cloneRecord(rec Record) Record {
	if rec.Payload != nil {
		payload := make([]byte, len(rec.Payload))
		copy(payload, rec.Payload)
		rec.Payload = payload
	}
	return rec
}
