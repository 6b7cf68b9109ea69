package store

import (
	"context"
	"sync"
	"time"

	"gridworker/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/dgraph-io/badger/v4"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const badgerKeyPrefix = "grid/"

// BadgerStore keeps records in an embedded badger database. Expiry uses
// badger's native entry ttl; subscriptions poll.
type BadgerStore struct {
	db       *badger.DB
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	subs   []*pollingSubscription
	closed bool
}

// NewBadgerStore wraps an open badger database. The caller keeps ownership of db.
func NewBadgerStore(db *badger.DB, pollInterval time.Duration) (*BadgerStore, error) {
	if db == nil {
		return nil, exception.ErrNilInstance
	}
	return &BadgerStore{db: db, interval: pollInterval, now: time.Now}, nil
}

func badgerKey(kind Kind, key string) []byte {
	return []byte(badgerKeyPrefix + string(kind) + "/" + key)
}

func badgerPrefix(kind Kind) []byte {
	return []byte(badgerKeyPrefix + string(kind) + "/")
}

// List returns the live records matching filter.
func (s *BadgerStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()
	prefix := badgerPrefix(filter.Kind)

	var recs []Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var rec Record
			if err := item.Value(func(val []byte) error {
				return sonic.Unmarshal(val, &rec)
			}); err != nil {
				logs.Warnf("skip malformed badger record %s, err: %+v", item.Key(), err)
				continue
			}
			if rec.Expired(now) || !filter.Match(rec) {
				continue
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "badger view").With("kind", filter.Kind)
	}
	sortRecords(recs)
	return recs, nil
}

// Upsert writes rec with the given ttl.
func (s *BadgerStore) Upsert(ctx context.Context, rec Record, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRecord(rec); err != nil {
		return err
	}
	now := s.now()
	rec.UpdatedAt = now
	rec.ExpiresAt = expiry(now, ttl)

	val, err := sonic.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal badger record").With("key", rec.Key)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(badgerKey(rec.Kind, rec.Key), val)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	}); err != nil {
		return errors.Wrap(err, "badger update").With("key", rec.Key)
	}
	return nil
}

// Subscribe polls for changes to the records matching filter.
func (s *BadgerStore) Subscribe(filter Filter, onChange func()) (Subscription, error) {
	if onChange == nil {
		return nil, exception.ErrStoreNilCallback
	}
	if !filter.Kind.IsAvailable() {
		return nil, errUnknownKind(filter.Kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, exception.ErrStoreClosed
	}
	sub := newPollingSubscription(s.List, filter, onChange, s.interval)
	s.subs = append(s.subs, sub)
	return sub, nil
}

// Close stops the polling subscriptions. The database is left open.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.closed = true
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}
