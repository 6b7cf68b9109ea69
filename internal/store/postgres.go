package store

import (
	"context"
	"sync"
	"time"

	"gridworker/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultSweepInterval = time.Minute

type recordRow struct {
	Kind         string `gorm:"primaryKey;size:32"`
	Key          string `gorm:"primaryKey;size:512"`
	RequestID    string `gorm:"index;size:64"`
	HostComputer string `gorm:"index;size:255"`
	HostInstance string `gorm:"size:255"`
	Payload      []byte
	UpdatedAt    time.Time  `gorm:"index"`
	ExpiresAt    *time.Time `gorm:"index"`
}

func (recordRow) TableName() string {
	return "grid_records"
}

func rowFromRecord(rec Record) recordRow {
	row := recordRow{
		Kind:         string(rec.Kind),
		Key:          rec.Key,
		RequestID:    rec.RequestID,
		HostComputer: rec.HostComputer,
		HostInstance: rec.HostInstance,
		Payload:      rec.Payload,
		UpdatedAt:    rec.UpdatedAt,
	}
	if !rec.ExpiresAt.IsZero() {
		expiresAt := rec.ExpiresAt
		row.ExpiresAt = &expiresAt
	}
	return row
}

func (row recordRow) record() Record {
	rec := Record{
		Kind:         Kind(row.Kind),
		Key:          row.Key,
		RequestID:    row.RequestID,
		HostComputer: row.HostComputer,
		HostInstance: row.HostInstance,
		Payload:      row.Payload,
		UpdatedAt:    row.UpdatedAt,
	}
	if row.ExpiresAt != nil {
		rec.ExpiresAt = *row.ExpiresAt
	}
	return rec
}

// PostgresStore shares records between hosts through a postgres table.
// Subscriptions poll; expired rows are swept lazily from List.
type PostgresStore struct {
	db       *gorm.DB
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	subs      []*pollingSubscription
	closed    bool
	lastSweep time.Time
}

// NewPostgresStore migrates the record table and returns the store.
func NewPostgresStore(ctx context.Context, db *gorm.DB, pollInterval time.Duration) (*PostgresStore, error) {
	if db == nil {
		return nil, exception.ErrNilInstance
	}
	if err := db.WithContext(ctx).AutoMigrate(&recordRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate grid records")
	}
	return &PostgresStore{db: db, interval: pollInterval, now: time.Now}, nil
}

// List returns the live records matching filter.
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	now := s.now()
	s.sweep(ctx, now)

	q := s.db.WithContext(ctx).
		Where("kind = ?", string(filter.Kind)).
		Where("expires_at IS NULL OR expires_at > ?", now)
	if filter.HostComputer != "" {
		q = q.Where("host_computer = '' OR (host_computer = ? AND host_instance = ?)",
			filter.HostComputer, filter.HostInstance)
	}

	var rows []recordRow
	if err := q.Order("updated_at").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "select grid records").With("kind", filter.Kind)
	}
	recs := make([]Record, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, row.record())
	}
	sortRecords(recs)
	return recs, nil
}

// Upsert inserts rec or replaces the row with the same kind and key.
func (s *PostgresStore) Upsert(ctx context.Context, rec Record, ttl time.Duration) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	now := s.now()
	rec.UpdatedAt = now
	rec.ExpiresAt = expiry(now, ttl)

	row := rowFromRecord(rec)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kind"}, {Name: "key"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return errors.Wrap(err, "upsert grid record").With("key", rec.Key)
	}
	return nil
}

// Subscribe polls for changes to the records matching filter.
func (s *PostgresStore) Subscribe(filter Filter, onChange func()) (Subscription, error) {
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

// Close stops the polling subscriptions. The connection pool is left open.
func (s *PostgresStore) Close() error {
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

func (s *PostgresStore) sweep(ctx context.Context, now time.Time) {
	s.mu.Lock()
	if now.Sub(s.lastSweep) < defaultSweepInterval {
		s.mu.Unlock()
		return
	}
	s.lastSweep = now
	s.mu.Unlock()

	res := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Delete(&recordRow{})
	if res.Error != nil {
		logs.Warnf("sweep expired grid records, err: %+v", res.Error)
		return
	}
	if res.RowsAffected > 0 {
		logs.Debugf("swept %d expired grid records", res.RowsAffected)
	}
}
