package ops

import (
	"context"
	"io"

	"gridworker/internal/store"
	"gridworker/pkg/conn"
	"gridworker/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// OpenStore builds the store selected by cfg. The returned closer releases
// the store and the connection behind it.
func OpenStore(ctx context.Context, cfg StoreConfig) (store.Store, io.Closer, error) {
	switch cfg.Driver {
	case DriverMemory, "":
		s := store.NewMemoryStore()
		return s, s, nil

	case DriverBadger:
		db, err := conn.OpenBadger(cfg.Badger)
		if err != nil {
			return nil, nil, err
		}
		s, err := store.NewBadgerStore(db, cfg.PollInterval)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, closerFunc(func() error {
			if err := s.Close(); err != nil {
				logs.Warnf("close badger store, err: %+v", err)
			}
			return db.Close()
		}), nil

	case DriverPostgres:
		pg, err := conn.OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		s, err := store.NewPostgresStore(ctx, pg.DB(), cfg.PollInterval)
		if err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		return s, closerFunc(func() error {
			if err := s.Close(); err != nil {
				logs.Warnf("close postgres store, err: %+v", err)
			}
			return pg.Close()
		}), nil

	default:
		return nil, nil, errors.Wrap(exception.ErrStoreUnsupportedDriver, "open store").With("driver", cfg.Driver)
	}
}
