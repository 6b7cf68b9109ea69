package conn

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// BadgerOption defines the local grid store of a single host.
type BadgerOption struct {
	Dir        string `yaml:"dir"`
	InMemory   bool   `yaml:"inMemory"`
	SyncWrites bool   `yaml:"syncWrites"`
}

// OpenBadger opens the badger database described by opt.
func OpenBadger(opt BadgerOption) (*badger.DB, error) {
	if !opt.InMemory && opt.Dir == "" {
		return nil, errors.New("badger dir is empty")
	}
	bopt := badger.DefaultOptions(opt.Dir).
		WithSyncWrites(opt.SyncWrites).
		WithLogger(badgerLogger{})
	if opt.InMemory {
		bopt = bopt.WithDir("").WithValueDir("").WithInMemory(true)
	}
	db, err := badger.Open(bopt)
	if err != nil {
		return nil, errors.Wrap(err, "open badger").With("dir", opt.Dir)
	}
	return db, nil
}

// badgerLogger routes badger's internal logging to logs, dropping its chatty info level.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	logs.Errorf("badger: "+format, args...)
}

func (badgerLogger) Warningf(format string, args ...any) {
	logs.Warnf("badger: "+format, args...)
}

func (badgerLogger) Infof(string, ...any) {}

func (badgerLogger) Debugf(string, ...any) {}
