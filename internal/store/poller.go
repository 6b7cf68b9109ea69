package store

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/yanun0323/logs"
)

const defaultPollInterval = time.Second

type listFunc func(ctx context.Context, filter Filter) ([]Record, error)

// pollingSubscription turns a list-only backend into a change feed by
// fingerprinting the matching records on every tick.
type pollingSubscription struct {
	list     listFunc
	filter   Filter
	onChange func()
	interval time.Duration

	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func newPollingSubscription(list listFunc, filter Filter, onChange func(), interval time.Duration) *pollingSubscription {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &pollingSubscription{
		list:     list,
		filter:   filter,
		onChange: onChange,
		interval: interval,
		cancel:   cancel,
	}
	sub.wg.Add(1)
	go sub.run(ctx)
	return sub
}

func (sub *pollingSubscription) Filter() Filter {
	return sub.filter
}

func (sub *pollingSubscription) Items(ctx context.Context) ([]Record, error) {
	return sub.list(ctx, sub.filter)
}

func (sub *pollingSubscription) Close() error {
	sub.once.Do(sub.cancel)
	sub.wg.Wait()
	return nil
}

func (sub *pollingSubscription) run(ctx context.Context) {
	defer sub.wg.Done()

	ticker := time.NewTicker(sub.interval)
	defer ticker.Stop()

	var (
		last  uint64
		first = true
	)
	for {
		recs, err := sub.list(ctx, sub.filter)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				logs.Warnf("poll %s records, err: %+v", sub.filter.Kind, err)
			}
		default:
			sum := fingerprint(recs)
			if first || sum != last {
				first = false
				last = sum
				sub.onChange()
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func fingerprint(recs []Record) uint64 {
	h := fnv.New64a()
	var buf []byte
	for i := range recs {
		buf = append(buf[:0], recs[i].Key...)
		buf = append(buf, '|')
		buf = strconv.AppendInt(buf, recs[i].UpdatedAt.UnixNano(), 10)
		buf = append(buf, '\n')
		_, _ = h.Write(buf)
	}
	return h.Sum64()
}
