package coalesce

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"gridworker/internal/obs"
	"gridworker/pkg/exception"

	"github.com/yanun0323/logs"
)

// Handler re-evaluates current state. It receives no payload: every run reads
// whatever is current, so folding many dispatches into one run loses nothing.
type Handler func(ctx context.Context)

// Throttle collapses bursts of Dispatch calls into single handler runs.
//
// Runs never overlap. A Dispatch that arrives while a run is in progress
// schedules exactly one more run after it, however many such calls arrive.
type Throttle struct {
	handler Handler
	kick    chan struct{}
	done    chan struct{}
	passes  *obs.Sequence

	started atomic.Bool
	closed  atomic.Bool
	once    sync.Once
	wg      sync.WaitGroup
}

// NewThrottle creates a throttle around handler.
func NewThrottle(handler Handler) (*Throttle, error) {
	if handler == nil {
		return nil, exception.ErrThrottleNilHandler
	}
	return &Throttle{
		handler: handler,
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		passes:  obs.NewSequence(0),
	}, nil
}

// Start runs the consumer loop until ctx is done or Close is called.
// Dispatches made before Start are kept and served once it runs.
func (t *Throttle) Start(ctx context.Context) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(ctx)
	}()
}

// Dispatch requests a run. It never blocks and is safe from any goroutine.
func (t *Throttle) Dispatch() {
	if t == nil || t.closed.Load() {
		return
	}
	select {
	case t.kick <- struct{}{}:
	default:
		// a run is already pending and will observe the latest state
	}
}

// Runs returns how many handler runs have started.
func (t *Throttle) Runs() uint64 {
	return t.passes.Current()
}

// Close stops accepting dispatches and waits for the current run to finish.
func (t *Throttle) Close() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.closed.Store(true)
		close(t.done)
	})
	t.wg.Wait()
}

func (t *Throttle) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-t.kick:
			t.invoke(ctx)
		}
	}
}

func (t *Throttle) invoke(ctx context.Context) {
	pass := t.passes.Next()
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("coalesced pass %d panicked: %v\n%s", pass, r, debug.Stack())
		}
	}()
	t.handler(ctx)
}
