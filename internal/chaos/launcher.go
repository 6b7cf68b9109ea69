package chaos

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"gridworker/internal/dispatcher"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const defaultAbnormalExitCode = -2

// ErrInjectedStartFailure is returned by launches the chaos launcher fails on purpose.
var ErrInjectedStartFailure = errors.New("chaos: injected start failure")

// Config controls chaos injection behavior.
type Config struct {
	Seed             int64
	StartFailureRate float64
	AbnormalExitRate float64
	AbnormalExitCode int
	MaxDelay         time.Duration
}

// Enabled reports whether any fault would be injected.
func (c Config) Enabled() bool {
	return c.StartFailureRate > 0 || c.AbnormalExitRate > 0 || c.MaxDelay > 0
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.StartFailureRate < 0 || c.StartFailureRate > 1 {
		return fmt.Errorf("startFailureRate must be between 0 and 1")
	}
	if c.AbnormalExitRate < 0 || c.AbnormalExitRate > 1 {
		return fmt.Errorf("abnormalExitRate must be between 0 and 1")
	}
	if c.AbnormalExitCode >= 0 {
		return fmt.Errorf("abnormalExitCode must be < 0")
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("maxDelay must be >= 0")
	}
	return nil
}

// Launcher wraps a launcher and injects start failures, abnormal exits and
// launch delays for fault drills.
type Launcher struct {
	cfg  Config
	next dispatcher.Launcher

	mu  sync.Mutex
	rng *rand.Rand
}

// NewLauncher creates a chaos launcher around next with validation.
func NewLauncher(cfg Config, next dispatcher.Launcher) (*Launcher, error) {
	if next == nil {
		return nil, fmt.Errorf("chaos launcher requires a launcher to wrap")
	}
	if cfg.AbnormalExitCode == 0 {
		cfg.AbnormalExitCode = defaultAbnormalExitCode
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Launcher{
		cfg:  cfg,
		next: next,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Launch applies the configured chaos to one launch.
func (l *Launcher) Launch(ctx context.Context, inv dispatcher.Invocation) (dispatcher.Process, error) {
	delay, failStart, abnormal := l.roll()

	if delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}
	if failStart {
		logs.Warnf("chaos: failing start of %s", inv.RequestID)
		return nil, errors.Wrap(ErrInjectedStartFailure, "launch").With("requestId", inv.RequestID)
	}

	proc, err := l.next.Launch(ctx, inv)
	if err != nil || !abnormal {
		return proc, err
	}
	logs.Warnf("chaos: %s will exit with %d", inv.RequestID, l.cfg.AbnormalExitCode)
	return abnormalProcess{Process: proc, code: l.cfg.AbnormalExitCode}, nil
}

func (l *Launcher) roll() (time.Duration, bool, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var delay time.Duration
	if maxDelay := l.cfg.MaxDelay.Nanoseconds(); maxDelay > 0 {
		delay = time.Duration(l.rng.Int63n(maxDelay + 1))
	}
	failStart := l.cfg.StartFailureRate > 0 && l.rng.Float64() < l.cfg.StartFailureRate
	abnormal := l.cfg.AbnormalExitRate > 0 && l.rng.Float64() < l.cfg.AbnormalExitRate
	return delay, failStart, abnormal
}

// abnormalProcess reports a catastrophic exit code whatever the real one was.
type abnormalProcess struct {
	dispatcher.Process
	code int
}

func (p abnormalProcess) ExitCode() int {
	return p.code
}
