package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gridworker/internal/coalesce"
	"gridworker/internal/obs"
	"gridworker/internal/store"
	"gridworker/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

type serverState uint32

const (
	stateIdle serverState = iota
	stateRunning
	stateStopping
	stateStopped
)

func (s serverState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Option customizes a Server.
type Option func(*Server)

// WithLauncher replaces the operating system launcher.
func WithLauncher(l Launcher) Option {
	return func(s *Server) {
		if l != nil {
			s.launcher = l
		}
	}
}

// WithMetrics shares a metrics container with the caller.
func WithMetrics(m *obs.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock replaces the clock used for the heartbeat.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Server is a grid worker host: it receives requests assigned to it, admits
// them against its capacity, runs one worker process per request and reports
// statuses and availability through the store.
type Server struct {
	cfg      Config
	repo     *store.Repository
	launcher Launcher
	metrics  *obs.Metrics
	now      func() time.Time

	table     *requestTable
	ledger    *CapacityLedger
	publisher *Publisher
	throttle  *coalesce.Throttle
	launches  *obs.Sequence

	mu          sync.Mutex
	state       atomic.Uint32
	executable  string
	exePath     atomic.Pointer[string]
	cancel      context.CancelFunc
	responses   store.Subscription
	assigned    store.Subscription
	cancels     store.Subscription
	housekeeper chan struct{}
	hkDone      chan struct{}
	workers     sync.WaitGroup
}

// NewServer validates cfg and builds an idle server on repo.
func NewServer(cfg Config, repo *store.Repository, opts ...Option) (*Server, error) {
	if repo == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "nil repository")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(exception.ErrDispatcherInvalidConfig, err.Error())
	}

	s := &Server{
		cfg:      cfg,
		repo:     repo,
		launcher: ExecLauncher{},
		metrics:  obs.NewMetrics(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.ledger = NewCapacityLedger(cfg.Budget)
	s.table = newRequestTable(s.metrics)
	s.launches = obs.NewSequence(0)
	s.publisher = newPublisher(cfg, repo, s.ledger, s.metrics, s.now)
	throttle, err := coalesce.NewThrottle(s.pass)
	if err != nil {
		return nil, err
	}
	s.throttle = throttle
	return s, nil
}

// Config returns the effective configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// Ledger exposes the capacity counters of the host.
func (s *Server) Ledger() *CapacityLedger {
	return s.ledger
}

// Metrics returns the metrics container of the host.
func (s *Server) Metrics() *obs.Metrics {
	return s.metrics
}

// Start resolves the worker executable, subscribes to the three record streams
// and starts the housekeeper. A missing executable is fatal.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if serverState(s.state.Load()) != stateIdle {
		return exception.ErrDispatcherAlreadyStarted
	}

	executable, err := ResolveExecutable(s.cfg.SearchPaths, s.cfg.ExecutableName)
	if err != nil {
		return err
	}
	s.executable = executable
	s.exePath.Store(&executable)

	// subscriptions notify once on registration; the throttle keeps those
	// kicks until it starts, after every field a pass reads is set
	if s.responses, err = s.repo.Subscribe(store.KindResponse, s.cfg.Host, s.throttle.Dispatch); err == nil {
		if s.cancels, err = s.repo.Subscribe(store.KindCancellation, s.cfg.Host, s.throttle.Dispatch); err == nil {
			s.assigned, err = s.repo.Subscribe(store.KindAssigned, s.cfg.Host, s.throttle.Dispatch)
		}
	}
	if err != nil {
		s.closeSubscriptions()
		s.responses, s.cancels, s.assigned = nil, nil, nil
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state.Store(uint32(stateRunning))
	s.throttle.Start(runCtx)

	s.housekeeper = make(chan struct{})
	s.hkDone = make(chan struct{})
	go s.housekeep(s.housekeeper, s.hkDone)

	logs.Infof("grid worker %s started: budget %d, executable %s", s.cfg.Host, s.cfg.Budget, executable)
	s.throttle.Dispatch()
	return nil
}

// housekeep forces a pass on every tick so near-expiry state is refreshed
// while no record changes. The heartbeat ticker marks the availability record
// due on its own cadence, so idle heartbeats never wait for a second
// housekeeping tick.
func (s *Server) housekeep(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.HousekeepInterval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.throttle.Dispatch()
		case <-heartbeat.C:
			s.publisher.HeartbeatDue()
			s.throttle.Dispatch()
		}
	}
}

// Stop stops the housekeeper, waits up to DrainTimeout for running workers,
// then releases the subscriptions and the throttle. Workers still running
// after the timeout are left alone.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.CompareAndSwap(uint32(stateRunning), uint32(stateStopping)) {
		return exception.ErrDispatcherNotRunning
	}

	close(s.housekeeper)
	<-s.hkDone

	if !s.drain() {
		logs.Warnf("grid worker %s stopping with %d request handlers still running", s.cfg.Host, s.ledger.Executing())
	}

	s.closeSubscriptions()
	s.throttle.Close()
	s.cancel()
	s.state.Store(uint32(stateStopped))
	logs.Infof("grid worker %s stopped", s.cfg.Host)
	return nil
}

// drain waits for the executing count to reach zero, reporting whether it did.
func (s *Server) drain() bool {
	if s.ledger.Executing() <= 0 {
		return true
	}

	deadline := time.NewTimer(s.cfg.DrainTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(s.cfg.DrainPollInterval)
	defer poll.Stop()

	lastLog := time.Now()
	for {
		select {
		case <-deadline.C:
			return s.ledger.Executing() <= 0
		case <-poll.C:
			executing := s.ledger.Executing()
			if executing <= 0 {
				return true
			}
			if time.Since(lastLog) >= s.cfg.DrainLogInterval {
				lastLog = time.Now()
				logs.Infof("waiting for %d request handlers to stop...", executing)
			}
		}
	}
}

func (s *Server) closeSubscriptions() {
	for _, sub := range []store.Subscription{s.assigned, s.cancels, s.responses} {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil {
			logs.Warnf("close %s subscription, err: %+v", sub.Filter().Kind, err)
		}
	}
}

// Dispatch requests a re-evaluation pass.
func (s *Server) Dispatch() {
	s.throttle.Dispatch()
}

// Wait blocks until every supervisor goroutine has returned.
func (s *Server) Wait() {
	s.workers.Wait()
}

// pass is the coalesced re-evaluation: read, merge, admit, publish, launch.
func (s *Server) pass(ctx context.Context) {
	if serverState(s.state.Load()) != stateRunning {
		return
	}
	start := time.Now()
	defer func() { s.metrics.ObservePass(time.Since(start)) }()

	responses := s.items(ctx, s.responses)
	assigned := s.items(ctx, s.assigned)
	cancels := s.items(ctx, s.cancels)

	plan := s.table.evaluate(responses, assigned, cancels, s.ledger)

	for _, snap := range plan.cancelled {
		s.publish(ctx, snap)
	}
	for _, snap := range plan.enqueued {
		s.publish(ctx, snap)
	}
	supervised := context.WithoutCancel(ctx)
	for _, snap := range plan.launched {
		s.publish(ctx, snap)
		s.workers.Add(1)
		go s.supervise(supervised, snap.ID)
	}

	if _, err := s.publisher.PublishAvailability(ctx); err != nil {
		s.metrics.IncPublishFailure()
		logs.Errorf("publish availability of %s, err: %+v", s.cfg.Host, err)
	}
}

func (s *Server) items(ctx context.Context, sub store.Subscription) []store.Record {
	if sub == nil {
		return nil
	}
	recs, err := sub.Items(ctx)
	if err != nil {
		logs.Errorf("read %s records, err: %+v", sub.Filter().Kind, err)
		return nil
	}
	return recs
}

func (s *Server) publish(ctx context.Context, snap requestSnapshot) {
	if err := s.publisher.PublishStatus(ctx, snap); err != nil {
		s.metrics.IncPublishFailure()
		logs.Errorf("publish %s, err: %+v", snap, err)
	}
}

// Status is a point-in-time view of a host, served on the control socket.
type Status struct {
	Host       string         `json:"host"`
	Instance   string         `json:"instance"`
	State      string         `json:"state"`
	Executable string         `json:"executable,omitempty"`
	Budget     int64          `json:"budget"`
	Available  int64          `json:"available"`
	Executing  int64          `json:"executing"`
	Requests   map[string]int `json:"requests"`
	Metrics    obs.Snapshot   `json:"metrics"`
}

// Status returns the current view of the host.
func (s *Server) Status() Status {
	var executable string
	if p := s.exePath.Load(); p != nil {
		executable = *p
	}

	return Status{
		Host:       s.cfg.Host.Computer,
		Instance:   s.cfg.Host.InstanceOrDefault(),
		State:      serverState(s.state.Load()).String(),
		Executable: executable,
		Budget:     s.ledger.Budget(),
		Available:  s.ledger.Available(),
		Executing:  s.ledger.Executing(),
		Requests:   s.table.counts(),
		Metrics:    s.metrics.Snapshot(),
	}
}
