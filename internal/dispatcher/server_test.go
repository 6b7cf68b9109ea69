package dispatcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gridworker/internal/model"
	"gridworker/internal/model/enum"
	"gridworker/internal/store"
	"gridworker/pkg/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	eventually = 5 * time.Second
	tick       = 5 * time.Millisecond
)

type fakeProcess struct {
	done    chan struct{}
	started time.Time
	exited  time.Time
	code    int
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) ExitCode() int         { return p.code }
func (p *fakeProcess) StartedAt() time.Time  { return p.started }
func (p *fakeProcess) ExitedAt() time.Time   { return p.exited }

// fakeLauncher runs no process: a launched worker exits with exitCode once
// hold is closed, or immediately when hold is nil.
type fakeLauncher struct {
	exitCode int
	startErr error
	hold     chan struct{}

	mu          sync.Mutex
	invocations []Invocation
	running     atomic.Int64
	maxRunning  atomic.Int64
}

func (l *fakeLauncher) Launch(_ context.Context, inv Invocation) (Process, error) {
	l.mu.Lock()
	l.invocations = append(l.invocations, inv)
	l.mu.Unlock()
	if l.startErr != nil {
		return nil, l.startErr
	}

	n := l.running.Add(1)
	for {
		cur := l.maxRunning.Load()
		if n <= cur || l.maxRunning.CompareAndSwap(cur, n) {
			break
		}
	}

	p := &fakeProcess{done: make(chan struct{}), started: time.Now()}
	go func() {
		if l.hold != nil {
			<-l.hold
		}
		l.running.Add(-1)
		p.exited = time.Now()
		p.code = l.exitCode
		close(p.done)
	}()
	return p, nil
}

func (l *fakeLauncher) launched() []Invocation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Invocation(nil), l.invocations...)
}

func testConfig(t *testing.T, budget int) Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gridhandler"), []byte("#!/bin/sh\nexit 1\n"), 0o755))

	cfg := DefaultConfig(testHost)
	cfg.Budget = budget
	cfg.SearchPaths = []string{dir}
	cfg.PollInterval = 10 * time.Millisecond
	cfg.HousekeepInterval = 50 * time.Millisecond
	cfg.DrainTimeout = 2 * time.Second
	cfg.DrainPollInterval = 5 * time.Millisecond
	cfg.DrainLogInterval = 50 * time.Millisecond
	return cfg
}

func startServer(t *testing.T, cfg Config, launcher Launcher) (*Server, *store.Repository) {
	t.Helper()
	repo := store.NewRepository(store.NewMemoryStore())
	s, err := NewServer(cfg, repo, WithLauncher(launcher))
	require.NoError(t, err)
	require.NoError(t, s.Start(t.Context()))
	t.Cleanup(func() { _ = s.Stop() })
	return s, repo
}

func assign(t *testing.T, repo *store.Repository, id model.RequestID) {
	t.Helper()
	require.NoError(t, repo.SaveAssigned(t.Context(), model.AssignedRequest{
		RequestID:          id,
		WorkerHostComputer: testHost.Computer,
		RequesterID:        &model.UserIdentity{Name: "alice"},
		SubmitTime:         time.Now(),
	}, time.Hour))
}

func responseOf(t *testing.T, repo *store.Repository, id model.RequestID) (model.WorkerResponse, bool) {
	t.Helper()
	got, err := repo.Responses(context.Background(), id)
	require.NoError(t, err)
	for _, resp := range got {
		if resp.WorkerHostComputer == testHost.Computer {
			return resp, true
		}
	}
	return model.WorkerResponse{}, false
}

func waitStatus(t *testing.T, repo *store.Repository, id model.RequestID, want enum.RequestStatus) model.WorkerResponse {
	t.Helper()
	var last model.WorkerResponse
	require.Eventually(t, func() bool {
		resp, ok := responseOf(t, repo, id)
		last = resp
		return ok && resp.Status == want
	}, eventually, tick, "request %s never reached %s", id, want)
	return last
}

func TestServerLaunchesAssignedRequest(t *testing.T) {
	launcher := &fakeLauncher{exitCode: 1}
	s, repo := startServer(t, testConfig(t, 2), launcher)

	id := model.NewRequestID()
	assign(t, repo, id)

	resp := waitStatus(t, repo, id, enum.RequestStatusLaunched)
	assert.Equal(t, "alice", resp.RequesterID.Name)

	require.Eventually(t, func() bool { return s.Ledger().Executing() == 0 }, eventually, tick)
	invs := launcher.launched()
	require.Len(t, invs, 1)
	assert.Equal(t, "/reqid:"+id.String(), invs[0].Args[2])
	assert.Equal(t, s.Status().Executable, invs[0].Path)

	require.Eventually(t, func() bool {
		got, err := repo.Availability(context.Background())
		return err == nil && len(got) == 1 && got[0].AvailableNodeCount == 2
	}, eventually, tick)

	status := s.Status()
	assert.Equal(t, "running", status.State)
	assert.Equal(t, 1, status.Requests["Launched"])
}

func TestServerFaultsAbnormalExit(t *testing.T) {
	launcher := &fakeLauncher{exitCode: -7}
	s, repo := startServer(t, testConfig(t, 1), launcher)

	id := model.NewRequestID()
	assign(t, repo, id)

	resp := waitStatus(t, repo, id, enum.RequestStatusFaulted)
	require.NotNil(t, resp.FaultDetail)
	assert.Contains(t, resp.FaultDetail.String(), "Request '"+id.String()+"' terminated abnormally: -7")
	require.Eventually(t, func() bool { return s.Ledger().Available() == 1 }, eventually, tick)
	assert.Equal(t, uint64(1), s.Metrics().Snapshot().Faults)
}

func TestServerSelfReportedFailureIsNotFaulted(t *testing.T) {
	launcher := &fakeLauncher{exitCode: 0}
	s, repo := startServer(t, testConfig(t, 1), launcher)

	id := model.NewRequestID()
	assign(t, repo, id)

	waitStatus(t, repo, id, enum.RequestStatusLaunched)
	require.Eventually(t, func() bool { return len(launcher.launched()) == 1 && s.Ledger().Executing() == 0 }, eventually, tick)
	resp, ok := responseOf(t, repo, id)
	require.True(t, ok)
	assert.Equal(t, enum.RequestStatusLaunched, resp.Status)
	assert.Zero(t, s.Metrics().Snapshot().Faults)
}

func TestServerFaultsStartFailure(t *testing.T) {
	launcher := &fakeLauncher{startErr: exception.ErrProcessFailedToStart}
	s, repo := startServer(t, testConfig(t, 1), launcher)

	id := model.NewRequestID()
	assign(t, repo, id)

	resp := waitStatus(t, repo, id, enum.RequestStatusFaulted)
	require.NotNil(t, resp.FaultDetail)
	assert.True(t, strings.Contains(resp.FaultDetail.String(), "failed to start"))
	require.Eventually(t, func() bool { return s.Ledger().Executing() == 0 }, eventually, tick)
}

func TestServerRespectsBudget(t *testing.T) {
	hold := make(chan struct{})
	launcher := &fakeLauncher{exitCode: 1, hold: hold}
	s, repo := startServer(t, testConfig(t, 2), launcher)

	ids := make([]model.RequestID, 5)
	for i := range ids {
		ids[i] = model.NewRequestID()
		assign(t, repo, ids[i])
	}

	require.Eventually(t, func() bool { return len(launcher.launched()) == 2 }, eventually, tick)
	for _, id := range ids {
		resp, ok := responseOf(t, repo, id)
		if ok && resp.Status == enum.RequestStatusLaunched {
			continue
		}
		require.Eventually(t, func() bool {
			resp, ok := responseOf(t, repo, id)
			return ok && (resp.Status == enum.RequestStatusEnqueued || resp.Status == enum.RequestStatusLaunched)
		}, eventually, tick)
	}
	assert.Equal(t, int64(2), s.Ledger().Executing())

	close(hold)
	require.Eventually(t, func() bool { return len(launcher.launched()) == len(ids) && s.Ledger().Executing() == 0 }, eventually, tick)
	assert.LessOrEqual(t, launcher.maxRunning.Load(), int64(2))
}

func TestServerCancelsPendingRequest(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	launcher := &fakeLauncher{exitCode: 1, hold: hold}
	_, repo := startServer(t, testConfig(t, 1), launcher)

	running, pending := model.NewRequestID(), model.NewRequestID()
	assign(t, repo, running)
	waitStatus(t, repo, running, enum.RequestStatusLaunched)
	assign(t, repo, pending)
	waitStatus(t, repo, pending, enum.RequestStatusEnqueued)

	// broadcast cancellation, no target host
	require.NoError(t, repo.SaveCancellation(t.Context(), model.CancellationRequest{
		RequestID:    pending,
		RequesterID:  &model.UserIdentity{Name: "bob"},
		CancelReason: "no longer needed",
	}, time.Hour))

	resp := waitStatus(t, repo, pending, enum.RequestStatusCancelled)
	assert.Equal(t, "no longer needed", resp.CancelReason)
	assert.Equal(t, "alice", resp.RequesterID.Name)
	for _, inv := range launcher.launched() {
		assert.Equal(t, running, inv.RequestID)
	}
}

func TestServerIgnoresOtherHosts(t *testing.T) {
	launcher := &fakeLauncher{exitCode: 1}
	s, repo := startServer(t, testConfig(t, 1), launcher)

	other := model.NewRequestID()
	require.NoError(t, repo.SaveAssigned(t.Context(), model.AssignedRequest{
		RequestID:          other,
		WorkerHostComputer: testHost.Computer,
		WorkerHostInstance: "blue",
	}, time.Hour))
	mine := model.NewRequestID()
	assign(t, repo, mine)

	waitStatus(t, repo, mine, enum.RequestStatusLaunched)
	require.Eventually(t, func() bool { return s.Ledger().Executing() == 0 }, eventually, tick)
	_, ok := responseOf(t, repo, other)
	assert.False(t, ok)
}

func TestServerStartRequiresExecutable(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.SearchPaths = []string{t.TempDir()}
	s, err := NewServer(cfg, store.NewRepository(store.NewMemoryStore()), WithLauncher(&fakeLauncher{}))
	require.NoError(t, err)

	require.ErrorIs(t, s.Start(t.Context()), exception.ErrWorkerExecutableNotFound)
	require.ErrorIs(t, s.Stop(), exception.ErrDispatcherNotRunning)
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.HousekeepInterval = model.AvailabilityLifetime
	_, err := NewServer(cfg, store.NewRepository(store.NewMemoryStore()))
	require.ErrorIs(t, err, exception.ErrDispatcherInvalidConfig)

	_, err = NewServer(testConfig(t, 1), nil)
	require.ErrorIs(t, err, exception.ErrNilInstance)
}

func TestServerStopWithoutWorkersIsImmediate(t *testing.T) {
	s, _ := startServer(t, testConfig(t, 1), &fakeLauncher{exitCode: 1})
	require.ErrorIs(t, s.Start(t.Context()), exception.ErrDispatcherAlreadyStarted)

	start := time.Now()
	require.NoError(t, s.Stop())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, "stopped", s.Status().State)
	require.ErrorIs(t, s.Stop(), exception.ErrDispatcherNotRunning)
}

func TestServerStopDrainIsBounded(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	launcher := &fakeLauncher{exitCode: 1, hold: hold}
	cfg := testConfig(t, 1)
	cfg.DrainTimeout = 200 * time.Millisecond
	s, repo := startServer(t, cfg, launcher)

	id := model.NewRequestID()
	assign(t, repo, id)
	waitStatus(t, repo, id, enum.RequestStatusLaunched)

	start := time.Now()
	require.NoError(t, s.Stop())
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, int64(1), s.Ledger().Executing())
}

func TestServerStopWaitsForWorkers(t *testing.T) {
	hold := make(chan struct{})
	launcher := &fakeLauncher{exitCode: 1, hold: hold}
	s, repo := startServer(t, testConfig(t, 1), launcher)

	id := model.NewRequestID()
	assign(t, repo, id)
	waitStatus(t, repo, id, enum.RequestStatusLaunched)

	time.AfterFunc(50*time.Millisecond, func() { close(hold) })
	require.NoError(t, s.Stop())
	assert.Equal(t, int64(0), s.Ledger().Executing())
	s.Wait()
}

// availabilityLog records when availability records reach the store.
type availabilityLog struct {
	store.Store

	mu    sync.Mutex
	times []time.Time
}

func (l *availabilityLog) Upsert(ctx context.Context, rec store.Record, ttl time.Duration) error {
	if rec.Kind == store.KindAvailability {
		l.mu.Lock()
		l.times = append(l.times, time.Now())
		l.mu.Unlock()
	}
	return l.Store.Upsert(ctx, rec, ttl)
}

func (l *availabilityLog) snapshot() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Time(nil), l.times...)
}

func TestServerIdleHeartbeatCadence(t *testing.T) {
	const interval = 100 * time.Millisecond
	cfg := testConfig(t, 1)
	cfg.HousekeepInterval = interval
	cfg.HeartbeatInterval = interval

	log := &availabilityLog{Store: store.NewMemoryStore()}
	s, err := NewServer(cfg, store.NewRepository(log), WithLauncher(&fakeLauncher{}))
	require.NoError(t, err)
	require.NoError(t, s.Start(t.Context()))
	time.Sleep(12 * interval)
	require.NoError(t, s.Stop())

	times := log.snapshot()
	require.GreaterOrEqual(t, len(times), 10)
	assert.LessOrEqual(t, len(times), 14)

	var maxGap time.Duration
	for i := 1; i < len(times); i++ {
		maxGap = max(maxGap, times[i].Sub(times[i-1]))
	}
	assert.Less(t, maxGap, interval*3/2, "idle heartbeats must not skip an interval")
}
