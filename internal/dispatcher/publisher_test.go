package dispatcher

import (
	"sync"
	"testing"
	"time"

	"gridworker/internal/model"
	"gridworker/internal/model/enum"
	"gridworker/internal/obs"
	"gridworker/internal/store"
	"gridworker/pkg/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPublisher(budget int, clock *fakeClock) (*Publisher, *store.Repository, *CapacityLedger) {
	repo := store.NewRepository(store.NewMemoryStore(store.WithMemoryClock(clock.Now)))
	ledger := NewCapacityLedger(budget)
	cfg := DefaultConfig(testHost).withDefaults()
	return newPublisher(cfg, repo, ledger, obs.NewMetrics(), clock.Now), repo, ledger
}

func TestPublishStatusRejectsUndefined(t *testing.T) {
	p, _, _ := newTestPublisher(1, newFakeClock())
	err := p.PublishStatus(t.Context(), requestSnapshot{ID: model.NewRequestID()})
	require.ErrorIs(t, err, exception.ErrPublishUndefinedStatus)
}

func TestPublishStatusCarriesCancelReasonOnlyWhenCancelled(t *testing.T) {
	p, repo, _ := newTestPublisher(1, newFakeClock())
	requester := &model.UserIdentity{Name: "alice"}

	cancelled := model.NewRequestID()
	require.NoError(t, p.PublishStatus(t.Context(), requestSnapshot{
		ID: cancelled, Status: enum.RequestStatusCancelled, Requester: requester, CancelReason: "user",
	}))
	launched := model.NewRequestID()
	require.NoError(t, p.PublishStatus(t.Context(), requestSnapshot{
		ID: launched, Status: enum.RequestStatusLaunched, Requester: requester, CancelReason: "ignored",
	}))

	got, err := repo.Responses(t.Context(), cancelled)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "user", got[0].CancelReason)
	assert.Equal(t, "alice", got[0].RequesterID.Name)
	assert.Equal(t, testHost.Computer, got[0].WorkerHostComputer)

	got, err = repo.Responses(t.Context(), launched)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, enum.RequestStatusLaunched, got[0].Status)
	assert.Empty(t, got[0].CancelReason)
}

func TestPublishAvailabilityHeartbeat(t *testing.T) {
	clock := newFakeClock()
	p, repo, _ := newTestPublisher(3, clock)

	written := 0
	for elapsed := time.Duration(0); elapsed <= 12*time.Second; elapsed += time.Second {
		ok, err := p.PublishAvailability(t.Context())
		require.NoError(t, err)
		if ok {
			written++
		}
		clock.Advance(time.Second)
	}
	assert.GreaterOrEqual(t, written, 2)
	assert.LessOrEqual(t, written, 3)

	got, err := repo.Availability(t.Context())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].AvailableNodeCount)
}

func TestPublishAvailabilityOnCapacityChange(t *testing.T) {
	clock := newFakeClock()
	p, repo, ledger := newTestPublisher(2, clock)

	ok, err := p.PublishAvailability(t.Context())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = p.PublishAvailability(t.Context())
	require.NoError(t, err)
	assert.False(t, ok)

	require.True(t, ledger.TryAcquire())
	ok, err = p.PublishAvailability(t.Context())
	require.NoError(t, err)
	require.True(t, ok)

	got, err := repo.Availability(t.Context())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].AvailableNodeCount)
}

func TestPublishAvailabilityWhenHeartbeatDue(t *testing.T) {
	clock := newFakeClock()
	p, _, _ := newTestPublisher(1, clock)

	ok, err := p.PublishAvailability(t.Context())
	require.NoError(t, err)
	require.True(t, ok)

	// a due mark right after a write is dropped
	p.HeartbeatDue()
	ok, err = p.PublishAvailability(t.Context())
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(p.heartbeat - time.Millisecond)
	ok, err = p.PublishAvailability(t.Context())
	require.NoError(t, err)
	assert.False(t, ok)

	p.HeartbeatDue()
	ok, err = p.PublishAvailability(t.Context())
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(p.heartbeat)
	ok, err = p.PublishAvailability(t.Context())
	require.NoError(t, err)
	assert.True(t, ok, "a full interval publishes without a due mark")
}
