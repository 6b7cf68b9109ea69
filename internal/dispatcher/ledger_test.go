package dispatcher

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapacityLedgerAcquireRelease(t *testing.T) {
	l := NewCapacityLedger(2)
	require.True(t, l.TryAcquire())
	require.True(t, l.TryAcquire())
	require.False(t, l.TryAcquire())
	assert.Equal(t, int64(0), l.Available())
	assert.Equal(t, int64(2), l.Executing())
	assert.Equal(t, int64(2), l.TakeChanges())
	assert.Equal(t, int64(0), l.TakeChanges())

	l.Release()
	assert.Equal(t, int64(1), l.Available())
	assert.Equal(t, int64(1), l.Executing())
	assert.Equal(t, int64(1), l.TakeChanges())

	l.RestoreChanges(3)
	assert.Equal(t, int64(3), l.TakeChanges())
}

func TestCapacityLedgerNeverExceedsBudget(t *testing.T) {
	const (
		budget  = 4
		workers = 32
		rounds  = 2000
	)
	l := NewCapacityLedger(budget)

	var (
		wg      sync.WaitGroup
		held    atomic.Int64
		maxHeld atomic.Int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				if !l.TryAcquire() {
					continue
				}
				n := held.Add(1)
				for {
					cur := maxHeld.Load()
					if n <= cur || maxHeld.CompareAndSwap(cur, n) {
						break
					}
				}
				if e := l.Executing(); e > budget {
					t.Errorf("executing %d exceeds budget %d", e, budget)
				}
				held.Add(-1)
				l.Release()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxHeld.Load(), int64(budget))
	assert.Equal(t, int64(budget), l.Available())
	assert.Equal(t, int64(0), l.Executing())
}
