package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newService(t *testing.T) (*Service, *MemoryStore, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	st := NewMemoryStore()
	return New(st, WithClock(c.Now)), st, c
}

func TestLockNext_NoDoubleLock(t *testing.T) {
	svc, _, c := newService(t)
	ctx := context.Background()
	const items, workers = 20, 8
	for i := 0; i < items; i++ {
		_, err := svc.Enqueue(ctx, fmt.Sprintf("sub-%d", i), "p1", 0)
		require.NoError(t, err)
		c.Advance(time.Second)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		got  = map[string]string{}
		nils atomic.Int32
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			it, err := svc.LockNext(ctx, fmt.Sprintf("worker-%d", w))
			assert.NoError(t, err)
			if it == nil {
				nils.Add(1)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := got[it.ID]; dup {
				t.Errorf("item %s locked by %s and worker-%d", it.ID, prev, w)
			}
			got[it.ID] = it.LockedBy
		}(w)
	}
	wg.Wait()
	assert.Equal(t, int32(0), nils.Load())
	assert.Len(t, got, workers)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, workers, st.Processing)
	assert.Equal(t, items-workers, st.Pending)
}

func TestLockNext_DrainsWithoutDuplicates(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		_, err := svc.Enqueue(ctx, fmt.Sprintf("sub-%d", i), "", i%3)
		require.NoError(t, err)
	}

	var (
		wg    sync.WaitGroup
		seen  sync.Map
		count atomic.Int32
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				it, err := svc.LockNext(ctx, fmt.Sprintf("w%d", w))
				if !assert.NoError(t, err) {
					return
				}
				if it == nil {
					st, _ := svc.Stats(ctx)
					if st.Pending == 0 {
						return
					}
					continue
				}
				_, dup := seen.LoadOrStore(it.ID, w)
				assert.False(t, dup, "item %s claimed twice", it.ID)
				count.Add(1)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, int32(50), count.Load())
}

// raceStore loses the first claim as if another worker got there first.
type raceStore struct {
	*MemoryStore
	lost atomic.Bool
}

func (r *raceStore) Claim(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	if r.lost.CompareAndSwap(false, true) {
		return false, nil
	}
	return r.MemoryStore.Claim(ctx, id, workerID, now)
}

func TestLockNext_RaceLossReselects(t *testing.T) {
	st := &raceStore{MemoryStore: NewMemoryStore()}
	svc := New(st)
	ctx := context.Background()
	id, err := svc.Enqueue(ctx, "sub-1", "", 0)
	require.NoError(t, err)

	it, err := svc.LockNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, id, it.ID)
	assert.True(t, st.lost.Load())
}

func TestLockNext_OrderAndEmpty(t *testing.T) {
	svc, _, c := newService(t)
	ctx := context.Background()

	it, err := svc.LockNext(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, it)

	low, _ := svc.Enqueue(ctx, "low", "", 0)
	c.Advance(time.Second)
	highOld, _ := svc.Enqueue(ctx, "high-old", "", 5)
	c.Advance(time.Second)
	highNew, _ := svc.Enqueue(ctx, "high-new", "", 5)

	var order []string
	for i := 0; i < 3; i++ {
		it, err := svc.LockNext(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, it)
		assert.Equal(t, StatusProcessing, it.Status)
		assert.Equal(t, 1, it.Attempts)
		assert.Equal(t, "w1", it.LockedBy)
		order = append(order, it.ID)
	}
	assert.Equal(t, []string{highOld, highNew, low}, order)
}

func TestMarkFailed_BoundedRetries(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	id, err := svc.Enqueue(ctx, "sub-1", "", 0)
	require.NoError(t, err)

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		it, err := svc.LockNext(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, it, "attempt %d", attempt)
		assert.Equal(t, attempt, it.Attempts)

		err = svc.MarkFailed(ctx, id, "w1", fmt.Sprintf("unreadable image (%d)", attempt))
		got, _ := st.Get(ctx, id)
		if attempt < MaxAttempts {
			require.NoError(t, err)
			assert.Equal(t, StatusPending, got.Status)
			assert.Nil(t, got.LockedAt)
			assert.Empty(t, got.LockedBy)
		} else {
			require.ErrorIs(t, err, ErrExhausted)
			assert.Equal(t, StatusFailed, got.Status)
		}
		assert.Equal(t, fmt.Sprintf("unreadable image (%d)", attempt), got.ErrorMessage)
	}

	it, err := svc.LockNext(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, it)
}

func TestMarkFailed_RecordsMessage(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	id, _ := svc.Enqueue(ctx, "sub-1", "", 0)
	_, _ = svc.LockNext(ctx, "w1")

	require.NoError(t, svc.MarkFailed(ctx, id, "w1", "  "))
	got, _ := st.Get(ctx, id)
	assert.Equal(t, "unknown error", got.ErrorMessage)

	assert.ErrorIs(t, svc.MarkFailed(ctx, "missing", "w1", "x"), ErrNotFound)
}

func TestReleaseStale(t *testing.T) {
	svc, st, c := newService(t)
	ctx := context.Background()
	now := c.Now()
	stale := now.Add(-6 * time.Minute)
	fresh := now.Add(-4 * time.Minute)

	st.Put(Item{ID: "stale", Status: StatusProcessing, Attempts: 1, LockedAt: &stale, LockedBy: "dead", CreatedAt: stale})
	st.Put(Item{ID: "fresh", Status: StatusProcessing, Attempts: 1, LockedAt: &fresh, LockedBy: "alive", CreatedAt: fresh})
	st.Put(Item{ID: "last", Status: StatusProcessing, Attempts: MaxAttempts, LockedAt: &stale, LockedBy: "dead", CreatedAt: stale})

	n, err := svc.ReleaseStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := st.Get(ctx, "stale")
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.LockedAt)
	assert.Empty(t, got.LockedBy)

	got, _ = st.Get(ctx, "fresh")
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, "alive", got.LockedBy)

	got, _ = st.Get(ctx, "last")
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "lock expired")

	it, err := svc.LockNext(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, "stale", it.ID)
	assert.Equal(t, 2, it.Attempts)
}

func TestLateSettleAfterStaleRelease(t *testing.T) {
	svc, st, c := newService(t)
	ctx := context.Background()
	id, err := svc.Enqueue(ctx, "sub-1", "", 0)
	require.NoError(t, err)

	a, err := svc.LockNext(ctx, "A")
	require.NoError(t, err)
	require.NotNil(t, a)

	c.Advance(6 * time.Minute)
	n, err := svc.ReleaseStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	b, err := svc.LockNext(ctx, "B")
	require.NoError(t, err)
	require.NotNil(t, b)

	// A wakes up after its lock was handed to B
	assert.ErrorIs(t, svc.MarkFailed(ctx, id, "A", "timeout"), ErrLockLost)
	assert.ErrorIs(t, svc.MarkCompleted(ctx, id, "A", "res-a"), ErrLockLost)
	assert.ErrorIs(t, st.Requeue(ctx, id, "A", "timeout", c.Now()), ErrLockLost)
	assert.ErrorIs(t, st.Park(ctx, id, "A", "timeout", c.Now()), ErrLockLost)

	got, _ := st.Get(ctx, id)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, "B", got.LockedBy)
	assert.Empty(t, got.ResultID)

	other, err := svc.LockNext(ctx, "C")
	require.NoError(t, err)
	assert.Nil(t, other, "B's job must not be claimable while B holds it")

	require.NoError(t, svc.MarkCompleted(ctx, id, "B", "res-b"))
	got, _ = st.Get(ctx, id)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "res-b", got.ResultID)
	assert.ErrorIs(t, svc.MarkCompleted(ctx, id, "B", "res-b"), ErrLockLost, "settled items stay settled")
}

func TestCompleteStatsCleanup(t *testing.T) {
	svc, st, c := newService(t)
	ctx := context.Background()
	a, _ := svc.Enqueue(ctx, "a", "", 0)
	c.Advance(time.Second)
	_, _ = svc.Enqueue(ctx, "b", "", 0)

	it, err := svc.LockNext(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, a, it.ID)
	require.NoError(t, svc.MarkCompleted(ctx, a, "w1", "res-1"))

	got, _ := st.Get(ctx, a)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "res-1", got.ResultID)
	assert.Nil(t, got.LockedAt)

	c.Advance(time.Hour)
	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1, Completed: 1, Total: 2, OldestPendingAgeSec: 3600}, stats)

	n, err := svc.Cleanup(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	c.Advance(8 * 24 * time.Hour)
	n, err = svc.Cleanup(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = st.Get(ctx, a)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Cleanup(ctx, 0)
	assert.Error(t, err)
}

func TestEnqueue_RequiresSubmission(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Enqueue(context.Background(), " ", "", 0)
	assert.Error(t, err)
}
