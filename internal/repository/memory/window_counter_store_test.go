package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore() (*WindowCounterStore, *testClock) {
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewWindowCounterStoreWithClock(clock.Now), clock
}

func TestWindowCounterStore_IncrExpire(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()

	n, err := s.Incr(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := s.Expire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(59 * time.Second)
	n, err = s.Incr(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	clock.Advance(time.Second)
	n, err = s.Incr(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestWindowCounterStore_ExpireMissingKey(t *testing.T) {
	s, _ := newTestStore()
	ok, err := s.Expire(context.Background(), "missing", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWindowCounterStore_NonPositiveTTLDeletes(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, err := s.Incr(ctx, "k")
	require.NoError(t, err)
	ok, err := s.Expire(ctx, "k", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	snap, err := s.Peek(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, snap.Count)
}

func TestWindowCounterStore_PeekDoesNotCount(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()

	_, err := s.Incr(ctx, "k")
	require.NoError(t, err)
	_, err = s.Expire(ctx, "k", time.Hour)
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)

	for i := 0; i < 3; i++ {
		snap, err := s.Peek(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, int64(1), snap.Count)
		assert.Equal(t, 50*time.Minute, snap.TTL)
	}
}

func TestWindowCounterStore_ResetAndCountKeys(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()

	for _, k := range []string{"ad_bot:a", "ad_bot:b", "other:c"} {
		_, err := s.Incr(ctx, k)
		require.NoError(t, err)
	}
	_, err := s.Expire(ctx, "ad_bot:b", time.Second)
	require.NoError(t, err)

	n, err := s.CountKeys(ctx, "ad_bot:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	clock.Advance(time.Second)
	n, err = s.CountKeys(ctx, "ad_bot:")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Reset(ctx, "ad_bot:a"))
	n, err = s.CountKeys(ctx, "ad_bot:")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWindowCounterStore_ArmOrphans(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()

	_, err := s.Incr(ctx, "ad_bot:orphan")
	require.NoError(t, err)
	_, err = s.Incr(ctx, "ad_bot:armed")
	require.NoError(t, err)
	_, err = s.Expire(ctx, "ad_bot:armed", 5*time.Minute)
	require.NoError(t, err)

	armed, err := s.ArmOrphans(ctx, "ad_bot:", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, armed)

	snap, err := s.Peek(ctx, "ad_bot:orphan")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, snap.TTL)

	clock.Advance(time.Hour)
	snap, err = s.Peek(ctx, "ad_bot:orphan")
	require.NoError(t, err)
	assert.Zero(t, snap.Count)
}

func TestWindowCounterStore_ConcurrentIncr(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Incr(ctx, "k")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snap, err := s.Peek(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.Count)
}

func TestWindowCounterStore_CancelledContext(t *testing.T) {
	s, _ := newTestStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Incr(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}
