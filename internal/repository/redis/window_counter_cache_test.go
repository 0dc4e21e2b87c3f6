package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guard-service/internal/client"
	"guard-service/internal/guard"
	"guard-service/internal/util"
)

func newTestCache(t *testing.T) (*WindowCounterCache, *miniredis.Miniredis) {
	t.Helper()
	util.SetLogger(zap.NewNop())

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewWindowCounterCache(client.WrapRedisClient(rdb)), mr
}

func TestWindowCounterCache_IncrAndExpire(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	n, err := cache.Incr(ctx, "ad_bot:1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := cache.Expire(ctx, "ad_bot:1.2.3.4", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Hour, mr.TTL("ad_bot:1.2.3.4"))

	n, err = cache.Incr(ctx, "ad_bot:1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ok, err = cache.Expire(ctx, "ad_bot:missing", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWindowCounterCache_GuardWindowRollsOver(t *testing.T) {
	cache, mr := newTestCache(t)
	g, err := guard.New(cache, nil, guard.Config{
		Threshold: 2,
		Window:    time.Minute,
		KeyPrefix: "ad_bot:",
	}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.Check(ctx, "bot")
		require.NoError(t, err)
	}
	res, err := g.Check(ctx, "bot")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(4), res.Count)

	// hits after the first must not extend the window
	mr.FastForward(30 * time.Second)
	_, err = g.Check(ctx, "bot")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, mr.TTL("ad_bot:bot"))

	mr.FastForward(30 * time.Second)
	assert.False(t, mr.Exists("ad_bot:bot"))

	res, err = g.Check(ctx, "bot")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Count)
	assert.Equal(t, time.Minute, mr.TTL("ad_bot:bot"))
}

func TestWindowCounterCache_Peek(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	snap, err := cache.Peek(ctx, "ad_bot:absent")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Count)
	assert.Zero(t, snap.TTL)

	require.NoError(t, mr.Set("ad_bot:k", "7"))
	mr.SetTTL("ad_bot:k", 10*time.Minute)

	snap, err = cache.Peek(ctx, "ad_bot:k")
	require.NoError(t, err)
	assert.Equal(t, "ad_bot:k", snap.Key)
	assert.Equal(t, int64(7), snap.Count)
	assert.Equal(t, 10*time.Minute, snap.TTL)

	require.NoError(t, mr.Set("ad_bot:orphan", "3"))
	snap, err = cache.Peek(ctx, "ad_bot:orphan")
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Count)
	assert.Zero(t, snap.TTL)

	require.NoError(t, mr.Set("ad_bot:junk", "not-a-number"))
	_, err = cache.Peek(ctx, "ad_bot:junk")
	assert.Error(t, err)
}

func TestWindowCounterCache_Reset(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	_, err := cache.Incr(ctx, "ad_bot:k")
	require.NoError(t, err)
	require.NoError(t, cache.Reset(ctx, "ad_bot:k"))
	assert.False(t, mr.Exists("ad_bot:k"))

	// resetting an absent key is not an error
	require.NoError(t, cache.Reset(ctx, "ad_bot:k"))
}

func TestWindowCounterCache_CountKeys(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	for _, k := range []string{"ad_bot:a", "ad_bot:b", "ad_bot:c", "other:a"} {
		require.NoError(t, mr.Set(k, "1"))
	}

	n, err := cache.CountKeys(ctx, "ad_bot:")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestWindowCounterCache_ArmOrphans(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("ad_bot:orphan", "4"))
	require.NoError(t, mr.Set("ad_bot:armed", "2"))
	mr.SetTTL("ad_bot:armed", 5*time.Minute)
	require.NoError(t, mr.Set("other:orphan", "1"))

	armed, err := cache.ArmOrphans(ctx, "ad_bot:", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, armed)

	assert.Equal(t, time.Hour, mr.TTL("ad_bot:orphan"))
	assert.Equal(t, 5*time.Minute, mr.TTL("ad_bot:armed"))
	assert.Zero(t, mr.TTL("other:orphan"))
}

func TestWindowCounterCache_PoolStats(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := cache.Incr(ctx, "ad_bot:pool")
		require.NoError(t, err)
	}

	ps := cache.PoolStats()
	assert.GreaterOrEqual(t, ps.TotalConns, uint32(1))
	assert.GreaterOrEqual(t, ps.Hits+ps.Misses, uint32(5))
	assert.Zero(t, ps.Timeouts)
}

func TestWindowCounterCache_StoreDown(t *testing.T) {
	cache, mr := newTestCache(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := cache.Incr(ctx, "ad_bot:k")
	assert.Error(t, err)
	assert.Error(t, cache.HealthCheck(ctx))

	g, err := guard.New(cache, nil, guard.Config{Threshold: 1, Window: time.Hour}, nil)
	require.NoError(t, err)
	_, err = g.Check(ctx, "k")
	assert.ErrorIs(t, err, guard.ErrStoreUnavailable)
}
