package guard_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guard-service/internal/guard"
	"guard-service/internal/models"
	"guard-service/internal/repository/memory"
)

type recordingSink struct {
	mu      sync.Mutex
	records []models.EvidenceRecord
	ctxErrs []error
}

func (s *recordingSink) Append(ctx context.Context, r models.EvidenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	return nil
}

func (s *recordingSink) snapshot() []models.EvidenceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.EvidenceRecord(nil), s.records...)
}

type failingSink struct{ calls atomic.Int32 }

func (s *failingSink) Append(context.Context, models.EvidenceRecord) error {
	s.calls.Add(1)
	return errors.New("disk full")
}

// stubStore lets a test script each store response.
type stubStore struct {
	incr        func(ctx context.Context, key string) (int64, error)
	expire      func(ctx context.Context, key string, ttl time.Duration) (bool, error)
	expireCalls atomic.Int32
}

func (s *stubStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.incr(ctx, key)
}

func (s *stubStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.expireCalls.Add(1)
	if s.expire == nil {
		return true, nil
	}
	return s.expire(ctx, key, ttl)
}

// countingStore wraps the memory store and counts expiry arms.
type countingStore struct {
	*memory.WindowCounterStore
	expires atomic.Int32
}

func (s *countingStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.expires.Add(1)
	return s.WindowCounterStore.Expire(ctx, key, ttl)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func defaultConfig() guard.Config {
	return guard.Config{
		Threshold: guard.DefaultThreshold,
		Window:    guard.DefaultWindow,
		KeyPrefix: "ad_bot:",
	}
}

func newGuard(t *testing.T, store guard.CounterStore, sink guard.EvidenceSink, cfg guard.Config, opts ...guard.Option) *guard.Guard {
	t.Helper()
	g, err := guard.New(store, sink, cfg, nil, opts...)
	require.NoError(t, err)
	return g
}

func TestCheck_AllowsUpToThresholdThenBlocks(t *testing.T) {
	sink := &recordingSink{}
	g := newGuard(t, memory.NewWindowCounterStore(), sink, defaultConfig())
	ctx := context.Background()

	for i := int64(1); i <= 500; i++ {
		res, err := g.Check(ctx, "10.0.0.1")
		require.NoError(t, err)
		require.True(t, res.Allowed, "call %d should be allowed", i)
		require.Equal(t, i, res.Count)
	}

	res, err := g.Check(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(501), res.Count)
	assert.Equal(t, "BLOCKED: ad bot traffic detected (501 > 500)", res.Message)
	assert.Len(t, sink.snapshot(), 1)
}

func TestCheck_Messages(t *testing.T) {
	cfg := defaultConfig()
	cfg.Threshold = 2
	g := newGuard(t, memory.NewWindowCounterStore(), nil, cfg)
	ctx := context.Background()

	res, err := g.Check(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "ALLOWED: 1/2", res.Message)

	res, err = g.Check(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "ALLOWED: 2/2", res.Message)

	res, err = g.Check(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "BLOCKED: ad bot traffic detected (3 > 2)", res.Message)
}

func TestCheck_EveryBlockedCallProducesOrderedEvidence(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	sink := &recordingSink{}
	cfg := defaultConfig()
	cfg.Threshold = 5
	cfg.RiskLabel = "CRITICAL"
	g := newGuard(t, memory.NewWindowCounterStore(), sink, cfg, guard.WithClock(clock.Now))

	for i := 0; i < 15; i++ {
		_, err := g.Check(context.Background(), "bot")
		require.NoError(t, err)
	}

	records := sink.snapshot()
	require.Len(t, records, 10)
	for i, r := range records {
		assert.Equal(t, int64(6+i), r.Count)
		assert.Equal(t, int64(5), r.Threshold)
		assert.Equal(t, "bot", r.Key)
		assert.Equal(t, "CRITICAL", r.RiskLabel)
		assert.Equal(t, clock.Now(), r.Timestamp)
		assert.Equal(t, fmt.Sprintf("BLOCKED: ad bot traffic detected (%d > 5)", 6+i), r.Message)
	}
}

func TestCheck_DefaultRiskLabel(t *testing.T) {
	sink := &recordingSink{}
	cfg := defaultConfig()
	cfg.Threshold = 1
	g := newGuard(t, memory.NewWindowCounterStore(), sink, cfg)

	for i := 0; i < 2; i++ {
		_, err := g.Check(context.Background(), "k")
		require.NoError(t, err)
	}
	require.Len(t, sink.snapshot(), 1)
	assert.Equal(t, guard.DefaultRiskLabel, sink.snapshot()[0].RiskLabel)
}

func TestCheck_WindowRollsOver(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)}
	store := memory.NewWindowCounterStoreWithClock(clock.Now)
	cfg := defaultConfig()
	cfg.Threshold = 3
	g := newGuard(t, store, nil, cfg)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := g.Check(ctx, "k")
		require.NoError(t, err)
	}

	clock.Advance(cfg.Window - time.Second)
	res, err := g.Check(ctx, "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(5), res.Count)

	// the window is fixed from the first hit; later hits do not extend it
	clock.Advance(time.Second)
	res, err = g.Check(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Count)
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	cfg := defaultConfig()
	cfg.Threshold = 1
	g := newGuard(t, memory.NewWindowCounterStore(), nil, cfg)
	ctx := context.Background()

	_, err := g.Check(ctx, "a")
	require.NoError(t, err)
	res, err := g.Check(ctx, "a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = g.Check(ctx, "b")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Count)
}

func TestCheck_KeyPrefixNamespacesStore(t *testing.T) {
	store := memory.NewWindowCounterStore()
	g := newGuard(t, store, nil, defaultConfig())

	_, err := g.Check(context.Background(), "1.2.3.4")
	require.NoError(t, err)

	snap, err := store.Peek(context.Background(), "ad_bot:1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Count)
	assert.InDelta(t, guard.DefaultWindow.Seconds(), snap.TTL.Seconds(), 1)
}

func TestCheck_ConcurrentCallsCountEveryHitAndArmOnce(t *testing.T) {
	store := &countingStore{WindowCounterStore: memory.NewWindowCounterStore()}
	cfg := defaultConfig()
	cfg.Threshold = 50
	sink := &recordingSink{}
	g := newGuard(t, store, sink, cfg)

	const callers = 200
	counts := make([]int64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := g.Check(context.Background(), "shared")
			assert.NoError(t, err)
			counts[i] = res.Count
		}()
	}
	wg.Wait()

	seen := make(map[int64]bool, callers)
	for _, c := range counts {
		assert.False(t, seen[c], "count %d returned twice", c)
		seen[c] = true
	}
	assert.Len(t, seen, callers)
	assert.Equal(t, int32(1), store.expires.Load())
	assert.Len(t, sink.snapshot(), callers-50)
}

func TestCheck_StoreFailureReturnsStoreUnavailable(t *testing.T) {
	boom := errors.New("connection refused")
	sink := &recordingSink{}
	store := &stubStore{incr: func(context.Context, string) (int64, error) { return 0, boom }}
	g := newGuard(t, store, sink, defaultConfig())

	_, err := g.Check(context.Background(), "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, guard.ErrStoreUnavailable)
	assert.ErrorIs(t, err, boom)
	assert.True(t, guard.IsStoreUnavailable(err))
	assert.Empty(t, sink.snapshot())
}

func TestCheck_ExpireFailureReturnsStoreUnavailable(t *testing.T) {
	store := &stubStore{
		incr:   func(context.Context, string) (int64, error) { return 1, nil },
		expire: func(context.Context, string, time.Duration) (bool, error) { return false, errors.New("timeout") },
	}
	g := newGuard(t, store, nil, defaultConfig())

	_, err := g.Check(context.Background(), "k")
	assert.ErrorIs(t, err, guard.ErrStoreUnavailable)
}

func TestCheck_OnlyFirstHitArmsExpiry(t *testing.T) {
	var n atomic.Int64
	store := &stubStore{incr: func(context.Context, string) (int64, error) { return n.Add(1), nil }}
	g := newGuard(t, store, nil, defaultConfig())

	for i := 0; i < 10; i++ {
		_, err := g.Check(context.Background(), "k")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), store.expireCalls.Load())
}

func TestCheck_MissingKeyOnExpireIsNotAnError(t *testing.T) {
	store := &stubStore{
		incr:   func(context.Context, string) (int64, error) { return 1, nil },
		expire: func(context.Context, string, time.Duration) (bool, error) { return false, nil },
	}
	g := newGuard(t, store, nil, defaultConfig())

	res, err := g.Check(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestCheck_StoreTimeout(t *testing.T) {
	store := &stubStore{incr: func(ctx context.Context, _ string) (int64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}}
	cfg := defaultConfig()
	cfg.StoreTimeout = 20 * time.Millisecond
	g := newGuard(t, store, nil, cfg)

	start := time.Now()
	_, err := g.Check(context.Background(), "k")
	assert.ErrorIs(t, err, guard.ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCheck_SinkFailureDoesNotChangeDecision(t *testing.T) {
	sink := &failingSink{}
	cfg := defaultConfig()
	cfg.Threshold = 1
	g := newGuard(t, memory.NewWindowCounterStore(), sink, cfg)
	ctx := context.Background()

	_, err := g.Check(ctx, "k")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		res, err := g.Check(ctx, "k")
		require.NoError(t, err)
		assert.False(t, res.Allowed)
	}
	assert.Equal(t, int32(3), sink.calls.Load())
	assert.Equal(t, uint64(3), g.SinkFailures())
}

// stuckSink never returns until release is closed, whatever its context says.
type stuckSink struct {
	release chan struct{}
	calls   atomic.Int32
}

func (s *stuckSink) Append(context.Context, models.EvidenceRecord) error {
	s.calls.Add(1)
	<-s.release
	return nil
}

// slowSink waits for its context or three seconds, whichever comes first.
type slowSink struct{}

func (slowSink) Append(ctx context.Context, _ models.EvidenceRecord) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(3 * time.Second):
		return nil
	}
}

func TestCheck_HangingSinkIsBoundedByEvidenceTimeout(t *testing.T) {
	stuck := &stuckSink{release: make(chan struct{})}
	t.Cleanup(func() { close(stuck.release) })

	tests := []struct {
		name string
		sink guard.EvidenceSink
	}{
		{"sink ignores context", stuck},
		{"sink honours context", slowSink{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Threshold = 1
			cfg.EvidenceTimeout = 50 * time.Millisecond
			g := newGuard(t, memory.NewWindowCounterStore(), tt.sink, cfg)
			ctx := context.Background()

			_, err := g.Check(ctx, "k")
			require.NoError(t, err)

			start := time.Now()
			res, err := g.Check(ctx, "k")
			elapsed := time.Since(start)

			require.NoError(t, err)
			assert.False(t, res.Allowed)
			assert.Equal(t, int64(2), res.Count)
			assert.Less(t, elapsed, time.Second)
			assert.Equal(t, uint64(1), g.SinkFailures())
		})
	}
}

func TestNew_DefaultsEvidenceTimeout(t *testing.T) {
	g := newGuard(t, memory.NewWindowCounterStore(), nil, defaultConfig())
	assert.Equal(t, guard.DefaultEvidenceTimeout, g.Config().EvidenceTimeout)

	cfg := defaultConfig()
	cfg.EvidenceTimeout = time.Second
	g = newGuard(t, memory.NewWindowCounterStore(), nil, cfg)
	assert.Equal(t, time.Second, g.Config().EvidenceTimeout)
}

func TestCheck_EvidenceSurvivesCancelledRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := &stubStore{incr: func(context.Context, string) (int64, error) {
		cancel()
		return 10, nil
	}}
	sink := &recordingSink{}
	cfg := defaultConfig()
	cfg.Threshold = 1
	g := newGuard(t, store, sink, cfg)

	res, err := g.Check(ctx, "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	require.Len(t, sink.ctxErrs, 1)
	assert.NoError(t, sink.ctxErrs[0])
}

func TestCheck_EmptyKey(t *testing.T) {
	g := newGuard(t, memory.NewWindowCounterStore(), nil, defaultConfig())
	_, err := g.Check(context.Background(), "")
	assert.ErrorIs(t, err, guard.ErrEmptyKey)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	store := memory.NewWindowCounterStore()

	tests := []struct {
		name  string
		store guard.CounterStore
		cfg   guard.Config
	}{
		{"nil store", nil, defaultConfig()},
		{"zero threshold", store, guard.Config{Threshold: 0, Window: time.Hour}},
		{"negative threshold", store, guard.Config{Threshold: -1, Window: time.Hour}},
		{"sub-second window", store, guard.Config{Threshold: 1, Window: 500 * time.Millisecond}},
		{"negative timeout", store, guard.Config{Threshold: 1, Window: time.Hour, StoreTimeout: -time.Second}},
		{"negative evidence timeout", store, guard.Config{Threshold: 1, Window: time.Hour, EvidenceTimeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := guard.New(tt.store, nil, tt.cfg, nil)
			assert.ErrorIs(t, err, guard.ErrInvalidConfig)
		})
	}
}
