// Package guard implements a fixed-window volume guard.
//
// Each key owns a counter in an external store. Every Check increments it
// atomically; the first hit of a window arms the window's expiry. Calls up
// to and including Threshold are allowed, every call past it is blocked
// and produces an EvidenceRecord. The guard keeps no counter state of its
// own, so any number of processes may share one store.
package guard

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"guard-service/internal/models"
)

const (
	DefaultThreshold = 500
	DefaultWindow    = time.Hour
	DefaultRiskLabel = "HIGH"

	DefaultEvidenceTimeout = 5 * time.Second
)

// CounterStore is the whole contract the guard needs from its backend.
// Incr creates an absent key at 1. Expire returns false when the key does
// not exist.
type CounterStore interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// EvidenceSink receives one record per blocked call. Implementations must
// be append-only and preserve per-process ordering.
type EvidenceSink interface {
	Append(ctx context.Context, record models.EvidenceRecord) error
}

type Config struct {
	Threshold int64
	Window    time.Duration
	// StoreTimeout bounds each store round-trip. Zero leaves only the
	// caller's context in charge.
	StoreTimeout time.Duration
	// KeyPrefix namespaces store keys, e.g. "ad_bot:".
	KeyPrefix string
	RiskLabel string
	// EvidenceTimeout bounds how long a blocked Check waits for the sink.
	// Zero means DefaultEvidenceTimeout.
	EvidenceTimeout time.Duration
}

func (c Config) validate() error {
	if c.Threshold <= 0 {
		return fmt.Errorf("%w: threshold must be positive, got %d", ErrInvalidConfig, c.Threshold)
	}
	if c.Window < time.Second {
		return fmt.Errorf("%w: window must be at least one second, got %s", ErrInvalidConfig, c.Window)
	}
	if c.StoreTimeout < 0 {
		return fmt.Errorf("%w: store timeout must not be negative", ErrInvalidConfig)
	}
	if c.EvidenceTimeout < 0 {
		return fmt.Errorf("%w: evidence timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Result is the outcome of one Check.
type Result struct {
	Allowed bool   `json:"allowed"`
	Count   int64  `json:"count"`
	Message string `json:"message"`
}

type Guard struct {
	store  CounterStore
	sink   EvidenceSink
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	sinkFailures atomic.Uint64
}

type Option func(*Guard)

// WithClock overrides the clock used to timestamp evidence.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New builds a guard. sink and logger may be nil.
func New(store CounterStore, sink EvidenceSink, cfg Config, logger *zap.Logger, opts ...Option) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: counter store is required", ErrInvalidConfig)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.RiskLabel == "" {
		cfg.RiskLabel = DefaultRiskLabel
	}
	if cfg.EvidenceTimeout == 0 {
		cfg.EvidenceTimeout = DefaultEvidenceTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Guard{
		store:  store,
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Check counts one call for key and classifies it.
//
// The increment and the expiry arm rely on the store's atomicity; no
// in-process lock is held across either round-trip. Store failures return
// ErrStoreUnavailable and emit no evidence. Evidence failures are logged
// and counted but never change the returned decision.
func (g *Guard) Check(ctx context.Context, key string) (Result, error) {
	if key == "" {
		return Result{}, ErrEmptyKey
	}
	storeKey := g.cfg.KeyPrefix + key

	count, err := g.incr(ctx, storeKey)
	if err != nil {
		return Result{}, err
	}

	// Only the first hit of a window arms the expiry. Two racing first
	// hits cannot both see 1, and re-arming would be harmless anyway.
	if count == 1 {
		if err := g.arm(ctx, storeKey); err != nil {
			return Result{}, err
		}
	}

	if count <= g.cfg.Threshold {
		return Result{
			Allowed: true,
			Count:   count,
			Message: fmt.Sprintf("ALLOWED: %d/%d", count, g.cfg.Threshold),
		}, nil
	}

	msg := fmt.Sprintf("BLOCKED: ad bot traffic detected (%d > %d)", count, g.cfg.Threshold)
	g.emit(ctx, key, count, msg)

	return Result{Allowed: false, Count: count, Message: msg}, nil
}

// Config returns the immutable configuration the guard was built with.
func (g *Guard) Config() Config {
	return g.cfg
}

// SinkFailures is the number of evidence records that could not be
// handed to the sink since construction.
func (g *Guard) SinkFailures() uint64 {
	return g.sinkFailures.Load()
}

func (g *Guard) incr(ctx context.Context, storeKey string) (int64, error) {
	ctx, cancel := g.storeContext(ctx)
	defer cancel()

	count, err := g.store.Incr(ctx, storeKey)
	if err != nil {
		return 0, fmt.Errorf("%w: incr %s: %w", ErrStoreUnavailable, storeKey, err)
	}
	return count, nil
}

func (g *Guard) arm(ctx context.Context, storeKey string) error {
	ctx, cancel := g.storeContext(ctx)
	defer cancel()

	ok, err := g.store.Expire(ctx, storeKey, g.cfg.Window)
	if err != nil {
		return fmt.Errorf("%w: expire %s: %w", ErrStoreUnavailable, storeKey, err)
	}
	if !ok {
		// key vanished between INCR and EXPIRE (external reset); the next
		// call starts a new window
		g.logger.Debug("window expiry not armed, key missing", zap.String("key", storeKey))
	}
	return nil
}

func (g *Guard) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if g.cfg.StoreTimeout > 0 {
		return context.WithTimeout(ctx, g.cfg.StoreTimeout)
	}
	return context.WithCancel(ctx)
}

func (g *Guard) emit(ctx context.Context, key string, count int64, msg string) {
	if g.sink == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	record := models.EvidenceRecord{
		Timestamp: g.now().UTC(),
		Key:       key,
		Count:     count,
		Threshold: g.cfg.Threshold,
		RiskLabel: g.cfg.RiskLabel,
		Message:   msg,
	}

	if err := g.appendEvidence(ctx, record); err != nil {
		g.sinkFailures.Add(1)
		g.logger.Warn("failed to record guard evidence",
			zap.Error(fmt.Errorf("%w: %w", ErrSinkUnavailable, err)),
			zap.String("key", key),
			zap.Int64("count", count),
		)
	}
}

// appendEvidence hands record to the sink within EvidenceTimeout. The
// decision is already made, so the caller's cancellation is dropped: a
// cancelled request must not lose the evidence of its own block. A sink
// that ignores its context is abandoned when the timeout fires.
func (g *Guard) appendEvidence(ctx context.Context, record models.EvidenceRecord) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.EvidenceTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- g.sink.Append(ctx, record) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
