package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"guard-service/internal/guard"
	"guard-service/internal/models"
	"guard-service/internal/util"
)

const (
	MaxBatchSize     = 100
	batchConcurrency = 10
)

var (
	ErrInvalidKey    = errors.New("invalid guard key")
	ErrEmptyBatch    = errors.New("batch contains no keys")
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
)

// CounterAdmin is the read and maintenance side of a counter store.
type CounterAdmin interface {
	Peek(ctx context.Context, key string) (models.WindowCounter, error)
	Reset(ctx context.Context, key string) error
	CountKeys(ctx context.Context, prefix string) (int, error)
	ArmOrphans(ctx context.Context, prefix string, ttl time.Duration) (int, error)
	HealthCheck(ctx context.Context) error
}

// PoolReporter is implemented by counter stores that hold a connection
// pool; Stats includes the pool figures when the store provides them.
type PoolReporter interface {
	PoolStats() models.StorePoolStats
}

// EvidenceStats reports on an asynchronous evidence pipeline.
type EvidenceStats interface {
	Dropped() uint64
	Failed() uint64
	Written() uint64
	Pending() int
}

type KeyStatus struct {
	Key         string        `json:"key"`
	Count       int64         `json:"count"`
	Threshold   int64         `json:"threshold"`
	Remaining   int64         `json:"remaining"`
	Blocked     bool          `json:"blocked"`
	TTL         time.Duration `json:"ttl"`
	WindowStart *time.Time    `json:"window_start,omitempty"`
}

type BatchItem struct {
	Key     string `json:"key"`
	Allowed bool   `json:"allowed"`
	Count   int64  `json:"count,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	err     error
}

// Err is the failure behind Error, if any.
func (b BatchItem) Err() error {
	return b.err
}

type Stats struct {
	Threshold       int64         `json:"threshold"`
	Window          time.Duration `json:"window"`
	ActiveKeys      int           `json:"active_keys"`
	ActiveKeysError string        `json:"active_keys_error,omitempty"`
	SinkFailures    uint64        `json:"sink_failures"`
	AsyncEvidence   bool          `json:"async_evidence"`
	EvidenceDropped uint64        `json:"evidence_dropped"`
	EvidenceFailed  uint64        `json:"evidence_failed"`
	EvidenceWritten uint64        `json:"evidence_written"`
	EvidencePending int           `json:"evidence_pending"`

	StorePool *models.StorePoolStats `json:"store_pool,omitempty"`
}

// GuardService exposes the guard and the operator view of its counters.
type GuardService struct {
	guard    *guard.Guard
	admin    CounterAdmin
	evidence EvidenceStats
	logger   *zap.Logger
	now      func() time.Time
}

// NewGuardService builds the service. evidence may be nil when evidence
// is written synchronously.
func NewGuardService(g *guard.Guard, admin CounterAdmin, evidence EvidenceStats, logger *zap.Logger) *GuardService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GuardService{
		guard:    g,
		admin:    admin,
		evidence: evidence,
		logger:   logger,
		now:      time.Now,
	}
}

func normalize(key string) (string, error) {
	k, err := util.NormalizeKey(key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return k, nil
}

// Check normalizes key and counts one call for it.
func (s *GuardService) Check(ctx context.Context, key string) (guard.Result, error) {
	k, err := normalize(key)
	if err != nil {
		return guard.Result{}, err
	}

	res, err := s.guard.Check(ctx, k)
	if err != nil {
		s.logger.Error("Guard check failed", zap.String("key", k), zap.Error(err))
		return guard.Result{}, err
	}
	if !res.Allowed {
		s.logger.Info("Guard blocked call",
			zap.String("key", k),
			zap.Int64("count", res.Count))
	}
	return res, nil
}

// CheckBatch checks every key concurrently and returns one item per key
// in input order. A failing key does not fail the batch.
func (s *GuardService) CheckBatch(ctx context.Context, keys []string) ([]BatchItem, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(keys) > MaxBatchSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(keys), MaxBatchSize)
	}

	items := make([]BatchItem, len(keys))
	var g errgroup.Group
	g.SetLimit(batchConcurrency)

	for i, key := range keys {
		g.Go(func() error {
			item := BatchItem{Key: key}
			res, err := s.Check(ctx, key)
			if err != nil {
				item.err = err
				item.Error = err.Error()
			} else {
				item.Allowed = res.Allowed
				item.Count = res.Count
				item.Message = res.Message
			}
			items[i] = item
			return nil
		})
	}
	_ = g.Wait()

	return items, nil
}

// Status reads key's window without counting a call.
func (s *GuardService) Status(ctx context.Context, key string) (KeyStatus, error) {
	k, err := normalize(key)
	if err != nil {
		return KeyStatus{}, err
	}
	cfg := s.guard.Config()

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	snap, err := s.admin.Peek(ctx, cfg.KeyPrefix+k)
	if err != nil {
		return KeyStatus{}, fmt.Errorf("%w: peek %s: %w", guard.ErrStoreUnavailable, k, err)
	}

	status := KeyStatus{
		Key:       k,
		Count:     snap.Count,
		Threshold: cfg.Threshold,
		Remaining: max(cfg.Threshold-snap.Count, 0),
		Blocked:   snap.Count > cfg.Threshold,
		TTL:       snap.TTL,
	}
	if snap.Active() && snap.TTL > 0 {
		start := s.now().Add(snap.TTL - cfg.Window).UTC().Truncate(time.Second)
		status.WindowStart = &start
	}
	return status, nil
}

// Reset clears key's window so its next call starts a new one.
func (s *GuardService) Reset(ctx context.Context, key string) error {
	k, err := normalize(key)
	if err != nil {
		return err
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	if err := s.admin.Reset(ctx, s.guard.Config().KeyPrefix+k); err != nil {
		return fmt.Errorf("%w: reset %s: %w", guard.ErrStoreUnavailable, k, err)
	}
	s.logger.Info("Guard window reset", zap.String("key", k))
	return nil
}

// RepairOrphans arms the window expiry on counters that never got one,
// which happens when a store failed between increment and expiry.
func (s *GuardService) RepairOrphans(ctx context.Context) (int, error) {
	cfg := s.guard.Config()
	n, err := s.admin.ArmOrphans(ctx, cfg.KeyPrefix, cfg.Window)
	if err != nil {
		return n, fmt.Errorf("%w: arm orphans: %w", guard.ErrStoreUnavailable, err)
	}
	if n > 0 {
		s.logger.Warn("Armed expiry on orphaned counters", zap.Int("count", n))
	}
	return n, nil
}

// Stats never fails; a store error only blanks ActiveKeys.
func (s *GuardService) Stats(ctx context.Context) Stats {
	cfg := s.guard.Config()
	st := Stats{
		Threshold:     cfg.Threshold,
		Window:        cfg.Window,
		SinkFailures:  s.guard.SinkFailures(),
		AsyncEvidence: s.evidence != nil,
	}
	if s.evidence != nil {
		st.EvidenceDropped = s.evidence.Dropped()
		st.EvidenceFailed = s.evidence.Failed()
		st.EvidenceWritten = s.evidence.Written()
		st.EvidencePending = s.evidence.Pending()
	}
	if pr, ok := s.admin.(PoolReporter); ok {
		ps := pr.PoolStats()
		st.StorePool = &ps
	}

	n, err := s.admin.CountKeys(ctx, cfg.KeyPrefix)
	if err != nil {
		s.logger.Warn("Failed to count active windows", zap.Error(err))
		st.ActiveKeysError = err.Error()
	} else {
		st.ActiveKeys = n
	}
	return st
}

func (s *GuardService) HealthCheck(ctx context.Context) error {
	return s.admin.HealthCheck(ctx)
}

func (s *GuardService) Config() guard.Config {
	return s.guard.Config()
}

func (s *GuardService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if timeout := s.guard.Config().StoreTimeout; timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
