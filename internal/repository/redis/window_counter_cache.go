package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"guard-service/internal/client"
	"guard-service/internal/models"
	"guard-service/internal/util"
)

// WindowCounterCache is the Redis counter store behind the guard. Keys
// arrive already prefixed by the guard; Redis INCR and EXPIRE give the
// atomicity the guard relies on, across every process sharing the server.
type WindowCounterCache struct {
	client *client.RedisClient
}

func NewWindowCounterCache(client *client.RedisClient) *WindowCounterCache {
	return &WindowCounterCache{client: client}
}

func (c *WindowCounterCache) Incr(ctx context.Context, key string) (int64, error) {
	count, err := c.client.Incr(ctx, key)
	if err != nil {
		util.Error("Failed to increment window counter",
			zap.String("key", key),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment window counter: %w", err)
	}
	return count, nil
}

func (c *WindowCounterCache) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.Expire(ctx, key, ttl)
	if err != nil {
		util.Error("Failed to arm window expiry",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return false, fmt.Errorf("failed to arm window expiry: %w", err)
	}

	util.Debug("Window expiry armed",
		zap.String("key", key),
		zap.Duration("ttl", ttl),
		zap.Bool("key_existed", ok))

	return ok, nil
}

// Peek reads a key's count and remaining TTL without counting the call.
func (c *WindowCounterCache) Peek(ctx context.Context, key string) (models.WindowCounter, error) {
	snapshot := models.WindowCounter{Key: key}

	countStr, err := c.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return snapshot, nil
		}
		return snapshot, fmt.Errorf("failed to read window counter: %w", err)
	}

	count, err := strconv.ParseInt(countStr, 10, 64)
	if err != nil {
		util.Error("Invalid window counter format",
			zap.String("key", key),
			zap.String("count_str", countStr),
			zap.Error(err))
		return snapshot, fmt.Errorf("invalid window counter format: %w", err)
	}
	snapshot.Count = count

	ttl, err := c.client.TTL(ctx, key)
	if err != nil {
		return snapshot, fmt.Errorf("failed to read window ttl: %w", err)
	}
	// -1 (no expiry) and -2 (gone) are reported as no TTL
	if ttl > 0 {
		snapshot.TTL = ttl
	}

	return snapshot, nil
}

// Reset deletes a key's window so its next call starts at 1.
func (c *WindowCounterCache) Reset(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key); err != nil {
		util.Error("Failed to reset window counter",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to reset window counter: %w", err)
	}

	util.Info("Window counter reset", zap.String("key", key))
	return nil
}

// CountKeys counts live windows under prefix, logging any key that lost
// its TTL (such a window would never roll over).
func (c *WindowCounterCache) CountKeys(ctx context.Context, prefix string) (int, error) {
	total := 0
	err := c.client.Scan(ctx, prefix+"*", 500, func(key string) error {
		total++
		ttl, err := c.client.TTL(ctx, key)
		if err == nil && ttl == -1 {
			util.Warn("Found window counter without TTL", zap.String("key", key))
		}
		return nil
	})
	if err != nil {
		util.Error("Failed to scan window counters",
			zap.String("prefix", prefix),
			zap.Error(err))
		return 0, fmt.Errorf("failed to scan window counters: %w", err)
	}
	return total, nil
}

func (c *WindowCounterCache) HealthCheck(ctx context.Context) error {
	return c.client.HealthCheck(ctx)
}

func (c *WindowCounterCache) PoolStats() models.StorePoolStats {
	ps := c.client.PoolStats()
	return models.StorePoolStats{
		Hits:       ps.Hits,
		Misses:     ps.Misses,
		Timeouts:   ps.Timeouts,
		TotalConns: ps.TotalConns,
		IdleConns:  ps.IdleConns,
		StaleConns: ps.StaleConns,
	}
}

// ArmOrphans re-arms ttl on every key under prefix that has no expiry,
// which happens when a process dies between INCR and EXPIRE.
func (c *WindowCounterCache) ArmOrphans(ctx context.Context, prefix string, ttl time.Duration) (int, error) {
	var orphans []string
	err := c.client.Scan(ctx, prefix+"*", 500, func(key string) error {
		keyTTL, err := c.client.TTL(ctx, key)
		if err != nil {
			return err
		}
		if keyTTL == -1 {
			orphans = append(orphans, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan window counters: %w", err)
	}

	armed := 0
	for _, key := range orphans {
		ok, err := c.client.Expire(ctx, key, ttl)
		if err != nil {
			return armed, fmt.Errorf("failed to arm orphaned window %s: %w", key, err)
		}
		if ok {
			armed++
		}
	}

	if armed > 0 {
		util.Warn("Re-armed orphaned window counters",
			zap.String("prefix", prefix),
			zap.Int("count", armed))
	}
	return armed, nil
}
