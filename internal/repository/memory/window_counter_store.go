// Package memory is an in-process counter store for single-instance
// deployments and tests. Its state is local to the process, so several
// replicas using it do not share a limit.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"guard-service/internal/models"
)

type entry struct {
	count     int64
	expiresAt time.Time // zero means no TTL armed
}

type WindowCounterStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func NewWindowCounterStore() *WindowCounterStore {
	return NewWindowCounterStoreWithClock(time.Now)
}

// NewWindowCounterStoreWithClock lets tests drive expiry.
func NewWindowCounterStoreWithClock(now func() time.Time) *WindowCounterStore {
	return &WindowCounterStore{
		entries: make(map[string]*entry),
		now:     now,
	}
}

func (s *WindowCounterStore) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		e = &entry{}
		s.entries[key] = e
	}
	e.count++
	return e.count, nil
}

func (s *WindowCounterStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return false, nil
	}
	if ttl <= 0 {
		delete(s.entries, key)
		return true, nil
	}
	e.expiresAt = s.now().Add(ttl)
	return true, nil
}

// Peek reads a key without counting it.
func (s *WindowCounterStore) Peek(ctx context.Context, key string) (models.WindowCounter, error) {
	if err := ctx.Err(); err != nil {
		return models.WindowCounter{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := models.WindowCounter{Key: key}
	if e := s.live(key); e != nil {
		snapshot.Count = e.count
		if !e.expiresAt.IsZero() {
			snapshot.TTL = e.expiresAt.Sub(s.now())
		}
	}
	return snapshot, nil
}

func (s *WindowCounterStore) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// CountKeys returns the number of live windows whose key starts with prefix.
func (s *WindowCounterStore) CountKeys(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) && s.live(key) != nil {
			n++
		}
	}
	return n, nil
}

func (s *WindowCounterStore) HealthCheck(context.Context) error {
	return nil
}

// live returns the entry for key, evicting it first if its window has
// passed. Callers hold s.mu.
func (s *WindowCounterStore) live(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

// ArmOrphans arms ttl on live keys under prefix that never got one.
func (s *WindowCounterStore) ArmOrphans(ctx context.Context, prefix string, ttl time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	armed := 0
	for key, e := range s.entries {
		if strings.HasPrefix(key, prefix) && e.expiresAt.IsZero() {
			e.expiresAt = s.now().Add(ttl)
			armed++
		}
	}
	return armed, nil
}
