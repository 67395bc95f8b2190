package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sentinalhq/sentinal/pkg/logger"
)

// RedisClient is the subset of redis operations the manager needs. Satisfied
// by *redis.Client and by redismock in tests.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Manager handles result caching with JSON serialization, per-key TTLs and
// single-flight de-duplication. Redis is the backing store; when it is
// unreachable the manager degrades to a node-local in-memory cache with the
// same single-flight semantics, never to uncached behaviour.
type Manager struct {
	redis RedisClient
	local *memoryStore
	group singleflight.Group
}

// NewManager creates a new cache manager. A nil redis client is allowed and
// pins the manager to the in-memory store.
func NewManager(redisClient RedisClient) *Manager {
	return &Manager{
		redis: redisClient,
		local: newMemoryStore(),
	}
}

// Get retrieves a cached value and unmarshals it into result. Returns false
// when the key is absent in both the backing store and the local fallback.
func (m *Manager) Get(ctx context.Context, key string, result interface{}) (bool, error) {
	data, ok := m.lookup(ctx, key)
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal([]byte(data), result)
}

// GetOrCompute returns the cached value for key, or runs computeFn exactly
// once per key across concurrent callers and caches its result for ttl.
// Concurrent callers for the same key block on the first caller's in-flight
// computation and all receive the same result. The computation itself runs on
// a context detached from the caller: a caller that abandons the request does
// not invalidate the computation later waiters share.
func (m *Manager) GetOrCompute(ctx context.Context, key string, ttl time.Duration, result interface{}, computeFn func(ctx context.Context) (interface{}, error)) error {
	if data, ok := m.lookup(ctx, key); ok {
		recordHit(kindOf(key))
		return json.Unmarshal([]byte(data), result)
	}
	recordMiss(kindOf(key))

	ch := m.group.DoChan(key, func() (interface{}, error) {
		// Re-check under the flight: another caller may have populated the
		// cache between our miss and acquiring the flight.
		computeCtx := context.WithoutCancel(ctx)
		if data, ok := m.lookup(computeCtx, key); ok {
			return data, nil
		}

		value, err := computeFn(computeCtx)
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal cache value: %w", err)
		}

		m.store(computeCtx, key, string(data), ttl)
		return string(data), nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		if res.Shared {
			recordShared(kindOf(key))
		}
		return json.Unmarshal([]byte(res.Val.(string)), result)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delete removes a key from both stores.
func (m *Manager) Delete(ctx context.Context, keys ...string) {
	if m.redis != nil {
		if rdb, ok := m.redis.(interface {
			Del(ctx context.Context, keys ...string) *redis.IntCmd
		}); ok {
			_ = rdb.Del(ctx, keys...).Err()
		}
	}
	for _, key := range keys {
		m.local.delete(key)
	}
}

func (m *Manager) lookup(ctx context.Context, key string) (string, bool) {
	if m.redis != nil {
		data, err := m.redis.Get(ctx, key).Result()
		if err == nil {
			return data, true
		}
		if err != redis.Nil {
			recordFallback(kindOf(key))
			logger.WithContext(ctx).Warn("cache backing store unavailable, using in-process cache",
				zap.String("key", key), zap.Error(err))
			return m.local.get(key)
		}
		// Backing store reachable but empty: fall through without consulting
		// the local store so redis stays authoritative.
		return "", false
	}
	return m.local.get(key)
}

func (m *Manager) store(ctx context.Context, key, data string, ttl time.Duration) {
	if m.redis != nil {
		err := m.redis.Set(ctx, key, data, ttl).Err()
		if err == nil {
			return
		}
		recordFallback(kindOf(key))
		logger.WithContext(ctx).Warn("cache backing store write failed, caching in-process",
			zap.String("key", key), zap.Error(err))
	}
	m.local.set(key, data, ttl)
}

func kindOf(key string) string {
	if idx := strings.IndexByte(key, ':'); idx > 0 {
		return key[:idx]
	}
	return "unknown"
}

// memoryStore is the node-local TTL fallback used when redis is unreachable.
type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	data      string
	expiresAt time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[string]memoryEntry)}
}

func (s *memoryStore) get(key string) (string, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.delete(key)
		return "", false
	}
	return entry.data, true
}

func (s *memoryStore) set(key, data string, ttl time.Duration) {
	entry := memoryEntry{data: data}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
}

func (s *memoryStore) delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// CacheKeys defines the cache key patterns for detector and explainer results
type CacheKeys struct{}

var Keys = CacheKeys{}

// Score returns the cache key for a detector score
func (k CacheKeys) Score(accountID int64) string {
	return fmt.Sprintf("score:%d", accountID)
}

// Explanation returns the cache key for an explanation report
func (k CacheKeys) Explanation(accountID int64) string {
	return fmt.Sprintf("explanation:%d", accountID)
}
