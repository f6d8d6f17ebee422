package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache remembers the Patient id of a username. Misses are reported with
// ok == false and a nil error.
type Cache interface {
	Get(ctx context.Context, username string) (id string, ok bool, err error)
	Set(ctx context.Context, username, id string) error
	Delete(ctx context.Context, username string) error
}

const cacheKeyPrefix = "healthmanager:account:"

func cacheKey(username string) string {
	return cacheKeyPrefix + username
}

// RedisCache keeps account ids in Redis so every server instance shares
// them.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache returns a cache whose entries expire after ttl.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (r *RedisCache) Get(ctx context.Context, username string) (string, bool, error) {
	id, err := r.client.Get(ctx, cacheKey(username)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get account %s: %w", username, err)
	}
	return id, true, nil
}

func (r *RedisCache) Set(ctx context.Context, username, id string) error {
	if err := r.client.Set(ctx, cacheKey(username), id, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set account %s: %w", username, err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, username string) error {
	if err := r.client.Del(ctx, cacheKey(username)).Err(); err != nil {
		return fmt.Errorf("redis delete account %s: %w", username, err)
	}
	return nil
}

type memoryEntry struct {
	id      string
	expires time.Time
}

// MemoryCache is the in-process Cache used when no Redis is configured.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache returns an in-process cache whose entries expire after ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *MemoryCache) Get(_ context.Context, username string) (string, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[username]
	m.mu.RUnlock()
	if !ok || (m.ttl > 0 && m.now().After(e.expires)) {
		return "", false, nil
	}
	return e.id, true, nil
}

func (m *MemoryCache) Set(_ context.Context, username, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[username] = memoryEntry{id: id, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, username)
	return nil
}

// noCache never remembers anything.
type noCache struct{}

func (noCache) Get(context.Context, string) (string, bool, error) { return "", false, nil }
func (noCache) Set(context.Context, string, string) error         { return nil }
func (noCache) Delete(context.Context, string) error              { return nil }
