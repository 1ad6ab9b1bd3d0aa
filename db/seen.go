package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeenGuard is the idempotent re-execution guard workers consult before
// running a task: a task executed and then redelivered (because the ack was
// lost) must not perform its side effects twice. Where side effects are
// naturally idempotent the guard is a pure optimization.
type SeenGuard interface {
	// Seen reports whether this dedup key was already remembered.
	Seen(ctx context.Context, key string) (bool, error)

	// Remember records a dedup key after successful execution.
	Remember(ctx context.Context, key string) error

	// Close releases the guard's resources.
	Close() error
}

// RedisSeenGuard stores dedup keys in redis with a TTL, so the guard is
// shared across worker replicas and survives restarts.
type RedisSeenGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSeenGuard connects to redis by URL (redis://...).
func NewRedisSeenGuard(url string, ttl time.Duration) (*RedisSeenGuard, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid seen cache URL: %w", err)
	}
	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to seen cache: %w", err)
	}

	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSeenGuard{client: client, prefix: "seen:", ttl: ttl}, nil
}

// Seen checks for the key without modifying it.
func (g *RedisSeenGuard) Seen(ctx context.Context, key string) (bool, error) {
	n, err := g.client.Exists(ctx, g.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("seen cache lookup failed: %w", err)
	}
	return n > 0, nil
}

// Remember stores the key with the guard's TTL.
func (g *RedisSeenGuard) Remember(ctx context.Context, key string) error {
	if err := g.client.SetNX(ctx, g.prefix+key, 1, g.ttl).Err(); err != nil {
		return fmt.Errorf("seen cache store failed: %w", err)
	}
	return nil
}

// Close closes the redis connection.
func (g *RedisSeenGuard) Close() error {
	return g.client.Close()
}

// MemorySeenGuard is a bounded in-process guard used when no redis endpoint
// is configured. At capacity the oldest entry is evicted.
type MemorySeenGuard struct {
	mu       sync.Mutex
	entries  map[string]time.Time
	capacity int
}

// NewMemorySeenGuard creates a guard keeping at most capacity keys
// (default 10000).
func NewMemorySeenGuard(capacity int) *MemorySeenGuard {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemorySeenGuard{
		entries:  make(map[string]time.Time),
		capacity: capacity,
	}
}

// Seen reports whether the key is present.
func (g *MemorySeenGuard) Seen(ctx context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.entries[key]
	return ok, nil
}

// Remember records the key, evicting the oldest entry at capacity.
func (g *MemorySeenGuard) Remember(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.entries) >= g.capacity {
		g.evictOldest()
	}
	g.entries[key] = time.Now()
	return nil
}

// evictOldest removes the oldest entry (must be called with lock held)
func (g *MemorySeenGuard) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, at := range g.entries {
		if oldestKey == "" || at.Before(oldestTime) {
			oldestKey = key
			oldestTime = at
		}
	}
	if oldestKey != "" {
		delete(g.entries, oldestKey)
	}
}

// Close is a no-op for the in-memory guard.
func (g *MemorySeenGuard) Close() error {
	return nil
}

// NewSeenGuard picks the redis guard when a URL is configured and the
// bounded in-memory guard otherwise.
func NewSeenGuard(url string, ttl time.Duration) (SeenGuard, error) {
	if url == "" {
		return NewMemorySeenGuard(0), nil
	}
	return NewRedisSeenGuard(url, ttl)
}
