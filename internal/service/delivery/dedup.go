package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/delivery-engine/internal/domain"
)

// DedupCache is a short-TTL front for the durable provider-event dedup
// records. It only ever short-circuits duplicates; a miss falls through to
// the store.
type DedupCache interface {
	Seen(ctx context.Context, key string, now time.Time) (bool, error)
	Mark(ctx context.Context, key string, now time.Time) error
	Sweep(now time.Time) int
}

// EventKey is the dedup key for a provider event: provider plus the
// provider's event id, or a hash of the identifying fields when there is none.
func EventKey(ev *domain.ProviderEvent) string {
	if ev.EventID != "" {
		return fmt.Sprintf("%s:%s", ev.Provider, ev.EventID)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d",
		ev.MessageID, ev.ProviderMessageID, ev.Type,
		strings.ToLower(ev.Recipient), ev.Reason, ev.OccurredAt.Unix())
	return fmt.Sprintf("%s:h:%s", ev.Provider, hex.EncodeToString(h.Sum(nil))[:32])
}

// MemoryDedupCache keeps keys in a map with per-key expiry.
type MemoryDedupCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	keys map[string]time.Time
}

// NewMemoryDedupCache creates a cache that forgets keys after ttl.
func NewMemoryDedupCache(ttl time.Duration) *MemoryDedupCache {
	return &MemoryDedupCache{ttl: ttl, keys: make(map[string]time.Time)}
}

// Seen implements DedupCache.
func (c *MemoryDedupCache) Seen(_ context.Context, key string, now time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.keys[key]
	if !ok {
		return false, nil
	}
	if !now.Before(exp) {
		delete(c.keys, key)
		return false, nil
	}
	return true, nil
}

// Mark implements DedupCache.
func (c *MemoryDedupCache) Mark(_ context.Context, key string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[key] = now.Add(c.ttl)
	return nil
}

// Sweep drops expired keys and returns how many were removed.
func (c *MemoryDedupCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, exp := range c.keys {
		if !now.Before(exp) {
			delete(c.keys, k)
			n++
		}
	}
	return n
}

// RedisDedupCache stores dedup keys with a Redis TTL so every instance sees
// the same recent events.
type RedisDedupCache struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDedupCache creates a Redis-backed cache.
func NewRedisDedupCache(client *redis.Client, prefix string, ttl time.Duration) *RedisDedupCache {
	if prefix == "" {
		prefix = "provider_event"
	}
	return &RedisDedupCache{redis: client, prefix: prefix, ttl: ttl}
}

// Seen implements DedupCache.
func (c *RedisDedupCache) Seen(ctx context.Context, key string, _ time.Time) (bool, error) {
	n, err := c.redis.Exists(ctx, c.prefix+":"+key).Result()
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return n > 0, nil
}

// Mark implements DedupCache.
func (c *RedisDedupCache) Mark(ctx context.Context, key string, _ time.Time) error {
	if err := c.redis.Set(ctx, c.prefix+":"+key, "1", c.ttl).Err(); err != nil {
		return fmt.Errorf("dedup mark: %w", err)
	}
	return nil
}

// Sweep is a no-op; Redis expires keys itself.
func (c *RedisDedupCache) Sweep(time.Time) int { return 0 }
