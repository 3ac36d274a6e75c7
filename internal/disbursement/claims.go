package disbursement

import (
	"context"
	"sync"
	"time"

	platformredis "almoner/internal/platform/redis"
)

// ClaimStore serializes trigger and execution work across engine instances.
// Claim is a short-lived advisory lock, not a correctness mechanism: order
// version checks stay authoritative, the claim just prevents most duplicate
// gateway round trips.
type ClaimStore interface {
	// Claim acquires key for ttl. Returns false when another holder has it.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string)
}

// RedisClaims backs claims with SET NX EX, shared across processes.
type RedisClaims struct {
	client *platformredis.Client
}

func NewRedisClaims(client *platformredis.Client) *RedisClaims {
	return &RedisClaims{client: client}
}

func (c *RedisClaims) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, "almoner:claim:"+key, "1", ttl).Result()
}

func (c *RedisClaims) Release(ctx context.Context, key string) {
	c.client.Del(ctx, "almoner:claim:"+key)
}

// MemoryClaims is the single-process fallback when Redis is not configured.
type MemoryClaims struct {
	mu     sync.Mutex
	claims map[string]time.Time
}

func NewMemoryClaims() *MemoryClaims {
	return &MemoryClaims{claims: make(map[string]time.Time)}
}

func (c *MemoryClaims) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if expiry, held := c.claims[key]; held && expiry.After(now) {
		return false, nil
	}
	c.claims[key] = now.Add(ttl)
	return true, nil
}

func (c *MemoryClaims) Release(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, key)
}
