package toolcall

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultIdempotencyTTL and DefaultIdempotencyCapacity are defaults for IdempotencyCache.
const (
	DefaultIdempotencyTTL      = 60 * time.Second
	DefaultIdempotencyCapacity = 10_000
)

type idempotencyValue struct {
	result    any
	expiresAt time.Time
}

// IdempotencyCache is a TTL+LRU map keyed by (tenant, tool_name,
// canonical_args_hash). Grounded on the pricingCache sync.Map
// pattern, generalized here to an evicting LRU since this cache is
// write-heavy and bounded, unlike the read-mostly pricing
// lookup — hence golang-lru instead of sync.Map.
type IdempotencyCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, idempotencyValue]
	ttl   time.Duration
}

// NewIdempotencyCache constructs a cache with the given capacity and TTL,
// applying defaults when either is unset.
func NewIdempotencyCache(capacity int, ttl time.Duration) *IdempotencyCache {
	if capacity <= 0 {
		capacity = DefaultIdempotencyCapacity
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	c, _ := lru.New[string, idempotencyValue](capacity)
	return &IdempotencyCache{cache: c, ttl: ttl}
}

// Key builds the cache key from (tenant, tool_name, canonical_args_hash).
func Key(tenant, toolName string, canonicalArgs []byte) string {
	sum := sha256.Sum256(canonicalArgs)
	return tenant + "\x00" + toolName + "\x00" + hex.EncodeToString(sum[:])
}

// Get returns the cached result for key if present and unexpired. Access
// moves the entry to the MRU position (golang-lru's Get already does this).
func (c *IdempotencyCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(v.expiresAt) {
		c.cache.Remove(key)
		return nil, false
	}
	return v.result, true
}

// Set stores result under key with this cache's TTL. On insertion past
// capacity, golang-lru evicts the LRU entry automatically.
func (c *IdempotencyCache) Set(key string, result any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, idempotencyValue{result: result, expiresAt: time.Now().Add(c.ttl)})
}

// canonicalJSON marshals v with sorted map keys (encoding/json's default
// map-key ordering is already sorted) so identical argument sets hash
// identically regardless of construction order.
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}
