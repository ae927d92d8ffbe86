package repository

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// StickyStore maps a sticky session key (conversation id, previous_response_id,
// or client-supplied session hint) onto the account id it was last served by.
// The in-memory overlay is always present; a Redis overlay is layered on top
// when configured, so sticky sessions survive a restart or fan out across
// multiple proxy instances.
type StickyStore struct {
	local *cache.Cache
	mu    sync.Mutex
	redis *redis.Client
	ttl   time.Duration
}

// NewStickyStore builds a store with an in-memory overlay. redisClient may be
// nil, in which case the store is single-instance only.
func NewStickyStore(redisClient *redis.Client, ttl time.Duration) *StickyStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StickyStore{
		local: cache.New(ttl, ttl/2),
		redis: redisClient,
		ttl:   ttl,
	}
}

// HashKey reduces an arbitrary sticky session key to a stable, fixed-width
// cache key, matching the teacher's xxhash-keyed gateway cache.
func HashKey(raw string) string {
	return strconv.FormatUint(xxhash.Sum64String(raw), 16)
}

// Get returns the account id bound to key, checking the in-memory overlay
// first and falling back to Redis (if configured) on a local miss.
func (s *StickyStore) Get(ctx context.Context, key string) (string, bool) {
	hashed := HashKey(key)

	if v, ok := s.local.Get(hashed); ok {
		return v.(string), true
	}

	if s.redis == nil {
		return "", false
	}

	val, err := s.redis.Get(ctx, stickyRedisKey(hashed)).Result()
	if err != nil {
		return "", false
	}
	s.local.Set(hashed, val, s.ttl)
	return val, true
}

// Set binds key to accountID in both overlays.
func (s *StickyStore) Set(ctx context.Context, key, accountID string) {
	hashed := HashKey(key)
	s.local.Set(hashed, accountID, s.ttl)

	if s.redis == nil {
		return
	}
	_ = s.redis.Set(ctx, stickyRedisKey(hashed), accountID, s.ttl).Err()
}

// Delete removes a binding from both overlays, used when an account is
// removed from rotation and its sticky sessions must not keep routing there.
func (s *StickyStore) Delete(ctx context.Context, key string) {
	hashed := HashKey(key)
	s.local.Delete(hashed)
	if s.redis != nil {
		_ = s.redis.Del(ctx, stickyRedisKey(hashed)).Err()
	}
}

func stickyRedisKey(hashed string) string {
	return fmt.Sprintf("gateway:sticky:%s", hashed)
}
