package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Ashfaaq98/evilwatch/internal/metrics"
	"github.com/Ashfaaq98/evilwatch/internal/store"
)

const (
	DefaultCacheSize = 1000
	RedisPrefix      = "evilwatch:enrich:"
	redisTimeout     = 2 * time.Second
)

// cacheEntry is what every tier holds.
type cacheEntry struct {
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CacheOptions configures a CacheManager.
type CacheOptions struct {
	// Size bounds the in-process tier.
	Size int
	// TTL expires entries in every tier; 0 keeps them forever.
	TTL    time.Duration
	Redis  *redis.Client
	Logger *log.Logger
}

// CacheManager layers an in-process LRU over an optional Redis tier over
// the SQLite enrichment_cache table. Reads fall through the tiers and
// promote what they find; writes go to every tier.
type CacheManager struct {
	mem    *lru.Cache[string, cacheEntry]
	redis  *redis.Client
	store  *store.Store
	ttl    time.Duration
	logger *log.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

func NewCacheManager(st *store.Store, opts CacheOptions) (*CacheManager, error) {
	if opts.Size <= 0 {
		opts.Size = DefaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	mem, err := lru.New[string, cacheEntry](opts.Size)
	if err != nil {
		return nil, err
	}
	return &CacheManager{
		mem:    mem,
		redis:  opts.Redis,
		store:  st,
		ttl:    opts.TTL,
		logger: opts.Logger,
	}, nil
}

func (c *CacheManager) expired(e cacheEntry) bool {
	return c.ttl > 0 && time.Since(e.UpdatedAt) > c.ttl
}

// Get returns the cached payload for key.
func (c *CacheManager) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	if e, ok := c.mem.Get(key); ok {
		if !c.expired(e) {
			c.hit("memory")
			return e.Data, true
		}
		c.mem.Remove(key)
	}

	if e, ok := c.getRedis(ctx, key); ok {
		c.mem.Add(key, e)
		c.hit("redis")
		return e.Data, true
	}

	if c.store != nil {
		cached, err := c.store.GetEnrichment(ctx, key)
		switch {
		case err == nil:
			e := cacheEntry{Data: cached.Data, UpdatedAt: cached.UpdatedAt}
			if !c.expired(e) {
				c.mem.Add(key, e)
				c.setRedis(ctx, key, e)
				c.hit("sqlite")
				return e.Data, true
			}
		case !errors.Is(err, store.ErrNotFound):
			c.logger.Printf("Enrichment cache read failed for %s: %v", key, err)
		}
	}

	c.misses.Add(1)
	metrics.EnrichCache.WithLabelValues("all", "miss").Inc()
	return nil, false
}

func (c *CacheManager) hit(tier string) {
	c.hits.Add(1)
	metrics.EnrichCache.WithLabelValues(tier, "hit").Inc()
}

// Put writes data under key to every tier.
func (c *CacheManager) Put(ctx context.Context, key string, data json.RawMessage) error {
	e := cacheEntry{Data: data, UpdatedAt: time.Now().UTC()}
	c.mem.Add(key, e)
	c.setRedis(ctx, key, e)
	if c.store != nil {
		return c.store.PutEnrichment(ctx, key, data)
	}
	return nil
}

// Delete removes key from every tier.
func (c *CacheManager) Delete(ctx context.Context, key string) error {
	c.mem.Remove(key)
	if c.redis != nil {
		rctx, cancel := context.WithTimeout(ctx, redisTimeout)
		defer cancel()
		if err := c.redis.Del(rctx, RedisPrefix+key).Err(); err != nil {
			c.logger.Printf("Redis del error for %s: %v", key, err)
		}
	}
	if c.store != nil {
		return c.store.DeleteEnrichment(ctx, key)
	}
	return nil
}

// Clear empties every tier.
func (c *CacheManager) Clear(ctx context.Context) error {
	c.mem.Purge()
	if c.redis != nil {
		if err := clearRedisPrefix(ctx, c.redis, RedisPrefix); err != nil {
			c.logger.Printf("Redis clear error: %v", err)
		}
	}
	if c.store != nil {
		_, err := c.store.ClearEnrichments(ctx)
		return err
	}
	return nil
}

// Stats reports hit counters and the in-process tier size.
func (c *CacheManager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"hits":        c.hits.Load(),
		"misses":      c.misses.Load(),
		"memory_size": c.mem.Len(),
		"redis":       c.redis != nil,
		"ttl":         c.ttl.String(),
	}
}

func (c *CacheManager) getRedis(ctx context.Context, key string) (cacheEntry, bool) {
	var e cacheEntry
	if c.redis == nil {
		return e, false
	}
	rctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	raw, err := c.redis.Get(rctx, RedisPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Printf("Redis get error for %s: %v", key, err)
		}
		return e, false
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Printf("Redis unmarshal error for %s: %v", key, err)
		_ = c.redis.Del(rctx, RedisPrefix+key).Err()
		return e, false
	}
	return e, !c.expired(e)
}

func (c *CacheManager) setRedis(ctx context.Context, key string, e cacheEntry) {
	if c.redis == nil {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		c.logger.Printf("Redis marshal error: %v", err)
		return
	}
	ttl := time.Duration(0)
	if c.ttl > 0 {
		ttl = c.ttl - time.Since(e.UpdatedAt)
		if ttl <= 0 {
			return
		}
	}
	rctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := c.redis.Set(rctx, RedisPrefix+key, b, ttl).Err(); err != nil {
		c.logger.Printf("Redis set error for %s: %v", key, err)
	}
}

// clearRedisPrefix deletes every key under prefix, scanning in pages.
func clearRedisPrefix(ctx context.Context, client *redis.Client, prefix string) error {
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, prefix+"*", 500).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// ClearRedisCache drops cached enrichments from Redis without touching the
// other tiers.
func ClearRedisCache(ctx context.Context, client *redis.Client) error {
	return clearRedisPrefix(ctx, client, RedisPrefix)
}
