// Package redis implements cache.Cache on top of go-redis/v9. Every method
// treats a client error as a miss: it is logged at warn level and then
// falls through, per the advisory contract in SPEC_FULL.md §4.2 — no
// caller of this package ever observes a Redis error.
package redis

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/steveyegge/kernelstore/internal/cache"
	"github.com/steveyegge/kernelstore/internal/types"
)

var cacheTracer = otel.Tracer("github.com/steveyegge/kernelstore/cache/redis")

var cacheMetrics struct {
	hits   metric.Int64Counter
	misses metric.Int64Counter
}

func init() {
	m := otel.Meter("github.com/steveyegge/kernelstore/cache/redis")
	cacheMetrics.hits, _ = m.Int64Counter("kernel.cache.hits", metric.WithDescription("cache hits"))
	cacheMetrics.misses, _ = m.Int64Counter("kernel.cache.misses", metric.WithDescription("cache misses and advisory failures"))
}

var logger = log.New(os.Stderr, "cache/redis: ", log.LstdFlags)

// Config configures the Redis-backed cache.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Cache implements cache.Cache over a single go-redis client.
type Cache struct {
	client *goredis.Client
	ttl    time.Duration
}

// New connects a go-redis client per cfg. It does not ping eagerly — a
// dead Redis at startup degrades to misses rather than a hard failure,
// consistent with the cache's advisory contract.
func New(cfg Config) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) GetByID(ctx context.Context, id uuid.UUID) (*types.Object, bool) {
	ctx, span := cacheTracer.Start(ctx, "cache.get_by_id", trace.WithAttributes(attribute.String("cache.key_scheme", "obj")))
	defer span.End()

	raw, err := c.client.Get(ctx, cache.ObjectKey(id)).Bytes()
	if err != nil {
		c.miss(ctx, err)
		return nil, false
	}
	var o types.Object
	if err := json.Unmarshal(raw, &o); err != nil {
		logger.Printf("warn: corrupt cache entry for %s: %v", id, err)
		c.miss(ctx, nil)
		return nil, false
	}
	cacheMetrics.hits.Add(ctx, 1)
	return &o, true
}

func (c *Cache) GetIDByCode(ctx context.Context, tenantID uuid.UUID, typeCode, code string) (uuid.UUID, bool) {
	raw, err := c.client.Get(ctx, cache.CodeKey(tenantID, typeCode, code)).Result()
	if err != nil {
		c.miss(ctx, err)
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		logger.Printf("warn: corrupt code-key cache entry for %s/%s: %v", typeCode, code, err)
		c.miss(ctx, nil)
		return uuid.Nil, false
	}
	cacheMetrics.hits.Add(ctx, 1)
	return id, true
}

func (c *Cache) Put(ctx context.Context, o *types.Object, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	raw, err := json.Marshal(o)
	if err != nil {
		logger.Printf("warn: marshal object %s for cache: %v", o.ID, err)
		return
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, cache.ObjectKey(o.ID), raw, ttl)
	pipe.Set(ctx, cache.CodeKey(o.TenantID, o.TypeCode, o.Code), o.ID.String(), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Printf("warn: cache put for %s failed: %v", o.ID, err)
	}
}

func (c *Cache) Invalidate(ctx context.Context, id uuid.UUID) {
	if err := c.client.Del(ctx, cache.ObjectKey(id)).Err(); err != nil {
		logger.Printf("warn: cache invalidate %s failed: %v", id, err)
	}
}

func (c *Cache) InvalidateByCode(ctx context.Context, tenantID uuid.UUID, typeCode, code string) {
	codeKey := cache.CodeKey(tenantID, typeCode, code)
	idStr, err := c.client.Get(ctx, codeKey).Result()
	if err != nil {
		// Nothing cached under the code key; still attempt to clear it in
		// case the value is stale/corrupted.
		if derr := c.client.Del(ctx, codeKey).Err(); derr != nil {
			logger.Printf("warn: cache invalidate-by-code %s/%s failed: %v", typeCode, code, derr)
		}
		return
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		logger.Printf("warn: corrupt code-key cache entry for %s/%s: %v", typeCode, code, err)
		return
	}
	if err := c.client.Del(ctx, codeKey, cache.ObjectKey(id)).Err(); err != nil {
		logger.Printf("warn: cache invalidate-by-code %s/%s failed: %v", typeCode, code, err)
	}
}

// InvalidateByType scans for every obj: key whose cached document has the
// given type code and deletes it. This is documented as O(n) in cache
// size (SPEC_FULL.md Open Question decisions) and is intended for
// offline/maintenance use, never the request path.
func (c *Cache) InvalidateByType(ctx context.Context, typeCode string) {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, "obj:*", 256).Result()
		if err != nil {
			logger.Printf("warn: cache invalidate-by-type scan failed: %v", err)
			return
		}
		for _, key := range keys {
			raw, err := c.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var o types.Object
			if json.Unmarshal(raw, &o) == nil && o.TypeCode == typeCode {
				if err := c.client.Del(ctx, key, cache.CodeKey(o.TenantID, o.TypeCode, o.Code)).Err(); err != nil {
					logger.Printf("warn: cache invalidate-by-type delete %s failed: %v", key, err)
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

func (c *Cache) miss(ctx context.Context, err error) {
	cacheMetrics.misses.Add(ctx, 1)
	if err != nil && err != goredis.Nil {
		logger.Printf("warn: cache error treated as miss: %v", err)
	}
}

var _ cache.Cache = (*Cache)(nil)
