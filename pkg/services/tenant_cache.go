package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/models"
)

// TenantCache is a slug-keyed lookup cache. Cached tenants never carry the
// database URL; callers re-derive it.
type TenantCache interface {
	Get(ctx context.Context, slug string) (*models.Tenant, bool)
	Set(ctx context.Context, tenant *models.Tenant)
	Invalidate(ctx context.Context, slugs ...string)
}

type nopTenantCache struct{}

// NewNopTenantCache returns a cache that never hits.
func NewNopTenantCache() TenantCache { return nopTenantCache{} }

func (nopTenantCache) Get(context.Context, string) (*models.Tenant, bool) { return nil, false }
func (nopTenantCache) Set(context.Context, *models.Tenant)                {}
func (nopTenantCache) Invalidate(context.Context, ...string)              {}

const tenantCacheKeyPrefix = "tenancy:tenant:slug:"

// redisTenantCache stores tenants as JSON. Redis failures degrade to misses.
type redisTenantCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

var _ TenantCache = (*redisTenantCache)(nil)

// NewRedisTenantCache creates a Redis-backed cache. A nil client yields the
// no-op cache.
func NewRedisTenantCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) TenantCache {
	if client == nil {
		return NewNopTenantCache()
	}
	return &redisTenantCache{
		client: client,
		ttl:    ttl,
		logger: logger.Named("tenant_cache"),
	}
}

func (c *redisTenantCache) Get(ctx context.Context, slug string) (*models.Tenant, bool) {
	data, err := c.client.Get(ctx, tenantCacheKeyPrefix+slug).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("tenant cache read failed", zap.String("slug", slug), zap.Error(err))
		}
		return nil, false
	}

	var tenant models.Tenant
	if err := json.Unmarshal(data, &tenant); err != nil {
		c.logger.Warn("discarding unreadable tenant cache entry", zap.String("slug", slug), zap.Error(err))
		return nil, false
	}
	return &tenant, true
}

func (c *redisTenantCache) Set(ctx context.Context, tenant *models.Tenant) {
	slug := tenant.SlugValue()
	if slug == "" {
		return
	}
	data, err := json.Marshal(tenant)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, tenantCacheKeyPrefix+slug, data, c.ttl).Err(); err != nil {
		c.logger.Warn("tenant cache write failed", zap.String("slug", slug), zap.Error(err))
	}
}

func (c *redisTenantCache) Invalidate(ctx context.Context, slugs ...string) {
	keys := make([]string, 0, len(slugs))
	for _, s := range slugs {
		if s != "" {
			keys = append(keys, tenantCacheKeyPrefix+s)
		}
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("tenant cache invalidation failed", zap.Strings("slugs", slugs), zap.Error(err))
	}
}
