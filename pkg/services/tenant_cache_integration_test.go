//go:build integration

package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/models"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/testhelpers"
)

func newRedisCache(t *testing.T, ttl time.Duration) (TenantCache, *redis.Client) {
	t.Helper()
	testRedis := testhelpers.GetTestRedis(t)
	client := redis.NewClient(&redis.Options{Addr: testRedis.Addr})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisTenantCache(client, ttl, zap.NewNop()), client
}

func TestRedisTenantCache_RoundTripWithoutSecrets(t *testing.T) {
	cache, client := newRedisCache(t, time.Minute)
	ctx := context.Background()

	slug := "cache-" + uuid.NewString()[:8]
	tenant := &models.Tenant{
		ID:           uuid.New(),
		Name:         "Acme Towers",
		Slug:         &slug,
		DatabaseName: "acme_towers",
		DatabaseURL:  "postgres://tenancy:s3cret@db/acme_towers",
		Active:       true,
		Plan:         models.PlanPro,
	}
	cache.Set(ctx, tenant)

	raw, err := client.Get(ctx, tenantCacheKeyPrefix+slug).Result()
	require.NoError(t, err)
	assert.NotContains(t, raw, "s3cret")

	got, ok := cache.Get(ctx, slug)
	require.True(t, ok)
	assert.Equal(t, tenant.ID, got.ID)
	assert.Equal(t, "acme_towers", got.DatabaseName)
	assert.Empty(t, got.DatabaseURL)

	cache.Invalidate(ctx, slug, "")
	_, ok = cache.Get(ctx, slug)
	assert.False(t, ok)
}

func TestRedisTenantCache_Expires(t *testing.T) {
	cache, _ := newRedisCache(t, 100*time.Millisecond)
	ctx := context.Background()

	slug := "ttl-" + uuid.NewString()[:8]
	cache.Set(ctx, &models.Tenant{ID: uuid.New(), Slug: &slug})
	_, ok := cache.Get(ctx, slug)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := cache.Get(ctx, slug)
		return !ok
	}, 2*time.Second, 50*time.Millisecond)
}
