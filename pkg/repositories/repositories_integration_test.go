//go:build integration

package repositories

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/crypto"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/models"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/testhelpers"
)

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, strings.ReplaceAll(uuid.NewString()[:8], "-", ""))
}

func newTenant(t *testing.T, repo TenantRepository, name string, mutate func(*models.Tenant)) *models.Tenant {
	t.Helper()
	dbName := uniqueName("repo")
	slug := strings.ReplaceAll(dbName, "_", "-")
	tenant := &models.Tenant{
		Name:         name,
		Slug:         &slug,
		DatabaseName: dbName,
		DatabaseURL:  "postgres://u:p@localhost/" + dbName,
		Active:       true,
		Plan:         models.PlanFree,
	}
	if mutate != nil {
		mutate(tenant)
	}
	require.NoError(t, repo.Create(context.Background(), tenant))
	t.Cleanup(func() { _ = repo.Delete(context.Background(), tenant.ID) })
	return tenant
}

func TestTenantRepository_CRUD(t *testing.T) {
	testDB := testhelpers.GetTestDB(t)
	repo := NewTenantRepository(testDB.DB.Pool, testhelpers.NewBox(t))
	ctx := context.Background()

	tenant := newTenant(t, repo, "Acme", nil)

	got, err := repo.GetByID(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.DatabaseURL, got.DatabaseURL)
	assert.Equal(t, tenant.SlugValue(), got.SlugValue())

	var stored string
	require.NoError(t, testDB.DB.QueryRow(ctx, "SELECT database_url FROM tenants WHERE id = $1", tenant.ID).Scan(&stored))
	assert.True(t, crypto.IsSealed(stored))
	assert.NotContains(t, stored, tenant.DatabaseName)

	bySlug, err := repo.GetBySlug(ctx, tenant.SlugValue())
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, bySlug.ID)

	exists, err := repo.SlugExists(ctx, tenant.SlugValue())
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = repo.DatabaseNameExists(ctx, tenant.DatabaseName)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = repo.DatabaseNameExists(ctx, uniqueName("absent"))
	require.NoError(t, err)
	assert.False(t, exists)

	updated, err := repo.Update(ctx, tenant.ID, map[string]any{
		"plan":       models.PlanPro,
		"unit_limit": 25,
		"city":       "Porto",
		"updated_at": time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.PlanPro, updated.Plan)
	assert.Equal(t, 25, updated.UnitLimit)
	assert.Equal(t, "Porto", *updated.City)

	_, err = repo.Update(ctx, tenant.ID, map[string]any{"database_url": "postgres://evil"})
	assert.Error(t, err)

	require.NoError(t, repo.Delete(ctx, tenant.ID))
	_, err = repo.GetByID(ctx, tenant.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, tenant.ID), apperrors.ErrNotFound)
}

func TestTenantRepository_UniqueConstraints(t *testing.T) {
	testDB := testhelpers.GetTestDB(t)
	repo := NewTenantRepository(testDB.DB.Pool, testhelpers.NewBox(t))

	first := newTenant(t, repo, "Acme", nil)

	dup := &models.Tenant{
		Name:         "Acme again",
		Slug:         first.Slug,
		DatabaseName: uniqueName("repo"),
		DatabaseURL:  "postgres://u:p@localhost/x",
		Active:       true,
		Plan:         models.PlanFree,
	}
	err := repo.Create(context.Background(), dup)
	require.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Contains(t, err.Error(), "tenants_slug_key")
}

func TestTenantRepository_List(t *testing.T) {
	testDB := testhelpers.GetTestDB(t)
	repo := NewTenantRepository(testDB.DB.Pool, testhelpers.NewBox(t))
	ctx := context.Background()

	marker := uniqueName("city")
	city := strings.ToUpper(marker)
	newTenant(t, repo, "Zeta Widgets", func(tn *models.Tenant) { tn.City = &city })
	newTenant(t, repo, "Alpha Widgets", func(tn *models.Tenant) {
		tn.City = &city
		tn.Plan = models.PlanPro
	})
	newTenant(t, repo, "Beta Widgets", func(tn *models.Tenant) {
		tn.City = &city
		tn.Active = false
	})

	all, err := repo.List(ctx, models.TenantFilter{City: marker}, models.Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total)
	assert.Len(t, all.Items, 3)

	active := true
	onlyActive, err := repo.List(ctx, models.TenantFilter{City: marker, Active: &active}, models.Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, onlyActive.Total)

	pro, err := repo.List(ctx, models.TenantFilter{City: marker, Plan: models.PlanPro}, models.Page{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 1, pro.Total)
	assert.Equal(t, "Alpha Widgets", pro.Items[0].Name)

	search, err := repo.List(ctx, models.TenantFilter{Search: "zeta", City: marker}, models.Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, search.Total)

	// LIKE wildcards in the search text match literally.
	wild, err := repo.List(ctx, models.TenantFilter{Search: "%", City: marker}, models.Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, wild.Total)

	paged, err := repo.List(ctx, models.TenantFilter{City: marker}, models.Page{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, paged.Total)
	assert.Len(t, paged.Items, 1)
}

func TestPlatformUserAndSessionRepositories(t *testing.T) {
	testDB := testhelpers.GetTestDB(t)
	users := NewPlatformUserRepository(testDB.DB.Pool)
	sessions := NewPlatformSessionRepository(testDB.DB.Pool)
	ctx := context.Background()

	email := uniqueName("op") + "@Example.com"
	user := &models.PlatformUser{Email: email, Name: "Op", Role: models.RoleAdmin, PasswordHash: "x"}
	require.NoError(t, users.Create(ctx, user))
	t.Cleanup(func() {
		_, _ = testDB.DB.Exec(context.Background(), "DELETE FROM platform_users WHERE id = $1", user.ID)
	})

	got, err := users.GetByEmail(ctx, strings.ToUpper(email))
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, strings.ToLower(email), got.Email)

	err = users.Create(ctx, &models.PlatformUser{Email: email, Role: models.RoleAdmin, PasswordHash: "y"})
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	require.NoError(t, sessions.Create(ctx, "live-"+user.ID.String(), user.ID, time.Now().Add(time.Hour)))
	require.NoError(t, sessions.Create(ctx, "dead-"+user.ID.String(), user.ID, time.Now().Add(-time.Hour)))

	owner, err := sessions.Lookup(ctx, "live-"+user.ID.String())
	require.NoError(t, err)
	assert.Equal(t, user.ID, owner.ID)

	_, err = sessions.Lookup(ctx, "dead-"+user.ID.String())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	n, err := sessions.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	require.NoError(t, sessions.Delete(ctx, "live-"+user.ID.String()))
	_, err = sessions.Lookup(ctx, "live-"+user.ID.String())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
