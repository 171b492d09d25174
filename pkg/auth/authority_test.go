package auth

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/models"
)

type fakeTenants struct {
	bySlug map[string]*models.Tenant
	err    error
}

func (f *fakeTenants) FindBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	if f.err != nil {
		return nil, f.err
	}
	t, ok := f.bySlug[slug]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	if !t.Active {
		return nil, apperrors.ErrTenantDeactivated
	}
	return t, nil
}

// fakeSessions keeps a separate token table per tenant, plus the platform one.
type fakeSessions struct {
	platform    map[string]*models.Principal
	tenant      map[uuid.UUID]map[string]*models.Principal
	tenantCalls int
	err         error
}

func (f *fakeSessions) ResolvePlatform(ctx context.Context, token string) (*models.Principal, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.platform[token]
	if !ok {
		return nil, apperrors.ErrUnauthenticated
	}
	c := *p
	return &c, nil
}

func (f *fakeSessions) ResolveTenant(ctx context.Context, tenant *models.Tenant, token string) (*models.Principal, error) {
	f.tenantCalls++
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.tenant[tenant.ID][token]
	if !ok {
		return nil, apperrors.ErrUnauthenticated
	}
	c := *p
	return &c, nil
}

type fakeIdP struct {
	calls     int
	principal *models.Principal
}

func (f *fakeIdP) Verify(ctx context.Context, token string, tenant *models.Tenant) (*models.Principal, error) {
	f.calls++
	if f.principal == nil || token != "jwt" {
		return nil, fmt.Errorf("%w: bad token", apperrors.ErrUnauthenticated)
	}
	c := *f.principal
	return &c, nil
}

type recordedDecision struct{ realm, state string }

type fakeRecorder struct{ got []recordedDecision }

func (f *fakeRecorder) ObserveDecision(realm, state string) {
	f.got = append(f.got, recordedDecision{realm, state})
}

type authFixture struct {
	authority *Authority
	tenants   *fakeTenants
	sessions  *fakeSessions
	idp       *fakeIdP
	recorder  *fakeRecorder
	acme      *models.Tenant
	globex    *models.Tenant
}

func slugPtr(s string) *string { return &s }

func newAuthFixture(t *testing.T, withIdP bool) *authFixture {
	t.Helper()
	acme := &models.Tenant{ID: uuid.New(), Slug: slugPtr("acme"), Active: true}
	globex := &models.Tenant{ID: uuid.New(), Slug: slugPtr("globex"), Active: true}
	dormant := &models.Tenant{ID: uuid.New(), Slug: slugPtr("dormant"), Active: false}

	acmeID := acme.ID
	f := &authFixture{
		tenants: &fakeTenants{bySlug: map[string]*models.Tenant{
			"acme": acme, "globex": globex, "dormant": dormant,
		}},
		sessions: &fakeSessions{
			platform: map[string]*models.Principal{
				"root":  {UserID: "root", Role: models.RoleSuperAdmin, Realm: models.RealmPlatform},
				"admin": {UserID: "op", Role: models.RoleAdmin, Realm: models.RealmPlatform, HomeTenantID: &acmeID},
			},
			tenant: map[uuid.UUID]map[string]*models.Principal{
				acme.ID: {
					"shared": {UserID: "ann", Role: models.RoleAdmin, Realm: models.RealmTenant, HomeTenantID: &acmeID},
					"viewer": {UserID: "vic", Role: models.RoleViewer, Realm: models.RealmTenant, HomeTenantID: &acmeID},
				},
			},
		},
		idp:      &fakeIdP{},
		recorder: &fakeRecorder{},
		acme:     acme,
		globex:   globex,
	}

	opts := []AuthorityOption{WithDecisionRecorder(f.recorder)}
	if withIdP {
		opts = append(opts, WithIdentityProvider(f.idp))
	}
	f.authority = NewAuthority(f.tenants, f.sessions, zap.NewNop(), opts...)
	return f
}

func TestAuthority_PlatformRealm(t *testing.T) {
	f := newAuthFixture(t, false)
	ctx := context.Background()

	d := f.authority.Authorize(ctx, Request{Token: "root", Policy: Policy{Roles: []string{models.RoleSuperAdmin}}})
	require.True(t, d.Allowed())
	assert.Equal(t, "root", d.Principal.UserID)
	assert.Equal(t, models.RealmPlatform, d.Principal.Realm)

	d = f.authority.Authorize(ctx, Request{Token: "nope"})
	assert.Equal(t, StateRejected, d.State)
	assert.ErrorIs(t, d.Err, apperrors.ErrUnauthenticated)
	assert.Equal(t, StateUnauthenticated, d.RejectedAt)

	d = f.authority.Authorize(ctx, Request{})
	assert.ErrorIs(t, d.Err, apperrors.ErrUnauthenticated)
	assert.Equal(t, "no credentials", d.Reason)

	// Tenant sessions are never consulted without a host tenant.
	assert.Zero(t, f.sessions.tenantCalls)

	assert.Equal(t, []recordedDecision{
		{"platform", "proceed"},
		{"platform", "unauthenticated"},
		{"platform", "unauthenticated"},
	}, f.recorder.got)
}

func TestAuthority_RoleCheckNeverDowngrades(t *testing.T) {
	f := newAuthFixture(t, false)

	d := f.authority.Authorize(context.Background(), Request{
		Token:      "viewer",
		TenantSlug: "acme",
		Policy:     Policy{Roles: []string{models.RoleAdmin, models.RoleManager}},
	})
	assert.Equal(t, StateRejected, d.State)
	assert.ErrorIs(t, d.Err, apperrors.ErrForbidden)
	assert.Equal(t, StateTenantAuthenticated, d.RejectedAt)
	assert.Equal(t, models.RoleViewer, d.Principal.Role)
}

func TestAuthority_TenantIsolation(t *testing.T) {
	f := newAuthFixture(t, true)
	ctx := context.Background()

	d := f.authority.Authorize(ctx, Request{Token: "shared", TenantSlug: "acme"})
	require.True(t, d.Allowed())
	assert.Same(t, f.acme, d.Principal.Tenant)

	// Byte-identical token presented to another tenant.
	d = f.authority.Authorize(ctx, Request{Token: "shared", TenantSlug: "globex"})
	assert.Equal(t, StateRejected, d.State)
	assert.ErrorIs(t, d.Err, apperrors.ErrUnauthenticated)
	assert.Equal(t, 1, f.idp.calls, "identity provider is consulted exactly once")
}

func TestAuthority_TenantLookupFailsClosed(t *testing.T) {
	f := newAuthFixture(t, true)
	ctx := context.Background()

	for _, slug := range []string{"missing", "dormant"} {
		d := f.authority.Authorize(ctx, Request{Token: "shared", TenantSlug: slug})
		assert.Equal(t, StateRejected, d.State, slug)
		assert.ErrorIs(t, d.Err, apperrors.ErrUnauthenticated, slug)
	}
	assert.Zero(t, f.sessions.tenantCalls)
	assert.Zero(t, f.idp.calls)

	f.tenants.err = fmt.Errorf("lookup: %w", apperrors.ErrUpstreamUnavailable)
	d := f.authority.Authorize(ctx, Request{Token: "shared", TenantSlug: "acme"})
	assert.ErrorIs(t, d.Err, apperrors.ErrUpstreamUnavailable)
}

func TestAuthority_IdentityProviderFallback(t *testing.T) {
	f := newAuthFixture(t, true)
	acmeID := f.acme.ID
	f.idp.principal = &models.Principal{UserID: "sso-user", Role: models.RoleMember, Realm: models.RealmTenant, HomeTenantID: &acmeID}

	d := f.authority.Authorize(context.Background(), Request{Token: "jwt", TenantSlug: "acme"})
	require.True(t, d.Allowed())
	assert.Equal(t, "sso-user", d.Principal.UserID)
	assert.Equal(t, 1, f.idp.calls)
	assert.Equal(t, 1, f.sessions.tenantCalls)
}

func TestAuthority_UpstreamFailureSkipsFallback(t *testing.T) {
	f := newAuthFixture(t, true)
	f.sessions.err = fmt.Errorf("query: %w", apperrors.ErrUpstreamUnavailable)

	d := f.authority.Authorize(context.Background(), Request{Token: "shared", TenantSlug: "acme"})
	assert.ErrorIs(t, d.Err, apperrors.ErrUpstreamUnavailable)
	assert.Zero(t, f.idp.calls)
}

func TestAuthority_TenantScoping(t *testing.T) {
	f := newAuthFixture(t, false)
	ctx := context.Background()
	scoped := Policy{Roles: []string{models.RoleSuperAdmin, models.RoleAdmin}, TenantScoped: true, PathParam: "tenantID"}

	tests := []struct {
		name        string
		req         Request
		allowed     bool
		crossTenant bool
	}{
		{"superadmin bypasses", Request{Token: "root", PathTenantID: f.globex.ID.String()}, true, false},
		{"platform admin on own tenant", Request{Token: "admin", PathTenantID: f.acme.ID.String()}, true, false},
		{"platform admin on other tenant", Request{Token: "admin", PathTenantID: f.globex.ID.String()}, false, true},
		{"platform admin without target", Request{Token: "admin"}, false, false},
		{"tenant admin on host tenant", Request{Token: "shared", TenantSlug: "acme"}, true, false},
		{"tenant admin on other tenant by path", Request{Token: "shared", TenantSlug: "acme", PathTenantID: f.globex.ID.String()}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Policy = scoped
			d := f.authority.Authorize(ctx, tt.req)
			assert.Equal(t, tt.allowed, d.Allowed(), d.Reason)
			assert.Equal(t, tt.crossTenant, d.CrossTenant)
			if !tt.allowed {
				assert.ErrorIs(t, d.Err, apperrors.ErrForbidden)
				assert.Equal(t, StateRoleChecked, d.RejectedAt)
			}
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "tenant_authenticated", StateTenantAuthenticated.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, StateRejected.Terminal())
	assert.False(t, StateRoleChecked.Terminal())
}
