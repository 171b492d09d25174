package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/audit"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/auth"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/config"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/database"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/models"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/services"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/tenancy"
)

const testPassword = "correct horse"

type fakeTenantService struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]*models.Tenant
	lists   []models.TenantFilter
	deleted []uuid.UUID
}

var _ services.TenantService = (*fakeTenantService)(nil)

func newFakeTenantService(tenants ...*models.Tenant) *fakeTenantService {
	f := &fakeTenantService{tenants: make(map[uuid.UUID]*models.Tenant)}
	for _, t := range tenants {
		f.tenants[t.ID] = t
	}
	return f
}

func (f *fakeTenantService) Create(ctx context.Context, req models.CreateTenantRequest) (*models.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", apperrors.ErrInvalidArgument)
	}
	slug := services.Slugify(req.Name)
	for _, t := range f.tenants {
		if t.SlugValue() == slug {
			return nil, fmt.Errorf("%w: slug %q is taken", apperrors.ErrConflict, slug)
		}
	}
	t := &models.Tenant{
		ID:           uuid.New(),
		Name:         req.Name,
		Slug:         &slug,
		DatabaseName: strings.ReplaceAll(slug, "-", "_"),
		DatabaseURL:  "postgres://tenancy:secret@db/" + slug,
		Active:       true,
		Plan:         models.PlanFree,
	}
	f.tenants[t.ID] = t
	return t, nil
}

func (f *fakeTenantService) FindByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return t, nil
}

func (f *fakeTenantService) FindBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tenants {
		if t.SlugValue() == slug {
			if !t.Active {
				return nil, apperrors.ErrTenantDeactivated
			}
			return t, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeTenantService) List(ctx context.Context, filter models.TenantFilter, page models.Page) (*models.TenantList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists = append(f.lists, filter)
	list := &models.TenantList{Items: []*models.Tenant{}}
	for _, t := range f.tenants {
		if filter.Active != nil && t.Active != *filter.Active {
			continue
		}
		list.Items = append(list.Items, t)
	}
	list.Total = len(list.Items)
	return list, nil
}

func (f *fakeTenantService) Update(ctx context.Context, id uuid.UUID, req models.UpdateTenantRequest) (*models.Tenant, error) {
	t, err := f.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Name != nil {
		t.Name = *req.Name
	}
	if req.City != nil {
		t.City = req.City
	}
	return t, nil
}

func (f *fakeTenantService) Deactivate(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return f.setActive(id, false)
}

func (f *fakeTenantService) Activate(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return f.setActive(id, true)
}

func (f *fakeTenantService) setActive(id uuid.UUID, active bool) (*models.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	t.Active = active
	return t, nil
}

func (f *fakeTenantService) Delete(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tenants[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(f.tenants, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeTenantService) HandleFor(ctx context.Context, id uuid.UUID) (*database.Handle, error) {
	return nil, apperrors.ErrUpstreamUnavailable
}

// fakeSessionService keeps one credential and token table per realm. The
// platform realm is keyed by uuid.Nil.
type fakeSessionService struct {
	mu     sync.Mutex
	users  map[uuid.UUID]map[string]*models.Principal // realm -> email -> principal
	tokens map[uuid.UUID]map[string]*models.Principal // realm -> token -> principal
}

var _ services.SessionService = (*fakeSessionService)(nil)

func newFakeSessionService() *fakeSessionService {
	return &fakeSessionService{
		users:  make(map[uuid.UUID]map[string]*models.Principal),
		tokens: make(map[uuid.UUID]map[string]*models.Principal),
	}
}

func realmKey(tenant *models.Tenant) uuid.UUID {
	if tenant == nil {
		return uuid.Nil
	}
	return tenant.ID
}

func (f *fakeSessionService) addUser(tenant *models.Tenant, p *models.Principal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := realmKey(tenant)
	if f.users[k] == nil {
		f.users[k] = make(map[string]*models.Principal)
	}
	f.users[k][p.Email] = p
}

// issue stores a session for p and returns its token.
func (f *fakeSessionService) issue(tenant *models.Tenant, p *models.Principal) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := realmKey(tenant)
	if f.tokens[k] == nil {
		f.tokens[k] = make(map[string]*models.Principal)
	}
	token := "tok-" + uuid.NewString()
	f.tokens[k][token] = p
	return token
}

func (f *fakeSessionService) login(tenant *models.Tenant, email, password string) (string, *models.Principal, error) {
	f.mu.Lock()
	p, ok := f.users[realmKey(tenant)][email]
	f.mu.Unlock()
	if !ok || password != testPassword {
		return "", nil, apperrors.ErrUnauthenticated
	}
	return f.issue(tenant, p), p, nil
}

func (f *fakeSessionService) LoginPlatform(ctx context.Context, email, password string) (string, *models.Principal, error) {
	return f.login(nil, email, password)
}

func (f *fakeSessionService) LoginTenant(ctx context.Context, tenant *models.Tenant, email, password, ip, userAgent string) (string, *models.Principal, error) {
	return f.login(tenant, email, password)
}

func (f *fakeSessionService) Logout(ctx context.Context, tenant *models.Tenant, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens[realmKey(tenant)], token)
	return nil
}

func (f *fakeSessionService) resolve(tenant *models.Tenant, token string) (*models.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.tokens[realmKey(tenant)][token]
	if !ok {
		return nil, apperrors.ErrUnauthenticated
	}
	cp := *p
	return &cp, nil
}

func (f *fakeSessionService) ResolvePlatform(ctx context.Context, token string) (*models.Principal, error) {
	return f.resolve(nil, token)
}

func (f *fakeSessionService) ResolveTenant(ctx context.Context, tenant *models.Tenant, token string) (*models.Principal, error) {
	return f.resolve(tenant, token)
}

func (f *fakeSessionService) BootstrapSuperAdmin(ctx context.Context, email, password string) (bool, error) {
	return false, nil
}

func (f *fakeSessionService) PurgeExpired(ctx context.Context) (int64, error) {
	return 0, nil
}

// apiFixture wires the real authority, guard and handlers over the fakes.
type apiFixture struct {
	router   http.Handler
	tenants  *fakeTenantService
	sessions *fakeSessionService
	logs     *observer.ObservedLogs

	acme, globex *models.Tenant

	rootToken  string // platform superadmin
	adminToken string // platform admin bound to acme
	annToken   string // acme tenant member
}

func newTenant(name, slug string) *models.Tenant {
	return &models.Tenant{
		ID:          uuid.New(),
		Name:        name,
		Slug:        &slug,
		DatabaseURL: "postgres://tenancy:secret@db/" + slug,
		Active:      true,
		Plan:        models.PlanPro,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	f := &apiFixture{
		acme:     newTenant("Acme Towers", "acme-towers"),
		globex:   newTenant("Globex", "globex"),
		sessions: newFakeSessionService(),
		logs:     logs,
	}
	f.tenants = newFakeTenantService(f.acme, f.globex)

	root := &models.Principal{UserID: "root", Email: "root@example.com", Role: models.RoleSuperAdmin, Realm: models.RealmPlatform}
	admin := &models.Principal{UserID: "admin", Email: "admin@example.com", Role: models.RoleAdmin, Realm: models.RealmPlatform, HomeTenantID: &f.acme.ID}
	ann := &models.Principal{UserID: "ann", Email: "ann@acme.test", Role: models.RoleMember, Realm: models.RealmTenant, HomeTenantID: &f.acme.ID}

	f.sessions.addUser(nil, root)
	f.sessions.addUser(f.acme, ann)
	f.rootToken = f.sessions.issue(nil, root)
	f.adminToken = f.sessions.issue(nil, admin)
	f.annToken = f.sessions.issue(f.acme, ann)

	authority := auth.NewAuthority(f.tenants, f.sessions, logger)
	tokens := auth.NewTokenStore("test-secret", auth.CookieSettings{}, time.Hour)
	guard := auth.NewMiddleware(authority, tokens, audit.NewSecurityAuditor(logger), logger)

	r := chi.NewRouter()
	r.Use(tenancy.NewResolver("").Middleware)
	NewHealthHandler(&config.Config{Version: "test", Env: "test"}, nil, nil, logger).RegisterRoutes(r)
	NewAuthHandler(f.sessions, f.tenants, tokens, guard, logger).RegisterRoutes(r)
	NewTenantsHandler(f.tenants, guard, logger).RegisterRoutes(r)
	f.router = r

	return f
}

func (f *apiFixture) do(method, host, path, bearer, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "http://"+host+path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}
