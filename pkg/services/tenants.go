package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/audit"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/database"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/models"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/provisioning"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/repositories"
	sqlutil "github.com/ekaya-inc/ekaya-tenancy/pkg/sql"
)

// DatabaseProvisioner is the subset of *provisioning.Provisioner the registry uses.
type DatabaseProvisioner interface {
	CreateDatabase(ctx context.Context, masterURL, name string) (string, provisioning.Result, error)
	InitializeSchema(ctx context.Context, databaseURL string) error
	DropDatabase(ctx context.Context, masterURL, name string) (provisioning.Result, error)
	DatabaseClaimed(ctx context.Context, masterURL, name string) (bool, error)
}

// HandleProvider hands out pooled tenant database handles.
type HandleProvider interface {
	GetHandle(ctx context.Context, databaseURL string) (*database.Handle, error)
}

// TenantService defines the interface for tenant registry operations.
type TenantService interface {
	Create(ctx context.Context, req models.CreateTenantRequest) (*models.Tenant, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	// FindBySlug returns an active tenant. Inactive tenants yield ErrTenantDeactivated.
	FindBySlug(ctx context.Context, slug string) (*models.Tenant, error)
	List(ctx context.Context, filter models.TenantFilter, page models.Page) (*models.TenantList, error)
	Update(ctx context.Context, id uuid.UUID, req models.UpdateTenantRequest) (*models.Tenant, error)
	Deactivate(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	Activate(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	// Delete drops the tenant's database and then its registry row.
	Delete(ctx context.Context, id uuid.UUID) error
	// HandleFor returns the pooled handle of an active tenant's database.
	HandleFor(ctx context.Context, id uuid.UUID) (*database.Handle, error)
}

// reservedDatabaseNames can never be assigned to a tenant.
var reservedDatabaseNames = []string{"postgres", "template0", "template1"}

type tenantService struct {
	repo        repositories.TenantRepository
	provisioner DatabaseProvisioner
	pools       HandleProvider
	cache       TenantCache
	auditor     *audit.SecurityAuditor
	masterURL   string
	reserved    map[string]bool
	logger      *zap.Logger
}

var _ TenantService = (*tenantService)(nil)

// NewTenantService creates a tenant registry bound to the server behind masterURL.
func NewTenantService(
	repo repositories.TenantRepository,
	provisioner DatabaseProvisioner,
	pools HandleProvider,
	cache TenantCache,
	auditor *audit.SecurityAuditor,
	masterURL string,
	logger *zap.Logger,
) (TenantService, error) {
	masterDB, err := provisioning.DatabaseNameFromURL(masterURL)
	if err != nil {
		return nil, fmt.Errorf("invalid master URL: %w", err)
	}
	reserved := map[string]bool{masterDB: true}
	for _, name := range reservedDatabaseNames {
		reserved[name] = true
	}
	if cache == nil {
		cache = NewNopTenantCache()
	}
	if auditor == nil {
		auditor = audit.NewSecurityAuditor(logger)
	}

	return &tenantService{
		repo:        repo,
		provisioner: provisioner,
		pools:       pools,
		cache:       cache,
		auditor:     auditor,
		masterURL:   masterURL,
		reserved:    reserved,
		logger:      logger.Named("tenants"),
	}, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Create provisions the tenant database, initializes its schema and only then
// writes the registry row.
func (s *tenantService) Create(ctx context.Context, req models.CreateTenantRequest) (*models.Tenant, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, invalid("name is required")
	}

	base := Slugify(name)
	if req.Slug != "" {
		if !IsValidSlug(req.Slug) {
			return nil, invalid("slug %q must contain only a-z, 0-9 and single dashes", req.Slug)
		}
		if len(req.Slug) > maxSlugLength {
			return nil, invalid("slug must be at most %d characters", maxSlugLength)
		}
		base = req.Slug
	}
	if base == "" {
		return nil, invalid("name %q does not produce a usable slug", name)
	}

	plan := req.Plan
	if plan == "" {
		plan = models.PlanFree
	}
	if !plan.IsValid() {
		return nil, invalid("unknown plan %q", plan)
	}
	if req.UnitLimit < 0 {
		return nil, invalid("unit_limit must not be negative")
	}

	slug, err := firstFree(base, "-", func(candidate string) (bool, error) {
		return s.repo.SlugExists(ctx, candidate)
	})
	if err != nil {
		return nil, err
	}

	dbBase, err := DatabaseIdentifier(base)
	if err != nil {
		return nil, err
	}
	dbName, err := firstFree(dbBase, "_", func(candidate string) (bool, error) {
		if s.reserved[candidate] {
			return true, nil
		}
		registered, err := s.repo.DatabaseNameExists(ctx, candidate)
		if err != nil || registered {
			return registered, err
		}
		return s.provisioner.DatabaseClaimed(ctx, s.masterURL, candidate)
	})
	if err != nil {
		return nil, err
	}

	databaseURL, result, err := s.provisioner.CreateDatabase(ctx, s.masterURL, dbName)
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant database: %w", err)
	}
	if result == provisioning.AlreadyPresent {
		s.logger.Warn("adopting existing unregistered database", zap.String("database", dbName))
	}
	if err := s.provisioner.InitializeSchema(ctx, databaseURL); err != nil {
		return nil, fmt.Errorf("failed to initialize tenant schema: %w", err)
	}

	tenant := &models.Tenant{
		Name:          name,
		Slug:          &slug,
		DatabaseName:  dbName,
		DatabaseURL:   databaseURL,
		Active:        true,
		Plan:          plan,
		UnitLimit:     req.UnitLimit,
		PlanExpiresAt: req.PlanExpiresAt,
		City:          req.City,
	}
	if err := s.repo.Create(ctx, tenant); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			s.logger.Warn("tenant registration lost a uniqueness race; database left for reconciliation",
				zap.String("slug", slug),
				zap.String("database", dbName))
		}
		return nil, err
	}

	s.logger.Info("tenant created",
		zap.String("tenant_id", tenant.ID.String()),
		zap.String("slug", slug),
		zap.String("database", dbName))
	s.auditor.LogTenantLifecycle(slug, "", "create")

	return tenant, nil
}

func (s *tenantService) FindByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *tenantService) FindBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	slug = strings.ToLower(slug)
	if !IsValidSlug(slug) {
		return nil, apperrors.ErrNotFound
	}

	tenant, ok := s.cache.Get(ctx, slug)
	if ok {
		databaseURL, err := provisioning.DeriveDatabaseURL(s.masterURL, tenant.DatabaseName)
		if err != nil {
			return nil, err
		}
		tenant.DatabaseURL = databaseURL
	} else {
		var err error
		tenant, err = s.repo.GetBySlug(ctx, slug)
		if err != nil {
			return nil, err
		}
		s.cache.Set(ctx, tenant)
	}

	if !tenant.Active {
		return nil, apperrors.ErrTenantDeactivated
	}
	return tenant, nil
}

func (s *tenantService) List(ctx context.Context, filter models.TenantFilter, page models.Page) (*models.TenantList, error) {
	if filter.Plan != "" && !filter.Plan.IsValid() {
		return nil, invalid("unknown plan %q", filter.Plan)
	}

	for _, hit := range sqlutil.CheckAllParameters(map[string]string{
		"search": filter.Search,
		"city":   filter.City,
	}) {
		s.auditor.LogInjectionAttempt("", "", "", audit.SQLInjectionDetails{
			ParamName:   hit.ParamName,
			ParamValue:  hit.ParamValue,
			Fingerprint: hit.Fingerprint,
			Operation:   "tenant_list",
		})
	}

	return s.repo.List(ctx, filter, page.Normalize())
}

func (s *tenantService) Update(ctx context.Context, id uuid.UUID, req models.UpdateTenantRequest) (*models.Tenant, error) {
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	changes := map[string]any{}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, invalid("name must not be empty")
		}
		changes["name"] = name
	}
	if req.Slug != nil && *req.Slug != current.SlugValue() {
		if !IsValidSlug(*req.Slug) {
			return nil, invalid("slug %q must contain only a-z, 0-9 and single dashes", *req.Slug)
		}
		taken, err := s.repo.SlugExists(ctx, *req.Slug)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, fmt.Errorf("%w: slug %q is taken", apperrors.ErrConflict, *req.Slug)
		}
		changes["slug"] = *req.Slug
	}
	if req.Plan != nil {
		if !req.Plan.IsValid() {
			return nil, invalid("unknown plan %q", *req.Plan)
		}
		changes["plan"] = *req.Plan
	}
	if req.UnitLimit != nil {
		if *req.UnitLimit < 0 {
			return nil, invalid("unit_limit must not be negative")
		}
		changes["unit_limit"] = *req.UnitLimit
	}
	if req.PlanExpiresAt != nil {
		changes["plan_expires_at"] = *req.PlanExpiresAt
	}
	if req.City != nil {
		changes["city"] = *req.City
	}
	if len(changes) == 0 {
		return current, nil
	}

	return s.apply(ctx, current, changes)
}

// apply writes changes and drops every cache entry that may describe the tenant.
func (s *tenantService) apply(ctx context.Context, current *models.Tenant, changes map[string]any) (*models.Tenant, error) {
	changes["updated_at"] = time.Now().UTC()
	updated, err := s.repo.Update(ctx, current.ID, changes)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, current.SlugValue(), updated.SlugValue())
	return updated, nil
}

func (s *tenantService) setActive(ctx context.Context, id uuid.UUID, active bool, action string) (*models.Tenant, error) {
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Active == active {
		return current, nil
	}

	updated, err := s.apply(ctx, current, map[string]any{"active": active})
	if err != nil {
		return nil, err
	}
	s.logger.Info("tenant "+action+"d", zap.String("tenant_id", id.String()))
	s.auditor.LogTenantLifecycle(updated.SlugValue(), "", action)
	return updated, nil
}

func (s *tenantService) Deactivate(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return s.setActive(ctx, id, false, "deactivate")
}

func (s *tenantService) Activate(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return s.setActive(ctx, id, true, "activate")
}

func (s *tenantService) Delete(ctx context.Context, id uuid.UUID) error {
	tenant, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if _, err := s.provisioner.DropDatabase(ctx, s.masterURL, tenant.DatabaseName); err != nil {
		return fmt.Errorf("failed to drop tenant database: %w", err)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, tenant.SlugValue())

	s.logger.Info("tenant deleted",
		zap.String("tenant_id", id.String()),
		zap.String("database", tenant.DatabaseName))
	s.auditor.LogTenantLifecycle(tenant.SlugValue(), "", "delete")
	return nil
}

func (s *tenantService) HandleFor(ctx context.Context, id uuid.UUID) (*database.Handle, error) {
	tenant, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tenant.Active {
		return nil, apperrors.ErrTenantDeactivated
	}
	return s.pools.GetHandle(ctx, tenant.DatabaseURL)
}
