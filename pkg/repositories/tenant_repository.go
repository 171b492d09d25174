package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/crypto"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/database"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/models"
	sqlutil "github.com/ekaya-inc/ekaya-tenancy/pkg/sql"
)

// TenantRepository defines the interface for tenant registry data access.
type TenantRepository interface {
	Create(ctx context.Context, tenant *models.Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*models.Tenant, error)
	SlugExists(ctx context.Context, slug string) (bool, error)
	DatabaseNameExists(ctx context.Context, name string) (bool, error)
	List(ctx context.Context, filter models.TenantFilter, page models.Page) (*models.TenantList, error)
	ListAll(ctx context.Context) ([]*models.Tenant, error)
	// Update applies changes keyed by column name. Only updatable columns are accepted.
	Update(ctx context.Context, id uuid.UUID, changes map[string]any) (*models.Tenant, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

var (
	// tenantColumns is the select list, in scan order.
	tenantColumns = sqlutil.NewColumnSet("tenants",
		"id", "name", "slug", "database_name", "database_url", "active",
		"plan", "unit_limit", "plan_expires_at", "city", "created_at", "updated_at")

	tenantFilterColumns = sqlutil.NewColumnSet("tenants", "name", "slug", "city", "plan", "active")

	tenantUpdateColumns = sqlutil.NewColumnSet("tenants",
		"name", "slug", "plan", "unit_limit", "plan_expires_at", "city", "active", "updated_at")
)

// tenantRepository implements TenantRepository using PostgreSQL.
// database_url is stored encrypted; callers only ever see the plaintext.
type tenantRepository struct {
	db  database.Querier
	box *crypto.Box
}

var _ TenantRepository = (*tenantRepository)(nil)

// NewTenantRepository creates a new tenant repository on the platform database.
func NewTenantRepository(db database.Querier, box *crypto.Box) TenantRepository {
	return &tenantRepository{db: db, box: box}
}

func (r *tenantRepository) scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Slug,
		&t.DatabaseName,
		&t.DatabaseURL,
		&t.Active,
		&t.Plan,
		&t.UnitLimit,
		&t.PlanExpiresAt,
		&t.City,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if t.DatabaseURL, err = r.box.Open(t.DatabaseURL, t.DatabaseName); err != nil {
		return nil, fmt.Errorf("failed to decrypt database URL of tenant %s: %w", t.ID, err)
	}
	return &t, nil
}

// uniqueViolation maps a unique constraint failure to ErrConflict.
func uniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", apperrors.ErrConflict, pgErr.ConstraintName)
	}
	return nil
}

// Create inserts a tenant row. The tenant's database must already exist.
func (r *tenantRepository) Create(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == uuid.Nil {
		tenant.ID = uuid.New()
	}
	encryptedURL, err := r.box.Seal(tenant.DatabaseURL, tenant.DatabaseName)
	if err != nil {
		return fmt.Errorf("failed to encrypt database URL: %w", err)
	}
	now := time.Now().UTC()
	tenant.CreatedAt = now
	tenant.UpdatedAt = now

	query := `
		INSERT INTO tenants (id, name, slug, database_name, database_url, active,
		                     plan, unit_limit, plan_expires_at, city, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = r.db.Exec(ctx, query,
		tenant.ID,
		tenant.Name,
		tenant.Slug,
		tenant.DatabaseName,
		encryptedURL,
		tenant.Active,
		tenant.Plan,
		tenant.UnitLimit,
		tenant.PlanExpiresAt,
		tenant.City,
		tenant.CreatedAt,
		tenant.UpdatedAt,
	)
	if err != nil {
		if conflict := uniqueViolation(err); conflict != nil {
			return conflict
		}
		return fmt.Errorf("failed to create tenant: %w", apperrors.FromDB(err))
	}
	return nil
}

func (r *tenantRepository) getOne(ctx context.Context, where sq.Eq) (*models.Tenant, error) {
	query, args, err := sqlutil.Builder.
		Select(tenantColumns.Columns()...).
		From(tenantColumns.Table()).
		Where(where).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build tenant query: %w", err)
	}

	t, err := r.scanTenant(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", apperrors.FromDB(err))
	}
	return t, nil
}

// GetByID retrieves a tenant by ID.
func (r *tenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return r.getOne(ctx, sq.Eq{"id": id})
}

// GetBySlug retrieves a tenant by slug, active or not.
func (r *tenantRepository) GetBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	return r.getOne(ctx, sq.Eq{"slug": slug})
}

func (r *tenantRepository) exists(ctx context.Context, column, value string) (bool, error) {
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM tenants WHERE %s = $1)", column)
	if err := r.db.QueryRow(ctx, query, value).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check tenant %s: %w", column, apperrors.FromDB(err))
	}
	return exists, nil
}

func (r *tenantRepository) SlugExists(ctx context.Context, slug string) (bool, error) {
	return r.exists(ctx, "slug", slug)
}

func (r *tenantRepository) DatabaseNameExists(ctx context.Context, name string) (bool, error) {
	return r.exists(ctx, "database_name", name)
}

// List returns one page of tenants matching filter, newest first, with the
// total number of matches.
func (r *tenantRepository) List(ctx context.Context, filter models.TenantFilter, page models.Page) (*models.TenantList, error) {
	page = page.Normalize()

	conds := sq.And{}
	if filter.Search != "" {
		pred, err := tenantFilterColumns.Search(filter.Search, "name", "slug", "city")
		if err != nil {
			return nil, err
		}
		conds = append(conds, pred)
	}
	if filter.Active != nil {
		conds = append(conds, sq.Eq{"active": *filter.Active})
	}
	if filter.Plan != "" {
		conds = append(conds, sq.Eq{"plan": filter.Plan})
	}
	if filter.City != "" {
		conds = append(conds, sq.Expr("lower(city) = lower(?)", filter.City))
	}

	countQ := sqlutil.Builder.Select("count(*)").From(tenantColumns.Table())
	listQ := sqlutil.Builder.
		Select(tenantColumns.Columns()...).
		From(tenantColumns.Table()).
		OrderBy("created_at DESC", "id").
		Limit(uint64(page.Limit)).
		Offset(uint64(page.Offset))
	if len(conds) > 0 {
		countQ = countQ.Where(conds)
		listQ = listQ.Where(conds)
	}

	query, args, err := countQ.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build count query: %w", err)
	}
	var total int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count tenants: %w", apperrors.FromDB(err))
	}

	query, args, err = listQ.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build list query: %w", err)
	}
	items, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	return &models.TenantList{Items: items, Total: total}, nil
}

// ListAll returns every tenant, used by the reconciler.
func (r *tenantRepository) ListAll(ctx context.Context) ([]*models.Tenant, error) {
	query, args, err := sqlutil.Builder.
		Select(tenantColumns.Columns()...).
		From(tenantColumns.Table()).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build list query: %w", err)
	}
	return r.query(ctx, query, args...)
}

func (r *tenantRepository) query(ctx context.Context, query string, args ...any) ([]*models.Tenant, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", apperrors.FromDB(err))
	}
	defer rows.Close()

	tenants := make([]*models.Tenant, 0)
	for rows.Next() {
		t, err := r.scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenants: %w", apperrors.FromDB(err))
	}
	return tenants, nil
}

// Update applies changes and returns the updated tenant.
func (r *tenantRepository) Update(ctx context.Context, id uuid.UUID, changes map[string]any) (*models.Tenant, error) {
	set := make(map[string]any, len(changes)+1)
	for k, v := range changes {
		set[k] = v
	}
	set["updated_at"] = time.Now().UTC()

	assignments, err := tenantUpdateColumns.Assignments(set)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidArgument, err)
	}

	query, args, err := sqlutil.Builder.
		Update(tenantColumns.Table()).
		SetMap(assignments).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING " + strings.Join(tenantColumns.Columns(), ", ")).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build update query: %w", err)
	}

	t, err := r.scanTenant(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		if conflict := uniqueViolation(err); conflict != nil {
			return nil, conflict
		}
		return nil, fmt.Errorf("failed to update tenant: %w", apperrors.FromDB(err))
	}
	return t, nil
}

// Delete removes the tenant row.
func (r *tenantRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, "DELETE FROM tenants WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", apperrors.FromDB(err))
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
