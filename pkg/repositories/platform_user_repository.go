package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/database"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/models"
)

// PlatformUserRepository defines the interface for platform operator accounts.
type PlatformUserRepository interface {
	Create(ctx context.Context, user *models.PlatformUser) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.PlatformUser, error)
	GetByEmail(ctx context.Context, email string) (*models.PlatformUser, error)
	CountByRole(ctx context.Context, role string) (int, error)
}

type platformUserRepository struct {
	db database.Querier
}

var _ PlatformUserRepository = (*platformUserRepository)(nil)

// NewPlatformUserRepository creates a new platform user repository.
func NewPlatformUserRepository(db database.Querier) PlatformUserRepository {
	return &platformUserRepository{db: db}
}

const platformUserColumns = `id, email, name, role, tenant_id, password_hash, created_at, updated_at`

func scanPlatformUser(row pgx.Row) (*models.PlatformUser, error) {
	var u models.PlatformUser
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.TenantID, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get platform user: %w", apperrors.FromDB(err))
	}
	return &u, nil
}

func (r *platformUserRepository) Create(ctx context.Context, user *models.PlatformUser) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := r.db.Exec(ctx, `
		INSERT INTO platform_users (`+platformUserColumns+`)
		VALUES ($1, lower($2), $3, $4, $5, $6, $7, $8)`,
		user.ID, user.Email, user.Name, user.Role, user.TenantID, user.PasswordHash, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if conflict := uniqueViolation(err); conflict != nil {
			return conflict
		}
		return fmt.Errorf("failed to create platform user: %w", apperrors.FromDB(err))
	}
	return nil
}

func (r *platformUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.PlatformUser, error) {
	return scanPlatformUser(r.db.QueryRow(ctx,
		`SELECT `+platformUserColumns+` FROM platform_users WHERE id = $1`, id))
}

func (r *platformUserRepository) GetByEmail(ctx context.Context, email string) (*models.PlatformUser, error) {
	return scanPlatformUser(r.db.QueryRow(ctx,
		`SELECT `+platformUserColumns+` FROM platform_users WHERE email = lower($1)`, email))
}

func (r *platformUserRepository) CountByRole(ctx context.Context, role string) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM platform_users WHERE role = $1`, role).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count platform users: %w", apperrors.FromDB(err))
	}
	return n, nil
}
