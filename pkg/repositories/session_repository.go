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

// PlatformSessionRepository stores platform realm sessions. Only the SHA-256
// hash of a token is ever stored or queried.
type PlatformSessionRepository interface {
	Create(ctx context.Context, tokenHash string, userID uuid.UUID, expiresAt time.Time) error
	// Lookup returns the user owning an unexpired session.
	Lookup(ctx context.Context, tokenHash string) (*models.PlatformUser, error)
	Delete(ctx context.Context, tokenHash string) error
	DeleteExpired(ctx context.Context) (int64, error)
}

type platformSessionRepository struct {
	db database.Querier
}

var _ PlatformSessionRepository = (*platformSessionRepository)(nil)

// NewPlatformSessionRepository creates a new platform session repository.
func NewPlatformSessionRepository(db database.Querier) PlatformSessionRepository {
	return &platformSessionRepository{db: db}
}

func (r *platformSessionRepository) Create(ctx context.Context, tokenHash string, userID uuid.UUID, expiresAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO platform_sessions (token_hash, user_id, expires_at) VALUES ($1, $2, $3)`,
		tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to create platform session: %w", apperrors.FromDB(err))
	}
	return nil
}

func (r *platformSessionRepository) Lookup(ctx context.Context, tokenHash string) (*models.PlatformUser, error) {
	return scanPlatformUser(r.db.QueryRow(ctx, `
		SELECT u.id, u.email, u.name, u.role, u.tenant_id, u.password_hash, u.created_at, u.updated_at
		FROM platform_sessions s
		JOIN platform_users u ON u.id = s.user_id
		WHERE s.token_hash = $1 AND s.expires_at > now()`, tokenHash))
}

func (r *platformSessionRepository) Delete(ctx context.Context, tokenHash string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM platform_sessions WHERE token_hash = $1`, tokenHash); err != nil {
		return fmt.Errorf("failed to delete platform session: %w", apperrors.FromDB(err))
	}
	return nil
}

func (r *platformSessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM platform_sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", apperrors.FromDB(err))
	}
	return result.RowsAffected(), nil
}

// TenantSessionRepository reads and writes the identity tables of one tenant
// database. Every method takes the tenant's handle explicitly, so a session
// can only be found in the database of the tenant that issued it.
type TenantSessionRepository interface {
	Lookup(ctx context.Context, db database.Querier, tokenHash string) (*models.TenantUser, error)
	Create(ctx context.Context, db database.Querier, userID, tokenHash string, expiresAt time.Time, ip, userAgent string) error
	Delete(ctx context.Context, db database.Querier, tokenHash string) error
	// Credentials returns the user and password hash of the credential
	// account registered for email.
	Credentials(ctx context.Context, db database.Querier, email string) (*models.TenantUser, string, error)
}

type tenantSessionRepository struct{}

var _ TenantSessionRepository = (*tenantSessionRepository)(nil)

// NewTenantSessionRepository creates a new tenant session repository.
func NewTenantSessionRepository() TenantSessionRepository {
	return &tenantSessionRepository{}
}

func scanTenantUser(row pgx.Row, extra ...any) (*models.TenantUser, error) {
	var u models.TenantUser
	dest := append([]any{&u.ID, &u.Name, &u.Email, &u.Role, &u.Banned}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tenant user: %w", apperrors.FromDB(err))
	}
	return &u, nil
}

func (r *tenantSessionRepository) Lookup(ctx context.Context, db database.Querier, tokenHash string) (*models.TenantUser, error) {
	return scanTenantUser(db.QueryRow(ctx, `
		SELECT u.id, u.name, u.email, u.role::text, COALESCE(u.banned, false)
		FROM "session" s
		JOIN "user" u ON u.id = s.user_id
		WHERE s.token = $1 AND s.expires_at > now()`, tokenHash))
}

func (r *tenantSessionRepository) Create(ctx context.Context, db database.Querier, userID, tokenHash string, expiresAt time.Time, ip, userAgent string) error {
	_, err := db.Exec(ctx, `
		INSERT INTO "session" (id, user_id, token, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), userID, tokenHash, expiresAt, ip, userAgent)
	if err != nil {
		return fmt.Errorf("failed to create tenant session: %w", apperrors.FromDB(err))
	}
	return nil
}

func (r *tenantSessionRepository) Delete(ctx context.Context, db database.Querier, tokenHash string) error {
	if _, err := db.Exec(ctx, `DELETE FROM "session" WHERE token = $1`, tokenHash); err != nil {
		return fmt.Errorf("failed to delete tenant session: %w", apperrors.FromDB(err))
	}
	return nil
}

func (r *tenantSessionRepository) Credentials(ctx context.Context, db database.Querier, email string) (*models.TenantUser, string, error) {
	var hash string
	u, err := scanTenantUser(db.QueryRow(ctx, `
		SELECT u.id, u.name, u.email, u.role::text, COALESCE(u.banned, false), a.password
		FROM "user" u
		JOIN "account" a ON a.user_id = u.id AND a.provider_id = 'credential'
		WHERE lower(u.email) = lower($1) AND a.password IS NOT NULL`, email), &hash)
	if err != nil {
		return nil, "", err
	}
	return u, hash, nil
}
