package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/models"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/repositories"
)

// SessionService issues, resolves and revokes opaque session tokens in both
// realms. Only SHA-256 hashes of tokens are persisted.
type SessionService interface {
	LoginPlatform(ctx context.Context, email, password string) (string, *models.Principal, error)
	// LoginTenant authenticates against the tenant's own "account" table.
	LoginTenant(ctx context.Context, tenant *models.Tenant, email, password, ip, userAgent string) (string, *models.Principal, error)
	// Logout revokes token. A nil tenant means the platform realm.
	Logout(ctx context.Context, tenant *models.Tenant, token string) error

	ResolvePlatform(ctx context.Context, token string) (*models.Principal, error)
	// ResolveTenant looks token up in tenant's database and nowhere else.
	ResolveTenant(ctx context.Context, tenant *models.Tenant, token string) (*models.Principal, error)

	// BootstrapSuperAdmin creates a superadmin when the platform has none.
	// Reports whether an account was created.
	BootstrapSuperAdmin(ctx context.Context, email, password string) (bool, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

type sessionService struct {
	users          repositories.PlatformUserRepository
	platform       repositories.PlatformSessionRepository
	tenantSessions repositories.TenantSessionRepository
	pools          HandleProvider
	ttl            time.Duration
	bcryptCost     int
	// dummyHash is compared against when an email is unknown so both paths
	// cost one bcrypt comparison.
	dummyHash []byte
	logger    *zap.Logger
}

var _ SessionService = (*sessionService)(nil)

// NewSessionService creates a new session service.
func NewSessionService(
	users repositories.PlatformUserRepository,
	platform repositories.PlatformSessionRepository,
	tenantSessions repositories.TenantSessionRepository,
	pools HandleProvider,
	ttl time.Duration,
	bcryptCost int,
	logger *zap.Logger,
) (SessionService, error) {
	if bcryptCost < bcrypt.MinCost {
		bcryptCost = bcrypt.DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing placeholder password: %w", err)
	}
	return &sessionService{
		users:          users,
		platform:       platform,
		tenantSessions: tenantSessions,
		pools:          pools,
		ttl:            ttl,
		bcryptCost:     bcryptCost,
		dummyHash:      dummy,
		logger:         logger.Named("sessions"),
	}, nil
}

// NewToken returns a random URL-safe session token.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns the hex SHA-256 of token, the only form that is stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *sessionService) checkPassword(hash, password string) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func platformPrincipal(u *models.PlatformUser) *models.Principal {
	return &models.Principal{
		UserID:       u.ID.String(),
		Email:        u.Email,
		Name:         u.Name,
		Role:         u.Role,
		Realm:        models.RealmPlatform,
		HomeTenantID: u.TenantID,
	}
}

func tenantPrincipal(u *models.TenantUser, tenant *models.Tenant) *models.Principal {
	id := tenant.ID
	return &models.Principal{
		UserID:       u.ID,
		Email:        u.Email,
		Name:         u.Name,
		Role:         u.Role,
		Realm:        models.RealmTenant,
		HomeTenantID: &id,
		Tenant:       tenant,
	}
}

func (s *sessionService) LoginPlatform(ctx context.Context, email, password string) (string, *models.Principal, error) {
	user, err := s.users.GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return "", nil, err
	}

	hash := ""
	if user != nil {
		hash = user.PasswordHash
	}
	if !s.checkPassword(hash, password) {
		return "", nil, apperrors.ErrUnauthenticated
	}

	token, err := NewToken()
	if err != nil {
		return "", nil, err
	}
	if err := s.platform.Create(ctx, HashToken(token), user.ID, time.Now().Add(s.ttl)); err != nil {
		return "", nil, err
	}

	s.logger.Info("platform login", zap.String("user_id", user.ID.String()))
	return token, platformPrincipal(user), nil
}

func (s *sessionService) LoginTenant(ctx context.Context, tenant *models.Tenant, email, password, ip, userAgent string) (string, *models.Principal, error) {
	h, err := s.pools.GetHandle(ctx, tenant.DatabaseURL)
	if err != nil {
		return "", nil, err
	}

	user, hash, err := s.tenantSessions.Credentials(ctx, h, strings.TrimSpace(email))
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return "", nil, err
	}
	if !s.checkPassword(hash, password) || user.Banned {
		return "", nil, apperrors.ErrUnauthenticated
	}

	token, err := NewToken()
	if err != nil {
		return "", nil, err
	}
	if err := s.tenantSessions.Create(ctx, h, user.ID, HashToken(token), time.Now().Add(s.ttl), ip, userAgent); err != nil {
		return "", nil, err
	}

	s.logger.Info("tenant login",
		zap.String("tenant_slug", tenant.SlugValue()),
		zap.String("user_id", user.ID))
	return token, tenantPrincipal(user, tenant), nil
}

func (s *sessionService) Logout(ctx context.Context, tenant *models.Tenant, token string) error {
	if token == "" {
		return nil
	}
	if tenant == nil {
		return s.platform.Delete(ctx, HashToken(token))
	}
	h, err := s.pools.GetHandle(ctx, tenant.DatabaseURL)
	if err != nil {
		return err
	}
	return s.tenantSessions.Delete(ctx, h, HashToken(token))
}

func (s *sessionService) ResolvePlatform(ctx context.Context, token string) (*models.Principal, error) {
	if token == "" {
		return nil, apperrors.ErrUnauthenticated
	}
	user, err := s.platform.Lookup(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.ErrUnauthenticated
		}
		return nil, err
	}
	return platformPrincipal(user), nil
}

func (s *sessionService) ResolveTenant(ctx context.Context, tenant *models.Tenant, token string) (*models.Principal, error) {
	if token == "" {
		return nil, apperrors.ErrUnauthenticated
	}
	h, err := s.pools.GetHandle(ctx, tenant.DatabaseURL)
	if err != nil {
		return nil, err
	}
	user, err := s.tenantSessions.Lookup(ctx, h, HashToken(token))
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.ErrUnauthenticated
		}
		return nil, err
	}
	if user.Banned {
		return nil, apperrors.ErrUnauthenticated
	}
	return tenantPrincipal(user, tenant), nil
}

func (s *sessionService) BootstrapSuperAdmin(ctx context.Context, email, password string) (bool, error) {
	if email == "" || password == "" {
		return false, nil
	}
	count, err := s.users.CountByRole(ctx, models.RoleSuperAdmin)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return false, fmt.Errorf("hashing bootstrap password: %w", err)
	}
	user := &models.PlatformUser{
		Email:        strings.ToLower(strings.TrimSpace(email)),
		Name:         "superadmin",
		Role:         models.RoleSuperAdmin,
		PasswordHash: string(hash),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("creating superadmin: %w", err)
	}

	s.logger.Info("bootstrapped superadmin", zap.String("email", user.Email))
	return true, nil
}

func (s *sessionService) PurgeExpired(ctx context.Context) (int64, error) {
	return s.platform.DeleteExpired(ctx)
}
