package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/models"
)

// TenantClaims are the claims of a tenant identity token.
type TenantClaims struct {
	jwt.RegisteredClaims
	// TenantID is the slug of the tenant the token was issued for.
	TenantID string `json:"tid"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Role     string `json:"role"`
}

// JWKSProvider verifies RS256 tenant identity tokens against a JWKS endpoint.
type JWKSProvider struct {
	keys   keyfunc.Keyfunc
	issuer string
}

var _ IdentityProvider = (*JWKSProvider)(nil)

// NewJWKSProvider fetches the key set at jwksURL and keeps it refreshed in
// the background until ctx is done.
func NewJWKSProvider(ctx context.Context, jwksURL, issuer string) (*JWKSProvider, error) {
	keys, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS client: %w", err)
	}
	return &JWKSProvider{keys: keys, issuer: issuer}, nil
}

// Verify checks signature, issuer and expiry, and requires the token's tenant
// to be the request tenant. The role is taken from the token as is; a token
// without a known tenant role is rejected.
func (p *JWKSProvider) Verify(ctx context.Context, token string, tenant *models.Tenant) (*models.Principal, error) {
	claims := &TenantClaims{}
	_, err := jwt.ParseWithClaims(token, claims, p.keys.KeyfuncCtx(ctx),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: token validation failed: %w", apperrors.ErrUnauthenticated, err)
	}

	if claims.TenantID == "" || claims.TenantID != tenant.SlugValue() {
		return nil, fmt.Errorf("%w: token issued for tenant %q", apperrors.ErrUnauthenticated, claims.TenantID)
	}
	if claims.Subject == "" {
		return nil, errors.Join(apperrors.ErrUnauthenticated, errors.New("token has no subject"))
	}
	if !slices.Contains(models.TenantRoles, claims.Role) {
		return nil, fmt.Errorf("%w: token carries unknown role %q", apperrors.ErrUnauthenticated, claims.Role)
	}

	id := tenant.ID
	return &models.Principal{
		UserID:       claims.Subject,
		Email:        claims.Email,
		Name:         claims.Name,
		Role:         claims.Role,
		Realm:        models.RealmTenant,
		HomeTenantID: &id,
		Tenant:       tenant,
	}, nil
}
