package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/auth"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/models"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/services"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/tenancy"
)

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse returns the session token alongside the cookie for
// non-browser clients.
type LoginResponse struct {
	Token     string            `json:"token"`
	Principal *models.Principal `json:"principal"`
}

// TenantLookup resolves the host tenant.
type TenantLookup interface {
	FindBySlug(ctx context.Context, slug string) (*models.Tenant, error)
}

// AuthHandler handles login, logout and identity requests in both realms.
// Requests on a tenant host authenticate against that tenant's database,
// all others against the platform.
type AuthHandler struct {
	sessions services.SessionService
	tenants  TenantLookup
	tokens   *auth.TokenStore
	guard    *auth.Middleware
	logger   *zap.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(sessions services.SessionService, tenants TenantLookup, tokens *auth.TokenStore, guard *auth.Middleware, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		sessions: sessions,
		tenants:  tenants,
		tokens:   tokens,
		guard:    guard,
		logger:   logger,
	}
}

// RegisterRoutes registers the auth handler's routes on the given router.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/auth/login", h.Login)
	r.Post("/api/auth/logout", h.Logout)
	r.With(h.guard.Guard(auth.Policy{})).Get("/api/auth/me", h.Me)
}

// hostTenant returns the tenant addressed by the request host, nil for the
// platform realm. Unknown and deactivated tenants read as unauthenticated.
func (h *AuthHandler) hostTenant(r *http.Request) (*models.Tenant, error) {
	slug, ok := tenancy.SlugFromContext(r.Context())
	if !ok {
		return nil, nil
	}
	tenant, err := h.tenants.FindBySlug(r.Context(), slug)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrTenantDeactivated) {
			return nil, apperrors.ErrUnauthenticated
		}
		return nil, err
	}
	return tenant, nil
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}
	if req.Email == "" || req.Password == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "missing_parameters", "Missing email or password"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	tenant, err := h.hostTenant(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var (
		token     string
		principal *models.Principal
	)
	if tenant == nil {
		token, principal, err = h.sessions.LoginPlatform(r.Context(), req.Email, req.Password)
	} else {
		token, principal, err = h.sessions.LoginTenant(r.Context(), tenant, req.Email, req.Password, remoteIP(r), r.UserAgent())
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if err := h.tokens.Save(w, r, token); err != nil {
		h.logger.Error("Failed to save session cookie", zap.Error(err))
		writeError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, LoginResponse{Token: token, Principal: principal}); err != nil {
		h.logger.Error("Failed to encode login response", zap.Error(err))
	}
}

// Logout handles POST /api/auth/logout. The cookie is cleared even when
// the session is already gone.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.hostTenant(r)
	if err != nil && !errors.Is(err, apperrors.ErrUnauthenticated) {
		writeError(w, h.logger, err)
		return
	}

	if err == nil {
		if err := h.sessions.Logout(r.Context(), tenant, h.tokens.Token(r)); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}

	if err := h.tokens.Clear(w, r); err != nil {
		h.logger.Error("Failed to clear session cookie", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	if err := WriteJSON(w, http.StatusOK, principal); err != nil {
		h.logger.Error("Failed to encode principal", zap.Error(err))
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
