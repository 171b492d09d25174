package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/audit"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/models"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/tenancy"
)

type contextKey struct{}

// WithPrincipal returns a context carrying the authenticated principal.
func WithPrincipal(ctx context.Context, p *models.Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFromContext returns the principal attached by Guard.
func PrincipalFromContext(ctx context.Context) (*models.Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*models.Principal)
	return p, ok && p != nil
}

// Middleware turns Authority decisions into HTTP responses.
type Middleware struct {
	authority *Authority
	tokens    *TokenStore
	auditor   *audit.SecurityAuditor
	logger    *zap.Logger
}

// NewMiddleware creates the guard middleware.
func NewMiddleware(authority *Authority, tokens *TokenStore, auditor *audit.SecurityAuditor, logger *zap.Logger) *Middleware {
	return &Middleware{
		authority: authority,
		tokens:    tokens,
		auditor:   auditor,
		logger:    logger,
	}
}

// Guard authorizes every request against policy before calling next. On
// success the principal is available through PrincipalFromContext.
func (m *Middleware) Guard(policy Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			slug, _ := tenancy.SlugFromContext(r.Context())
			req := Request{
				Token:      m.tokens.Token(r),
				TenantSlug: slug,
				Policy:     policy,
			}
			if policy.PathParam != "" {
				req.PathTenantID = chi.URLParam(r, policy.PathParam)
			}

			d := m.authority.Authorize(r.Context(), req)
			if !d.Allowed() {
				m.reject(w, r, slug, d)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), d.Principal)))
		})
	}
}

// Client-facing messages are fixed; the decision reason only goes to the audit log.
var rejectionMessages = map[error]string{
	apperrors.ErrUnauthenticated:     "Authentication required",
	apperrors.ErrForbidden:           "Access denied",
	apperrors.ErrUpstreamUnavailable: "Service temporarily unavailable",
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, slug string, d Decision) {
	userID := ""
	if d.Principal != nil {
		userID = d.Principal.UserID
	}
	m.auditor.LogRejection(slug, userID, clientIP(r), audit.RejectionDetails{
		State:  d.RejectedAt.String(),
		Reason: d.Reason,
		Path:   r.URL.Path,
	}, d.CrossTenant)

	err := d.Err
	if _, known := rejectionMessages[err]; !known {
		err = apperrors.ErrUnauthenticated
	}
	if errors.Is(err, apperrors.ErrUnauthenticated) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="tenancy"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperrors.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   apperrors.Code(err),
		"message": rejectionMessages[err],
	})
}

// clientIP returns the peer address. chi's RealIP middleware, when
// installed, has already replaced RemoteAddr with the forwarded address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
