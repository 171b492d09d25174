package auth

import (
	"crypto/sha256"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/sessions"
)

// SessionName is the name of the session cookie.
const SessionName = "tenancy-session"

const sessionKeyToken = "token"

// CookieSettings controls the session cookie attributes.
type CookieSettings struct {
	// Secure restricts the cookie to HTTPS.
	Secure bool
	// Domain is the cookie domain. Empty keeps the cookie host-only, so a
	// cookie set on one tenant's host is never sent to another's.
	Domain string
}

// DeriveCookieSettings picks cookie attributes for the deployment. Local
// development roots (empty, "localhost") are served over HTTP.
func DeriveCookieSettings(rootDomain, cookieDomain string) CookieSettings {
	local := rootDomain == "" || rootDomain == "localhost" || strings.HasSuffix(rootDomain, ".localhost")
	return CookieSettings{
		Secure: !local,
		Domain: cookieDomain,
	}
}

// TokenStore carries the opaque session token in a signed cookie and
// accepts it from an Authorization: Bearer header as well.
type TokenStore struct {
	store *sessions.CookieStore
}

// NewTokenStore creates a cookie store signed with secret. The secret is
// SHA-256 hashed to derive the 32-byte signing key.
func NewTokenStore(secret string, settings CookieSettings, ttl time.Duration) *TokenStore {
	key := sha256.Sum256([]byte(secret))

	store := sessions.NewCookieStore(key[:])
	store.Options = &sessions.Options{
		Path:     "/",
		Domain:   settings.Domain,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   settings.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &TokenStore{store: store}
}

// Token returns the request's session token, preferring the cookie.
// A cookie with a bad signature is ignored.
func (s *TokenStore) Token(r *http.Request) string {
	if session, err := s.store.Get(r, SessionName); err == nil {
		if token, ok := session.Values[sessionKeyToken].(string); ok && token != "" {
			return token
		}
	}
	return bearerToken(r)
}

// Save writes token into the session cookie.
func (s *TokenStore) Save(w http.ResponseWriter, r *http.Request, token string) error {
	session, _ := s.store.Get(r, SessionName)
	session.Values[sessionKeyToken] = token
	return session.Save(r, w)
}

// Clear expires the session cookie.
func (s *TokenStore) Clear(w http.ResponseWriter, r *http.Request) error {
	session, _ := s.store.Get(r, SessionName)
	delete(session.Values, sessionKeyToken)
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
