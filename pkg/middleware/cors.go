package middleware

import (
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/rs/cors"
)

// CORS allows the configured origins plus the root domain and every tenant
// subdomain of it. Credentials are allowed so session cookies flow.
func CORS(rootDomain string, origins []string) func(http.Handler) http.Handler {
	rootDomain = strings.ToLower(strings.TrimSuffix(rootDomain, "."))
	c := cors.New(cors.Options{
		AllowOriginFunc: func(origin string) bool {
			return allowOrigin(origin, rootDomain, origins)
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	})
	return c.Handler
}

func allowOrigin(origin, rootDomain string, origins []string) bool {
	if slices.Contains(origins, origin) {
		return true
	}
	if rootDomain == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == rootDomain || strings.HasSuffix(host, "."+rootDomain)
}
