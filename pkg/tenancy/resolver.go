// Package tenancy derives the request tenant from the Host header.
package tenancy

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// DefaultLocalRootLabel is the development root, as in "acme.localhost".
const DefaultLocalRootLabel = "localhost"

// Resolver maps host names to tenant slugs.
type Resolver struct {
	localRoot string
}

// NewResolver creates a resolver. An empty localRoot selects DefaultLocalRootLabel.
func NewResolver(localRoot string) *Resolver {
	if localRoot == "" {
		localRoot = DefaultLocalRootLabel
	}
	return &Resolver{localRoot: strings.ToLower(localRoot)}
}

// ExtractTenant returns the tenant slug addressed by a request. forwardedHost
// is the raw X-Forwarded-Host value and wins over host when set.
//
//	acme.example.com    -> acme
//	acme.localhost:3000 -> acme
//	example.com         -> none
//	localhost:3000      -> none
//	203.0.113.5         -> none
func (r *Resolver) ExtractTenant(host, forwardedHost string) (string, bool) {
	if forwardedHost != "" {
		first, _, _ := strings.Cut(forwardedHost, ",")
		if first = strings.TrimSpace(first); first != "" {
			host = first
		}
	}

	host = strings.TrimSuffix(stripPort(strings.ToLower(strings.TrimSpace(host))), ".")
	if host == "" || net.ParseIP(host) != nil {
		return "", false
	}

	labels := strings.Split(host, ".")
	switch {
	case len(labels) > 2:
		return nonEmpty(labels[0])
	case len(labels) == 2 && labels[1] == r.localRoot:
		return nonEmpty(labels[0])
	default:
		return "", false
	}
}

func nonEmpty(s string) (string, bool) {
	return s, s != ""
}

// stripPort removes a trailing :port, including from bracketed IPv6 hosts.
func stripPort(host string) string {
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end > 0 {
			return host[1:end]
		}
		return host
	}
	// A bare IPv6 literal has more than one colon and no port.
	if strings.Count(host, ":") == 1 {
		h, _, _ := strings.Cut(host, ":")
		return h
	}
	return host
}

type contextKey struct{}

// WithSlug returns a context carrying the tenant slug.
func WithSlug(ctx context.Context, slug string) context.Context {
	return context.WithValue(ctx, contextKey{}, slug)
}

// SlugFromContext returns the slug resolved for the current request.
func SlugFromContext(ctx context.Context) (string, bool) {
	slug, ok := ctx.Value(contextKey{}).(string)
	return slug, ok && slug != ""
}

// Middleware resolves the tenant slug of each request and stores it in the
// request context. Requests without a tenant pass through unchanged.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if slug, ok := r.ExtractTenant(req.Host, req.Header.Get("X-Forwarded-Host")); ok {
			req = req.WithContext(WithSlug(req.Context(), slug))
		}
		next.ServeHTTP(w, req)
	})
}
