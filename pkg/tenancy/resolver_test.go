package tenancy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_ExtractTenant(t *testing.T) {
	r := NewResolver("")

	tests := []struct {
		name      string
		host      string
		forwarded string
		slug      string
		ok        bool
	}{
		{"subdomain", "acme.example.com", "", "acme", true},
		{"apex", "example.com", "", "", false},
		{"local subdomain with port", "acme.localhost:3000", "", "acme", true},
		{"local root with port", "localhost:3000", "", "", false},
		{"bare local root", "localhost", "", "", false},
		{"ipv4", "203.0.113.5", "", "", false},
		{"ipv4 with port", "203.0.113.5:8080", "", "", false},
		{"bracketed ipv6 with port", "[2001:db8::1]:443", "", "", false},
		{"bare ipv6", "2001:db8::1", "", "", false},
		{"uppercase", "ACME.Example.COM", "", "acme", true},
		{"trailing dot", "acme.example.com.", "", "acme", true},
		{"deep subdomain", "acme.eu.example.com", "", "acme", true},
		{"other two-label host", "acme.internal", "", "", false},
		{"forwarded host wins", "10.0.0.5:8080", "globex.example.com", "globex", true},
		{"first forwarded entry", "acme.example.com", "globex.example.com, proxy.internal", "globex", true},
		{"forwarded apex", "acme.example.com", "example.com", "", false},
		{"empty label", ".example.com", "", "", false},
		{"empty", "", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slug, ok := r.ExtractTenant(tt.host, tt.forwarded)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.slug, slug)
		})
	}
}

func TestResolver_CustomLocalRoot(t *testing.T) {
	r := NewResolver("test")

	slug, ok := r.ExtractTenant("acme.test:8080", "")
	assert.True(t, ok)
	assert.Equal(t, "acme", slug)

	_, ok = r.ExtractTenant("acme.localhost", "")
	assert.False(t, ok)
}

func TestResolver_Middleware(t *testing.T) {
	r := NewResolver("")

	var got string
	var found bool
	handler := r.Middleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		got, found = SlugFromContext(req.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "http://acme.localhost:3000/api/tenant", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.True(t, found)
	assert.Equal(t, "acme", got)

	req = httptest.NewRequest(http.MethodGet, "http://localhost:3000/api/tenants", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.False(t, found)
	assert.Empty(t, got)
}
