// Package testhelpers provides utilities for testing ekaya-tenancy components.
package testhelpers

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

// JWKS is a tenant identity provider stand-in: it serves one RSA public key
// over HTTP and signs tokens with the matching private key.
type JWKS struct {
	Server *httptest.Server
	KeyID  string
	key    *rsa.PrivateKey
}

// NewJWKS starts a JWKS endpoint that is closed when the test ends.
func NewJWKS(t *testing.T) *JWKS {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	j := &JWKS{KeyID: "test-key", key: key}

	body, err := json.Marshal(map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"kid": j.KeyID,
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	})
	if err != nil {
		t.Fatalf("failed to encode jwks: %v", err)
	}

	j.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(j.Server.Close)

	return j
}

// URL returns the JWKS endpoint.
func (j *JWKS) URL() string {
	return j.Server.URL
}

// Sign returns an RS256 token carrying claims.
func (j *JWKS) Sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = j.KeyID
	signed, err := token.SignedString(j.key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// SignWithForeignKey returns a token signed by a key the JWKS does not serve.
func (j *JWKS) SignWithForeignKey(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = j.KeyID
	signed, err := token.SignedString(other)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
