// Package crypto encrypts tenant credentials at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// sealedPrefix marks encrypted values. Values without it are rows written
// before encryption was enabled and are returned unchanged by Open.
const sealedPrefix = "enc:v1:"

var (
	ErrInvalidKey       = errors.New("invalid encryption key: must not be empty")
	ErrDecryptionFailed = errors.New("decryption failed: invalid ciphertext or wrong key")
)

// Box seals secrets with AES-256-GCM. Each value is bound to a context
// string (the tenant's database name) passed as additional data, so a
// sealed value copied onto another row fails to open.
type Box struct {
	aead cipher.AEAD
}

// NewBox creates a Box from key. A base64 string decoding to 32 bytes is
// used as the key directly; anything else is treated as a passphrase and
// hashed with SHA-256.
func NewBox(key string) (*Box, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(raw) != 32 {
		sum := sha256.Sum256([]byte(key))
		raw = sum[:]
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Box{aead: aead}, nil
}

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

// Seal encrypts plaintext bound to context.
func (b *Box) Seal(plaintext, context string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := b.aead.Seal(nonce, nonce, []byte(plaintext), []byte(context))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open decrypts a value sealed with the same context.
func (b *Box) Open(value, context string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: malformed encoding", ErrDecryptionFailed)
	}
	n := b.aead.NonceSize()
	if len(data) < n+b.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	plaintext, err := b.aead.Open(nil, data[:n], data[n:], []byte(context))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}
