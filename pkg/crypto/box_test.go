package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openssl rand -base64 32
const testKey = "dGVzdC1rZXktZm9yLXVuaXQtdGVzdHMtMzItYnl0ZXM="

const tenantURL = "postgres://tenancy:s3cret@db:5432/acme_towers?sslmode=verify-full"

func TestNewBox(t *testing.T) {
	_, err := NewBox("")
	assert.ErrorIs(t, err, ErrInvalidKey)

	for _, key := range []string{testKey, "a passphrase", "c2hvcnQ="} {
		b, err := NewBox(key)
		require.NoError(t, err, key)
		assert.NotNil(t, b)
	}
}

func TestBox_RoundTrip(t *testing.T) {
	b, err := NewBox(testKey)
	require.NoError(t, err)

	sealed, err := b.Seal(tenantURL, "acme_towers")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "s3cret")

	again, err := b.Seal(tenantURL, "acme_towers")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces must differ")

	opened, err := b.Open(sealed, "acme_towers")
	require.NoError(t, err)
	assert.Equal(t, tenantURL, opened)
}

func TestBox_OpenFailures(t *testing.T) {
	b, err := NewBox(testKey)
	require.NoError(t, err)
	other, err := NewBox("another key")
	require.NoError(t, err)

	sealed, err := b.Seal(tenantURL, "acme_towers")
	require.NoError(t, err)

	_, err = b.Open(sealed, "globex")
	assert.ErrorIs(t, err, ErrDecryptionFailed, "bound to the tenant it was sealed for")

	_, err = other.Open(sealed, "acme_towers")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = b.Open(sealedPrefix+"!!!", "acme_towers")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = b.Open(sealedPrefix+"AAAA", "acme_towers")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	tampered := sealed[:len(sealed)-2] + strings.Repeat("A", 2)
	if tampered != sealed {
		_, err = b.Open(tampered, "acme_towers")
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	}
}

func TestBox_PlaintextPassesThrough(t *testing.T) {
	b, err := NewBox(testKey)
	require.NoError(t, err)

	opened, err := b.Open(tenantURL, "acme_towers")
	require.NoError(t, err)
	assert.Equal(t, tenantURL, opened)

	sealed, err := b.Seal("", "acme_towers")
	require.NoError(t, err)
	assert.Empty(t, sealed)
}
