package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) string {
	t.Helper()
	return hex.EncodeToString(make([]byte, 32))
}

func TestSealOpen_RoundTrips(t *testing.T) {
	enc, err := NewTokenEncryptor(testKey(t))
	require.NoError(t, err)

	sealed, err := enc.Seal("refresh-token-value")
	require.NoError(t, err)
	assert.NotEmpty(t, sealed)
	assert.NotContains(t, sealed, "refresh-token-value")

	plain, err := enc.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-value", plain)
}

func TestOpen_RejectsTamperedCiphertext(t *testing.T) {
	enc, err := NewTokenEncryptor(testKey(t))
	require.NoError(t, err)

	sealed, err := enc.Seal("secret")
	require.NoError(t, err)

	tampered := sealed[:len(sealed)-4] + "AAAA"
	_, err = enc.Open(tampered)
	assert.Error(t, err)
}

func TestNewTokenEncryptor_RejectsShortKey(t *testing.T) {
	_, err := NewTokenEncryptor("too-short")
	assert.Error(t, err)
}
