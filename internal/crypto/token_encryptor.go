// Package crypto implements at-rest encryption for OAuth token material
// before it is persisted by the account store.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	apperrors "github.com/aicodex-proxy/gateway/internal/pkg/errors"
)

// TokenEncryptor seals and opens token material with XChaCha20-Poly1305,
// using a single process-wide key derived from config at startup.
type TokenEncryptor struct {
	aead chacha20poly1305.AEAD
}

// NewTokenEncryptor builds a TokenEncryptor from a hex or base64 encoded
// 32-byte key. Either encoding is accepted so operators can generate the key
// with whichever tool is at hand.
func NewTokenEncryptor(rawKey string) (*TokenEncryptor, error) {
	key, err := decodeKey(rawKey)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindIntegrity, 500, "encryption_key_invalid", "failed to initialize token cipher")
	}
	return &TokenEncryptor{aead: aead}, nil
}

func decodeKey(raw string) ([]byte, error) {
	if b, err := hex.DecodeString(raw); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(raw); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	return nil, apperrors.New(apperrors.KindIntegrity, 500, "encryption_key_invalid", "database_encryption_key must decode to 32 bytes")
}

// Seal encrypts plaintext, returning a base64 string safe to store in a
// text column: nonce || ciphertext || tag, all base64-encoded together.
func (e *TokenEncryptor) Seal(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", apperrors.Wrap(err, apperrors.KindIntegrity, 500, "encryption_failed", "failed to generate nonce")
	}
	ciphertext := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal. A failure here is always an
// integrity-kind error: corrupted storage or a rotated key, never a
// validation mistake by the caller.
func (e *TokenEncryptor) Open(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindIntegrity, 500, "decryption_failed", "stored token is not valid base64")
	}
	nonceSize := e.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", apperrors.New(apperrors.KindIntegrity, 500, "decryption_failed", "stored token is too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindIntegrity, 500, "decryption_failed", "stored token failed integrity check")
	}
	return string(plaintext), nil
}
