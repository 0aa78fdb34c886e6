package security

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/jklint/chatterd/internal/model"
)

// EncryptionEnabled reports whether an encryption key was configured.
func (s *Service) EncryptionEnabled() bool { return s.aead != nil }

// Encrypt seals plaintext under a fresh nonce and returns
// base64(nonce || ciphertext). Identical plaintexts encrypt differently.
func (s *Service) Encrypt(plaintext string) (string, error) {
	if s.aead == nil {
		return "", model.E(model.KindConfig, "encryption is not enabled")
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tampered or truncated input fails
// authentication and is rejected.
func (s *Service) Decrypt(encoded string) (string, error) {
	if s.aead == nil {
		return "", model.E(model.KindConfig, "encryption is not enabled")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) < s.aead.NonceSize() {
		return "", model.E(model.KindValidation, "malformed ciphertext")
	}
	ns := s.aead.NonceSize()
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", model.E(model.KindValidation, "ciphertext failed authentication")
	}
	return string(plain), nil
}

// RandomKey returns n cryptographically random bytes as a hex string of
// 2n characters. n defaults to 32 when non-positive.
func RandomKey(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("random key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
