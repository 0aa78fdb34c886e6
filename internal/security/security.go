// Package security bundles the primitives the chat service trusts: password
// hashing, access tokens, and optional message encryption.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"runtime"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jklint/chatterd/internal/model"
)

// Config carries the secrets the service needs at construction.
type Config struct {
	TokenSecret   string
	TokenTTL      time.Duration
	EncryptionKey string // hex-encoded AES key; empty disables message encryption
}

// Service performs hashing, token and encryption operations. Safe for
// concurrent use.
type Service struct {
	secret   []byte
	tokenTTL time.Duration
	aead     cipher.AEAD
	hashSem  chan struct{}
}

// New validates cfg and builds a Service. An empty token secret or a
// malformed encryption key is a configuration error.
func New(cfg Config) (*Service, error) {
	if cfg.TokenSecret == "" {
		return nil, model.E(model.KindConfig, "token secret must not be empty")
	}
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	s := &Service{
		secret:   []byte(cfg.TokenSecret),
		tokenTTL: ttl,
		// bcrypt is CPU-bound; bound concurrent hashes to the core count
		hashSem: make(chan struct{}, runtime.GOMAXPROCS(0)),
	}
	if cfg.EncryptionKey != "" {
		key, err := hex.DecodeString(cfg.EncryptionKey)
		if err != nil {
			return nil, model.E(model.KindConfig, "encryption key must be hex")
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, model.Wrap(model.KindConfig, "encryption key rejected", err)
		}
		if s.aead, err = cipher.NewGCM(block); err != nil {
			return nil, model.Wrap(model.KindConfig, "init aead", err)
		}
	}
	return s, nil
}

// CreateToken signs an HS256 token with sub/iat/exp claims. ttl overrides
// the default when given; a negative ttl yields an already-expired token.
func (s *Service) CreateToken(userID string, ttl ...time.Duration) (string, error) {
	d := s.tokenTTL
	if len(ttl) > 0 {
		d = ttl[0]
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(d).Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", model.Wrap(model.KindAuth, "sign token", err)
	}
	return tok, nil
}

// DecodeToken verifies signature and expiry and returns the subject user id.
func (s *Service) DecodeToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	})
	if err != nil || !t.Valid {
		return "", model.E(model.KindAuth, "invalid or expired token")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", model.E(model.KindAuth, "token has no subject")
	}
	return sub, nil
}
