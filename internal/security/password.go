package security

import (
	"context"

	"golang.org/x/crypto/bcrypt"

	"github.com/jklint/chatterd/internal/model"
)

// HashPassword produces a bcrypt hash. It waits for a hashing slot so a
// burst of registrations cannot saturate every core; ctx cancels the wait.
func (s *Service) HashPassword(ctx context.Context, plaintext string) (string, error) {
	select {
	case s.hashSem <- struct{}{}:
		defer func() { <-s.hashSem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		// only reachable for over-long inputs
		return "", model.Wrap(model.KindValidation, "password rejected", err)
	}
	return string(h), nil
}

// VerifyPassword reports whether plaintext matches the stored hash.
func (s *Service) VerifyPassword(ctx context.Context, plaintext, hash string) bool {
	select {
	case s.hashSem <- struct{}{}:
		defer func() { <-s.hashSem }()
	case <-ctx.Done():
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
