package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost is the cost factor for password digests
const DefaultBcryptCost = 12

// ErrPasswordTooLong is returned for passwords bcrypt would silently truncate.
var ErrPasswordTooLong = errors.New("crypto: password exceeds 72 bytes")

// PasswordHasher produces and checks bcrypt password digests.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher returns a hasher using cost, or DefaultBcryptCost when cost
// is outside bcrypt's accepted range.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash returns the bcrypt digest of plain
func (h *PasswordHasher) Hash(plain string) (string, error) {
	if len(plain) > 72 {
		return "", ErrPasswordTooLong
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(digest), nil
}

// Verify reports whether plain matches digest. An empty digest (invited users
// that never set a password) never matches.
func (h *PasswordHasher) Verify(plain, digest string) bool {
	if digest == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plain)) == nil
}

// HashPassword hashes plain with DefaultBcryptCost
func HashPassword(plain string) (string, error) {
	return NewPasswordHasher(DefaultBcryptCost).Hash(plain)
}

// VerifyPassword checks plain against digest
func VerifyPassword(plain, digest string) bool {
	return NewPasswordHasher(DefaultBcryptCost).Verify(plain, digest)
}
