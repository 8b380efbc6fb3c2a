package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const (
	// MinTokenBytes is the smallest entropy accepted for reset and invitation tokens
	MinTokenBytes = 24
	// DefaultTokenBytes is used when callers pass zero
	DefaultTokenBytes = 32
)

// RandomURLToken returns a URL-safe random token of at least MinTokenBytes of entropy
func RandomURLToken(nBytes int) (string, error) {
	if nBytes == 0 {
		nBytes = DefaultTokenBytes
	}
	if nBytes < MinTokenBytes {
		nBytes = MinTokenBytes
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
