package auth

import (
	"errors"
	"strings"
)

// ExtractBearerToken extracts the token from an Authorization header.
// Expected format: "Bearer <token>"; the scheme is matched case-insensitively.
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}

	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", errors.New("authorization header must start with 'Bearer '")
	}

	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", errors.New("token is empty after Bearer prefix")
	}

	return token, nil
}
