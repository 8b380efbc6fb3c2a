// Package auth - jwt.go implements the bearer token codec. Tokens are HS256
// JWTs whose subject is the user's email; tenant, role and membership claims
// are nullable so a single format covers superadmin, pending-selection and
// tenant-bound sessions.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenInvalid is returned for any token that fails to decode, verify or
// has expired. Callers never learn which check failed.
var ErrTokenInvalid = errors.New("auth: token invalid")

// DefaultIssuer is stamped into every token and checked on decode
const DefaultIssuer = "clinicore-identity"

// Claims represents the JWT claims structure
type Claims struct {
	UserID       string  `json:"user_id"`
	Role         *string `json:"role"`
	TenantID     *string `json:"tenant_id"`
	MembershipID *string `json:"membership_id"`
	IsSuperadmin bool    `json:"is_superadmin"`
	jwt.RegisteredClaims
}

// Email returns the subject claim
func (c *Claims) Email() string { return c.Subject }

// RoleValue returns the parsed role claim. ok is false when the claim is null.
// An unknown role string is reported as an error.
func (c *Claims) RoleValue() (role Role, ok bool, err error) {
	if c.Role == nil {
		return "", false, nil
	}
	r, err := ParseRole(*c.Role)
	if err != nil {
		return "", false, err
	}
	return r, true, nil
}

// IsPending reports whether the token was issued before tenant selection
func (c *Claims) IsPending() bool {
	return !c.IsSuperadmin && c.Role == nil && c.TenantID == nil
}

// IsLegacy reports whether the token predates tenant claims: it carries a
// tenant role but no tenant
func (c *Claims) IsLegacy() bool {
	return !c.IsSuperadmin && c.Role != nil && *c.Role != string(RoleSuperadmin) && c.TenantID == nil
}

// TokenSubject is what gets encoded. Empty strings encode as null claims.
type TokenSubject struct {
	UserID       string
	Email        string
	Role         Role
	TenantID     string
	MembershipID string
	IsSuperadmin bool
}

// TokenCodec signs and verifies bearer tokens with a single shared secret
type TokenCodec struct {
	secret     []byte
	issuer     string
	ttl        time.Duration
	pendingTTL time.Duration
	now        func() time.Time
}

// NewTokenCodec creates a codec. ttl applies to full sessions and pendingTTL to
// tokens awaiting tenant selection.
func NewTokenCodec(secret, issuer string, ttl, pendingTTL time.Duration) (*TokenCodec, error) {
	if secret == "" {
		return nil, errors.New("auth: signing secret is empty")
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if pendingTTL <= 0 {
		pendingTTL = 10 * time.Minute
	}
	return &TokenCodec{
		secret:     []byte(secret),
		issuer:     issuer,
		ttl:        ttl,
		pendingTTL: pendingTTL,
		now:        time.Now,
	}, nil
}

// TTL returns the full-session lifetime
func (tc *TokenCodec) TTL() time.Duration { return tc.ttl }

// PendingTTL returns the lifetime of tenant-selection tokens
func (tc *TokenCodec) PendingTTL() time.Duration { return tc.pendingTTL }

// Encode mints a token for subject valid for the codec TTL
func (tc *TokenCodec) Encode(s TokenSubject) (string, time.Time, error) {
	return tc.encode(s, tc.ttl)
}

// EncodePending mints a short-lived token with null role and tenant. It is only
// accepted by the tenant-selection step.
func (tc *TokenCodec) EncodePending(userID, email string) (string, time.Time, error) {
	return tc.encode(TokenSubject{UserID: userID, Email: email}, tc.pendingTTL)
}

func (tc *TokenCodec) encode(s TokenSubject, ttl time.Duration) (string, time.Time, error) {
	now := tc.now()
	expiresAt := now.Add(ttl)

	claims := &Claims{
		UserID:       s.UserID,
		Role:         nullable(string(s.Role)),
		TenantID:     nullable(s.TenantID),
		MembershipID: nullable(s.MembershipID),
		IsSuperadmin: s.IsSuperadmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.Email,
			Issuer:    tc.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tc.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Decode verifies signature, algorithm, issuer and expiry
func (tc *TokenCodec) Decode(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrTokenInvalid
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return tc.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tc.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(tc.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" || claims.UserID == "" {
		return nil, ErrTokenInvalid
	}
	if _, _, err := claims.RoleValue(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return claims, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isDevMode checks if we're in development mode
func isDevMode() bool {
	devMode := os.Getenv("DEV_MODE")
	ginMode := os.Getenv("GIN_MODE")

	return devMode == "true" || devMode == "1" || ginMode == "debug"
}

// generateRandomSecret creates a cryptographically secure random secret
func generateRandomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("dev-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// ResolveSigningSecret checks that the signing secret is properly configured.
// In production an empty secret is an error. In dev mode a random secret is
// generated and a warning logged; sessions then do not survive restarts.
func ResolveSigningSecret(configured string) (string, error) {
	if configured == "" {
		if isDevMode() {
			slog.Warn("SIGNING_SECRET not set, using auto-generated secret for development",
				"effect", "sessions and sealed tenant secrets will not survive restarts")
			return generateRandomSecret(), nil
		}
		return "", errors.New("SECURITY ERROR: SIGNING_SECRET is required in production. " +
			"Generate a secure secret with: openssl rand -hex 32")
	}

	if len(configured) < 32 {
		slog.Warn("SIGNING_SECRET is shorter than recommended 32 characters")
	}
	return configured, nil
}
