// Package auth verifies the bearer tokens presented by streaming clients.
//
// Tokens are HS256 JWTs. The caller identity is the "email" claim, falling
// back to the registered "sub" claim.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for missing, malformed, expired or forged tokens.
var ErrUnauthorized = errors.New("auth: invalid or expired token")

// ErrNoSecret is returned when a verifier is created without a secret.
var ErrNoSecret = errors.New("auth: HS256 requires a secret key")

// Claims are the token fields the service relies on.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Subject returns the caller identity.
func (c *Claims) Subject() string {
	if c.Email != "" {
		return c.Email
	}
	return c.RegisteredClaims.Subject
}

// Verifier checks HS256 tokens against a shared secret.
type Verifier struct {
	secret []byte
	leeway time.Duration
}

// NewVerifier creates a verifier for secret.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Verifier{secret: []byte(secret), leeway: 5 * time.Second}, nil
}

// Verify parses token and returns the caller identity.
func (v *Verifier) Verify(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: token cannot be empty", ErrUnauthorized)
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithLeeway(v.leeway), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", fmt.Errorf("%w: invalid token claims", ErrUnauthorized)
	}
	subject := claims.Subject()
	if subject == "" {
		return "", fmt.Errorf("%w: missing email or sub claim", ErrUnauthorized)
	}
	return subject, nil
}

// Sign issues a token for email valid for ttl. Used by tests and local tooling.
func Sign(secret, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return token, nil
}

// TokenFromRequest picks the token from the query parameter, else from the
// Authorization header. The "Bearer " prefix is optional.
func TokenFromRequest(query, header string) string {
	if query != "" {
		return query
	}
	header = strings.TrimSpace(header)
	if len(header) >= 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}
