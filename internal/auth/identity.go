// Package auth resolves the administrator a write is made on behalf of.
// Uploaded catalog paths are scoped by the identity's UID.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated means no current identity is available.
var ErrUnauthenticated = errors.New("auth: not signed in")

// Identity is the signed-in administrator.
type Identity struct {
	UID   string
	Email string
}

// Provider supplies the current identity.
type Provider interface {
	Current(ctx context.Context) (Identity, error)
}

// StaticProvider always returns the configured identity. An empty UID counts
// as signed out.
type StaticProvider struct {
	Identity Identity
}

func (p StaticProvider) Current(context.Context) (Identity, error) {
	if strings.TrimSpace(p.Identity.UID) == "" {
		return Identity{}, ErrUnauthenticated
	}
	return p.Identity, nil
}

// Claims are the JWT claims an identity token carries; sub is the UID.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenProvider verifies an HS256 identity token on every call, so an
// expired token signs the admin out without a restart.
type TokenProvider struct {
	Secret []byte
	// Token returns the raw token; an empty string means signed out.
	Token func(ctx context.Context) (string, error)
	// Now overrides the clock for expiry checks.
	Now func() time.Time
}

func (p TokenProvider) Current(ctx context.Context) (Identity, error) {
	if len(p.Secret) == 0 {
		return Identity{}, errors.New("auth: token secret not configured")
	}
	if p.Token == nil {
		return Identity{}, ErrUnauthenticated
	}
	raw, err := p.Token(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	return VerifyToken(raw, p.Secret, p.Now)
}

// VerifyToken checks signature and expiry and maps the claims to an Identity.
func VerifyToken(raw string, secret []byte, now func() time.Time) (Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if now != nil {
		opts = append(opts, jwt.WithTimeFunc(now))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return Identity{UID: claims.Subject, Email: claims.Email}, nil
}

// IssueToken signs an identity token valid for ttl.
func IssueToken(id Identity, secret []byte, ttl time.Duration) (string, error) {
	if strings.TrimSpace(id.UID) == "" {
		return "", errors.New("auth: uid required")
	}
	if len(secret) == 0 {
		return "", errors.New("auth: secret required")
	}
	now := time.Now()
	claims := Claims{
		Email: id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
