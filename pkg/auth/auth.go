// Package auth verifies bearer JWTs and carries the caller identity through
// request contexts.
package auth

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pesio-ai/be-approval-workflows/pkg/errors"
)

type contextKey struct{}

// UserContext is the authenticated caller.
type UserContext struct {
	UserID string
	Roles  []string
}

// HasRole reports whether the caller holds role.
func (u *UserContext) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

// Claims is the JWT payload issued by the identity service.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// WithUserContext stores uc on ctx.
func WithUserContext(ctx context.Context, uc *UserContext) context.Context {
	return context.WithValue(ctx, contextKey{}, uc)
}

// GetUserContext returns the caller stored on ctx.
func GetUserContext(ctx context.Context) (*UserContext, error) {
	uc, ok := ctx.Value(contextKey{}).(*UserContext)
	if !ok || uc == nil || uc.UserID == "" {
		return nil, errors.New(errors.ErrCodeUnauthorized, "unauthorized: no authenticated user")
	}
	return uc, nil
}

// Verifier validates HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a verifier. An empty issuer skips the issuer check.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses and validates a raw token string.
func (v *Verifier) Verify(raw string) (*UserContext, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnauthorized, "unauthorized: invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New(errors.ErrCodeUnauthorized, "unauthorized: token has no subject")
	}
	return &UserContext{UserID: claims.Subject, Roles: claims.Roles}, nil
}

// Sign issues a token for userID. Used by tooling and tests.
func (v *Verifier) Sign(userID string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
