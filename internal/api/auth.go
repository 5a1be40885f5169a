package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errUnauthorized = errors.New("unauthorized")

// Authorizer resolves the tenant a request acts for.
type Authorizer interface {
	Authorize(r *http.Request) (string, error)
}

// TenantClaims are the claims the edge expects on bearer tokens.
type TenantClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// JWTAuthorizer validates HS256 bearer tokens and reads the tenant claim.
type JWTAuthorizer struct {
	secret    []byte
	issuer    string
	clockSkew time.Duration
}

// NewJWTAuthorizer creates an authorizer for tokens signed with secret.
func NewJWTAuthorizer(secret []byte, issuer string, clockSkew time.Duration) (*JWTAuthorizer, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTAuthorizer{secret: secret, issuer: issuer, clockSkew: clockSkew}, nil
}

// Authorize returns the tenant of the request's bearer token.
func (a *JWTAuthorizer) Authorize(r *http.Request) (string, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return "", fmt.Errorf("%w: missing bearer token", errUnauthorized)
	}

	opts := []jwt.ParserOption{jwt.WithLeeway(a.clockSkew), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	var claims TenantClaims
	if _, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) { return a.secret, nil }, opts...); err != nil {
		return "", fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	if claims.TenantID == "" {
		return "", fmt.Errorf("%w: token has no tenant", errUnauthorized)
	}
	return claims.TenantID, nil
}

// IssueToken signs a tenant token; runners receive these as callback tokens.
func (a *JWTAuthorizer) IssueToken(tenantID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := TenantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// CallbackToken implements the callback token port with locally issued
// tokens.
func (a *JWTAuthorizer) CallbackToken(_ context.Context, tenantID string) (string, error) {
	return a.IssueToken(tenantID, time.Hour)
}

type tenantKey struct{}

func withTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFrom returns the authorized tenant stored on ctx.
func TenantFrom(ctx context.Context) string {
	t, _ := ctx.Value(tenantKey{}).(string)
	return t
}
