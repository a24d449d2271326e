// Package auth verifies tenant assertions: short-lived HS256 JWTs minted by
// the upstream identity layer that carry the already-verified tenant. It does
// not log users in; it only checks that the tenant on a request was signed
// by someone holding the shared secret.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Sendient/ai-detector-sub001/safeio"
)

// ErrNoTenantClaim is returned for a valid token without a tenant.
var ErrNoTenantClaim = errors.New("auth: token has no tenant_id claim")

// Claims is the assertion payload.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	// Plan is informational; quota limits come from the plan source.
	Plan string `json:"plan,omitempty"`
}

// Verifier checks assertions signed with one secret.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewVerifier returns a verifier for secret, which must be at least
// safeio.MinSecretLen bytes. A non-empty issuer must match the iss claim.
func NewVerifier(secret []byte, issuer string) (*Verifier, error) {
	if err := safeio.ValidateSecret(secret); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return &Verifier{secret: secret, issuer: issuer, leeway: 30 * time.Second}, nil
}

// Verify parses tokenStr and returns its claims. The signing method is
// pinned to HS256 and exp is required.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	if claims.TenantID == "" {
		return nil, ErrNoTenantClaim
	}
	if err := safeio.ValidateIdentifier(claims.TenantID); err != nil {
		return nil, fmt.Errorf("auth: tenant_id: %w", err)
	}
	return claims, nil
}

// Issue signs an assertion for tenantID valid for ttl. The service itself
// never calls it; it serves the upstream layer and tests.
func Issue(secret []byte, issuer, tenantID string, ttl time.Duration) (string, error) {
	if err := safeio.ValidateSecret(secret); err != nil {
		return "", fmt.Errorf("auth: %w", err)
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   tenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
