package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"relay/pkg/interfaces"
	"relay/pkg/types"
)

// TokenClaims is the JWT body accepted by JWTVerifier.
type TokenClaims struct {
	AuthTime      int64 `json:"auth_time,omitempty"`
	EmailVerified bool  `json:"email_verified,omitempty"`
	Disabled      bool  `json:"disabled,omitempty"`

	jwt.RegisteredClaims
}

// JWTVerifier verifies HMAC-signed identity tokens and, on request, checks
// them against the per-user revocation cut-off.
type JWTVerifier struct {
	secret      []byte
	issuer      string
	audience    string
	revocations interfaces.RevocationSource
}

// NewJWTVerifier creates a verifier. An empty secret leaves it not ready.
// revocations may be nil, in which case freshness checks always pass.
func NewJWTVerifier(secret, issuer, audience string, revocations interfaces.RevocationSource) *JWTVerifier {
	return &JWTVerifier{
		secret:      []byte(secret),
		issuer:      issuer,
		audience:    audience,
		revocations: revocations,
	}
}

func (v *JWTVerifier) Ready() bool {
	return len(v.secret) > 0
}

func (v *JWTVerifier) Verify(ctx context.Context, token string, checkRevoked bool) (*types.IdentityClaim, error) {
	if !v.Ready() {
		return nil, ErrVerifierNotReady
	}

	claims := &TokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: %v", ErrBadSigningMethod, t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, fmt.Errorf("%w: issuer %q", ErrInvalidTokenClaim, claims.Issuer)
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return nil, fmt.Errorf("%w: audience %v", ErrInvalidTokenClaim, claims.Audience)
	}
	if claims.Disabled {
		return nil, ErrUserDisabled
	}

	claim := &types.IdentityClaim{
		Subject:       claims.Subject,
		EmailVerified: claims.EmailVerified,
		Disabled:      claims.Disabled,
	}
	if claims.IssuedAt != nil {
		claim.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		claim.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.AuthTime > 0 {
		claim.AuthTime = time.Unix(claims.AuthTime, 0)
	}

	if checkRevoked && v.revocations != nil && claim.Subject != "" {
		if err := v.checkRevoked(ctx, claim); err != nil {
			return nil, err
		}
	}

	return claim, nil
}

func (v *JWTVerifier) checkRevoked(ctx context.Context, claim *types.IdentityClaim) error {
	after, err := v.revocations.TokensValidAfter(ctx, claim.Subject)
	if err != nil {
		return fmt.Errorf("revocation lookup failed: %w", err)
	}
	if after.IsZero() {
		return nil
	}
	if claim.IssuedAt.IsZero() {
		return ErrMissingIssuedAt
	}
	if claim.IssuedAt.Before(after) {
		return ErrTokenRevoked
	}
	return nil
}
