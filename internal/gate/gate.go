package gate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"relay/pkg/interfaces"
	"relay/pkg/types"
)

// Options tunes the admission checks.
type Options struct {
	MinTokenLength int
	CheckRevoked   bool
	StaleAfter     time.Duration
}

// Gate turns a token presented on connect into an identity claim or an
// AdmissionError. Checks run in a fixed order and the first failure wins.
type Gate struct {
	verifier interfaces.IdentityVerifier
	limiter  *RateLimiter
	opts     Options
	now      func() time.Time
}

func New(verifier interfaces.IdentityVerifier, limiter *RateLimiter, opts Options) *Gate {
	return &Gate{
		verifier: verifier,
		limiter:  limiter,
		opts:     opts,
		now:      time.Now,
	}
}

// Throttled reports whether addr was already refused as rate limited in its
// current window. It is false while the verifier is not ready, so that
// condition is still reported by Admit first.
func (g *Gate) Throttled(addr string) bool {
	if g.verifier == nil || !g.verifier.Ready() {
		return false
	}
	return g.limiter.Exhausted(addr, g.now())
}

// Admit runs the admission checks for a connection from addr. The returned
// error, if any, is always an *AdmissionError.
func (g *Gate) Admit(ctx context.Context, addr, token string) (*types.IdentityClaim, error) {
	if g.verifier == nil || !g.verifier.Ready() {
		return nil, newAdmissionError(CodeServerNotReady, ErrVerifierNotReady)
	}

	now := g.now()

	if !g.limiter.Allow(addr, now) {
		return nil, newAdmissionError(CodeRateLimited, nil)
	}

	if token == "" {
		return nil, newAdmissionError(CodeAuthRequired, nil)
	}

	if len(token) < g.opts.MinTokenLength {
		return nil, newAdmissionError(CodeInvalidTokenFormat, nil)
	}

	claim, err := g.verifier.Verify(ctx, token, g.opts.CheckRevoked)
	if err != nil {
		return nil, newAdmissionError(CodeAuthFailed, err)
	}

	if claim == nil || claim.Subject == "" {
		return nil, newAdmissionError(CodeMissingSubject, nil)
	}

	if age := claim.AuthAge(now); g.opts.StaleAfter > 0 && age > g.opts.StaleAfter {
		zap.S().Infow("admitting connection with stale authentication",
			"user_id", claim.Subject,
			"auth_age", age.String(),
			"remote_addr", addr,
		)
	}

	return claim, nil
}
