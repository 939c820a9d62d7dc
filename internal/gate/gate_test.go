package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"relay/pkg/types"
)

type fakeVerifier struct {
	ready bool
	claim *types.IdentityClaim
	err   error

	calls        int
	checkRevoked bool
}

func (f *fakeVerifier) Ready() bool { return f.ready }

func (f *fakeVerifier) Verify(ctx context.Context, token string, checkRevoked bool) (*types.IdentityClaim, error) {
	f.calls++
	f.checkRevoked = checkRevoked
	return f.claim, f.err
}

const validToken = "a-plausible-token"

func newTestGate(v *fakeVerifier) *Gate {
	return New(v, NewRateLimiter(time.Minute, 5), Options{
		MinTokenLength: 10,
		CheckRevoked:   true,
		StaleAfter:     time.Hour,
	})
}

func admissionCode(t *testing.T, err error) string {
	t.Helper()
	var ae *AdmissionError
	if !errors.As(err, &ae) {
		t.Fatalf("Expected *AdmissionError, got %T (%v)", err, err)
	}
	if ae.Detail == "" {
		t.Errorf("Expected human detail for code %s", ae.Code)
	}
	return ae.Code
}

func TestGate_RejectionCodes(t *testing.T) {
	claim := &types.IdentityClaim{Subject: "alice", IssuedAt: time.Now()}

	tests := []struct {
		name     string
		verifier *fakeVerifier
		token    string
		want     string
	}{
		{"verifier not ready", &fakeVerifier{ready: false, claim: claim}, validToken, CodeServerNotReady},
		{"missing token", &fakeVerifier{ready: true, claim: claim}, "", CodeAuthRequired},
		{"short token", &fakeVerifier{ready: true, claim: claim}, "short", CodeInvalidTokenFormat},
		{"verification failure", &fakeVerifier{ready: true, err: errors.New("signature invalid")}, validToken, CodeAuthFailed},
		{"empty subject", &fakeVerifier{ready: true, claim: &types.IdentityClaim{}}, validToken, CodeMissingSubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGate(tt.verifier)
			_, err := g.Admit(context.Background(), "10.0.0.1", tt.token)
			if got := admissionCode(t, err); got != tt.want {
				t.Errorf("Expected code %s, got %s", tt.want, got)
			}
		})
	}
}

func TestGate_ShortTokenSkipsVerifier(t *testing.T) {
	v := &fakeVerifier{ready: true, claim: &types.IdentityClaim{Subject: "alice"}}
	g := newTestGate(v)

	if _, err := g.Admit(context.Background(), "10.0.0.1", "123456789"); err == nil {
		t.Fatal("Expected rejection for 9 character token")
	}
	if v.calls != 0 {
		t.Errorf("Verifier should not be called for malformed tokens, got %d calls", v.calls)
	}
}

func TestGate_NotReadyCheckedBeforeRateLimit(t *testing.T) {
	v := &fakeVerifier{ready: false}
	g := newTestGate(v)

	for i := 0; i < 10; i++ {
		_, err := g.Admit(context.Background(), "10.0.0.1", validToken)
		if got := admissionCode(t, err); got != CodeServerNotReady {
			t.Fatalf("Attempt %d: expected %s, got %s", i+1, CodeServerNotReady, got)
		}
	}
	if g.limiter.Tracked() != 0 {
		t.Error("Rate limiter should not record attempts while not ready")
	}
}

func TestGate_RateLimitBeforeAuthentication(t *testing.T) {
	v := &fakeVerifier{ready: true, claim: &types.IdentityClaim{Subject: "alice"}}
	g := newTestGate(v)

	for i := 0; i < 5; i++ {
		if _, err := g.Admit(context.Background(), "10.0.0.1", validToken); err != nil {
			t.Fatalf("Attempt %d should be admitted: %v", i+1, err)
		}
	}

	_, err := g.Admit(context.Background(), "10.0.0.1", validToken)
	if got := admissionCode(t, err); got != CodeRateLimited {
		t.Errorf("Expected %s, got %s", CodeRateLimited, got)
	}
	if v.calls != 5 {
		t.Errorf("Expected exactly 5 verifications, got %d", v.calls)
	}

	if _, err := g.Admit(context.Background(), "10.0.0.2", validToken); err != nil {
		t.Errorf("Other addresses should not be limited: %v", err)
	}
}

func TestGate_Throttled(t *testing.T) {
	v := &fakeVerifier{ready: true, claim: &types.IdentityClaim{Subject: "alice"}}
	g := newTestGate(v)

	for i := 0; i < 5; i++ {
		if g.Throttled("10.0.0.1") {
			t.Fatalf("Attempt %d should not be throttled", i+1)
		}
		_, _ = g.Admit(context.Background(), "10.0.0.1", validToken)
	}
	if g.Throttled("10.0.0.1") {
		t.Error("An address that used its budget but was never refused should reach Admit")
	}

	_, _ = g.Admit(context.Background(), "10.0.0.1", validToken)
	if !g.Throttled("10.0.0.1") {
		t.Error("An address already refused as rate limited should be throttled")
	}
	if g.Throttled("10.0.0.2") {
		t.Error("Other addresses should not be throttled")
	}

	v.ready = false
	if g.Throttled("10.0.0.1") {
		t.Error("Not-ready must be reported by Admit, not masked by throttling")
	}
}

func TestGate_AdmitsWithFreshnessCheck(t *testing.T) {
	v := &fakeVerifier{ready: true, claim: &types.IdentityClaim{Subject: "alice"}}
	g := newTestGate(v)

	claim, err := g.Admit(context.Background(), "10.0.0.1", validToken)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if claim.Subject != "alice" {
		t.Errorf("Expected subject alice, got %s", claim.Subject)
	}
	if !v.checkRevoked {
		t.Error("Verifier should be asked for a freshness check")
	}
}

func TestGate_StaleAuthIsAdmitted(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	v := &fakeVerifier{ready: true, claim: &types.IdentityClaim{
		Subject:  "alice",
		AuthTime: now.Add(-3 * time.Hour),
	}}
	g := newTestGate(v)
	g.now = func() time.Time { return now }

	if _, err := g.Admit(context.Background(), "10.0.0.1", validToken); err != nil {
		t.Errorf("Stale authentication should still be admitted: %v", err)
	}
}

func TestAdmissionError_HidesCause(t *testing.T) {
	cause := errors.New("kid 42 not found in keyset")
	err := newAdmissionError(CodeAuthFailed, cause)

	if !errors.Is(err, cause) {
		t.Error("AdmissionError should unwrap to its cause")
	}
	if err.Detail != "Authentication failed" {
		t.Errorf("Detail should be generic, got %q", err.Detail)
	}
}
