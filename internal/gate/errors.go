package gate

import "errors"

// Machine-stable reason codes carried by the unauthorized event.
const (
	CodeServerNotReady     = "server_not_ready"
	CodeRateLimited        = "rate_limited"
	CodeAuthRequired       = "auth_required"
	CodeInvalidTokenFormat = "invalid_token_format"
	CodeAuthFailed         = "auth_failed"
	CodeMissingSubject     = "missing_subject"
)

var details = map[string]string{
	CodeServerNotReady:     "Server not ready",
	CodeRateLimited:        "Too many connection attempts, try again later",
	CodeAuthRequired:       "Authentication required",
	CodeInvalidTokenFormat: "Invalid token format",
	CodeAuthFailed:         "Authentication failed",
	CodeMissingSubject:     "Invalid token: missing subject",
}

// AdmissionError is a refused connection attempt. Code and Detail are safe
// to show the client; Err holds the underlying cause for logs only.
type AdmissionError struct {
	Code   string
	Detail string
	Err    error
}

func newAdmissionError(code string, err error) *AdmissionError {
	return &AdmissionError{Code: code, Detail: details[code], Err: err}
}

func (e *AdmissionError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

// Verifier errors.
var (
	ErrVerifierNotReady  = errors.New("identity verifier not configured")
	ErrBadSigningMethod  = errors.New("unexpected token signing method")
	ErrTokenRevoked      = errors.New("token issued before revocation cut-off")
	ErrUserDisabled      = errors.New("user account disabled")
	ErrMissingIssuedAt   = errors.New("token has no issue time")
	ErrInvalidTokenClaim = errors.New("token claims are invalid")
)
