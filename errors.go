package gatekit

import "errors"

var (
	// ErrRateLimited reports that a request exceeded its window budget.
	ErrRateLimited = errors.New("rate limited")
	// ErrForbidden reports a failed role, IP, or org-membership check.
	ErrForbidden = errors.New("forbidden")
	// ErrPresetUnknown reports a policy naming a rate-limit preset that was
	// never configured.
	ErrPresetUnknown = errors.New("unknown rate limit preset")
	// ErrGuardNotReady reports use of a Guard that was not built.
	ErrGuardNotReady = errors.New("guard not initialized")
)

// Error codes carried in rejection bodies. Stable strings for clients;
// messages may change, codes must not.
const (
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeUnauthenticated   = "UNAUTHENTICATED"
	CodeForbidden         = "FORBIDDEN"
	CodeMissingHeaders    = "MISSING_HEADERS"
	CodeInvalidTimestamp  = "INVALID_TIMESTAMP"
	CodeRequestExpired    = "REQUEST_EXPIRED"
	CodeRequestInFuture   = "REQUEST_IN_FUTURE"
	CodeInvalidSignature  = "INVALID_SIGNATURE"
	CodeOriginNotAllowed  = "ORIGIN_NOT_ALLOWED"
	CodeStoreUnavailable  = "STORE_UNAVAILABLE"
)
