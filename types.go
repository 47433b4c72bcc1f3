package gatekit

import (
	"net/http"
	"time"

	"github.com/meshrail/gatekit/ratelimit"
	"github.com/meshrail/gatekit/session"
	"github.com/meshrail/gatekit/store"
)

// Header names for service-to-service request signatures.
const (
	HeaderWorkerSignature = "X-Worker-Signature"
	HeaderWorkerTimestamp = "X-Worker-Timestamp"
)

// AuthMode selects which authenticator a route's policy dispatches to.
type AuthMode uint8

const (
	// AuthNone skips authentication entirely.
	AuthNone AuthMode = iota
	// AuthOptional resolves a session when present but never rejects.
	AuthOptional
	// AuthRequired rejects requests without a valid session.
	AuthRequired
	// AuthWorker verifies a symmetric HMAC request signature.
	AuthWorker
)

func (m AuthMode) String() string {
	switch m {
	case AuthNone:
		return "none"
	case AuthOptional:
		return "optional"
	case AuthRequired:
		return "required"
	case AuthWorker:
		return "worker"
	default:
		return "unknown"
	}
}

// SecurityPolicy declares a route's security posture. Policies are built at
// startup and never mutated at runtime.
type SecurityPolicy struct {
	// Auth selects the authentication mode.
	Auth AuthMode

	// Roles, when non-empty, restricts the route to identities whose user
	// role is a member. Implies an identity must be established.
	Roles []string

	// RateLimit names a preset from [RateLimitConfig.Presets]. Empty skips
	// rate limiting for the route.
	RateLimit string

	// RateKey overrides the client-identity component of the limiter key
	// (e.g. an account ID from the request instead of the caller IP, so
	// shared-IP clients are not punished collectively).
	RateKey func(r *http.Request) string

	// AllowedIPs, when non-empty, restricts the route to the listed caller
	// addresses. Checked before anything else.
	AllowedIPs []string

	// RequireOrgMembership rejects identities without membership in the
	// request's target organization (or in any organization when no org
	// resolver is configured).
	RequireOrgMembership bool
}

// Stage identifies the pipeline stage that produced a decision.
type Stage uint8

const (
	// StageNone marks a decision that passed the whole pipeline.
	StageNone Stage = iota
	// StageIP is the allowlist check.
	StageIP
	// StageRateLimit is the window budget check.
	StageRateLimit
	// StageAuth is session or worker authentication.
	StageAuth
	// StageRole is the role membership check.
	StageRole
	// StageOrgMembership is the org membership check.
	StageOrgMembership
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageIP:
		return "ip"
	case StageRateLimit:
		return "rate_limit"
	case StageAuth:
		return "auth"
	case StageRole:
		return "role"
	case StageOrgMembership:
		return "org_membership"
	default:
		return "unknown"
	}
}

// Decision is the outcome of evaluating one request against a policy. All
// fields needed for response headers and the error body are present even on
// rejection.
type Decision struct {
	Allowed bool

	// Stage names the pipeline stage that rejected the request;
	// [StageNone] when allowed.
	Stage Stage

	// Status is the HTTP status to respond with when rejected.
	Status int
	// Code is the stable error code for the rejection body.
	Code string
	// Message is a safe, human-readable rejection reason. It never carries
	// secret material or store details.
	Message string

	// RetryAfter is non-zero for rate-limit rejections.
	RetryAfter time.Duration

	// RateLimit carries the limiter result whenever the policy named a
	// preset, allowed or not, so callers can emit X-RateLimit-* headers.
	RateLimit *ratelimit.Result

	// Identity is the resolved session identity, when one was established.
	Identity *session.Identity
}

// Err maps a rejection to its sentinel, for callers that branch with
// errors.Is instead of inspecting codes. Allowed decisions return nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}

	switch d.Stage {
	case StageRateLimit:
		return ErrRateLimited
	case StageAuth:
		switch d.Code {
		case CodeUnauthenticated, CodeMissingHeaders:
			return session.ErrUnauthenticated
		case CodeStoreUnavailable:
			return store.ErrUnavailable
		}
		return ErrForbidden
	case StageIP, StageRole, StageOrgMembership:
		return ErrForbidden
	default:
		return ErrForbidden
	}
}

func allow(identity *session.Identity, rate *ratelimit.Result) Decision {
	return Decision{
		Allowed:   true,
		Stage:     StageNone,
		Status:    http.StatusOK,
		RateLimit: rate,
		Identity:  identity,
	}
}

func reject(stage Stage, status int, code, message string) Decision {
	return Decision{
		Stage:   stage,
		Status:  status,
		Code:    code,
		Message: message,
	}
}
