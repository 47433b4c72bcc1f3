package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	gatekit "github.com/meshrail/gatekit"
	"github.com/meshrail/gatekit/session"
)

type identityContextKey struct{}

// IdentityFromContext returns the identity injected by [Enforce], when the
// route's policy established one.
func IdentityFromContext(ctx context.Context) (*session.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*session.Identity)
	return identity, ok
}

// Enforce evaluates policy for every request before handing off to next.
// Rejections are answered with the standard JSON error body; allowed
// requests proceed with the resolved identity (if any) in the context.
func Enforce(guard *gatekit.Guard, policy gatekit.SecurityPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if guard == nil {
				writeError(w, http.StatusUnauthorized, gatekit.CodeUnauthenticated, "unauthorized", 0)
				return
			}

			r = r.WithContext(gatekit.WithClientIP(r.Context(), clientIP(r)))

			decision := guard.Evaluate(r, policy)

			writeRateHeaders(w, decision)

			if !decision.Allowed {
				writeError(w, decision.Status, decision.Code, decision.Message, int64(decision.RetryAfter.Seconds()))
				return
			}

			ctx := r.Context()
			if decision.Identity != nil {
				ctx = context.WithValue(ctx, identityContextKey{}, decision.Identity)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireSession guards a route with required session authentication and the
// given roles.
func RequireSession(guard *gatekit.Guard, roles ...string) func(http.Handler) http.Handler {
	return Enforce(guard, gatekit.SecurityPolicy{
		Auth:  gatekit.AuthRequired,
		Roles: roles,
	})
}

// RequireWorker guards a route with worker HMAC verification.
func RequireWorker(guard *gatekit.Guard) func(http.Handler) http.Handler {
	return Enforce(guard, gatekit.SecurityPolicy{
		Auth: gatekit.AuthWorker,
	})
}

func writeRateHeaders(w http.ResponseWriter, decision gatekit.Decision) {
	rate := decision.RateLimit
	if rate == nil {
		return
	}

	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(rate.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(rate.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(rate.ResetAt.Unix(), 10))

	if !decision.Allowed && decision.RetryAfter > 0 {
		h.Set("Retry-After", strconv.FormatInt(int64(decision.RetryAfter.Seconds()), 10))
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, retryAfter int64) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:       code,
			Message:    message,
			RetryAfter: retryAfter,
		},
	})
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// transport peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}

	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
