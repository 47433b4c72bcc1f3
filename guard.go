package gatekit

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshrail/gatekit/ratelimit"
	"github.com/meshrail/gatekit/session"
	"github.com/meshrail/gatekit/workerauth"
)

// OrgResolver extracts the target organization from a request (e.g. a path
// segment) for the org-membership check. A nil resolver makes membership
// mean "belongs to at least one organization".
type OrgResolver func(r *http.Request) string

// Guard evaluates requests against per-route security policies. It is
// immutable and safe for concurrent use after [Builder.Build].
type Guard struct {
	config   Config
	limiter  *ratelimit.Limiter
	sessions *session.Authenticator
	orgs     OrgResolver
	audit    *auditDispatcher
	metrics  *Metrics
	log      logrus.FieldLogger
	now      func() time.Time
}

// Evaluate runs the policy pipeline for one request: IP allowlist, rate
// limit, authentication, role check, org membership. It short-circuits on
// the first rejection. The returned [Decision] carries everything the HTTP
// layer needs for headers and the error body.
func (g *Guard) Evaluate(r *http.Request, policy SecurityPolicy) Decision {
	if g == nil {
		return reject(StageAuth, http.StatusUnauthorized, CodeUnauthenticated, "security guard not initialized")
	}

	start := g.now()
	decision := g.evaluate(r, policy)
	g.metrics.Observe(MetricEvaluateLatency, g.now().Sub(start))

	g.record(r, policy, decision)

	return decision
}

func (g *Guard) evaluate(r *http.Request, policy SecurityPolicy) Decision {
	ip := g.clientIP(r)

	if d, ok := g.checkIP(ip, policy); !ok {
		return d
	}

	rate, d, ok := g.checkRate(r, ip, policy)
	if !ok {
		return d
	}

	identity, d, ok := g.checkAuth(r, policy)
	if !ok {
		d.RateLimit = rate
		return d
	}

	if d, ok := g.checkRole(identity, policy); !ok {
		d.RateLimit = rate
		return d
	}

	if d, ok := g.checkOrg(r, identity, policy); !ok {
		d.RateLimit = rate
		return d
	}

	g.metrics.Inc(MetricRequestAllowed)

	return allow(identity, rate)
}

func (g *Guard) checkIP(ip string, policy SecurityPolicy) (Decision, bool) {
	if len(policy.AllowedIPs) == 0 {
		return Decision{}, true
	}

	for _, allowed := range policy.AllowedIPs {
		if allowed == ip {
			return Decision{}, true
		}
	}

	g.metrics.Inc(MetricIPRejected)

	return reject(StageIP, http.StatusForbidden, CodeForbidden, "address not allowed"), false
}

func (g *Guard) checkRate(r *http.Request, ip string, policy SecurityPolicy) (*ratelimit.Result, Decision, bool) {
	if policy.RateLimit == "" {
		return nil, Decision{}, true
	}

	preset, ok := g.config.RateLimit.Presets[policy.RateLimit]
	if !ok {
		// Misconfiguration, not an attack: do not take the route down.
		g.log.WithField("preset", policy.RateLimit).Error("route references unknown rate limit preset")
		return nil, Decision{}, true
	}

	identity := ip
	if policy.RateKey != nil {
		if override := policy.RateKey(r); override != "" {
			identity = override
		}
	}

	key := ratelimit.Key(preset.KeyPrefix, identity, r.URL.Path)
	result := g.limiter.Check(r.Context(), key, preset.Window, preset.MaxRequests)

	if result.Degraded {
		g.metrics.Inc(MetricRateLimitDegraded)
	}

	if !result.Allowed {
		g.metrics.Inc(MetricRateLimitRejected)
		d := reject(StageRateLimit, http.StatusTooManyRequests, CodeRateLimitExceeded, "rate limit exceeded")
		d.RetryAfter = result.RetryAfter(g.now())
		d.RateLimit = &result
		return &result, d, false
	}

	g.metrics.Inc(MetricRateLimitAllowed)

	return &result, Decision{}, true
}

func (g *Guard) checkAuth(r *http.Request, policy SecurityPolicy) (*session.Identity, Decision, bool) {
	switch policy.Auth {
	case AuthNone:
		return nil, Decision{}, true

	case AuthOptional:
		identity := g.sessions.TryAuthenticate(r.Context(), g.sessionToken(r))
		if identity == nil {
			g.metrics.Inc(MetricSessionAnonymous)
		} else {
			g.metrics.Inc(MetricSessionAuthenticated)
		}
		return identity, Decision{}, true

	case AuthRequired:
		identity, err := g.sessions.Authenticate(r.Context(), g.sessionToken(r))
		if err != nil {
			if !errors.Is(err, session.ErrUnauthenticated) {
				// Any other failure is an infrastructure fault; silently
				// allowing here would be a security hole, so fail closed.
				g.metrics.Inc(MetricSessionStoreFault)
				g.log.WithError(err).Warn("session backend fault on required-auth route")
				return nil, reject(StageAuth, http.StatusServiceUnavailable, CodeStoreUnavailable, "session backend unavailable"), false
			}
			g.metrics.Inc(MetricSessionRejected)
			return nil, reject(StageAuth, http.StatusUnauthorized, CodeUnauthenticated, "authentication required"), false
		}
		g.metrics.Inc(MetricSessionAuthenticated)
		return identity, Decision{}, true

	case AuthWorker:
		if d, ok := g.checkWorker(r); !ok {
			g.metrics.Inc(MetricWorkerRejected)
			return nil, d, false
		}
		g.metrics.Inc(MetricWorkerAccepted)
		return nil, Decision{}, true

	default:
		return nil, reject(StageAuth, http.StatusUnauthorized, CodeUnauthenticated, "unknown auth mode"), false
	}
}

func (g *Guard) checkWorker(r *http.Request) (Decision, bool) {
	payload, err := g.workerPayload(r)
	if err != nil {
		return reject(StageAuth, http.StatusForbidden, CodeInvalidSignature, "unreadable request body"), false
	}

	err = workerauth.Verify(workerauth.VerifyInput{
		Payload:        payload,
		Signature:      r.Header.Get(HeaderWorkerSignature),
		Timestamp:      r.Header.Get(HeaderWorkerTimestamp),
		Secret:         g.config.Worker.Secret,
		MaxAge:         g.config.Worker.MaxAge,
		Now:            g.now(),
		ClockSkew:      g.config.Worker.ClockSkew,
		AllowedOrigins: g.config.Worker.AllowedOrigins,
		Origin:         r.Header.Get("Origin"),
	})
	if err == nil {
		return Decision{}, true
	}

	switch {
	case errors.Is(err, workerauth.ErrMissingHeaders):
		return reject(StageAuth, http.StatusUnauthorized, CodeMissingHeaders, "signature headers required"), false
	case errors.Is(err, workerauth.ErrInvalidTimestamp):
		return reject(StageAuth, http.StatusForbidden, CodeInvalidTimestamp, "signature timestamp invalid"), false
	case errors.Is(err, workerauth.ErrRequestExpired):
		return reject(StageAuth, http.StatusForbidden, CodeRequestExpired, "signed request expired"), false
	case errors.Is(err, workerauth.ErrRequestInFuture):
		return reject(StageAuth, http.StatusForbidden, CodeRequestInFuture, "signature timestamp in future"), false
	case errors.Is(err, workerauth.ErrOriginNotAllowed):
		return reject(StageAuth, http.StatusForbidden, CodeOriginNotAllowed, "origin not allowed"), false
	default:
		return reject(StageAuth, http.StatusForbidden, CodeInvalidSignature, "invalid request signature"), false
	}
}

// workerPayload reads the request body for signature verification and
// restores it so the business handler still sees it.
func (g *Guard) workerPayload(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}

	limit := g.config.Worker.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(payload))

	return payload, nil
}

func (g *Guard) checkRole(identity *session.Identity, policy SecurityPolicy) (Decision, bool) {
	if len(policy.Roles) == 0 {
		return Decision{}, true
	}

	if identity == nil {
		g.metrics.Inc(MetricSessionRejected)
		return reject(StageRole, http.StatusUnauthorized, CodeUnauthenticated, "authentication required"), false
	}

	for _, role := range policy.Roles {
		if role == identity.User.Role {
			return Decision{}, true
		}
	}

	g.metrics.Inc(MetricRoleRejected)

	return reject(StageRole, http.StatusForbidden, CodeForbidden, "insufficient role"), false
}

func (g *Guard) checkOrg(r *http.Request, identity *session.Identity, policy SecurityPolicy) (Decision, bool) {
	if !policy.RequireOrgMembership {
		return Decision{}, true
	}

	if identity == nil {
		return reject(StageOrgMembership, http.StatusUnauthorized, CodeUnauthenticated, "authentication required"), false
	}

	if g.orgs == nil {
		if len(identity.User.OrgIDs) > 0 {
			return Decision{}, true
		}
		g.metrics.Inc(MetricOrgRejected)
		return reject(StageOrgMembership, http.StatusForbidden, CodeForbidden, "organization membership required"), false
	}

	target := g.orgs(r)
	for _, org := range identity.User.OrgIDs {
		if org == target {
			return Decision{}, true
		}
	}

	g.metrics.Inc(MetricOrgRejected)

	return reject(StageOrgMembership, http.StatusForbidden, CodeForbidden, "organization membership required"), false
}

// clientIP prefers an address attached via [WithClientIP] (set by fronting
// middleware from X-Forwarded-For) over the transport peer address.
func (g *Guard) clientIP(r *http.Request) string {
	if ip := clientIPFromContext(r.Context()); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (g *Guard) sessionToken(r *http.Request) string {
	cookie, err := r.Cookie(g.config.Session.CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (g *Guard) record(r *http.Request, policy SecurityPolicy, decision Decision) {
	if g.audit == nil || decision.Allowed {
		return
	}

	event := AuditEvent{
		Timestamp: g.now(),
		EventType: "request_rejected",
		Stage:     decision.Stage.String(),
		Route:     r.URL.Path,
		IP:        g.clientIP(r),
		Allowed:   false,
		Code:      decision.Code,
		Metadata: map[string]string{
			"auth_mode": policy.Auth.String(),
		},
	}
	if decision.Identity != nil {
		event.UserID = decision.Identity.User.ID
		event.SessionID = decision.Identity.Session.ID
	}

	g.audit.emit(r.Context(), event)
}

// ValidatePolicy rejects policies that cannot be enforced as declared, so
// misconfigured routes surface at startup instead of being silently skipped
// at request time.
func (g *Guard) ValidatePolicy(policy SecurityPolicy) error {
	if g == nil {
		return ErrGuardNotReady
	}

	if policy.RateLimit != "" {
		if _, ok := g.config.RateLimit.Presets[policy.RateLimit]; !ok {
			return fmt.Errorf("%w: %s", ErrPresetUnknown, policy.RateLimit)
		}
	}

	if policy.Auth == AuthWorker && g.config.Worker.Secret == "" {
		return errors.New("worker auth route requires a worker secret")
	}

	return nil
}

// MetricsSnapshot copies the Guard's counters for export.
func (g *Guard) MetricsSnapshot() MetricsSnapshot {
	return g.metrics.Snapshot()
}

// AuditDropped reports audit events shed under backpressure.
func (g *Guard) AuditDropped() uint64 {
	return g.audit.droppedCount()
}

// CacheWritesDropped reports best-effort session cache writes discarded due
// to queue backpressure.
func (g *Guard) CacheWritesDropped() uint64 {
	return g.sessions.CacheWritesDropped()
}

// Close drains the audit dispatcher and the session cache writer.
func (g *Guard) Close() {
	g.audit.close()
	g.sessions.Close()
}
