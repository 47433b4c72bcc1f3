package gatekit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshrail/gatekit/ratelimit"
	"github.com/meshrail/gatekit/session"
	"github.com/meshrail/gatekit/store"
	"github.com/meshrail/gatekit/workerauth"
)

// countingKV wraps a KV and counts Increment calls, so tests can prove a
// pipeline stage never executed.
type countingKV struct {
	store.KV
	mu         sync.Mutex
	increments int
}

func (c *countingKV) Increment(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	c.mu.Lock()
	c.increments++
	c.mu.Unlock()
	return c.KV.Increment(ctx, key, ttl)
}

func (c *countingKV) incrementCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.increments
}

// stubSource is an in-memory authoritative session store.
type stubSource struct {
	mu       sync.Mutex
	sessions map[string]*session.Identity
	calls    int
	err      error
}

func newStubSource() *stubSource {
	return &stubSource{sessions: make(map[string]*session.Identity)}
}

func (s *stubSource) SessionByToken(_ context.Context, token string) (*session.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	identity, ok := s.sessions[token]
	if !ok {
		return nil, nil
	}
	clone := *identity
	return &clone, nil
}

func (s *stubSource) add(token, userID, role string, orgs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[token] = &session.Identity{
		Session: session.Record{
			ID:        "sess-" + userID,
			UserID:    userID,
			Token:     token,
			ExpiresAt: time.Now().Add(time.Hour),
		},
		User: session.User{
			ID:     userID,
			Role:   role,
			OrgIDs: orgs,
		},
	}
}

type guardFixture struct {
	guard  *Guard
	kv     *countingKV
	source *stubSource
	sink   *ChannelSink
}

func newGuardFixture(t *testing.T, mutate func(*Config)) *guardFixture {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := DefaultConfig()
	cfg.Worker.Secret = "test-worker-secret"
	cfg.Audit.Enabled = true
	cfg.RateLimit.Presets["tiny"] = ratelimit.Preset{
		Window:      time.Minute,
		MaxRequests: 2,
		KeyPrefix:   "rlt",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	fx := &guardFixture{
		kv:     &countingKV{KV: store.NewMemory()},
		source: newStubSource(),
		sink:   NewChannelSink(32),
	}

	guard, err := New().
		WithConfig(cfg).
		WithStore(fx.kv).
		WithSessionSource(fx.source).
		WithAuditSink(fx.sink).
		WithLogger(log).
		Build()
	if err != nil {
		t.Fatalf("build guard: %v", err)
	}
	t.Cleanup(guard.Close)

	fx.guard = guard
	return fx
}

func sessionRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	r.RemoteAddr = "203.0.113.9:51234"
	if token != "" {
		r.AddCookie(&http.Cookie{Name: "session_token", Value: token})
	}
	return r
}

func TestEvaluateNilGuard(t *testing.T) {
	var g *Guard
	d := g.Evaluate(sessionRequest(""), SecurityPolicy{})
	if d.Allowed || d.Status != http.StatusUnauthorized {
		t.Fatalf("nil guard must fail closed, got %+v", d)
	}
}

func TestIPRejectionSkipsRateLimit(t *testing.T) {
	fx := newGuardFixture(t, nil)

	policy := SecurityPolicy{
		AllowedIPs: []string{"192.0.2.1"},
		RateLimit:  "tiny",
	}

	d := fx.guard.Evaluate(sessionRequest(""), policy)
	if d.Allowed {
		t.Fatal("expected IP rejection")
	}
	if d.Stage != StageIP || d.Status != http.StatusForbidden || d.Code != CodeForbidden {
		t.Fatalf("unexpected decision %+v", d)
	}
	if n := fx.kv.incrementCount(); n != 0 {
		t.Fatalf("rate limiter must not run after IP rejection, increments=%d", n)
	}
}

func TestIPAllowlistAdmitsListedAddress(t *testing.T) {
	fx := newGuardFixture(t, nil)

	policy := SecurityPolicy{AllowedIPs: []string{"203.0.113.9"}}
	if d := fx.guard.Evaluate(sessionRequest(""), policy); !d.Allowed {
		t.Fatalf("listed address rejected: %+v", d)
	}
}

func TestClientIPFromContextOverridesPeer(t *testing.T) {
	fx := newGuardFixture(t, nil)

	r := sessionRequest("")
	r = r.WithContext(WithClientIP(r.Context(), "198.51.100.7"))

	policy := SecurityPolicy{AllowedIPs: []string{"198.51.100.7"}}
	if d := fx.guard.Evaluate(r, policy); !d.Allowed {
		t.Fatalf("forwarded address not honored: %+v", d)
	}
}

func TestRateLimitRunsBeforeAuth(t *testing.T) {
	fx := newGuardFixture(t, nil)

	policy := SecurityPolicy{
		Auth:      AuthRequired,
		RateLimit: "tiny",
	}

	// Two requests consume the window. Both reject at auth, proving the
	// limiter charged them before authentication ran.
	for i := 0; i < 2; i++ {
		d := fx.guard.Evaluate(sessionRequest(""), policy)
		if d.Stage != StageAuth || d.Status != http.StatusUnauthorized {
			t.Fatalf("request %d: expected auth rejection, got %+v", i+1, d)
		}
		if d.RateLimit == nil {
			t.Fatalf("request %d: auth rejection must still carry rate limit state", i+1)
		}
	}

	sourceCalls := func() int {
		fx.source.mu.Lock()
		defer fx.source.mu.Unlock()
		return fx.source.calls
	}
	before := sourceCalls()

	d := fx.guard.Evaluate(sessionRequest(""), policy)
	if d.Stage != StageRateLimit || d.Status != http.StatusTooManyRequests || d.Code != CodeRateLimitExceeded {
		t.Fatalf("third request must reject at rate limit, got %+v", d)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("implausible RetryAfter %v", d.RetryAfter)
	}
	if sourceCalls() != before {
		t.Fatal("authentication must not run once the rate limit rejects")
	}
}

func TestUnknownPresetIsSkipped(t *testing.T) {
	fx := newGuardFixture(t, nil)

	d := fx.guard.Evaluate(sessionRequest(""), SecurityPolicy{RateLimit: "no-such-preset"})
	if !d.Allowed {
		t.Fatalf("unknown preset must not take the route down: %+v", d)
	}
	if n := fx.kv.incrementCount(); n != 0 {
		t.Fatalf("unknown preset must not charge the store, increments=%d", n)
	}
}

func TestRateKeyOverrideScopesLimit(t *testing.T) {
	fx := newGuardFixture(t, nil)

	policy := SecurityPolicy{
		RateLimit: "tiny",
		RateKey: func(r *http.Request) string {
			return r.Header.Get("X-API-Key")
		},
	}

	send := func(apiKey string) Decision {
		r := sessionRequest("")
		r.Header.Set("X-API-Key", apiKey)
		return fx.guard.Evaluate(r, policy)
	}

	for i := 0; i < 2; i++ {
		if d := send("key-a"); !d.Allowed {
			t.Fatalf("key-a request %d rejected: %+v", i+1, d)
		}
	}
	if d := send("key-a"); d.Allowed {
		t.Fatal("key-a must be exhausted")
	}
	if d := send("key-b"); !d.Allowed {
		t.Fatal("key-b must have its own window")
	}
}

func TestRequiredAuth(t *testing.T) {
	fx := newGuardFixture(t, nil)
	fx.source.add("tok-1", "u1", "member", "org-1")

	policy := SecurityPolicy{Auth: AuthRequired}

	d := fx.guard.Evaluate(sessionRequest("tok-1"), policy)
	if !d.Allowed || d.Identity == nil || d.Identity.User.ID != "u1" {
		t.Fatalf("valid session rejected: %+v", d)
	}

	d = fx.guard.Evaluate(sessionRequest(""), policy)
	if d.Allowed || d.Status != http.StatusUnauthorized || d.Code != CodeUnauthenticated {
		t.Fatalf("missing cookie must reject with 401, got %+v", d)
	}

	d = fx.guard.Evaluate(sessionRequest("tok-unknown"), policy)
	if d.Allowed || d.Status != http.StatusUnauthorized {
		t.Fatalf("unknown token must reject with 401, got %+v", d)
	}
}

func TestRequiredAuthBackendFaultFailsClosed(t *testing.T) {
	fx := newGuardFixture(t, nil)
	fx.source.mu.Lock()
	fx.source.err = errors.New("postgres down")
	fx.source.mu.Unlock()

	d := fx.guard.Evaluate(sessionRequest("tok-1"), SecurityPolicy{Auth: AuthRequired})
	if d.Allowed {
		t.Fatal("backend fault on required-auth route must fail closed")
	}
	if d.Status != http.StatusServiceUnavailable || d.Code != CodeStoreUnavailable {
		t.Fatalf("expected 503 %s, got %+v", CodeStoreUnavailable, d)
	}
}

func TestOptionalAuthDegradesToAnonymous(t *testing.T) {
	fx := newGuardFixture(t, nil)
	fx.source.mu.Lock()
	fx.source.err = errors.New("postgres down")
	fx.source.mu.Unlock()

	d := fx.guard.Evaluate(sessionRequest("tok-1"), SecurityPolicy{Auth: AuthOptional})
	if !d.Allowed {
		t.Fatalf("optional auth must fail open: %+v", d)
	}
	if d.Identity != nil {
		t.Fatal("degraded optional auth must be anonymous")
	}
}

func TestRoleCheck(t *testing.T) {
	fx := newGuardFixture(t, nil)
	fx.source.add("tok-member", "u1", "member")
	fx.source.add("tok-admin", "u2", "admin")

	policy := SecurityPolicy{Auth: AuthRequired, Roles: []string{"admin"}}

	d := fx.guard.Evaluate(sessionRequest("tok-member"), policy)
	if d.Allowed || d.Stage != StageRole || d.Status != http.StatusForbidden {
		t.Fatalf("member must not pass admin check: %+v", d)
	}

	d = fx.guard.Evaluate(sessionRequest("tok-admin"), policy)
	if !d.Allowed {
		t.Fatalf("admin rejected: %+v", d)
	}

	// Roles without identity (optional auth, anonymous) rejects with 401.
	d = fx.guard.Evaluate(sessionRequest(""), SecurityPolicy{Auth: AuthOptional, Roles: []string{"admin"}})
	if d.Allowed || d.Status != http.StatusUnauthorized {
		t.Fatalf("anonymous must fail role check with 401: %+v", d)
	}
}

func TestOrgMembershipWithoutResolver(t *testing.T) {
	fx := newGuardFixture(t, nil)
	fx.source.add("tok-member", "u1", "member", "org-1")
	fx.source.add("tok-orgless", "u2", "member")

	policy := SecurityPolicy{Auth: AuthRequired, RequireOrgMembership: true}

	if d := fx.guard.Evaluate(sessionRequest("tok-member"), policy); !d.Allowed {
		t.Fatalf("org member rejected: %+v", d)
	}

	d := fx.guard.Evaluate(sessionRequest("tok-orgless"), policy)
	if d.Allowed || d.Stage != StageOrgMembership || d.Status != http.StatusForbidden {
		t.Fatalf("orgless user must be rejected: %+v", d)
	}
}

func TestOrgMembershipWithResolver(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	source := newStubSource()
	source.add("tok-1", "u1", "member", "org-1", "org-3")

	guard, err := New().
		WithStore(store.NewMemory()).
		WithSessionSource(source).
		WithOrgResolver(func(r *http.Request) string {
			return r.Header.Get("X-Org-ID")
		}).
		WithLogger(log).
		Build()
	if err != nil {
		t.Fatalf("build guard: %v", err)
	}
	t.Cleanup(guard.Close)

	policy := SecurityPolicy{Auth: AuthRequired, RequireOrgMembership: true}

	r := sessionRequest("tok-1")
	r.Header.Set("X-Org-ID", "org-3")
	if d := guard.Evaluate(r, policy); !d.Allowed {
		t.Fatalf("member of org-3 rejected: %+v", d)
	}

	r = sessionRequest("tok-1")
	r.Header.Set("X-Org-ID", "org-2")
	d := guard.Evaluate(r, policy)
	if d.Allowed || d.Stage != StageOrgMembership {
		t.Fatalf("non-member must be rejected: %+v", d)
	}
}

func workerRequest(t *testing.T, secret string, body []byte, at time.Time) *http.Request {
	t.Helper()

	r := httptest.NewRequest(http.MethodPost, "/internal/jobs", bytes.NewReader(body))
	r.RemoteAddr = "203.0.113.9:51234"
	ts := at.Unix()
	r.Header.Set(HeaderWorkerTimestamp, strconv.FormatInt(ts, 10))
	r.Header.Set(HeaderWorkerSignature, workerauth.Sign(body, secret, ts))
	return r
}

func TestWorkerAuth(t *testing.T) {
	fx := newGuardFixture(t, nil)

	policy := SecurityPolicy{Auth: AuthWorker}
	body := []byte(`{"job":"reindex"}`)

	r := workerRequest(t, "test-worker-secret", body, time.Now())
	d := fx.guard.Evaluate(r, policy)
	if !d.Allowed {
		t.Fatalf("valid worker signature rejected: %+v", d)
	}

	// The body must still be readable by the downstream handler.
	restored, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("read restored body: %v", err)
	}
	if !bytes.Equal(restored, body) {
		t.Fatalf("body not restored: %q", restored)
	}
}

func TestWorkerAuthRejections(t *testing.T) {
	fx := newGuardFixture(t, nil)
	policy := SecurityPolicy{Auth: AuthWorker}
	body := []byte(`{"job":"reindex"}`)

	t.Run("missing headers", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/internal/jobs", bytes.NewReader(body))
		d := fx.guard.Evaluate(r, policy)
		if d.Allowed || d.Status != http.StatusUnauthorized || d.Code != CodeMissingHeaders {
			t.Fatalf("expected 401 %s, got %+v", CodeMissingHeaders, d)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		r := workerRequest(t, "another-secret", body, time.Now())
		d := fx.guard.Evaluate(r, policy)
		if d.Allowed || d.Status != http.StatusForbidden || d.Code != CodeInvalidSignature {
			t.Fatalf("expected 403 %s, got %+v", CodeInvalidSignature, d)
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		r := workerRequest(t, "test-worker-secret", body, time.Now())
		r.Body = io.NopCloser(bytes.NewReader([]byte(`{"job":"drop-tables"}`)))
		d := fx.guard.Evaluate(r, policy)
		if d.Allowed || d.Code != CodeInvalidSignature {
			t.Fatalf("expected %s, got %+v", CodeInvalidSignature, d)
		}
	})

	t.Run("expired", func(t *testing.T) {
		r := workerRequest(t, "test-worker-secret", body, time.Now().Add(-10*time.Minute))
		d := fx.guard.Evaluate(r, policy)
		if d.Allowed || d.Code != CodeRequestExpired {
			t.Fatalf("expected %s, got %+v", CodeRequestExpired, d)
		}
	})

	t.Run("future timestamp", func(t *testing.T) {
		r := workerRequest(t, "test-worker-secret", body, time.Now().Add(10*time.Minute))
		d := fx.guard.Evaluate(r, policy)
		if d.Allowed || d.Code != CodeRequestInFuture {
			t.Fatalf("expected %s, got %+v", CodeRequestInFuture, d)
		}
	})
}

func TestAuditEmitsRejectionsOnly(t *testing.T) {
	fx := newGuardFixture(t, nil)
	fx.source.add("tok-1", "u1", "member")

	if d := fx.guard.Evaluate(sessionRequest("tok-1"), SecurityPolicy{Auth: AuthRequired}); !d.Allowed {
		t.Fatalf("setup request rejected: %+v", d)
	}

	d := fx.guard.Evaluate(sessionRequest(""), SecurityPolicy{Auth: AuthRequired})
	if d.Allowed {
		t.Fatal("expected rejection")
	}

	select {
	case event := <-fx.sink.Events():
		if event.EventType != "request_rejected" {
			t.Fatalf("unexpected event type %q", event.EventType)
		}
		if event.Stage != StageAuth.String() || event.Code != CodeUnauthenticated {
			t.Fatalf("unexpected event %+v", event)
		}
		if event.IP != "203.0.113.9" || event.Route != "/api/items" {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audit event")
	}

	select {
	case event := <-fx.sink.Events():
		t.Fatalf("allowed request must not emit audit events, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestValidatePolicy(t *testing.T) {
	fx := newGuardFixture(t, nil)

	if err := fx.guard.ValidatePolicy(SecurityPolicy{RateLimit: "tiny"}); err != nil {
		t.Fatalf("known preset must validate: %v", err)
	}
	if err := fx.guard.ValidatePolicy(SecurityPolicy{RateLimit: "no-such"}); !errors.Is(err, ErrPresetUnknown) {
		t.Fatalf("expected ErrPresetUnknown, got %v", err)
	}

	var nilGuard *Guard
	if err := nilGuard.ValidatePolicy(SecurityPolicy{}); !errors.Is(err, ErrGuardNotReady) {
		t.Fatalf("expected ErrGuardNotReady, got %v", err)
	}
}

func TestValidatePolicyWorkerSecret(t *testing.T) {
	fx := newGuardFixture(t, func(c *Config) {
		c.Worker.Secret = ""
	})

	if err := fx.guard.ValidatePolicy(SecurityPolicy{Auth: AuthWorker}); err == nil {
		t.Fatal("worker policy without a secret must not validate")
	}
}

func TestDecisionErrMapping(t *testing.T) {
	fx := newGuardFixture(t, nil)

	d := fx.guard.Evaluate(sessionRequest(""), SecurityPolicy{Auth: AuthRequired})
	if !errors.Is(d.Err(), session.ErrUnauthenticated) {
		t.Fatalf("auth rejection must map to ErrUnauthenticated, got %v", d.Err())
	}

	d = fx.guard.Evaluate(sessionRequest(""), SecurityPolicy{AllowedIPs: []string{"192.0.2.1"}})
	if !errors.Is(d.Err(), ErrForbidden) {
		t.Fatalf("IP rejection must map to ErrForbidden, got %v", d.Err())
	}

	policy := SecurityPolicy{RateLimit: "tiny"}
	fx.guard.Evaluate(sessionRequest(""), policy)
	fx.guard.Evaluate(sessionRequest(""), policy)
	d = fx.guard.Evaluate(sessionRequest(""), policy)
	if !errors.Is(d.Err(), ErrRateLimited) {
		t.Fatalf("throttled request must map to ErrRateLimited, got %v", d.Err())
	}

	fx.source.add("tok-1", "u1", "member")
	d = fx.guard.Evaluate(sessionRequest("tok-1"), SecurityPolicy{Auth: AuthRequired})
	if d.Err() != nil {
		t.Fatalf("allowed decision must have nil Err, got %v", d.Err())
	}
}

func BenchmarkEvaluateSessionRoute(b *testing.B) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	source := newStubSource()
	source.add("tok-1", "u1", "member")

	guard, err := New().
		WithStore(store.NewMemory()).
		WithSessionSource(source).
		WithLogger(log).
		Build()
	if err != nil {
		b.Fatalf("build guard: %v", err)
	}
	defer guard.Close()

	policy := SecurityPolicy{Auth: AuthRequired}
	r := sessionRequest("tok-1")

	// Warm the session cache so the loop measures the steady state.
	if d := guard.Evaluate(r, policy); !d.Allowed {
		b.Fatalf("warmup rejected: %+v", d)
	}
	time.Sleep(50 * time.Millisecond)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if d := guard.Evaluate(r, policy); !d.Allowed {
			b.Fatalf("rejected: %+v", d)
		}
	}
}

func TestMetricsCountPipelineOutcomes(t *testing.T) {
	fx := newGuardFixture(t, nil)
	fx.source.add("tok-1", "u1", "member")

	fx.guard.Evaluate(sessionRequest("tok-1"), SecurityPolicy{Auth: AuthRequired})
	fx.guard.Evaluate(sessionRequest(""), SecurityPolicy{Auth: AuthRequired})
	fx.guard.Evaluate(sessionRequest(""), SecurityPolicy{AllowedIPs: []string{"192.0.2.1"}})

	snap := fx.guard.MetricsSnapshot()
	if snap.Counters[MetricRequestAllowed] != 1 {
		t.Fatalf("allowed=%d, want 1", snap.Counters[MetricRequestAllowed])
	}
	if snap.Counters[MetricSessionAuthenticated] != 1 {
		t.Fatalf("authenticated=%d, want 1", snap.Counters[MetricSessionAuthenticated])
	}
	if snap.Counters[MetricSessionRejected] != 1 {
		t.Fatalf("session rejected=%d, want 1", snap.Counters[MetricSessionRejected])
	}
	if snap.Counters[MetricIPRejected] != 1 {
		t.Fatalf("ip rejected=%d, want 1", snap.Counters[MetricIPRejected])
	}
}
