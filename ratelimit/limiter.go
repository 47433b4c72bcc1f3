package ratelimit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshrail/gatekit/store"
)

// Preset names a reusable rate-limit profile. Distinct key prefixes keep one
// scope's traffic from exhausting another's quota.
type Preset struct {
	Window      time.Duration
	MaxRequests int
	KeyPrefix   string
}

// Result is returned by every Check call, rejected or not, so callers can
// always emit standard rate-limit headers and a Retry-After value.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time

	// Degraded reports that this decision came from the process-local
	// fallback rather than the shared store.
	Degraded bool
}

// RetryAfter is the time until the current window resets, floored at zero
// and rounded up to whole seconds for the Retry-After header.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d.Round(time.Second)
}

// Config holds limiter tuning parameters.
type Config struct {
	// OpTimeout bounds each store round trip. Zero keeps the caller's
	// deadline only.
	OpTimeout time.Duration

	// DisableFallback turns off the process-local degraded mode; Check then
	// allows the request when the store is unreachable (fail open) but
	// reports Degraded.
	DisableFallback bool
}

// Limiter enforces a maximum request count per key within a rolling
// fixed window, backed by the shared state store.
type Limiter struct {
	store    store.KV
	fallback store.KV
	config   Config
	log      logrus.FieldLogger
	now      func() time.Time
}

// New creates a [Limiter] on the given store. The fallback store is created
// internally and is never shared across instances.
func New(kv store.KV, cfg Config, log logrus.FieldLogger) *Limiter {
	if log == nil {
		log = logrus.StandardLogger()
	}

	l := &Limiter{
		store:  kv,
		config: cfg,
		log:    log,
		now:    time.Now,
	}
	if !cfg.DisableFallback {
		l.fallback = store.NewMemory()
	}

	return l
}

// Check records one request against key and reports whether it fits within
// max requests per window. It never returns an error: store failure degrades
// to per-instance enforcement (or fail-open when fallback is disabled).
func (l *Limiter) Check(ctx context.Context, key string, window time.Duration, max int) Result {
	count, expiresIn, err := l.increment(ctx, l.store, key, window)
	if err != nil {
		l.log.WithError(err).WithField("key", key).
			Warn("rate limit store unreachable, enforcing per-instance limits only")

		if l.fallback == nil {
			now := l.now()
			return Result{Allowed: true, Limit: max, Remaining: max, ResetAt: now.Add(window), Degraded: true}
		}

		count, expiresIn, err = l.increment(ctx, l.fallback, key, window)
		if err != nil {
			// The memory store cannot fail; this only guards a future swap.
			now := l.now()
			return Result{Allowed: true, Limit: max, Remaining: max, ResetAt: now.Add(window), Degraded: true}
		}

		return l.decide(count, expiresIn, max, true)
	}

	return l.decide(count, expiresIn, max, false)
}

func (l *Limiter) decide(count int64, expiresIn time.Duration, max int, degraded bool) Result {
	remaining := max - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count <= int64(max),
		Limit:     max,
		Remaining: remaining,
		ResetAt:   l.now().Add(expiresIn),
		Degraded:  degraded,
	}
}

func (l *Limiter) increment(ctx context.Context, kv store.KV, key string, window time.Duration) (int64, time.Duration, error) {
	if l.config.OpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.OpTimeout)
		defer cancel()
	}

	return kv.Increment(ctx, key, window)
}

// Key builds the default limiter key: scope prefix, client identity, route.
// Callers override identity to rate-limit per account instead of per
// network address.
func Key(prefix, identity, route string) string {
	return prefix + ":" + identity + ":" + route
}
