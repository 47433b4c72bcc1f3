package gatekit

import (
	"errors"
	"time"

	"github.com/meshrail/gatekit/ratelimit"
)

// Config carries every tunable of the security layer. It is supplied at
// process startup, validated at [Builder.Build], and immutable afterwards.
type Config struct {
	Store     StoreConfig
	RateLimit RateLimitConfig
	Session   SessionConfig
	Worker    WorkerConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

/*
====================================
STORE CONFIG
====================================
*/

// StoreConfig tunes the shared state store.
type StoreConfig struct {
	// KeyPrefix namespaces every key this deployment writes.
	KeyPrefix string
	// OpTimeout bounds each store round trip.
	OpTimeout time.Duration
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig tunes the distributed rate limiter.
type RateLimitConfig struct {
	// Presets is the immutable lookup table of named profiles routes refer
	// to by name.
	Presets map[string]ratelimit.Preset
	// OpTimeout bounds each limiter store round trip.
	OpTimeout time.Duration
	// DisableFallback turns off per-instance degraded enforcement when the
	// shared store is unreachable.
	DisableFallback bool
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig tunes session authentication and its look-aside cache.
type SessionConfig struct {
	// CookieName is the cookie carrying the opaque session token.
	CookieName string
	// SourceTimeout bounds each authoritative-store round trip.
	SourceTimeout time.Duration
	// CacheTimeout bounds each cache round trip.
	CacheTimeout time.Duration
	// WriterBuffer sizes the best-effort cache population queue.
	WriterBuffer int
	// MinCacheTTL skips caching sessions about to expire anyway.
	MinCacheTTL time.Duration
}

/*
====================================
WORKER CONFIG
====================================
*/

// WorkerConfig tunes service-to-service HMAC verification.
type WorkerConfig struct {
	// Secret is the shared signing secret. Required when any route uses
	// [AuthWorker].
	Secret string
	// MaxAge is the replay window for signed requests.
	MaxAge time.Duration
	// ClockSkew is the tolerance for future timestamps.
	ClockSkew time.Duration
	// AllowedOrigins, when non-empty, restricts signed requests to the
	// listed Origin values.
	AllowedOrigins []string
	// MaxBodyBytes bounds how much of a signed request body is read for
	// verification.
	MaxBodyBytes int64
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig tunes the security-event audit stream.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull sheds events under backpressure instead of blocking the
	// request path.
	DropIfFull bool
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig tunes the lock-free counter set.
type MetricsConfig struct {
	Enabled bool
	// EnableLatencyHistograms adds an Evaluate latency histogram.
	EnableLatencyHistograms bool
}

// Preset names installed by [DefaultConfig]. Routes may reference these or
// any operator-defined preset.
const (
	PresetDefault = "default"
	PresetAuth    = "auth"
	PresetWebhook = "webhook"
)

// DefaultConfig returns the baseline configuration: a permissive default
// preset, a strict preset for credential endpoints, and a wide preset for
// trusted webhook callers.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			KeyPrefix: "gk",
			OpTimeout: 2 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Presets: map[string]ratelimit.Preset{
				PresetDefault: {Window: time.Minute, MaxRequests: 100, KeyPrefix: "rl"},
				PresetAuth:    {Window: time.Minute, MaxRequests: 5, KeyPrefix: "rla"},
				PresetWebhook: {Window: time.Minute, MaxRequests: 1000, KeyPrefix: "rlw"},
			},
			OpTimeout: 2 * time.Second,
		},
		Session: SessionConfig{
			CookieName:    "session_token",
			SourceTimeout: 3 * time.Second,
			CacheTimeout:  time.Second,
			WriterBuffer:  256,
			MinCacheTTL:   time.Second,
		},
		Worker: WorkerConfig{
			MaxAge:       5 * time.Minute,
			ClockSkew:    time.Minute,
			MaxBodyBytes: 1 << 20,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate rejects configurations that cannot run safely.
func (c Config) Validate() error {
	for name, preset := range c.RateLimit.Presets {
		if name == "" {
			return errors.New("rate limit preset with empty name")
		}
		if preset.Window <= 0 {
			return errors.New("rate limit preset " + name + ": window must be positive")
		}
		if preset.MaxRequests <= 0 {
			return errors.New("rate limit preset " + name + ": max requests must be positive")
		}
		if preset.KeyPrefix == "" {
			return errors.New("rate limit preset " + name + ": key prefix required")
		}
	}

	seen := make(map[string]string, len(c.RateLimit.Presets))
	for name, preset := range c.RateLimit.Presets {
		if other, ok := seen[preset.KeyPrefix]; ok {
			return errors.New("rate limit presets " + other + " and " + name + " share key prefix " + preset.KeyPrefix)
		}
		seen[preset.KeyPrefix] = name
	}

	if c.Session.CookieName == "" {
		return errors.New("session cookie name required")
	}

	if c.Worker.MaxAge < 0 || c.Worker.ClockSkew < 0 {
		return errors.New("worker time windows must not be negative")
	}

	return nil
}

func cloneConfig(c Config) Config {
	out := c

	if c.RateLimit.Presets != nil {
		out.RateLimit.Presets = make(map[string]ratelimit.Preset, len(c.RateLimit.Presets))
		for name, preset := range c.RateLimit.Presets {
			out.RateLimit.Presets[name] = preset
		}
	}

	if c.Worker.AllowedOrigins != nil {
		out.Worker.AllowedOrigins = append([]string(nil), c.Worker.AllowedOrigins...)
	}

	return out
}
