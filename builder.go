package gatekit

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/meshrail/gatekit/ratelimit"
	"github.com/meshrail/gatekit/session"
	"github.com/meshrail/gatekit/store"
)

// Builder assembles a [Guard]. Construction is allocation-only; no I/O
// happens until the Guard serves requests.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	kv     store.KV

	source session.Source
	orgs   OrgResolver

	auditSink    AuditSink
	log          logrus.FieldLogger
	onCacheWrite func(key string, err error)

	built bool
}

// New creates a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis supplies the shared state store client. Required for
// multi-instance deployments.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithStore supplies a [store.KV] directly, bypassing Redis. Intended for
// single-instance deployments and tests; a [store.Memory] here means limits
// and cache are per-instance only.
func (b *Builder) WithStore(kv store.KV) *Builder {
	b.kv = kv
	return b
}

// WithSessionSource supplies the authoritative session/user store.
func (b *Builder) WithSessionSource(source session.Source) *Builder {
	b.source = source
	return b
}

// WithOrgResolver supplies the request→organization mapping used by the
// org-membership check.
func (b *Builder) WithOrgResolver(resolver OrgResolver) *Builder {
	b.orgs = resolver
	return b
}

// WithAuditSink supplies the audit event consumer.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger supplies the structured logger. Defaults to
// logrus.StandardLogger.
func (b *Builder) WithLogger(log logrus.FieldLogger) *Builder {
	b.log = log
	return b
}

// WithMetricsEnabled toggles the counter set.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithCacheWriteHook observes completed best-effort session cache writes.
// Primarily for tests and operator accounting.
func (b *Builder) WithCacheWriteHook(hook func(key string, err error)) *Builder {
	b.onCacheWrite = hook
	return b
}

// Build validates the configuration and assembles the [Guard].
func (b *Builder) Build() (*Guard, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.source == nil {
		return nil, errors.New("session source required")
	}

	kv := b.kv
	if kv == nil {
		if b.redis == nil {
			return nil, errors.New("redis client or store required")
		}
		kv = store.NewRedis(b.redis, cfg.Store.KeyPrefix)
	}

	log := b.log
	if log == nil {
		log = logrus.StandardLogger()
	}

	limiter := ratelimit.New(kv, ratelimit.Config{
		OpTimeout:       cfg.RateLimit.OpTimeout,
		DisableFallback: cfg.RateLimit.DisableFallback,
	}, log)

	sessions := session.NewAuthenticator(b.source, kv, session.Config{
		SourceTimeout: cfg.Session.SourceTimeout,
		CacheTimeout:  cfg.Session.CacheTimeout,
		WriterBuffer:  cfg.Session.WriterBuffer,
		MinCacheTTL:   cfg.Session.MinCacheTTL,
		OnCacheWrite:  b.onCacheWrite,
	}, log)

	guard := &Guard{
		config:   cfg,
		limiter:  limiter,
		sessions: sessions,
		orgs:     b.orgs,
		audit:    newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:  NewMetrics(cfg.Metrics),
		log:      log,
		now:      time.Now,
	}

	b.built = true

	return guard, nil
}
