package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshrail/gatekit/store"
)

// ErrUnauthenticated is returned by [Authenticator.Authenticate] when no
// identity could be established for the presented token.
var ErrUnauthenticated = errors.New("unauthenticated")

const cacheKeyPrefix = "sc:"

// Config holds authenticator tuning parameters.
type Config struct {
	// SourceTimeout bounds each authoritative-store round trip.
	SourceTimeout time.Duration
	// CacheTimeout bounds each cache round trip.
	CacheTimeout time.Duration
	// WriterBuffer sizes the best-effort cache write queue.
	WriterBuffer int
	// MinCacheTTL drops cache writes for sessions about to expire anyway.
	MinCacheTTL time.Duration

	// OnCacheWrite observes completed best-effort writes. Test hook; nil in
	// production unless operators want their own accounting.
	OnCacheWrite func(key string, err error)
}

// Authenticator resolves opaque session tokens against the authoritative
// [Source] with a look-aside cache on the shared state store.
type Authenticator struct {
	source Source
	cache  store.KV
	config Config
	writer *cacheWriter
	log    logrus.FieldLogger
	now    func() time.Time
}

// NewAuthenticator creates an [Authenticator]. The cache may be shared with
// the rate limiter; key prefixes keep the spaces apart.
func NewAuthenticator(source Source, cache store.KV, cfg Config, log logrus.FieldLogger) *Authenticator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 3 * time.Second
	}
	if cfg.CacheTimeout <= 0 {
		cfg.CacheTimeout = time.Second
	}
	if cfg.MinCacheTTL <= 0 {
		cfg.MinCacheTTL = time.Second
	}

	return &Authenticator{
		source: source,
		cache:  cache,
		config: cfg,
		writer: newCacheWriter(cache, cfg.WriterBuffer, cfg.CacheTimeout, cfg.OnCacheWrite),
		log:    log,
		now:    time.Now,
	}
}

// TryAuthenticate resolves token to an identity, or nil when the token is
// absent, unknown, expired, or the infrastructure is degraded. It never
// fails the caller; optional-auth routes keep functioning as anonymous.
func (a *Authenticator) TryAuthenticate(ctx context.Context, token string) *Identity {
	identity, err := a.resolve(ctx, token)
	if err != nil {
		a.log.WithError(err).Warn("session lookup degraded, proceeding as anonymous")
		return nil
	}

	return identity
}

// Authenticate resolves token and fails closed: no identity yields
// [ErrUnauthenticated], and an authoritative-store fault is surfaced as
// [store.ErrUnavailable] rather than silently treated as anonymous.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	identity, err := a.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, ErrUnauthenticated
	}

	return identity, nil
}

// resolve implements the cache-aside flow. It returns (nil, nil) for "no
// identity" and an error only for authoritative-store faults.
func (a *Authenticator) resolve(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, nil
	}

	now := a.now()
	key := cacheKeyPrefix + token

	if identity := a.fromCache(ctx, key, now); identity != nil {
		return identity, nil
	}

	identity, err := a.fromSource(ctx, token)
	if err != nil {
		return nil, err
	}

	if identity == nil || identity.Expired(now) {
		// Unknown or expired upstream: make sure a stale cache entry cannot
		// outlive the authoritative record.
		a.evict(ctx, key)
		return nil, nil
	}

	a.populate(key, identity, now)

	return identity, nil
}

func (a *Authenticator) fromCache(ctx context.Context, key string, now time.Time) *Identity {
	ctx, cancel := context.WithTimeout(ctx, a.config.CacheTimeout)
	defer cancel()

	raw, ok, err := a.cache.Get(ctx, key)
	if err != nil {
		a.log.WithError(err).Debug("session cache read failed, falling through to source")
		return nil
	}
	if !ok {
		return nil
	}

	var identity Identity
	if err := json.Unmarshal([]byte(raw), &identity); err != nil {
		a.log.WithError(err).Warn("corrupt session cache entry, evicting")
		a.evict(ctx, key)
		return nil
	}

	// Expiry is never trusted from the cache alone.
	if identity.Expired(now) {
		a.evict(ctx, key)
		return nil
	}

	return &identity
}

func (a *Authenticator) fromSource(ctx context.Context, token string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, a.config.SourceTimeout)
	defer cancel()

	return a.source.SessionByToken(ctx, token)
}

func (a *Authenticator) populate(key string, identity *Identity, now time.Time) {
	ttl := identity.Session.ExpiresAt.Sub(now)
	if ttl < a.config.MinCacheTTL {
		return
	}

	encoded, err := json.Marshal(identity)
	if err != nil {
		a.log.WithError(err).Warn("session cache encode failed")
		return
	}

	a.writer.enqueue(cacheWrite{key: key, value: string(encoded), ttl: ttl})
}

func (a *Authenticator) evict(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, a.config.CacheTimeout)
	defer cancel()

	if err := a.cache.Delete(ctx, key); err != nil {
		a.log.WithError(err).Debug("session cache evict failed")
	}
}

// CacheWritesDropped reports best-effort writes discarded due to queue
// backpressure.
func (a *Authenticator) CacheWritesDropped() uint64 {
	return a.writer.droppedCount()
}

// CacheWritesFailed reports best-effort writes that reached the store and
// failed.
func (a *Authenticator) CacheWritesFailed() uint64 {
	return a.writer.failedCount()
}

// Close drains pending cache writes and stops the writer.
func (a *Authenticator) Close() {
	a.writer.close()
}
