package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the network-backed [KV] implementation. It is the source of truth
// when the service runs as multiple instances.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis creates a Redis-backed store. All keys are namespaced under
// prefix so one deployment cannot collide with another on a shared instance.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "gk"
	}
	return &Redis{
		client: client,
		prefix: prefix,
	}
}

func (s *Redis) key(key string) string {
	return s.prefix + ":" + key
}

// Get returns the value for key, reporting absence separately from failure.
func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return value, true, nil
}

// Set stores value under key with the given ttl.
func (s *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return nil
}

// Increment atomically bumps the counter at key. Fixed-window semantics: the
// TTL is set only for the first hit in the window, so the window reset time
// does not move while the window is live.
func (s *Redis) Increment(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	k := s.key(key)

	count, err := s.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if count == 1 {
		if err := s.client.Expire(ctx, k, ttl).Err(); err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return count, ttl, nil
	}

	remaining, err := s.client.PTTL(ctx, k).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if remaining < 0 {
		// Counter exists without expiry (window raced away between INCR and
		// PTTL, or the key predates this code). Re-arm the window.
		if err := s.client.Expire(ctx, k, ttl).Err(); err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		remaining = ttl
	}

	return count, remaining, nil
}

// Delete removes key. Missing keys are not an error.
func (s *Redis) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return nil
}
