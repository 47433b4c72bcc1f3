package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned (wrapped) by every [KV] implementation when the
// backing store cannot serve the request. Callers decide whether to fail open
// or fail closed.
var ErrUnavailable = errors.New("state store unavailable")

// KV is the shared state store consumed by the rate limiter and the session
// cache. Implementations must be safe for concurrent use.
type KV interface {
	// Get returns the value for key, reporting absence separately from
	// infrastructure failure.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key. A ttl of zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Increment atomically increments the counter at key, creating it at 1
	// with the given ttl when absent. It reports the new count and the
	// remaining time until the counter's window expires.
	Increment(ctx context.Context, key string, ttl time.Duration) (count int64, expiresIn time.Duration, err error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
