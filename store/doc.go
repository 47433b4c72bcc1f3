// Package store provides the shared key-value state abstraction backing the
// rate limiter and the session cache.
//
// # Contract
//
// [KV] is deliberately small: Get, Set-with-TTL, atomic Increment, Delete.
// Two implementations share it:
//
//   - [Redis]: the source of truth for multi-instance deployments. All
//     failures are wrapped in [ErrUnavailable]; callers decide fail-open vs
//     fail-closed, never this package.
//   - [Memory]: a process-local mutex+map fallback for single-instance and
//     degraded operation. Its limits are per-instance only.
//
// # Window semantics
//
// Increment implements fixed-window counters: INCR + conditional EXPIRE on
// the first hit in a window. The reported time-to-reset is the remaining TTL
// of the existing window, which never grows within a window.
//
// # What this package must NOT do
//
//   - Interpret values (counters vs cached identities are caller concerns).
//   - Swallow errors: unavailability is always surfaced as [ErrUnavailable]
//     so callers can pick their degradation policy.
package store
