// Package ratelimit enforces per-key request budgets over fixed time windows
// using the shared state store.
//
// # Window semantics
//
// Fixed-window counters: the first request for a key creates a counter with
// count=1 and a window that expires via store TTL; subsequent requests
// atomically increment it. A request is rejected once the incremented count
// exceeds the configured maximum. Two racing increments at the window
// boundary may both pass; approximate enforcement under concurrency is an
// accepted trade-off over a global lock.
//
// # Degraded mode
//
// Check never fails the caller. When the primary store is unreachable the
// limiter falls back to a process-local store, logs a warning, and keeps
// enforcing per-instance limits. That fallback is not distributed and is a
// stopgap only.
//
// # What this package must NOT do
//
//   - Decide which identity a key is built from (callers pick IP, user ID,
//     or a custom component via [Key]).
//   - Write HTTP headers or response bodies (the middleware owns those).
package ratelimit
