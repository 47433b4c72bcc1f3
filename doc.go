// Package gatekit provides request-security middleware for multi-tenant HTTP
// services: per-client rate limiting, session authentication with a
// look-aside cache, worker HMAC verification, and a declarative per-route
// policy pipeline composing the three.
//
// The package is designed for concurrent server workloads: Guard methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// gatekit is the public surface. It exposes [Guard], [Builder], [Config],
// [SecurityPolicy], and value types (Decision, MetricsSnapshot, AuditEvent).
// The stateful building blocks live in focused subpackages: store (shared
// KV abstraction), ratelimit, session, and workerauth. The HTTP adapter
// lives in middleware.
//
// # Pipeline
//
// Evaluate runs IP check, rate limit, authentication, role check, and
// optional org-membership check in that order, short-circuiting on the first
// rejection. IP filtering runs first because it is the cheapest test; rate
// limiting runs before authentication so brute-force traffic is throttled
// without paying for a session lookup.
//
// # What this package must NOT do
//
//   - Expose Redis clients, cache encodings, or store internals in its
//     public API.
//   - Mutate authoritative session or user rows (they are read-only here).
//   - Perform I/O outside Guard methods (construction via Builder is
//     allocation-only until Build).
package gatekit
