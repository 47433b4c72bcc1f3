// Package session resolves opaque session tokens to identities through a
// look-aside cache over the shared state store.
//
// # Resolution flow
//
// Cache first; on miss (or stale entry) the authoritative [Source] is
// queried, the cache is repopulated with TTL equal to the session's
// remaining lifetime, and the identity is returned. Expiry is re-checked on
// every cache read, so a stale cache entry can never grant access past the
// authoritative expiry.
//
// # Cache population
//
// Writes to the cache are best effort: they go through an async bounded
// writer and never block or fail the response path. Dropped or failed
// writes are counted and observable through the writer hook.
//
// # What this package must NOT do
//
//   - Create, update, or delete authoritative session rows ([Source] is
//     read-only from here).
//   - Enforce roles, rate limits, or route policy (the Guard owns those).
package session
