// Package workerauth authenticates service-to-service calls with symmetric
// HMAC-SHA256 signatures over a timestamped canonical string.
//
// # Canonical form
//
// The signed string is "{timestamp}:{payload}" with the timestamp in integer
// seconds since epoch. Signatures are hex encoded.
//
// # Verification order
//
// Verify checks, in order: header presence, timestamp parseability, replay
// age, clock skew, signature (constant time), origin allowlist. The checks
// are mutually exclusive so an expired-but-valid request reports
// [ErrRequestExpired], never [ErrInvalidSignature].
//
// # What this package must NOT do
//
//   - Keep any durable state (verification is pure computation).
//   - Read headers itself (the middleware extracts them).
package workerauth
