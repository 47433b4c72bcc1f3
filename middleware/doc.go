// Package middleware exposes HTTP middleware adapters for the gatekit policy
// pipeline.
//
// # Guards
//
//   - [Enforce] — runs a full [gatekit.SecurityPolicy] through Guard.Evaluate.
//   - [RequireSession] — shorthand for a required-session policy.
//   - [RequireWorker] — shorthand for a worker-signature policy.
//
// Each adapter extracts the client IP, evaluates the policy, writes rate
// limit headers and JSON rejection bodies, and injects the resolved identity
// into the request context.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Guard calls. It does NOT
// implement security logic itself; all decisions are delegated to
// Guard.Evaluate.
//
// # What this package must NOT do
//
//   - Verify signatures or resolve sessions directly (the Guard owns that).
//   - Leak store errors, secrets, or stack traces into response bodies.
package middleware
