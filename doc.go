// Package authgate provides an authentication and session governance engine
// with JWT access tokens, rotating refresh tokens, Redis-backed session
// controls, versioned multi-algorithm key management, and a probabilistic
// registration pre-check.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build]. Coordination across process replicas happens exclusively
// through the shared Redis cache; no in-process lock is relied on for
// cross-instance correctness.
//
// # Architecture boundaries
//
// authgate is the public surface. It exposes [Engine], [Builder], [Config],
// and value types (LoginPolicyResult, SessionLimitInfo, etc.). Flow
// orchestration lives in the Engine; the subsystems it composes — rate
// limiting, audit dispatch, key versioning, token lifecycle, session
// registry, device analysis, existence filtering — live in subpackages and
// under internal/.
//
// # What this package must NOT do
//
//   - Expose Redis clients or encoding details in its public API.
//   - Perform I/O outside of Engine methods (construction via Builder is
//     allocation-only until Build).
//   - Block on the identity store or cache without honoring the caller's
//     context.
package authgate
