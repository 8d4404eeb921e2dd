// Package authcore is the account-security core of a multi-tenant web API:
// it decides whether a login succeeds, which tokens are issued, how many
// concurrent devices a user may hold, when an account locks out, and how
// two-factor authentication and password-aging policy are enforced.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the decision core. HTTP transport, request validation, email
// delivery, and QR rendering are external collaborators that drive the
// [Engine] through its exported methods. Credential records live behind the
// [UserStore] interface supplied by the caller; token, device-session, and
// lockout state live in Redis stores owned by the engine.
//
// # What this package must NOT do
//
//   - Expose Redis clients or store encodings in its public API.
//   - Perform I/O outside of Engine methods (construction via Builder is
//     allocation-only until Build).
//   - Silently recover a security error: every failure either propagates as a
//     typed error or is logged and retried by a background sweep.
package authcore
