// Package token implements the access/refresh token lifecycle: issuance,
// validation, CSRF binding, rotation-on-use, and revocation.
//
// Access and short-lived tokens are self-contained JWTs signed with the
// current key version of the configured namespace; the producing version is
// stamped into the token header so validation can select the matching
// retained key after rotation. Refresh tokens additionally carry a token ID
// whose metadata lives in Redis; the revoked flag there is monotonic and is
// flipped by an atomic Lua transition during rotation, which is what makes
// replay of a stolen refresh token detectable beyond one use.
package token
