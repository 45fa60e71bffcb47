// Package session implements the Redis-backed session registry: per-user
// session tracking, concurrent-session policy enforcement, and terminal
// state transitions.
//
// Sessions are JSON blobs under {prefix}:sess:{sid} with a per-user index
// set under {prefix}:user:{uid}. A session never transitions out of a
// terminal status; revocation rewrites the blob in place for the remainder
// of its TTL so late validation attempts observe REVOKED instead of a bare
// miss. Single-session and capped modes enforce their policy inside one Lua
// script, so two racing logins cannot both slip under the limit.
package session
