// Package keys implements versioned, multi-algorithm key management for the
// cryptography the engine's tokens and stored secrets depend on.
//
// A [Manager] holds an ordered set of key versions per business namespace
// with exactly one current version used for new signing/encryption and
// optionally one staged next version. Rotation promotes the staged version
// and retains the previous current so already-issued tokens keep
// validating. Cleanup removes only versions already marked invalid and
// never the active one.
//
// Algorithm dispatch goes through a [Factory]: a read-only table from
// algorithm tag to a capability [Service], constructed once at startup.
package keys
