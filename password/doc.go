// Package password hashes and verifies credentials with Argon2id, encoded
// in PHC string format so parameters travel with the hash and can be
// upgraded transparently on the next successful login.
package password
