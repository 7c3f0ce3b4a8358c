// Package session owns link-level settings shared by the file-transfer and
// streaming services.
//
// Ownership boundary:
// - per-service link configuration and defaults
// - bridge transport security validation
// - retry/backoff primitives
package session
