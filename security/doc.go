// Package security provides cross-cutting security features for the
// authorization server and gateway: audit logging with PII protection,
// per-identifier rate limiting, secure response headers, client IP
// extraction, request ID propagation, and expiry checks.
package security
