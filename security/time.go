package security

import "time"

// IsExpired reports whether a credential with the given expiry is expired
// right now. The boundary is inclusive: a credential whose expiry equals
// the current instant is already expired. A zero expiry never expires.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredAt(expiresAt, time.Now())
}

// IsExpiredAt reports whether a credential is expired at the given instant.
// Split out from IsExpired for deterministic testing.
func IsExpiredAt(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Before(expiresAt)
}
