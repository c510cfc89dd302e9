package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. User IDs are
// hashed before logging; credential values are never logged at all.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogClientRegistered logs when a new client is registered
func (a *Auditor) LogClientRegistered(clientID, ownerUserID, ipAddress string) {
	a.LogEvent(Event{
		Type:      "client_registered",
		UserID:    ownerUserID,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogCodeIssued logs when an authorization code is issued
func (a *Auditor) LogCodeIssued(userID, clientID, ipAddress string, pkce bool) {
	a.LogEvent(Event{
		Type:      "code_issued",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"pkce": pkce,
		},
	})
}

// LogCodeRedeemFailed logs a failed authorization code redemption. The
// reason distinguishes replays from expiry and binding mismatches.
func (a *Auditor) LogCodeRedeemFailed(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "code_redeem_failed",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogConsentDenied logs when a user denies an authorization request
func (a *Auditor) LogConsentDenied(userID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      "consent_denied",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogTokenIssued logs when a token is issued
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, grantType string) {
	a.LogEvent(Event{
		Type:      "token_issued",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
		},
	})
}

// LogTokenRefreshed logs when a token is rotated via the refresh grant
func (a *Auditor) LogTokenRefreshed(userID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      "token_refreshed",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "auth_failure",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, userID string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogToolInvoked logs a gateway tool invocation
func (a *Auditor) LogToolInvoked(userID, clientID, ipAddress, tool string) {
	a.LogEvent(Event{
		Type:      "tool_invoked",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"tool": tool,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
