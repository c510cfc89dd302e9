package oauth

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/modelbridge/mcp-oauth-bridge/identity"
	"github.com/modelbridge/mcp-oauth-bridge/instrumentation"
	"github.com/modelbridge/mcp-oauth-bridge/storage"
)

// Default lifetimes and limits
const (
	// DefaultAccessTokenTTL is how long issued access tokens live
	DefaultAccessTokenTTL = time.Hour

	// DefaultAuthCodeTTL is how long authorization codes stay redeemable
	DefaultAuthCodeTTL = 10 * time.Minute

	// DefaultRateLimitPerSecond is the per-identifier request rate
	DefaultRateLimitPerSecond = 10

	// DefaultRateLimitBurst is the per-identifier burst allowance
	DefaultRateLimitBurst = 20
)

// Config holds the authorization server configuration
type Config struct {
	// Clients persists registered clients. Required.
	Clients storage.ClientStore

	// Codes persists authorization codes. Required.
	Codes storage.CodeStore

	// Tokens persists bearer tokens. Required.
	Tokens storage.TokenStore

	// Identity authenticates resource owners at the authorize endpoint.
	// Required.
	Identity identity.Provider

	// ServerURL is the externally visible base URL of this server, used
	// for security headers and the discovery document.
	ServerURL string

	// AccessTokenTTL overrides the access token lifetime. Zero selects
	// the one-hour default.
	AccessTokenTTL time.Duration

	// AuthCodeTTL overrides the authorization code lifetime. Zero
	// selects the ten-minute default.
	AuthCodeTTL time.Duration

	// RateLimitPerSecond and RateLimitBurst configure per-IP throttling
	// on the token, validate, and register endpoints. Zero selects the
	// defaults; set DisableRateLimit to turn throttling off.
	RateLimitPerSecond int
	RateLimitBurst     int
	DisableRateLimit   bool

	// TrustProxy enables client IP extraction from X-Forwarded-For and
	// X-Real-IP. Only enable behind a trusted reverse proxy.
	TrustProxy        bool
	TrustedProxyCount int

	// AuditEnabled turns on security audit logging.
	AuditEnabled bool

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Instrumentation provides metrics and tracing. Optional; when nil a
	// disabled instance is created internally.
	Instrumentation *instrumentation.Instrumentation
}

// validate checks that required dependencies are present
func (c *Config) validate() error {
	if c.Clients == nil {
		return fmt.Errorf("client store is required")
	}
	if c.Codes == nil {
		return fmt.Errorf("code store is required")
	}
	if c.Tokens == nil {
		return fmt.Errorf("token store is required")
	}
	if c.Identity == nil {
		return fmt.Errorf("identity provider is required")
	}
	return nil
}

// applyDefaults fills in zero-valued optional settings
func (c *Config) applyDefaults() {
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.AuthCodeTTL <= 0 {
		c.AuthCodeTTL = DefaultAuthCodeTTL
	}
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = DefaultRateLimitPerSecond
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = DefaultRateLimitBurst
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
