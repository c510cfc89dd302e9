// Package storage defines the persistence contracts for the authorization
// server: registered clients, authorization codes, and bearer tokens.
// Backends include an in-memory store and a Valkey-backed store.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. Callers compare with
// errors.Is and translate to the protocol-level error taxonomy.
var (
	// ErrClientNotFound indicates no client is registered under the given ID.
	ErrClientNotFound = errors.New("storage: client not found")

	// ErrCodeNotFound indicates the authorization code does not exist.
	// A code that was already redeemed is indistinguishable from one that
	// never existed, which is what makes single use enforceable.
	ErrCodeNotFound = errors.New("storage: authorization code not found")

	// ErrCodeExpired indicates the authorization code exists but its
	// expiry has passed. The code is consumed as part of the failed
	// redemption.
	ErrCodeExpired = errors.New("storage: authorization code expired")

	// ErrTokenNotFound indicates no token matches the given access or
	// refresh token value.
	ErrTokenNotFound = errors.New("storage: token not found")
)

// Client is a registered OAuth client. Clients are immutable after
// registration; the plaintext secret is never stored, only its bcrypt hash.
type Client struct {
	ClientID     string
	SecretHash   string // bcrypt hash of the client secret
	Name         string
	Description  string
	RedirectURIs []string // exact-match set, no pattern semantics
	OwnerUserID  string
	CreatedAt    time.Time
}

// AuthorizationCode is a single-use credential minted at consent time and
// redeemed exactly once at the token endpoint.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	CodeChallenge       string // recorded when the client sent PKCE parameters
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// Token is the unified bearer credential covering both user-delegated and
// client-credentials grants. A refresh rotates AccessToken, RefreshToken and
// ExpiresAt in place; ClientID, UserID and Scope survive rotation.
type Token struct {
	AccessToken  string
	RefreshToken string // empty for grants that do not issue one
	ClientID     string
	UserID       string // empty for client_credentials tokens
	Scope        []string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// ClientStore persists registered clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrClientNotFound if no
	// such client is registered.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClientsByOwner lists clients registered by the given user.
	ListClientsByOwner(ctx context.Context, ownerUserID string) ([]*Client, error)
}

// CodeStore persists authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode saves a freshly minted authorization code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// RedeemAuthorizationCode atomically removes and returns the code.
	// At most one concurrent caller can succeed for a given code value.
	// Returns ErrCodeNotFound for absent or already-redeemed codes and
	// ErrCodeExpired when the code existed but had expired; in both
	// failure cases the code no longer exists afterwards.
	RedeemAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// TokenStore persists bearer tokens and performs refresh rotation.
type TokenStore interface {
	// SaveToken saves an issued token.
	SaveToken(ctx context.Context, token *Token) error

	// GetTokenByAccess retrieves a token by its access token value.
	// Returns ErrTokenNotFound if no token matches. Expiry is not
	// evaluated here; callers apply their own expiry policy.
	GetTokenByAccess(ctx context.Context, accessToken string) (*Token, error)

	// RotateToken atomically replaces the token identified by its current
	// refresh token value with new access/refresh credentials and expiry,
	// preserving ClientID, UserID and Scope. The rotation is a single
	// compare-and-swap keyed by the old refresh value: of N concurrent
	// calls with the same refresh token, exactly one succeeds and the
	// rest get ErrTokenNotFound.
	RotateToken(ctx context.Context, refreshToken, newAccess, newRefresh string, newExpiresAt time.Time) (*Token, error)

	// DeleteTokenByAccess removes a token by its access token value.
	DeleteTokenByAccess(ctx context.Context, accessToken string) error
}

// Store combines all persistence contracts. Both bundled backends satisfy it.
type Store interface {
	ClientStore
	CodeStore
	TokenStore
}
