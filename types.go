package oauth

import "time"

// Credential sizes in random bytes before hex encoding. Hex doubles the
// character count, so a 16-byte client ID is a 32-character string.
const (
	ClientIDBytes     = 16
	ClientSecretBytes = 32
	AuthCodeBytes     = 16
	AccessTokenBytes  = 32
	RefreshTokenBytes = 32
)

// Grant type values accepted at the token endpoint
const (
	GrantAuthorizationCode = "authorization_code"
	GrantClientCredentials = "client_credentials"
	GrantRefreshToken      = "refresh_token"
)

// TokenRequest is the uniform token-endpoint request schema. The same
// shape is accepted as form encoding or JSON; each grant type reads the
// subset of fields it needs.
type TokenRequest struct {
	GrantType           string `json:"grant_type"`
	ClientID            string `json:"client_id"`
	ClientSecret        string `json:"client_secret"`
	Code                string `json:"code"`
	RedirectURI         string `json:"redirect_uri"`
	RefreshToken        string `json:"refresh_token"`
	Scope               string `json:"scope"`
	CodeVerifier        string `json:"code_verifier"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
}

// TokenResponse is the success body of the token endpoint
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// RegisterRequest is the body of the client registration endpoint
type RegisterRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	RedirectURIs []string `json:"redirect_uris"`
}

// RegisterResponse returns the new client's credentials. The secret appears
// here exactly once and is never retrievable again.
type RegisterResponse struct {
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	RedirectURIs []string  `json:"redirect_uris"`
	CreatedAt    time.Time `json:"created_at"`
}

// ValidateResponse is the body of the token validation endpoint
type ValidateResponse struct {
	Valid     bool      `json:"valid"`
	ClientID  string    `json:"clientId"`
	UserID    string    `json:"userId,omitempty"`
	Scope     []string  `json:"scope,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// errorResponse is the wire form of OAuthError
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}
