// Package oauth implements a self-hosted OAuth 2.0 authorization server:
// client registration, authorization-code issuance with recorded PKCE,
// client-credentials and refresh-token grants, and bearer validation.
// Resource-owner authentication is delegated to an identity.Provider; the
// JSON-RPC gateway in the mcp package consumes the bearer contract.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/modelbridge/mcp-oauth-bridge/identity"
	"github.com/modelbridge/mcp-oauth-bridge/instrumentation"
	"github.com/modelbridge/mcp-oauth-bridge/internal/util"
	"github.com/modelbridge/mcp-oauth-bridge/security"
	"github.com/modelbridge/mcp-oauth-bridge/storage"
)

// Server is the authorization server core. All operations are stateless
// apart from the stores, so a single Server is safe for concurrent use.
type Server struct {
	clients  storage.ClientStore
	codes    storage.CodeStore
	tokens   storage.TokenStore
	identity identity.Provider

	config      *Config
	logger      *slog.Logger
	auditor     *security.Auditor
	rateLimiter *security.RateLimiter
	inst        *instrumentation.Instrumentation
}

// NewServer creates a new authorization server
func NewServer(cfg *Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	inst := cfg.Instrumentation
	if inst == nil {
		var err error
		inst, err = instrumentation.New(instrumentation.Config{Enabled: false})
		if err != nil {
			return nil, fmt.Errorf("failed to create instrumentation: %w", err)
		}
	}

	s := &Server{
		clients:  cfg.Clients,
		codes:    cfg.Codes,
		tokens:   cfg.Tokens,
		identity: cfg.Identity,
		config:   cfg,
		logger:   cfg.Logger,
		auditor:  security.NewAuditor(cfg.Logger, cfg.AuditEnabled),
		inst:     inst,
	}

	if !cfg.DisableRateLimit {
		s.rateLimiter = security.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, cfg.Logger)
	}

	return s, nil
}

// Close stops background goroutines owned by the server.
func (s *Server) Close() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// Identity returns the configured identity provider.
func (s *Server) Identity() identity.Provider {
	return s.identity
}

// generateCredential returns n cryptographically random bytes hex encoded.
func generateCredential(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random credential: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// RegisterClient registers a new OAuth client owned by ownerUserID. The
// returned secret is the only copy in plaintext; the store keeps a bcrypt
// hash.
func (s *Server) RegisterClient(ctx context.Context, ownerUserID string, req *RegisterRequest) (*storage.Client, string, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, "", ErrInvalidRequest("name is required")
	}

	clientID, err := generateCredential(ClientIDBytes)
	if err != nil {
		return nil, "", ErrServerError("failed to generate client credentials")
	}
	secret, err := generateCredential(ClientSecretBytes)
	if err != nil {
		return nil, "", ErrServerError("failed to generate client credentials")
	}

	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", ErrServerError("failed to hash client secret")
	}

	client := &storage.Client{
		ClientID:     clientID,
		SecretHash:   string(secretHash),
		Name:         req.Name,
		Description:  req.Description,
		RedirectURIs: req.RedirectURIs,
		OwnerUserID:  ownerUserID,
		CreatedAt:    time.Now(),
	}
	if err := s.clients.SaveClient(ctx, client); err != nil {
		s.logger.Error("Failed to save client", "error", err)
		return nil, "", ErrServerError("failed to save client")
	}

	s.inst.Metrics().ClientRegistered.Add(ctx, 1)
	s.logger.Info("Client registered",
		"client_id", client.ClientID,
		"name", client.Name)

	return client, secret, nil
}

// ValidateAuthorizationRequest checks the front-channel authorization
// parameters before any UI is shown. The redirect URI must be an exact
// member of the client's registered set; there is no prefix or pattern
// matching.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, clientID, redirectURI, responseType string) (*storage.Client, error) {
	if clientID == "" || redirectURI == "" {
		return nil, ErrInvalidRequest("client_id and redirect_uri are required")
	}
	if responseType != "code" {
		return nil, ErrInvalidRequest("response_type must be code")
	}

	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidClient("unknown client")
		}
		s.logger.Error("Failed to look up client", "error", err)
		return nil, ErrServerError("failed to look up client")
	}

	if !validRedirectURI(client, redirectURI) {
		return nil, ErrInvalidClient("redirect_uri is not registered for this client")
	}

	return client, nil
}

// validRedirectURI reports whether uri exactly matches one of the client's
// registered redirect URIs.
func validRedirectURI(client *storage.Client, uri string) bool {
	for _, registered := range client.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// ResolveConsent turns a consent decision into the redirect URL the user
// agent should be sent to. Deny yields error=access_denied; allow mints a
// single-use authorization code bound to the client, user, redirect URI,
// and any PKCE parameters the client supplied. The state parameter is
// echoed verbatim when present and never invented.
func (s *Server) ResolveConsent(ctx context.Context, client *storage.Client, userID, redirectURI, state string, approved bool, codeChallenge, codeChallengeMethod string) (string, error) {
	ctx, span := s.inst.Tracer("oauth").Start(ctx, "oauth.authorize.consent")
	defer span.End()
	instrumentation.AddFlowAttributes(span, client.ClientID, userID, "")

	redirect, err := url.Parse(redirectURI)
	if err != nil {
		return "", ErrInvalidRequest("redirect_uri is not a valid URL")
	}

	query := redirect.Query()

	if !approved {
		query.Set("error", ErrorCodeAccessDenied)
		if state != "" {
			query.Set("state", state)
		}
		redirect.RawQuery = query.Encode()

		s.auditor.LogConsentDenied(userID, client.ClientID, "")
		return redirect.String(), nil
	}

	code, err := generateCredential(AuthCodeBytes)
	if err != nil {
		return "", ErrServerError("failed to generate authorization code")
	}

	now := time.Now()
	authCode := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            client.ClientID,
		UserID:              userID,
		RedirectURI:         redirectURI,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.config.AuthCodeTTL),
	}
	if err := s.codes.SaveAuthorizationCode(ctx, authCode); err != nil {
		s.logger.Error("Failed to save authorization code", "error", err)
		return "", ErrServerError("failed to save authorization code")
	}

	s.inst.Metrics().CodeIssued.Add(ctx, 1)
	s.auditor.LogCodeIssued(userID, client.ClientID, "", codeChallenge != "")
	s.logger.Info("Authorization code issued",
		"client_id", client.ClientID,
		"code_prefix", util.SafeTruncate(code, 8),
		"pkce", codeChallenge != "")

	query.Set("code", code)
	if state != "" {
		query.Set("state", state)
	}
	redirect.RawQuery = query.Encode()
	return redirect.String(), nil
}

// Token executes a token-endpoint request. clientIP is used for audit
// logging only and may be empty.
func (s *Server) Token(ctx context.Context, req *TokenRequest, clientIP string) (*TokenResponse, error) {
	ctx, span := s.inst.Tracer("oauth").Start(ctx, "oauth.token")
	defer span.End()
	instrumentation.AddFlowAttributes(span, req.ClientID, "", req.GrantType)

	resp, err := s.executeGrant(ctx, req, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

func (s *Server) executeGrant(ctx context.Context, req *TokenRequest, clientIP string) (*TokenResponse, error) {
	switch req.GrantType {
	case GrantAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, req, clientIP)
	case GrantClientCredentials:
		return s.clientCredentialsGrant(ctx, req, clientIP)
	case GrantRefreshToken:
		return s.refreshTokenGrant(ctx, req, clientIP)
	case "":
		return nil, ErrInvalidRequest("grant_type is required")
	default:
		return nil, ErrUnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", req.GrantType))
	}
}

// authenticateClient verifies client_id and client_secret against the
// stored bcrypt hash. Unknown clients and bad secrets are indistinguishable
// to the caller.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret, clientIP string) (*storage.Client, error) {
	if clientID == "" || clientSecret == "" {
		return nil, ErrInvalidRequest("client_id and client_secret are required")
	}

	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.auditor.LogAuthFailure("", clientID, clientIP, "unknown client")
			return nil, ErrInvalidClient("client authentication failed")
		}
		s.logger.Error("Failed to look up client", "error", err)
		return nil, ErrServerError("failed to look up client")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)); err != nil {
		s.auditor.LogAuthFailure("", clientID, clientIP, "secret mismatch")
		return nil, ErrInvalidClient("client authentication failed")
	}

	return client, nil
}

// exchangeAuthorizationCode redeems a single-use authorization code for a
// token pair. The redemption is one atomic conditional delete in the store;
// binding checks happen afterwards, so a code burned on a mismatched
// request cannot be retried. That is deliberate: a binding mismatch is
// treated as a compromise signal, not a recoverable mistake.
func (s *Server) exchangeAuthorizationCode(ctx context.Context, req *TokenRequest, clientIP string) (*TokenResponse, error) {
	if req.Code == "" || req.RedirectURI == "" {
		return nil, ErrInvalidRequest("code and redirect_uri are required")
	}

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, clientIP)
	if err != nil {
		return nil, err
	}

	authCode, err := s.codes.RedeemAuthorizationCode(ctx, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCodeNotFound):
			s.inst.Metrics().CodeReplayDetected.Add(ctx, 1)
			s.auditor.LogCodeRedeemFailed(client.ClientID, clientIP, "not found or already used")
			return nil, ErrInvalidGrant("authorization code is invalid or has already been used")
		case errors.Is(err, storage.ErrCodeExpired):
			s.auditor.LogCodeRedeemFailed(client.ClientID, clientIP, "expired")
			return nil, ErrInvalidGrant("authorization code has expired")
		default:
			s.logger.Error("Failed to redeem authorization code", "error", err)
			return nil, ErrServerError("failed to redeem authorization code")
		}
	}

	if authCode.ClientID != client.ClientID {
		s.auditor.LogCodeRedeemFailed(client.ClientID, clientIP, "client mismatch")
		return nil, ErrInvalidGrant("authorization code was issued to a different client")
	}
	if authCode.RedirectURI != req.RedirectURI {
		s.auditor.LogCodeRedeemFailed(client.ClientID, clientIP, "redirect_uri mismatch")
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	token, err := s.issueToken(ctx, client.ClientID, authCode.UserID, nil, true)
	if err != nil {
		return nil, err
	}

	s.inst.Metrics().CodeRedeemed.Add(ctx, 1)
	s.auditor.LogTokenIssued(authCode.UserID, client.ClientID, clientIP, GrantAuthorizationCode)
	s.logger.Info("Authorization code exchanged",
		"client_id", client.ClientID,
		"token_prefix", util.SafeTruncate(token.AccessToken, 8))

	return s.tokenResponse(token), nil
}

// clientCredentialsGrant issues a token directly to the client with no
// associated user. Scope is split on whitespace, order preserved.
func (s *Server) clientCredentialsGrant(ctx context.Context, req *TokenRequest, clientIP string) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, clientIP)
	if err != nil {
		return nil, err
	}

	token, err := s.issueToken(ctx, client.ClientID, "", strings.Fields(req.Scope), true)
	if err != nil {
		return nil, err
	}

	s.auditor.LogTokenIssued("", client.ClientID, clientIP, GrantClientCredentials)
	s.logger.Info("Client credentials token issued",
		"client_id", client.ClientID,
		"token_prefix", util.SafeTruncate(token.AccessToken, 8))

	return s.tokenResponse(token), nil
}

// refreshTokenGrant rotates a token pair. The rotation is one atomic
// compare-and-swap keyed by the presented refresh value, so a concurrent
// double refresh has exactly one winner. The refresh token's own expiry is
// not evaluated: possession of a live refresh credential is sufficient.
func (s *Server) refreshTokenGrant(ctx context.Context, req *TokenRequest, clientIP string) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	newAccess, err := generateCredential(AccessTokenBytes)
	if err != nil {
		return nil, ErrServerError("failed to generate token")
	}
	newRefresh, err := generateCredential(RefreshTokenBytes)
	if err != nil {
		return nil, ErrServerError("failed to generate token")
	}

	token, err := s.tokens.RotateToken(ctx, req.RefreshToken, newAccess, newRefresh, time.Now().Add(s.config.AccessTokenTTL))
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			s.auditor.LogAuthFailure("", "", clientIP, "unknown refresh token")
			return nil, ErrInvalidGrant("refresh token is invalid or has already been rotated")
		}
		s.logger.Error("Failed to rotate token", "error", err)
		return nil, ErrServerError("failed to rotate token")
	}

	s.inst.Metrics().TokenRefreshed.Add(ctx, 1)
	s.auditor.LogTokenRefreshed(token.UserID, token.ClientID, clientIP)
	s.logger.Info("Token rotated",
		"client_id", token.ClientID,
		"token_prefix", util.SafeTruncate(token.AccessToken, 8))

	return s.tokenResponse(token), nil
}

// issueToken mints and stores a fresh token.
func (s *Server) issueToken(ctx context.Context, clientID, userID string, scope []string, withRefresh bool) (*storage.Token, error) {
	access, err := generateCredential(AccessTokenBytes)
	if err != nil {
		return nil, ErrServerError("failed to generate token")
	}
	var refresh string
	if withRefresh {
		refresh, err = generateCredential(RefreshTokenBytes)
		if err != nil {
			return nil, ErrServerError("failed to generate token")
		}
	}

	now := time.Now()
	token := &storage.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		ClientID:     clientID,
		UserID:       userID,
		Scope:        scope,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.config.AccessTokenTTL),
	}
	if err := s.tokens.SaveToken(ctx, token); err != nil {
		s.logger.Error("Failed to save token", "error", err)
		return nil, ErrServerError("failed to save token")
	}

	s.inst.Metrics().TokenIssued.Add(ctx, 1)
	return token, nil
}

// tokenResponse converts a stored token into the wire response. expires_in
// is the floor of the remaining lifetime in seconds.
func (s *Server) tokenResponse(token *storage.Token) *TokenResponse {
	return &TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(token.ExpiresAt).Seconds()),
		RefreshToken: token.RefreshToken,
		Scope:        strings.Join(token.Scope, " "),
	}
}

// Authenticate resolves an Authorization header to a live token. This is
// the single bearer contract shared by the validation endpoint and the
// JSON-RPC gateway. Expiry is strict: a token whose expiry equals the
// current instant is already invalid.
func (s *Server) Authenticate(ctx context.Context, authorizationHeader string) (*storage.Token, error) {
	raw, err := extractBearerToken(authorizationHeader)
	if err != nil {
		return nil, err
	}

	token, err := s.tokens.GetTokenByAccess(ctx, raw)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			s.inst.Metrics().TokenValidationFailed.Add(ctx, 1)
			return nil, ErrInvalidToken("access token is invalid")
		}
		s.logger.Error("Failed to look up token", "error", err)
		return nil, ErrServerError("failed to look up token")
	}

	if security.IsExpired(token.ExpiresAt) {
		s.inst.Metrics().TokenValidationFailed.Add(ctx, 1)
		return nil, ErrInvalidToken("access token has expired")
	}

	return token, nil
}

// extractBearerToken parses an Authorization header of the form
// "Bearer <token>". The scheme comparison is case-insensitive.
func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrInvalidToken("authorization header is required")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", ErrInvalidToken("authorization header must be of the form Bearer <token>")
	}

	return parts[1], nil
}
