package oauth

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/modelbridge/mcp-oauth-bridge/identity"
	identitymock "github.com/modelbridge/mcp-oauth-bridge/identity/mock"
	"github.com/modelbridge/mcp-oauth-bridge/storage"
	storagememory "github.com/modelbridge/mcp-oauth-bridge/storage/memory"
)

func newTestServer(t *testing.T) (*Server, *storagememory.Store) {
	t.Helper()

	store := storagememory.NewStore(nil)
	t.Cleanup(func() { store.Close() })

	server, err := NewServer(&Config{
		Clients:          store,
		Codes:            store,
		Tokens:           store,
		Identity:         identitymock.NewProvider(&identity.User{ID: "test-user-123"}),
		ServerURL:        "http://localhost:8080",
		DisableRateLimit: true,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(server.Close)

	return server, store
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse URL %q: %v", raw, err)
	}
	return u
}

func assertOAuthError(t *testing.T, err error, wantCode string) *OAuthError {
	t.Helper()
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) {
		t.Fatalf("error %v is not an OAuthError", err)
	}
	if oauthErr.Code != wantCode {
		t.Fatalf("error code = %q, want %q", oauthErr.Code, wantCode)
	}
	return oauthErr
}

func registerTestClient(t *testing.T, s *Server) (*storage.Client, string) {
	t.Helper()
	client, secret, err := s.RegisterClient(context.Background(), "test-user-123", &RegisterRequest{
		Name:         "Test App",
		RedirectURIs: []string{"https://example.com/callback"},
	})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	return client, secret
}

func TestRegisterClient(t *testing.T) {
	s, _ := newTestServer(t)

	client, secret := registerTestClient(t, s)

	if len(client.ClientID) != 2*ClientIDBytes {
		t.Errorf("client ID length = %d, want %d", len(client.ClientID), 2*ClientIDBytes)
	}
	if len(secret) != 2*ClientSecretBytes {
		t.Errorf("secret length = %d, want %d", len(secret), 2*ClientSecretBytes)
	}
	if client.SecretHash == secret {
		t.Error("secret stored in plaintext")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)); err != nil {
		t.Errorf("stored hash does not match issued secret: %v", err)
	}
}

func TestRegisterClientRequiresName(t *testing.T) {
	s, _ := newTestServer(t)

	_, _, err := s.RegisterClient(context.Background(), "test-user-123", &RegisterRequest{Name: "   "})
	assertOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestRegisterClientUniqueIdentifiers(t *testing.T) {
	s, _ := newTestServer(t)

	a, secretA := registerTestClient(t, s)
	b, secretB := registerTestClient(t, s)

	if a.ClientID == b.ClientID {
		t.Error("two registrations produced the same client ID")
	}
	if secretA == secretB {
		t.Error("two registrations produced the same secret")
	}
}

func TestValidateAuthorizationRequest(t *testing.T) {
	s, _ := newTestServer(t)
	client, _ := registerTestClient(t, s)
	ctx := context.Background()

	tests := []struct {
		name         string
		clientID     string
		redirectURI  string
		responseType string
		wantCode     string
	}{
		{"valid", client.ClientID, "https://example.com/callback", "code", ""},
		{"missing client_id", "", "https://example.com/callback", "code", ErrorCodeInvalidRequest},
		{"missing redirect_uri", client.ClientID, "", "code", ErrorCodeInvalidRequest},
		{"wrong response_type", client.ClientID, "https://example.com/callback", "token", ErrorCodeInvalidRequest},
		{"unknown client", "deadbeefdeadbeefdeadbeefdeadbeef", "https://example.com/callback", "code", ErrorCodeInvalidClient},
		{"unregistered redirect", client.ClientID, "https://evil.example.com/callback", "code", ErrorCodeInvalidClient},
		{"prefix is not a match", client.ClientID, "https://example.com/callback/extra", "code", ErrorCodeInvalidClient},
		{"suffix is not a match", client.ClientID, "https://example.com/callbac", "code", ErrorCodeInvalidClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ValidateAuthorizationRequest(ctx, tt.clientID, tt.redirectURI, tt.responseType)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			assertOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestResolveConsentDeny(t *testing.T) {
	s, _ := newTestServer(t)
	client, _ := registerTestClient(t, s)
	ctx := context.Background()

	redirect, err := s.ResolveConsent(ctx, client, "test-user-123", "https://example.com/callback", "xyz-state", false, "", "")
	if err != nil {
		t.Fatalf("ResolveConsent: %v", err)
	}
	if redirect != "https://example.com/callback?error=access_denied&state=xyz-state" {
		t.Errorf("deny redirect = %q", redirect)
	}

	// Without a state parameter none may be invented.
	redirect, err = s.ResolveConsent(ctx, client, "test-user-123", "https://example.com/callback", "", false, "", "")
	if err != nil {
		t.Fatalf("ResolveConsent: %v", err)
	}
	if redirect != "https://example.com/callback?error=access_denied" {
		t.Errorf("deny redirect without state = %q", redirect)
	}
}

func TestResolveConsentAllow(t *testing.T) {
	s, store := newTestServer(t)
	client, _ := registerTestClient(t, s)
	ctx := context.Background()

	redirect, err := s.ResolveConsent(ctx, client, "test-user-123", "https://example.com/callback", "abc", true, "challenge-value", "S256")
	if err != nil {
		t.Fatalf("ResolveConsent: %v", err)
	}

	parsed := mustParseURL(t, redirect)
	code := parsed.Query().Get("code")
	if len(code) != 2*AuthCodeBytes {
		t.Errorf("code length = %d, want %d", len(code), 2*AuthCodeBytes)
	}
	if parsed.Query().Get("state") != "abc" {
		t.Errorf("state = %q, want abc", parsed.Query().Get("state"))
	}

	stored, err := store.RedeemAuthorizationCode(ctx, code)
	if err != nil {
		t.Fatalf("minted code not redeemable: %v", err)
	}
	if stored.ClientID != client.ClientID || stored.UserID != "test-user-123" {
		t.Error("code bindings wrong")
	}
	if stored.CodeChallenge != "challenge-value" || stored.CodeChallengeMethod != "S256" {
		t.Error("PKCE parameters not recorded on the code")
	}
	if time.Until(stored.ExpiresAt) > 10*time.Minute || time.Until(stored.ExpiresAt) < 9*time.Minute {
		t.Errorf("code expiry %v not around 10 minutes out", time.Until(stored.ExpiresAt))
	}
}

func TestAuthorizationCodeExchange(t *testing.T) {
	s, _ := newTestServer(t)
	client, secret := registerTestClient(t, s)
	ctx := context.Background()

	redirect, err := s.ResolveConsent(ctx, client, "test-user-123", "https://example.com/callback", "", true, "", "")
	if err != nil {
		t.Fatalf("ResolveConsent: %v", err)
	}
	code := mustParseURL(t, redirect).Query().Get("code")

	resp, err := s.Token(ctx, &TokenRequest{
		GrantType:    GrantAuthorizationCode,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Code:         code,
		RedirectURI:  "https://example.com/callback",
	}, "")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	if len(resp.AccessToken) != 2*AccessTokenBytes {
		t.Errorf("access token length = %d, want %d", len(resp.AccessToken), 2*AccessTokenBytes)
	}
	if len(resp.RefreshToken) != 2*RefreshTokenBytes {
		t.Errorf("refresh token length = %d, want %d", len(resp.RefreshToken), 2*RefreshTokenBytes)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
	if resp.ExpiresIn <= 3590 || resp.ExpiresIn > 3600 {
		t.Errorf("expires_in = %d, want about 3600", resp.ExpiresIn)
	}

	// The token authenticates and carries the code's user.
	token, err := s.Authenticate(ctx, "Bearer "+resp.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if token.UserID != "test-user-123" {
		t.Errorf("token user = %q, want test-user-123", token.UserID)
	}

	// Replaying the code must fail.
	_, err = s.Token(ctx, &TokenRequest{
		GrantType:    GrantAuthorizationCode,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Code:         code,
		RedirectURI:  "https://example.com/callback",
	}, "")
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestAuthorizationCodeExchangeRejections(t *testing.T) {
	s, _ := newTestServer(t)
	client, secret := registerTestClient(t, s)
	other, otherSecret := registerTestClient(t, s)
	ctx := context.Background()

	mintCode := func(t *testing.T) string {
		t.Helper()
		redirect, err := s.ResolveConsent(ctx, client, "test-user-123", "https://example.com/callback", "", true, "", "")
		if err != nil {
			t.Fatalf("ResolveConsent: %v", err)
		}
		return mustParseURL(t, redirect).Query().Get("code")
	}

	t.Run("bad secret", func(t *testing.T) {
		code := mintCode(t)
		_, err := s.Token(ctx, &TokenRequest{
			GrantType:    GrantAuthorizationCode,
			ClientID:     client.ClientID,
			ClientSecret: "wrong-secret",
			Code:         code,
			RedirectURI:  "https://example.com/callback",
		}, "")
		oauthErr := assertOAuthError(t, err, ErrorCodeInvalidClient)
		if oauthErr.Status != 401 {
			t.Errorf("status = %d, want 401", oauthErr.Status)
		}
	})

	t.Run("client mismatch burns the code", func(t *testing.T) {
		code := mintCode(t)
		_, err := s.Token(ctx, &TokenRequest{
			GrantType:    GrantAuthorizationCode,
			ClientID:     other.ClientID,
			ClientSecret: otherSecret,
			Code:         code,
			RedirectURI:  "https://example.com/callback",
		}, "")
		assertOAuthError(t, err, ErrorCodeInvalidGrant)

		// The rightful client cannot use it either now.
		_, err = s.Token(ctx, &TokenRequest{
			GrantType:    GrantAuthorizationCode,
			ClientID:     client.ClientID,
			ClientSecret: secret,
			Code:         code,
			RedirectURI:  "https://example.com/callback",
		}, "")
		assertOAuthError(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("redirect mismatch", func(t *testing.T) {
		code := mintCode(t)
		_, err := s.Token(ctx, &TokenRequest{
			GrantType:    GrantAuthorizationCode,
			ClientID:     client.ClientID,
			ClientSecret: secret,
			Code:         code,
			RedirectURI:  "https://example.com/other",
		}, "")
		assertOAuthError(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("missing code", func(t *testing.T) {
		_, err := s.Token(ctx, &TokenRequest{
			GrantType:    GrantAuthorizationCode,
			ClientID:     client.ClientID,
			ClientSecret: secret,
			RedirectURI:  "https://example.com/callback",
		}, "")
		assertOAuthError(t, err, ErrorCodeInvalidRequest)
	})
}

func TestClientCredentialsGrant(t *testing.T) {
	s, _ := newTestServer(t)
	client, secret := registerTestClient(t, s)
	ctx := context.Background()

	resp, err := s.Token(ctx, &TokenRequest{
		GrantType:    GrantClientCredentials,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Scope:        "read  write admin",
	}, "")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if resp.Scope != "read write admin" {
		t.Errorf("scope = %q, want normalized order-preserving split", resp.Scope)
	}

	token, err := s.Authenticate(ctx, "Bearer "+resp.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if token.UserID != "" {
		t.Errorf("client credentials token has user %q, want none", token.UserID)
	}
	if len(token.Scope) != 3 || token.Scope[0] != "read" || token.Scope[2] != "admin" {
		t.Errorf("token scope = %v", token.Scope)
	}
}

func TestRefreshTokenGrant(t *testing.T) {
	s, _ := newTestServer(t)
	client, secret := registerTestClient(t, s)
	ctx := context.Background()

	first, err := s.Token(ctx, &TokenRequest{
		GrantType:    GrantClientCredentials,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Scope:        "read",
	}, "")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	second, err := s.Token(ctx, &TokenRequest{
		GrantType:    GrantRefreshToken,
		RefreshToken: first.RefreshToken,
	}, "")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if second.AccessToken == first.AccessToken {
		t.Error("rotation reused the access token")
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("rotation reused the refresh token")
	}
	if second.Scope != "read" {
		t.Errorf("rotation changed scope to %q", second.Scope)
	}

	// Old credentials are dead on both axes.
	if _, err := s.Authenticate(ctx, "Bearer "+first.AccessToken); err == nil {
		t.Error("old access token still authenticates after rotation")
	}
	_, err = s.Token(ctx, &TokenRequest{
		GrantType:    GrantRefreshToken,
		RefreshToken: first.RefreshToken,
	}, "")
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	// New access token works.
	if _, err := s.Authenticate(ctx, "Bearer "+second.AccessToken); err != nil {
		t.Errorf("rotated access token rejected: %v", err)
	}
}

func TestRefreshTokenGrantRequiresToken(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	_, err := s.Token(ctx, &TokenRequest{GrantType: GrantRefreshToken}, "")
	assertOAuthError(t, err, ErrorCodeInvalidRequest)

	_, err = s.Token(ctx, &TokenRequest{GrantType: GrantRefreshToken, RefreshToken: "unknown"}, "")
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestUnsupportedGrantType(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	_, err := s.Token(ctx, &TokenRequest{GrantType: "password"}, "")
	assertOAuthError(t, err, ErrorCodeUnsupportedGrantType)

	_, err = s.Token(ctx, &TokenRequest{}, "")
	assertOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestAuthenticate(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	live := &storage.Token{
		AccessToken: "live-access-token",
		ClientID:    "c1",
		UserID:      "u1",
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	expired := &storage.Token{
		AccessToken: "expired-access-token",
		ClientID:    "c1",
		CreatedAt:   time.Now().Add(-2 * time.Hour),
		ExpiresAt:   time.Now().Add(-time.Hour),
	}
	if err := store.SaveToken(ctx, live); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveToken(ctx, expired); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
		wantOK bool
	}{
		{"valid bearer", "Bearer live-access-token", true},
		{"lowercase scheme", "bearer live-access-token", true},
		{"missing header", "", false},
		{"wrong scheme", "Basic live-access-token", false},
		{"no token after scheme", "Bearer ", false},
		{"unknown token", "Bearer nope", false},
		{"expired token", "Bearer expired-access-token", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := s.Authenticate(ctx, tt.header)
			if tt.wantOK {
				if err != nil {
					t.Fatalf("Authenticate: %v", err)
				}
				if token.UserID != "u1" {
					t.Errorf("token user = %q, want u1", token.UserID)
				}
				return
			}
			assertOAuthError(t, err, ErrorCodeInvalidToken)
		})
	}
}
