// Package testutil provides testing utilities and fixtures shared across
// package tests.
package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelbridge/mcp-oauth-bridge/storage"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// GenerateRandomString generates a random hex string of 2*n characters,
// matching the credential format the server issues.
func GenerateRandomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return hex.EncodeToString(b)
}

// TestClient returns a client fixture. The secret hash corresponds to the
// plaintext "secret" at bcrypt cost 10.
func TestClient() *storage.Client {
	return &storage.Client{
		ClientID:     "test-client-id",
		SecretHash:   "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy",
		Name:         "Test Client",
		RedirectURIs: []string{"https://example.com/callback"},
		OwnerUserID:  "test-user-123",
		CreatedAt:    time.Now(),
	}
}

// TestAuthorizationCode returns an unexpired authorization code fixture
// bound to the TestClient fixture.
func TestAuthorizationCode() *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:        GenerateRandomString(16),
		ClientID:    "test-client-id",
		UserID:      "test-user-123",
		RedirectURI: "https://example.com/callback",
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(10 * time.Minute),
	}
}

// TestToken returns a live token fixture.
func TestToken() *storage.Token {
	return &storage.Token{
		AccessToken:  GenerateRandomString(32),
		RefreshToken: GenerateRandomString(32),
		ClientID:     "test-client-id",
		UserID:       "test-user-123",
		Scope:        []string{"read", "write"},
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertStringContains fails the test if s does not contain substr
func AssertStringContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("string %q does not contain %q", s, substr)
	}
}

// HTTPRequest is a helper for making test HTTP requests
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// NewHTTPRequest creates a new HTTP request helper
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithBody sets the request body
func (r *HTTPRequest) WithBody(body string) *HTTPRequest {
	r.Body = body
	return r
}

// Do executes the HTTP request against the handler
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	var req *http.Request
	if r.Body != "" {
		req = httptest.NewRequest(r.Method, r.URL, strings.NewReader(r.Body))
	} else {
		req = httptest.NewRequest(r.Method, r.URL, nil)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
