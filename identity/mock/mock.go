// Package mock provides a deterministic identity provider for tests and
// local development.
package mock

import (
	"net/http"
	"net/url"

	"github.com/modelbridge/mcp-oauth-bridge/identity"
)

// UserHeader carries the user ID a test request authenticates as.
const UserHeader = "X-Mock-User"

// Provider is a test identity provider. A request authenticates either via
// the fixed User configured on the provider or via the X-Mock-User header.
type Provider struct {
	// User, when set, is returned for every request that does not carry
	// the mock user header.
	User *identity.User

	// LoginPath is the path LoginURL points at. Defaults to /mock/login.
	LoginPath string
}

var _ identity.Provider = (*Provider)(nil)

// NewProvider creates a mock provider authenticating every request as the
// given user. Pass nil to simulate a signed-out browser.
func NewProvider(user *identity.User) *Provider {
	return &Provider{User: user}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "mock"
}

// CurrentUser resolves the user from the mock header or the fixed user.
func (p *Provider) CurrentUser(r *http.Request) (*identity.User, error) {
	if id := r.Header.Get(UserHeader); id != "" {
		return &identity.User{ID: id}, nil
	}
	if p.User != nil {
		u := *p.User
		return &u, nil
	}
	return nil, identity.ErrNotAuthenticated
}

// LoginURL returns the mock login path with the resume URL attached.
func (p *Provider) LoginURL(resumeURL string) string {
	path := p.LoginPath
	if path == "" {
		path = "/mock/login"
	}
	return path + "?resume=" + url.QueryEscape(resumeURL)
}
