// Package identity defines the capability interface for the external
// identity provider that authenticates resource owners. The authorization
// server itself never handles user credentials; it asks the provider who
// the current user is and, when nobody is signed in, where to send them.
package identity

import (
	"errors"
	"net/http"
)

// ErrNotAuthenticated indicates the request carries no authenticated user
// session. Handlers respond by redirecting to the provider's login URL.
var ErrNotAuthenticated = errors.New("identity: not authenticated")

// User is the authenticated resource owner as reported by the provider.
type User struct {
	// ID is the provider-scoped stable user identifier.
	ID string

	// Email is the user's email address, when the provider supplies one.
	Email string

	// Name is the user's display name, when the provider supplies one.
	Name string
}

// Provider authenticates resource owners for the authorization endpoints.
type Provider interface {
	// Name returns the provider name (e.g. "google", "mock")
	Name() string

	// CurrentUser resolves the authenticated user for the request,
	// typically from a session cookie. Returns ErrNotAuthenticated when
	// no valid session is present.
	CurrentUser(r *http.Request) (*User, error)

	// LoginURL returns the URL to send an unauthenticated user to.
	// resumeURL is the full URL of the interrupted request, including
	// every original query parameter, and is restored after sign-in.
	LoginURL(resumeURL string) string
}
