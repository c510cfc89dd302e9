// Package google implements the identity.Provider interface on top of
// Google sign-in. Users are sent through the standard Google OAuth flow;
// on callback the provider establishes a server-side session referenced by
// an opaque cookie.
package google

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"

	"github.com/modelbridge/mcp-oauth-bridge/identity"
)

const (
	defaultLoginPath    = "/auth/login"
	defaultCookieName   = "bridge_session"
	defaultSessionTTL   = 12 * time.Hour
	defaultLoginFlowTTL = 10 * time.Minute
	userinfoEndpoint    = "https://www.googleapis.com/oauth2/v2/userinfo"
)

// Config holds Google sign-in configuration
type Config struct {
	ClientID     string
	ClientSecret string

	// RedirectURL is the absolute URL of the callback endpoint, and must
	// match a redirect URI registered in the Google console.
	RedirectURL string

	// LoginPath is the local path that starts the sign-in flow.
	LoginPath string

	// CookieName names the session cookie.
	CookieName string

	// SecureCookie marks the session cookie Secure. Enable whenever the
	// server is reached over HTTPS.
	SecureCookie bool

	// SessionTTL bounds how long a sign-in session stays valid.
	SessionTTL time.Duration

	// HTTPClient optionally overrides the client used for the Google
	// token exchange and userinfo calls.
	HTTPClient *http.Client
}

type session struct {
	user      identity.User
	expiresAt time.Time
}

type loginFlow struct {
	resumeURL string
	expiresAt time.Time
}

// Provider implements identity.Provider backed by Google sign-in.
type Provider struct {
	config       *oauth2.Config
	httpClient   *http.Client
	loginPath    string
	cookieName   string
	secureCookie bool
	sessionTTL   time.Duration

	mu       sync.Mutex
	sessions map[string]session   // cookie value -> session
	flows    map[string]loginFlow // state -> pending login
}

var _ identity.Provider = (*Provider)(nil)

// NewProvider creates a Google identity provider
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required")
	}

	loginPath := cfg.LoginPath
	if loginPath == "" {
		loginPath = defaultLoginPath
	}
	cookieName := cfg.CookieName
	if cookieName == "" {
		cookieName = defaultCookieName
	}
	sessionTTL := cfg.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     googleoauth.Endpoint,
		},
		httpClient:   httpClient,
		loginPath:    loginPath,
		cookieName:   cookieName,
		secureCookie: cfg.SecureCookie,
		sessionTTL:   sessionTTL,
		sessions:     make(map[string]session),
		flows:        make(map[string]loginFlow),
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "google"
}

// LoginPath returns the local path that starts the sign-in flow, for mux
// registration.
func (p *Provider) LoginPath() string {
	return p.loginPath
}

// CurrentUser resolves the user from the session cookie.
func (p *Provider) CurrentUser(r *http.Request) (*identity.User, error) {
	cookie, err := r.Cookie(p.cookieName)
	if err != nil {
		return nil, identity.ErrNotAuthenticated
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	sess, ok := p.sessions[cookie.Value]
	if !ok {
		return nil, identity.ErrNotAuthenticated
	}
	if !time.Now().Before(sess.expiresAt) {
		delete(p.sessions, cookie.Value)
		return nil, identity.ErrNotAuthenticated
	}

	u := sess.user
	return &u, nil
}

// LoginURL returns the local login path with the resume URL attached.
func (p *Provider) LoginURL(resumeURL string) string {
	return p.loginPath + "?resume=" + url.QueryEscape(resumeURL)
}

// HandleLogin starts the Google sign-in flow. The resume URL rides along in
// a server-side pending flow keyed by the CSRF state parameter.
func (p *Provider) HandleLogin(w http.ResponseWriter, r *http.Request) {
	resume := r.URL.Query().Get("resume")
	if resume == "" {
		resume = "/"
	}

	state := randomValue()
	p.mu.Lock()
	p.flows[state] = loginFlow{
		resumeURL: resume,
		expiresAt: time.Now().Add(defaultLoginFlowTTL),
	}
	p.pruneFlowsLocked()
	p.mu.Unlock()

	http.Redirect(w, r, p.config.AuthCodeURL(state), http.StatusFound)
}

// HandleCallback completes the Google sign-in flow: it validates the state,
// exchanges the code, fetches the user profile, establishes a session, and
// redirects back to the resume URL.
func (p *Provider) HandleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		http.Error(w, "missing state or code", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	flow, ok := p.flows[state]
	delete(p.flows, state)
	p.mu.Unlock()
	if !ok || !time.Now().Before(flow.expiresAt) {
		http.Error(w, "unknown or expired login flow", http.StatusBadRequest)
		return
	}

	ctx := p.requestContext(r)
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		http.Error(w, "sign-in failed", http.StatusBadGateway)
		return
	}

	user, err := p.fetchUser(r, token)
	if err != nil {
		http.Error(w, "sign-in failed", http.StatusBadGateway)
		return
	}

	sessionID := randomValue()
	p.mu.Lock()
	p.sessions[sessionID] = session{
		user:      *user,
		expiresAt: time.Now().Add(p.sessionTTL),
	}
	p.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     p.cookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   p.secureCookie,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(p.sessionTTL.Seconds()),
	})

	http.Redirect(w, r, flow.resumeURL, http.StatusFound)
}

// fetchUser calls the Google userinfo endpoint with the freshly exchanged
// token.
func (p *Provider) fetchUser(r *http.Request, token *oauth2.Token) (*identity.User, error) {
	ctx := p.requestContext(r)
	client := p.config.Client(ctx, token)

	resp, err := client.Get(userinfoEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed with status %d", resp.StatusCode)
	}

	var info struct {
		ID    string `json:"id"`
		Sub   string `json:"sub"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	id := info.Sub
	if id == "" {
		id = info.ID
	}
	if id == "" {
		return nil, fmt.Errorf("userinfo response missing user identifier")
	}

	return &identity.User{
		ID:    id,
		Email: info.Email,
		Name:  info.Name,
	}, nil
}

// pruneFlowsLocked drops expired pending logins. Caller holds the mutex.
func (p *Provider) pruneFlowsLocked() {
	now := time.Now()
	for state, flow := range p.flows {
		if !now.Before(flow.expiresAt) {
			delete(p.flows, state)
		}
	}
}

// requestContext routes oauth2 HTTP traffic through the configured client.
func (p *Provider) requestContext(r *http.Request) context.Context {
	return context.WithValue(r.Context(), oauth2.HTTPClient, p.httpClient)
}

func randomValue() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
