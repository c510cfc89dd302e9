package oauth

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/modelbridge/mcp-oauth-bridge/identity"
	"github.com/modelbridge/mcp-oauth-bridge/security"
)

// consentTemplate is the minimal server-rendered consent form. The form
// posts the original authorization parameters back along with the decision.
var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Authorize {{.ClientName}}</title>
</head>
<body>
  <h1>Authorize application</h1>
  <p><strong>{{.ClientName}}</strong> is requesting access to your account.</p>
  {{if .ClientDescription}}<p>{{.ClientDescription}}</p>{{end}}
  <form method="POST" action="{{.Action}}">
    <input type="hidden" name="client_id" value="{{.ClientID}}">
    <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
    <input type="hidden" name="state" value="{{.State}}">
    <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
    <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
    <button type="submit" name="decision" value="allow">Allow</button>
    <button type="submit" name="decision" value="deny">Deny</button>
  </form>
</body>
</html>
`))

type consentPage struct {
	ClientName          string
	ClientDescription   string
	Action              string
	ClientID            string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// RegisterRoutes attaches the OAuth endpoints to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/oauth/register", s.instrumented("/oauth/register", s.ServeRegister))
	mux.HandleFunc("/oauth/authorize", s.instrumented("/oauth/authorize", s.ServeAuthorize))
	mux.HandleFunc("/oauth/token", s.instrumented("/oauth/token", s.ServeToken))
	mux.HandleFunc("/oauth/validate", s.instrumented("/oauth/validate", s.ServeValidate))
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrumented wraps a handler with request count and duration metrics.
func (s *Server) instrumented(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.inst.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, rec.status, float64(time.Since(start).Milliseconds()))
	}
}

// clientIP extracts the caller's IP honoring the proxy trust settings.
func (s *Server) clientIP(r *http.Request) string {
	return security.GetClientIP(r, s.config.TrustProxy, s.config.TrustedProxyCount)
}

// allowRate applies per-IP throttling. Returns false after writing the
// error response when the caller is over the limit.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request) bool {
	if s.rateLimiter == nil {
		return true
	}
	ip := s.clientIP(r)
	if s.rateLimiter.Allow(ip) {
		return true
	}
	s.inst.Metrics().RateLimitExceeded.Add(r.Context(), 1)
	s.auditor.LogRateLimitExceeded(ip, "")
	s.writeError(w, ErrRateLimitExceeded("too many requests"))
	return false
}

// setCORSHeaders sets the CORS policy shared by the API endpoints.
func setCORSHeaders(w http.ResponseWriter, methods string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", methods)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

// writeJSON writes a JSON response with security headers.
func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, s.config.ServerURL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an OAuth error response. Unrecognized errors are
// collapsed to server_error so internal details never reach the client.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) {
		oauthErr = ErrServerError("internal server error")
	}
	s.writeJSON(w, oauthErr.Status, errorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

// ServeRegister handles POST /oauth/register. Registration requires an
// authenticated owner so clients can be listed and attributed.
func (s *Server) ServeRegister(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w, "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		s.writeError(w, ErrInvalidRequest("method not allowed"))
		return
	}
	if !s.allowRate(w, r) {
		return
	}

	user, err := s.identity.CurrentUser(r)
	if err != nil {
		s.writeError(w, ErrInvalidToken("sign-in required to register a client"))
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, ErrInvalidRequest("request body must be valid JSON"))
		return
	}

	client, secret, err := s.RegisterClient(r.Context(), user.ID, &req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.auditor.LogClientRegistered(client.ClientID, user.ID, s.clientIP(r))
	s.writeJSON(w, http.StatusCreated, RegisterResponse{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Name:         client.Name,
		Description:  client.Description,
		RedirectURIs: client.RedirectURIs,
		CreatedAt:    client.CreatedAt,
	})
}

// ServeAuthorize handles the authorization endpoint. GET validates the
// request and either renders the consent form or bounces an unauthenticated
// user to the identity provider with a resume URL preserving every original
// query parameter. POST receives the consent decision.
func (s *Server) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.serveAuthorizePrompt(w, r)
	case http.MethodPost:
		s.serveConsentDecision(w, r)
	default:
		s.writeError(w, ErrInvalidRequest("method not allowed"))
	}
}

func (s *Server) serveAuthorizePrompt(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	client, err := s.ValidateAuthorizationRequest(r.Context(), q.Get("client_id"), q.Get("redirect_uri"), q.Get("response_type"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if _, err := s.identity.CurrentUser(r); err != nil {
		if errors.Is(err, identity.ErrNotAuthenticated) {
			resume := s.config.ServerURL + r.URL.RequestURI()
			http.Redirect(w, r, s.identity.LoginURL(resume), http.StatusFound)
			return
		}
		s.writeError(w, ErrServerError("failed to resolve user"))
		return
	}

	security.SetSecurityHeaders(w, s.config.ServerURL)
	// The consent form needs same-origin form submission.
	w.Header().Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	page := consentPage{
		ClientName:          client.Name,
		ClientDescription:   client.Description,
		Action:              r.URL.Path,
		ClientID:            client.ClientID,
		RedirectURI:         q.Get("redirect_uri"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
	if err := consentTemplate.Execute(w, page); err != nil {
		s.logger.Error("Failed to render consent form", "error", err)
	}
}

func (s *Server) serveConsentDecision(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, ErrInvalidRequest("failed to parse form"))
		return
	}

	client, err := s.ValidateAuthorizationRequest(r.Context(), r.PostFormValue("client_id"), r.PostFormValue("redirect_uri"), "code")
	if err != nil {
		s.writeError(w, err)
		return
	}

	user, err := s.identity.CurrentUser(r)
	if err != nil {
		s.writeError(w, ErrInvalidToken("sign-in required"))
		return
	}

	approved := r.PostFormValue("decision") == "allow"
	redirectURL, err := s.ResolveConsent(
		r.Context(),
		client,
		user.ID,
		r.PostFormValue("redirect_uri"),
		r.PostFormValue("state"),
		approved,
		r.PostFormValue("code_challenge"),
		r.PostFormValue("code_challenge_method"),
	)
	if err != nil {
		s.writeError(w, err)
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// ServeToken handles POST /oauth/token. The request is accepted as form
// encoding or JSON with identical field names; client credentials may also
// arrive via HTTP Basic auth.
func (s *Server) ServeToken(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w, "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		s.writeError(w, ErrInvalidRequest("method not allowed"))
		return
	}
	if !s.allowRate(w, r) {
		return
	}

	req, err := parseTokenRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp, err := s.Token(r.Context(), req, s.clientIP(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// parseTokenRequest decodes the uniform token request from either JSON or
// form encoding, folding Basic auth credentials in when present.
func parseTokenRequest(r *http.Request) (*TokenRequest, error) {
	var req TokenRequest

	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, ErrInvalidRequest("request body must be valid JSON")
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return nil, ErrInvalidRequest("failed to parse form")
		}
		req = TokenRequest{
			GrantType:           r.PostFormValue("grant_type"),
			ClientID:            r.PostFormValue("client_id"),
			ClientSecret:        r.PostFormValue("client_secret"),
			Code:                r.PostFormValue("code"),
			RedirectURI:         r.PostFormValue("redirect_uri"),
			RefreshToken:        r.PostFormValue("refresh_token"),
			Scope:               r.PostFormValue("scope"),
			CodeVerifier:        r.PostFormValue("code_verifier"),
			CodeChallenge:       r.PostFormValue("code_challenge"),
			CodeChallengeMethod: r.PostFormValue("code_challenge_method"),
		}
	}

	if id, secret, ok := r.BasicAuth(); ok {
		if req.ClientID == "" {
			req.ClientID = id
		}
		if req.ClientSecret == "" {
			req.ClientSecret = secret
		}
	}

	return &req, nil
}

// ServeValidate handles POST /oauth/validate: bearer token in, token
// metadata out. Shares the Authenticate contract with the gateway.
func (s *Server) ServeValidate(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w, "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		s.writeError(w, ErrInvalidRequest("method not allowed"))
		return
	}
	if !s.allowRate(w, r) {
		return
	}

	token, err := s.Authenticate(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, ValidateResponse{
		Valid:     true,
		ClientID:  token.ClientID,
		UserID:    token.UserID,
		Scope:     token.Scope,
		ExpiresAt: token.ExpiresAt,
	})
}
