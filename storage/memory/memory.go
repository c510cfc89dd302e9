// Package memory provides an in-memory implementation of the storage
// interfaces. Suitable for development, testing, and single-instance
// deployments; all data is lost on restart.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/modelbridge/mcp-oauth-bridge/storage"
)

const (
	// defaultCleanupInterval controls how often expired entries are swept.
	defaultCleanupInterval = 5 * time.Minute

	// defaultRefreshRetention bounds how long a token with a refresh
	// credential is retained after its access expiry. Refresh rotation
	// does not check expiry, so refreshable tokens outlive their access
	// window until this retention lapses.
	defaultRefreshRetention = 30 * 24 * time.Hour
)

// Store is an in-memory implementation of storage.Store backed by
// mutex-protected maps. A background goroutine sweeps expired codes and
// tokens; call Close to stop it.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client            // clientID -> client
	codes   map[string]*storage.AuthorizationCode // code -> authorization code
	tokens  map[string]*storage.Token             // access token -> token
	refresh map[string]string                     // refresh token -> access token

	logger           *slog.Logger
	cleanupInterval  time.Duration
	refreshRetention time.Duration
	stopCleanup      chan struct{}
	stopOnce         sync.Once
}

// Compile-time interface checks.
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// NewStore creates a new in-memory store and starts its cleanup goroutine.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		clients:          make(map[string]*storage.Client),
		codes:            make(map[string]*storage.AuthorizationCode),
		tokens:           make(map[string]*storage.Token),
		refresh:          make(map[string]string),
		logger:           logger,
		cleanupInterval:  defaultCleanupInterval,
		refreshRetention: defaultRefreshRetention,
		stopCleanup:      make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

// SaveClient saves a registered client.
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *client
	s.clients[client.ClientID] = &c
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}

	c := *client
	return &c, nil
}

// ListClientsByOwner lists clients registered by the given user.
func (s *Store) ListClientsByOwner(_ context.Context, ownerUserID string) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var clients []*storage.Client
	for _, client := range s.clients {
		if client.OwnerUserID == ownerUserID {
			c := *client
			clients = append(clients, &c)
		}
	}
	return clients, nil
}

// SaveAuthorizationCode saves a freshly minted authorization code.
func (s *Store) SaveAuthorizationCode(_ context.Context, code *storage.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *code
	s.codes[code.Code] = &c
	return nil
}

// RedeemAuthorizationCode atomically removes and returns the code. The
// lookup, expiry check, and delete happen in one critical section, so a
// second concurrent redemption of the same code always observes absence.
func (s *Store) RedeemAuthorizationCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}

	delete(s.codes, code)

	if !time.Now().Before(authCode.ExpiresAt) {
		return nil, storage.ErrCodeExpired
	}

	c := *authCode
	return &c, nil
}

// SaveToken saves an issued token.
func (s *Store) SaveToken(_ context.Context, token *storage.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := *token
	s.tokens[token.AccessToken] = &t
	if token.RefreshToken != "" {
		s.refresh[token.RefreshToken] = token.AccessToken
	}
	return nil
}

// GetTokenByAccess retrieves a token by its access token value.
func (s *Store) GetTokenByAccess(_ context.Context, accessToken string) (*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[accessToken]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	t := *token
	return &t, nil
}

// RotateToken atomically replaces the token identified by refreshToken with
// new credentials, preserving ClientID, UserID and Scope. The whole swap is
// one critical section, so concurrent rotations of the same refresh token
// yield exactly one winner.
func (s *Store) RotateToken(_ context.Context, refreshToken, newAccess, newRefresh string, newExpiresAt time.Time) (*storage.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accessToken, ok := s.refresh[refreshToken]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	old, ok := s.tokens[accessToken]
	if !ok {
		// Index entry without a token means the token was deleted out
		// from under the index. Treat as not found and repair.
		delete(s.refresh, refreshToken)
		return nil, storage.ErrTokenNotFound
	}

	delete(s.refresh, refreshToken)
	delete(s.tokens, accessToken)

	rotated := &storage.Token{
		AccessToken:  newAccess,
		RefreshToken: newRefresh,
		ClientID:     old.ClientID,
		UserID:       old.UserID,
		Scope:        old.Scope,
		CreatedAt:    time.Now(),
		ExpiresAt:    newExpiresAt,
	}
	s.tokens[newAccess] = rotated
	if newRefresh != "" {
		s.refresh[newRefresh] = newAccess
	}

	t := *rotated
	return &t, nil
}

// DeleteTokenByAccess removes a token by its access token value.
func (s *Store) DeleteTokenByAccess(_ context.Context, accessToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token, ok := s.tokens[accessToken]; ok {
		if token.RefreshToken != "" {
			delete(s.refresh, token.RefreshToken)
		}
		delete(s.tokens, accessToken)
	}
	return nil
}

// cleanupLoop periodically removes expired entries to bound memory growth.
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes expired authorization codes and tokens. Tokens carrying a
// refresh credential are kept past access expiry until the refresh retention
// lapses, since rotation does not depend on the access window.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removedCodes := 0
	removedTokens := 0

	for code, authCode := range s.codes {
		if !now.Before(authCode.ExpiresAt) {
			delete(s.codes, code)
			removedCodes++
		}
	}

	for access, token := range s.tokens {
		if now.Before(token.ExpiresAt) {
			continue
		}
		if token.RefreshToken != "" && now.Sub(token.CreatedAt) < s.refreshRetention {
			continue
		}
		if token.RefreshToken != "" {
			delete(s.refresh, token.RefreshToken)
		}
		delete(s.tokens, access)
		removedTokens++
	}

	if removedCodes > 0 || removedTokens > 0 {
		s.logger.Debug("Expired entries removed",
			"codes", removedCodes,
			"tokens", removedTokens,
			"remaining_tokens", len(s.tokens))
	}
}

// Counts returns the current number of stored clients, codes, and tokens.
// Used for storage size gauges.
func (s *Store) Counts() (clients, codes, tokens int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients), len(s.codes), len(s.tokens)
}
