// Package valkey provides a Valkey-backed implementation of the storage
// interfaces. Authorization codes and tokens carry server-side TTLs, and
// the single-use and rotation guarantees are enforced with Lua scripts so
// they hold across multiple server instances.
package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/modelbridge/mcp-oauth-bridge/storage"
)

const (
	keyPrefixClient      = "client:"
	keyPrefixOwner       = "owner:"
	keyPrefixCode        = "code:"
	keyPrefixToken       = "token:access:"
	keyPrefixRefresh     = "token:refresh:"
	defaultRefreshExpiry = 30 * 24 * time.Hour
)

// redeemCodeScript atomically fetches and deletes an authorization code,
// rejecting expired codes. Returns "NOT_FOUND", "EXPIRED", or the stored
// JSON payload. ARGV[1] is the current unix time in seconds.
const redeemCodeScript = `
local raw = redis.call('GET', KEYS[1])
if not raw then
    return 'NOT_FOUND'
end
redis.call('DEL', KEYS[1])
local code = cjson.decode(raw)
if tonumber(ARGV[1]) >= tonumber(code['expires_at']) then
    return 'EXPIRED'
end
return raw
`

// claimRefreshScript atomically fetches and deletes the refresh-token entry
// and the access-token entry it points at. Of N concurrent rotations with
// the same refresh token, exactly one receives the payload. ARGV[1] is the
// access-token key prefix.
const claimRefreshScript = `
local raw = redis.call('GET', KEYS[1])
if not raw then
    return 'NOT_FOUND'
end
redis.call('DEL', KEYS[1])
local tok = cjson.decode(raw)
if tok['access_token'] and tok['access_token'] ~= '' then
    redis.call('DEL', ARGV[1] .. tok['access_token'])
end
return raw
`

// Config holds Valkey connection configuration.
type Config struct {
	// Address is the host:port of the Valkey server.
	Address string

	// Password authenticates the connection. Empty means no auth.
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces all keys written by this store.
	KeyPrefix string

	// RefreshExpiry bounds how long a refresh credential stays redeemable.
	// Zero selects the 30-day default.
	RefreshExpiry time.Duration
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client        valkeygo.Client
	prefix        string
	refreshExpiry time.Duration
	logger        *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// clientRecord is the wire form of storage.Client.
type clientRecord struct {
	ClientID     string   `json:"client_id"`
	SecretHash   string   `json:"secret_hash"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
	OwnerUserID  string   `json:"owner_user_id,omitempty"`
	CreatedAt    int64    `json:"created_at"`
}

// codeRecord is the wire form of storage.AuthorizationCode. Timestamps are
// unix seconds so the Lua scripts can compare them.
type codeRecord struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	UserID              string `json:"user_id"`
	RedirectURI         string `json:"redirect_uri"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
}

// tokenRecord is the wire form of storage.Token.
type tokenRecord struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	ClientID     string   `json:"client_id"`
	UserID       string   `json:"user_id,omitempty"`
	Scope        []string `json:"scope,omitempty"`
	CreatedAt    int64    `json:"created_at"`
	ExpiresAt    int64    `json:"expires_at"`
}

// New creates a Valkey-backed store and verifies connectivity with a ping.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	refreshExpiry := cfg.RefreshExpiry
	if refreshExpiry <= 0 {
		refreshExpiry = defaultRefreshExpiry
	}

	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping valkey: %w", err)
	}

	return &Store{
		client:        client,
		prefix:        cfg.KeyPrefix,
		refreshExpiry: refreshExpiry,
		logger:        logger,
	}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	s.client.Close()
	return nil
}

func (s *Store) key(parts ...string) string {
	return s.prefix + strings.Join(parts, "")
}

// SaveClient saves a registered client. Client records carry no TTL.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	rec := clientRecord{
		ClientID:     client.ClientID,
		SecretHash:   client.SecretHash,
		Name:         client.Name,
		Description:  client.Description,
		RedirectURIs: client.RedirectURIs,
		OwnerUserID:  client.OwnerUserID,
		CreatedAt:    client.CreatedAt.Unix(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.key(keyPrefixClient, client.ClientID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	if client.OwnerUserID != "" {
		ownerKey := s.key(keyPrefixOwner, client.OwnerUserID)
		if err := s.client.Do(ctx, s.client.B().Sadd().Key(ownerKey).Member(client.ClientID).Build()).Error(); err != nil {
			return fmt.Errorf("failed to index client owner: %w", err)
		}
	}
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	key := s.key(keyPrefixClient, clientID)
	raw, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var rec clientRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return &storage.Client{
		ClientID:     rec.ClientID,
		SecretHash:   rec.SecretHash,
		Name:         rec.Name,
		Description:  rec.Description,
		RedirectURIs: rec.RedirectURIs,
		OwnerUserID:  rec.OwnerUserID,
		CreatedAt:    time.Unix(rec.CreatedAt, 0),
	}, nil
}

// ListClientsByOwner lists clients registered by the given user.
func (s *Store) ListClientsByOwner(ctx context.Context, ownerUserID string) ([]*storage.Client, error) {
	ownerKey := s.key(keyPrefixOwner, ownerUserID)
	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(ownerKey).Build()).AsStrSlice()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	var clients []*storage.Client
	for _, id := range ids {
		client, err := s.GetClient(ctx, id)
		if err != nil {
			if err == storage.ErrClientNotFound {
				continue
			}
			return nil, err
		}
		clients = append(clients, client)
	}
	return clients, nil
}

// SaveAuthorizationCode saves a code with a TTL matching its expiry.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	rec := codeRecord{
		Code:                code.Code,
		ClientID:            code.ClientID,
		UserID:              code.UserID,
		RedirectURI:         code.RedirectURI,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := time.Until(code.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	key := s.key(keyPrefixCode, code.Code)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

// RedeemAuthorizationCode atomically removes and returns the code via a Lua
// script, so the single-use property holds across server instances.
func (s *Store) RedeemAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	key := s.key(keyPrefixCode, code)
	now := fmt.Sprintf("%d", time.Now().Unix())

	result, err := s.client.Do(ctx, s.client.B().Eval().
		Script(redeemCodeScript).
		Numkeys(1).
		Key(key).
		Arg(now).
		Build()).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to redeem authorization code: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrCodeNotFound
	case "EXPIRED":
		return nil, storage.ErrCodeExpired
	}

	var rec codeRecord
	if err := json.Unmarshal([]byte(result), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return &storage.AuthorizationCode{
		Code:                rec.Code,
		ClientID:            rec.ClientID,
		UserID:              rec.UserID,
		RedirectURI:         rec.RedirectURI,
		CodeChallenge:       rec.CodeChallenge,
		CodeChallengeMethod: rec.CodeChallengeMethod,
		CreatedAt:           time.Unix(rec.CreatedAt, 0),
		ExpiresAt:           time.Unix(rec.ExpiresAt, 0),
	}, nil
}

// SaveToken writes the token under its access key and, when a refresh
// credential is present, under the refresh key that rotation later claims.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	rec := tokenRecord{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ClientID:     token.ClientID,
		UserID:       token.UserID,
		Scope:        token.Scope,
		CreatedAt:    token.CreatedAt.Unix(),
		ExpiresAt:    token.ExpiresAt.Unix(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	accessTTL := time.Until(token.ExpiresAt)
	if accessTTL <= 0 {
		accessTTL = time.Second
	}
	accessKey := s.key(keyPrefixToken, token.AccessToken)
	if err := s.client.Do(ctx, s.client.B().Set().Key(accessKey).Value(string(data)).Ex(accessTTL).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	if token.RefreshToken != "" {
		refreshKey := s.key(keyPrefixRefresh, token.RefreshToken)
		if err := s.client.Do(ctx, s.client.B().Set().Key(refreshKey).Value(string(data)).Ex(s.refreshExpiry).Build()).Error(); err != nil {
			return fmt.Errorf("failed to save refresh token: %w", err)
		}
	}
	return nil
}

// GetTokenByAccess retrieves a token by its access token value.
func (s *Store) GetTokenByAccess(ctx context.Context, accessToken string) (*storage.Token, error) {
	key := s.key(keyPrefixToken, accessToken)
	raw, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	rec, err := unmarshalToken(raw)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// RotateToken claims the refresh entry with a Lua script that deletes both
// the refresh and access keys, then writes the replacement token. The claim
// is the compare-and-swap: a concurrent rotation of the same refresh token
// finds the entry gone and fails with ErrTokenNotFound.
func (s *Store) RotateToken(ctx context.Context, refreshToken, newAccess, newRefresh string, newExpiresAt time.Time) (*storage.Token, error) {
	refreshKey := s.key(keyPrefixRefresh, refreshToken)

	result, err := s.client.Do(ctx, s.client.B().Eval().
		Script(claimRefreshScript).
		Numkeys(1).
		Key(refreshKey).
		Arg(s.key(keyPrefixToken)).
		Build()).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to claim refresh token: %w", err)
	}
	if result == "NOT_FOUND" {
		return nil, storage.ErrTokenNotFound
	}

	old, err := unmarshalToken(result)
	if err != nil {
		return nil, err
	}

	rotated := &storage.Token{
		AccessToken:  newAccess,
		RefreshToken: newRefresh,
		ClientID:     old.ClientID,
		UserID:       old.UserID,
		Scope:        old.Scope,
		CreatedAt:    time.Now(),
		ExpiresAt:    newExpiresAt,
	}
	if err := s.SaveToken(ctx, rotated); err != nil {
		return nil, err
	}
	return rotated, nil
}

// DeleteTokenByAccess removes a token and its refresh entry.
func (s *Store) DeleteTokenByAccess(ctx context.Context, accessToken string) error {
	token, err := s.GetTokenByAccess(ctx, accessToken)
	if err != nil {
		if err == storage.ErrTokenNotFound {
			return nil
		}
		return err
	}

	keys := []string{s.key(keyPrefixToken, accessToken)}
	if token.RefreshToken != "" {
		keys = append(keys, s.key(keyPrefixRefresh, token.RefreshToken))
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// Ping verifies connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

func unmarshalToken(raw string) (*storage.Token, error) {
	var rec tokenRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &storage.Token{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		ClientID:     rec.ClientID,
		UserID:       rec.UserID,
		Scope:        rec.Scope,
		CreatedAt:    time.Unix(rec.CreatedAt, 0),
		ExpiresAt:    time.Unix(rec.ExpiresAt, 0),
	}, nil
}
