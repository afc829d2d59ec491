package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sonde-dev/sonde/pkg/crypto"
)

// OAuthClient is a registered OAuth2 client (an MCP client installation).
type OAuthClient struct {
	ClientID     string    `json:"client_id"`
	Name         string    `json:"name"`
	RedirectURIs []string  `json:"redirect_uris"`
	CreatedAt    time.Time `json:"created_at"`
}

// OAuthCode is an issued, not-yet-exchanged authorization code.
type OAuthCode struct {
	Code            string
	ClientID        string
	RedirectURI     string
	Scope           string
	CodeChallenge   string
	ChallengeMethod string
	ExpiresAt       time.Time
}

// OAuthToken is an issued access token, stored hashed.
type OAuthToken struct {
	ClientID  string
	Scope     string
	ExpiresAt time.Time
}

// CreateOAuthClient registers a new OAuth2 client.
func (s *Store) CreateOAuthClient(ctx context.Context, client *OAuthClient) error {
	uris, err := json.Marshal(client.RedirectURIs)
	if err != nil {
		return fmt.Errorf("marshal redirect uris: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_clients (client_id, name, redirect_uris_json, created_at)
		VALUES (?, ?, ?, ?)`,
		client.ClientID, client.Name, string(uris), client.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert oauth client: %w", err)
	}
	return nil
}

// GetOAuthClient fetches one registered client.
func (s *Store) GetOAuthClient(ctx context.Context, clientID string) (*OAuthClient, error) {
	var (
		client OAuthClient
		uris   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT client_id, name, redirect_uris_json, created_at
		FROM oauth_clients WHERE client_id = ?`, clientID).
		Scan(&client.ClientID, &client.Name, &uris, &client.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth client: %w", err)
	}
	if err := json.Unmarshal([]byte(uris), &client.RedirectURIs); err != nil {
		return nil, fmt.Errorf("unmarshal redirect uris: %w", err)
	}
	return &client, nil
}

// SaveOAuthCode stores an authorization code awaiting exchange.
func (s *Store) SaveOAuthCode(ctx context.Context, code *OAuthCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_codes (code, client_id, redirect_uri, scope, code_challenge, challenge_method, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		code.Code, code.ClientID, code.RedirectURI, code.Scope,
		code.CodeChallenge, code.ChallengeMethod, code.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert oauth code: %w", err)
	}
	return nil
}

// ConsumeOAuthCode atomically fetches and deletes an authorization code.
// A code can be exchanged exactly once; expired codes return ErrNotFound.
func (s *Store) ConsumeOAuthCode(ctx context.Context, code string, now time.Time) (*OAuthCode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var oc OAuthCode
	err = tx.QueryRowContext(ctx, `
		SELECT code, client_id, redirect_uri, scope, code_challenge, challenge_method, expires_at
		FROM oauth_codes WHERE code = ?`, code).
		Scan(&oc.Code, &oc.ClientID, &oc.RedirectURI, &oc.Scope,
			&oc.CodeChallenge, &oc.ChallengeMethod, &oc.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth code: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_codes WHERE code = ?`, code); err != nil {
		return nil, fmt.Errorf("delete oauth code: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if now.After(oc.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &oc, nil
}

// SaveOAuthToken stores an access token. Only the SHA-256 hash of the raw
// token is persisted.
func (s *Store) SaveOAuthToken(ctx context.Context, rawToken string, token *OAuthToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens (token_hash, client_id, scope, expires_at)
		VALUES (?, ?, ?, ?)`,
		crypto.HashAPIKey(rawToken), token.ClientID, token.Scope, token.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert oauth token: %w", err)
	}
	return nil
}

// GetOAuthToken looks up a live token by its raw value. Expired tokens
// return ErrNotFound.
func (s *Store) GetOAuthToken(ctx context.Context, rawToken string, now time.Time) (*OAuthToken, error) {
	var token OAuthToken
	err := s.db.QueryRowContext(ctx, `
		SELECT client_id, scope, expires_at FROM oauth_tokens WHERE token_hash = ?`,
		crypto.HashAPIKey(rawToken)).
		Scan(&token.ClientID, &token.Scope, &token.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth token: %w", err)
	}
	if now.After(token.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &token, nil
}

// PurgeExpiredOAuth deletes expired codes and tokens.
func (s *Store) PurgeExpiredOAuth(ctx context.Context, now time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_codes WHERE expires_at < ?`, now.UTC()); err != nil {
		return fmt.Errorf("purge oauth codes: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_tokens WHERE expires_at < ?`, now.UTC()); err != nil {
		return fmt.Errorf("purge oauth tokens: %w", err)
	}
	return nil
}
