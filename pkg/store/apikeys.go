package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sonde-dev/sonde/pkg/crypto"
	"github.com/sonde-dev/sonde/pkg/models"
)

// CreateAPIKey persists a new key record. The caller supplies the raw
// secret once; only its SHA-256 hash is stored.
func (s *Store) CreateAPIKey(ctx context.Context, key *models.APIKey, rawSecret string) error {
	policy, err := json.Marshal(key.Policy)
	if err != nil {
		return fmt.Errorf("marshal key policy: %w", err)
	}
	key.KeyHash = crypto.HashAPIKey(rawSecret)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, key_hash, role, policy_json, expires_at, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, key.KeyHash, string(key.Role), string(policy),
		nullTime(key.ExpiresAt), key.CreatedBy, key.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKeyBySecret looks up a key by its raw secret. Revoked and expired
// keys are still returned; callers check Usable.
func (s *Store) GetAPIKeyBySecret(ctx context.Context, rawSecret string) (*models.APIKey, error) {
	row := s.db.QueryRowContext(ctx, apiKeySelect+` WHERE key_hash = ?`, crypto.HashAPIKey(rawSecret))
	return scanAPIKey(row)
}

// GetAPIKey fetches one key by ID.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*models.APIKey, error) {
	row := s.db.QueryRowContext(ctx, apiKeySelect+` WHERE id = ?`, id)
	return scanAPIKey(row)
}

// ListAPIKeys returns all keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, apiKeySelect+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RevokeAPIKey marks a key revoked. Revocation is permanent.
func (s *Store) RevokeAPIKey(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		at.UTC(), id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return requireRowAffected(res)
}

// TouchAPIKey bumps a key's last-used timestamp. Failures here must not
// block the authenticated request, so callers may ignore the error.
func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, at.UTC(), id)
	return err
}

const apiKeySelect = `
	SELECT id, name, key_hash, role, policy_json, expires_at, revoked_at, created_by, created_at, last_used_at
	FROM api_keys`

func scanAPIKey(row rowScanner) (*models.APIKey, error) {
	var (
		key       models.APIKey
		role      string
		policy    string
		expiresAt sql.NullTime
		revokedAt sql.NullTime
		lastUsed  sql.NullTime
	)
	err := row.Scan(&key.ID, &key.Name, &key.KeyHash, &role, &policy,
		&expiresAt, &revokedAt, &key.CreatedBy, &key.CreatedAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	if err := json.Unmarshal([]byte(policy), &key.Policy); err != nil {
		return nil, fmt.Errorf("unmarshal key policy: %w", err)
	}
	key.Role = models.Role(role)
	key.ExpiresAt = timePtr(expiresAt)
	key.RevokedAt = timePtr(revokedAt)
	key.LastUsedAt = timePtr(lastUsed)
	return &key, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
