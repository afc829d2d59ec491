// Package auth covers every way a caller proves itself to the hub: API
// keys, browser sessions, Entra ID single sign-on, and the hub's own
// OAuth2 provider for MCP clients.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sonde-dev/sonde/pkg/models"
	"github.com/sonde-dev/sonde/pkg/store"
)

// keyPrefix marks raw API keys so leaked keys are recognisable in scanners.
const keyPrefix = "sk_"

var (
	// ErrInvalidCredentials covers every authentication failure. Callers
	// never learn whether the key was unknown, revoked, or expired.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// KeyStore is the persistence surface for API keys.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey, rawSecret string) error
	GetAPIKeyBySecret(ctx context.Context, rawSecret string) (*models.APIKey, error)
	GetAPIKey(ctx context.Context, id string) (*models.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id string, at time.Time) error
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
}

// KeyService issues and validates API keys.
type KeyService struct {
	store KeyStore
}

// NewKeyService creates a KeyService.
func NewKeyService(store KeyStore) *KeyService {
	return &KeyService{store: store}
}

// CreateKey mints a new API key. The returned raw secret is shown exactly
// once; only its hash is stored.
func (s *KeyService) CreateKey(ctx context.Context, name string, role models.Role, policy models.KeyPolicy, expiresAt *time.Time, createdBy string) (*models.APIKey, string, error) {
	if name == "" {
		return nil, "", fmt.Errorf("key name is required")
	}
	if role == "" {
		role = models.RoleMember
	}
	if role.Level() == 0 {
		return nil, "", fmt.Errorf("unknown role %q", role)
	}

	raw, err := generateSecret()
	if err != nil {
		return nil, "", err
	}

	key := &models.APIKey{
		ID:        uuid.New().String(),
		Name:      name,
		Role:      role,
		Policy:    policy,
		ExpiresAt: expiresAt,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateAPIKey(ctx, key, raw); err != nil {
		return nil, "", fmt.Errorf("create api key: %w", err)
	}
	return key, raw, nil
}

// Validate resolves a raw key to an AuthContext. Unknown, revoked, and
// expired keys all fail identically.
func (s *KeyService) Validate(ctx context.Context, rawSecret string) (*models.AuthContext, error) {
	if rawSecret == "" {
		return nil, ErrInvalidCredentials
	}
	key, err := s.store.GetAPIKeyBySecret(ctx, rawSecret)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	now := time.Now().UTC()
	if !key.Usable(now) {
		return nil, ErrInvalidCredentials
	}

	// Last-used tracking is best effort; a failed write must not block auth.
	_ = s.store.TouchAPIKey(ctx, key.ID, now)

	return &models.AuthContext{
		Type:    models.AuthTypeAPIKey,
		KeyID:   key.ID,
		KeyName: key.Name,
		Policy:  key.Policy,
		Role:    key.Role,
	}, nil
}

// Revoke permanently disables a key.
func (s *KeyService) Revoke(ctx context.Context, id string) error {
	err := s.store.RevokeAPIKey(ctx, id, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("key %q: %w", id, store.ErrNotFound)
	}
	return err
}

// List returns all keys, hashes omitted by the model's JSON tags.
func (s *KeyService) List(ctx context.Context) ([]*models.APIKey, error) {
	return s.store.ListAPIKeys(ctx)
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key material: %w", err)
	}
	return keyPrefix + hex.EncodeToString(buf), nil
}
