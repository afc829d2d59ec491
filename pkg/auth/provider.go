package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sonde-dev/sonde/pkg/models"
	"github.com/sonde-dev/sonde/pkg/store"
)

const (
	// AuthCodeTTL is the lifetime of an authorization code.
	AuthCodeTTL = 5 * time.Minute

	// AccessTokenTTL is the lifetime of an issued access token. There are
	// no refresh tokens; clients re-run the flow.
	AccessTokenTTL = time.Hour

	purgeEvery = time.Hour
)

// ProviderStore is the persistence surface for the hub's own OAuth2
// provider.
type ProviderStore interface {
	CreateOAuthClient(ctx context.Context, client *store.OAuthClient) error
	GetOAuthClient(ctx context.Context, clientID string) (*store.OAuthClient, error)
	SaveOAuthCode(ctx context.Context, code *store.OAuthCode) error
	ConsumeOAuthCode(ctx context.Context, code string, now time.Time) (*store.OAuthCode, error)
	SaveOAuthToken(ctx context.Context, rawToken string, token *store.OAuthToken) error
	GetOAuthToken(ctx context.Context, rawToken string, now time.Time) (*store.OAuthToken, error)
	PurgeExpiredOAuth(ctx context.Context, now time.Time) error
}

// Provider implements the hub side of the authorization-code flow with
// PKCE, used by MCP clients to obtain bearer tokens.
type Provider struct {
	store  ProviderStore
	logger *slog.Logger
}

// NewProvider creates a Provider.
func NewProvider(s ProviderStore) *Provider {
	return &Provider{store: s, logger: slog.With("component", "oauth-provider")}
}

// RegisterClient performs dynamic client registration.
func (p *Provider) RegisterClient(ctx context.Context, name string, redirectURIs []string) (*store.OAuthClient, error) {
	if name == "" {
		return nil, fmt.Errorf("client name is required")
	}
	if len(redirectURIs) == 0 {
		return nil, fmt.Errorf("at least one redirect uri is required")
	}
	for _, uri := range redirectURIs {
		if !strings.HasPrefix(uri, "http://localhost") &&
			!strings.HasPrefix(uri, "http://127.0.0.1") &&
			!strings.HasPrefix(uri, "https://") {
			return nil, fmt.Errorf("redirect uri %q must be https or loopback", uri)
		}
	}

	client := &store.OAuthClient{
		ClientID:     uuid.New().String(),
		Name:         name,
		RedirectURIs: redirectURIs,
		CreatedAt:    time.Now().UTC(),
	}
	if err := p.store.CreateOAuthClient(ctx, client); err != nil {
		return nil, fmt.Errorf("register client: %w", err)
	}
	p.logger.Info("OAuth client registered", "client_id", client.ClientID, "name", name)
	return client, nil
}

// Authorize mints an authorization code after the resource owner approved
// the request. Only the S256 challenge method is accepted.
func (p *Provider) Authorize(ctx context.Context, clientID, redirectURI, scope, challenge, method string) (string, error) {
	client, err := p.store.GetOAuthClient(ctx, clientID)
	if err != nil {
		return "", fmt.Errorf("unknown client")
	}
	if !slices.Contains(client.RedirectURIs, redirectURI) {
		return "", fmt.Errorf("redirect uri is not registered")
	}
	if challenge == "" {
		return "", fmt.Errorf("pkce code challenge is required")
	}
	if method != "S256" {
		return "", fmt.Errorf("unsupported code challenge method %q", method)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	code := hex.EncodeToString(buf)

	if err := p.store.SaveOAuthCode(ctx, &store.OAuthCode{
		Code:            code,
		ClientID:        clientID,
		RedirectURI:     redirectURI,
		Scope:           scope,
		CodeChallenge:   challenge,
		ChallengeMethod: method,
		ExpiresAt:       time.Now().UTC().Add(AuthCodeTTL),
	}); err != nil {
		return "", fmt.Errorf("save code: %w", err)
	}
	return code, nil
}

// ExchangeToken swaps a one-time code plus PKCE verifier for a bearer
// token.
func (p *Provider) ExchangeToken(ctx context.Context, clientID, redirectURI, code, verifier string) (string, time.Time, error) {
	oc, err := p.store.ConsumeOAuthCode(ctx, code, time.Now().UTC())
	if err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if oc.ClientID != clientID || oc.RedirectURI != redirectURI {
		return "", time.Time{}, ErrInvalidCredentials
	}

	sum := sha256.Sum256([]byte(verifier))
	derived := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(derived), []byte(oc.CodeChallenge)) != 1 {
		return "", time.Time{}, ErrInvalidCredentials
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("generate token: %w", err)
	}
	raw := "st_" + hex.EncodeToString(buf)
	expiresAt := time.Now().UTC().Add(AccessTokenTTL)

	if err := p.store.SaveOAuthToken(ctx, raw, &store.OAuthToken{
		ClientID:  clientID,
		Scope:     oc.Scope,
		ExpiresAt: expiresAt,
	}); err != nil {
		return "", time.Time{}, fmt.Errorf("save token: %w", err)
	}
	p.logger.Info("Access token issued", "client_id", clientID)
	return raw, expiresAt, nil
}

// ValidateToken resolves a bearer token to an AuthContext. OAuth callers
// act with member role; finer restriction comes from scopes.
func (p *Provider) ValidateToken(ctx context.Context, raw string) (*models.AuthContext, error) {
	token, err := p.store.GetOAuthToken(ctx, raw, time.Now().UTC())
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	var scopes []string
	if token.Scope != "" {
		scopes = strings.Fields(token.Scope)
	}
	return &models.AuthContext{
		Type:   models.AuthTypeOAuth,
		KeyID:  token.ClientID,
		Role:   models.RoleMember,
		Scopes: scopes,
	}, nil
}

// RunPurger periodically deletes expired codes and tokens. Blocks until
// ctx is cancelled.
func (p *Provider) RunPurger(ctx context.Context) {
	ticker := time.NewTicker(purgeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.PurgeExpiredOAuth(ctx, time.Now().UTC()); err != nil {
				p.logger.Warn("OAuth purge failed", "error", err)
			}
		}
	}
}
