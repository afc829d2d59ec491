package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/sonde-dev/sonde/pkg/models"
	"github.com/sonde-dev/sonde/pkg/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), t.TempDir()+"/auth-test.db", "auth-test-secret-0123456789")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAPIKeyIssueAndValidate(t *testing.T) {
	s := testStore(t)
	svc := NewKeyService(s)
	ctx := context.Background()

	key, raw, err := svc.CreateKey(ctx, "ci", models.RoleMember,
		models.KeyPolicy{AllowedProbes: []string{"system.*"}}, nil, "admin")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "sk_"))
	assert.NotEmpty(t, key.ID)

	authCtx, err := svc.Validate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, models.AuthTypeAPIKey, authCtx.Type)
	assert.Equal(t, key.ID, authCtx.KeyID)
	assert.Equal(t, []string{"system.*"}, authCtx.Policy.AllowedProbes)

	// Validation bumps last-used.
	stored, err := s.GetAPIKey(ctx, key.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastUsedAt)

	_, err = svc.Validate(ctx, "sk_bogus")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Validate(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAPIKeyRevokedAndExpired(t *testing.T) {
	s := testStore(t)
	svc := NewKeyService(s)
	ctx := context.Background()

	_, raw, err := svc.CreateKey(ctx, "gone", models.RoleMember, models.KeyPolicy{}, nil, "admin")
	require.NoError(t, err)
	key, err := s.GetAPIKeyBySecret(ctx, raw)
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, key.ID))
	_, err = svc.Validate(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	past := time.Now().Add(-time.Hour)
	_, rawExpired, err := svc.CreateKey(ctx, "expired", models.RoleMember, models.KeyPolicy{}, &past, "admin")
	require.NoError(t, err)
	_, err = svc.Validate(ctx, rawExpired)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSessionLoginDBAdmin(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, s.CreateLocalAdmin(ctx, &store.LocalAdmin{
		Username: "root", PasswordHash: string(hash), Role: models.RoleOwner, CreatedAt: time.Now(),
	}))

	svc := NewSessionService(s, EnvAdmin{Username: "env", Password: "envpass"}, true)

	token, err := svc.Login(ctx, "root", "correct horse", "10.0.0.1")
	require.NoError(t, err)

	authCtx, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, models.AuthTypeSession, authCtx.Type)
	assert.Equal(t, models.RoleOwner, authCtx.Role)

	_, err = svc.Login(ctx, "root", "wrong", "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// A database admin exists, so the env bootstrap admin is disabled.
	_, err = svc.Login(ctx, "env", "envpass", "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	svc.Logout(token)
	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSessionEnvAdminBootstrap(t *testing.T) {
	s := testStore(t)
	svc := NewSessionService(s, EnvAdmin{Username: "env", Password: "envpass"}, false)

	token, err := svc.Login(context.Background(), "env", "envpass", "10.0.0.1")
	require.NoError(t, err)

	authCtx, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, models.RoleOwner, authCtx.Role)
}

func TestLoginRateLimit(t *testing.T) {
	s := testStore(t)
	svc := NewSessionService(s, EnvAdmin{}, false)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Login(ctx, "ghost", "nope", "10.0.0.9")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err := svc.Login(ctx, "ghost", "nope", "10.0.0.9")
	assert.ErrorIs(t, err, ErrRateLimited)

	// A different source IP is unaffected.
	_, err = svc.Login(ctx, "ghost", "nope", "10.0.0.10")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSessionCookieFlags(t *testing.T) {
	svc := NewSessionService(testStore(t), EnvAdmin{}, true)

	cookie := svc.Cookie("tok")
	assert.Equal(t, SessionCookieName, cookie.Name)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, int(SessionTTL.Seconds()), cookie.MaxAge)

	cleared := svc.Cookie("")
	assert.Equal(t, -1, cleared.MaxAge)
}

func TestSessionSweep(t *testing.T) {
	svc := NewSessionService(testStore(t), EnvAdmin{}, false)
	token, err := svc.createSession("u", models.RoleMember)
	require.NoError(t, err)

	svc.mu.Lock()
	sess := svc.sessions[token]
	sess.expiresAt = time.Now().Add(-time.Minute)
	svc.sessions[token] = sess
	svc.mu.Unlock()

	svc.sweep(time.Now())
	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func pkcePair() (verifier, challenge string) {
	verifier = "test-verifier-0123456789-0123456789-0123456789"
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestOAuthProviderFullFlow(t *testing.T) {
	s := testStore(t)
	p := NewProvider(s)
	ctx := context.Background()

	client, err := p.RegisterClient(ctx, "claude", []string{"http://localhost:33418/callback"})
	require.NoError(t, err)

	verifier, challenge := pkcePair()
	code, err := p.Authorize(ctx, client.ClientID, "http://localhost:33418/callback", "probe", challenge, "S256")
	require.NoError(t, err)

	raw, expiresAt, err := p.ExchangeToken(ctx, client.ClientID, "http://localhost:33418/callback", code, verifier)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "st_"))
	assert.WithinDuration(t, time.Now().Add(AccessTokenTTL), expiresAt, time.Minute)

	authCtx, err := p.ValidateToken(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, models.AuthTypeOAuth, authCtx.Type)
	assert.Equal(t, client.ClientID, authCtx.KeyID)
	assert.Equal(t, []string{"probe"}, authCtx.Scopes)
	assert.Equal(t, models.RoleMember, authCtx.Role)

	// Codes are single use.
	_, _, err = p.ExchangeToken(ctx, client.ClientID, "http://localhost:33418/callback", code, verifier)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestOAuthProviderRejectsBadPKCE(t *testing.T) {
	s := testStore(t)
	p := NewProvider(s)
	ctx := context.Background()

	client, err := p.RegisterClient(ctx, "claude", []string{"http://localhost:1/cb"})
	require.NoError(t, err)

	_, challenge := pkcePair()
	code, err := p.Authorize(ctx, client.ClientID, "http://localhost:1/cb", "", challenge, "S256")
	require.NoError(t, err)

	_, _, err = p.ExchangeToken(ctx, client.ClientID, "http://localhost:1/cb", code, "wrong-verifier")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// Plain method rejected at authorize time.
	_, err = p.Authorize(ctx, client.ClientID, "http://localhost:1/cb", "", challenge, "plain")
	assert.Error(t, err)
	_, err = p.Authorize(ctx, client.ClientID, "http://localhost:1/cb", "", "", "S256")
	assert.Error(t, err)
}

func TestOAuthProviderRejectsWrongClient(t *testing.T) {
	s := testStore(t)
	p := NewProvider(s)
	ctx := context.Background()

	client, err := p.RegisterClient(ctx, "claude", []string{"http://localhost:1/cb"})
	require.NoError(t, err)
	other, err := p.RegisterClient(ctx, "other", []string{"http://localhost:2/cb"})
	require.NoError(t, err)

	verifier, challenge := pkcePair()
	code, err := p.Authorize(ctx, client.ClientID, "http://localhost:1/cb", "", challenge, "S256")
	require.NoError(t, err)

	_, _, err = p.ExchangeToken(ctx, other.ClientID, "http://localhost:1/cb", code, verifier)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = p.Authorize(ctx, client.ClientID, "http://evil.example.com/cb", "", challenge, "S256")
	assert.Error(t, err)
}

func TestSSORoleResolution(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetSSOConfig(ctx, &store.SSOConfig{
		TenantID: "t", ClientID: "c", ClientSecret: "sec", Enabled: true,
	}))
	require.NoError(t, s.UpsertAuthorizedUser(ctx, "alice@example.com", models.RoleMember))
	require.NoError(t, s.UpsertAuthorizedGroup(ctx, "ops-group", models.RoleAdmin))

	svc := NewSSOService(s, "https://hub.example.com")

	// Direct grant only.
	role, err := svc.resolveRole(ctx, "alice@example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, models.RoleMember, role)

	// Group grant lifts the role.
	role, err = svc.resolveRole(ctx, "alice@example.com", []string{"ops-group"})
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, role)

	// Group grant alone suffices.
	role, err = svc.resolveRole(ctx, "bob@example.com", []string{"ops-group"})
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, role)

	// Authenticated but unauthorized.
	_, err = svc.resolveRole(ctx, "mallory@example.com", []string{"random-group"})
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestSSOCompleteLogin(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetSSOConfig(ctx, &store.SSOConfig{
		TenantID: "t", ClientID: "c", ClientSecret: "sec", Enabled: true,
	}))
	require.NoError(t, s.UpsertAuthorizedUser(ctx, "alice@example.com", models.RoleAdmin))

	svc := NewSSOService(s, "https://hub.example.com")
	svc.exchange = func(_ context.Context, _ *oauth2.Config, code string) (*oauth2.Token, error) {
		assert.Equal(t, "the-code", code)
		idToken := fakeIDToken(t, map[string]any{"preferred_username": "alice@example.com"})
		return (&oauth2.Token{AccessToken: "at"}).WithExtra(map[string]any{"id_token": idToken}), nil
	}

	authURL, err := svc.BeginLogin(ctx)
	require.NoError(t, err)
	assert.Contains(t, authURL, "login.microsoftonline.com/t/oauth2/v2.0/authorize")

	state := extractState(t, authURL)
	upn, role, err := svc.CompleteLogin(ctx, state, "the-code")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", upn)
	assert.Equal(t, models.RoleAdmin, role)

	// State is single use.
	_, _, err = svc.CompleteLogin(ctx, state, "the-code")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func fakeIDToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(claims)
	require.NoError(t, err)
	return "eyJhbGciOiJub25lIn0." + base64.RawURLEncoding.EncodeToString(raw) + ".sig"
}

func extractState(t *testing.T, authURL string) string {
	t.Helper()
	idx := strings.Index(authURL, "state=")
	require.GreaterOrEqual(t, idx, 0)
	state := authURL[idx+len("state="):]
	if amp := strings.Index(state, "&"); amp >= 0 {
		state = state[:amp]
	}
	return state
}
