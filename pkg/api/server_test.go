package api

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonde-dev/sonde/pkg/auth"
	"github.com/sonde-dev/sonde/pkg/config"
	"github.com/sonde-dev/sonde/pkg/dispatch"
	"github.com/sonde-dev/sonde/pkg/integration"
	"github.com/sonde-dev/sonde/pkg/models"
	"github.com/sonde-dev/sonde/pkg/pack"
	"github.com/sonde-dev/sonde/pkg/store"
)

const testVerifier = "0123456789abcdef0123456789abcdef0123456789abcdef"

var testChallenge = func() string {
	sum := sha256.Sum256([]byte(testVerifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}()

type testServer struct {
	srv   *Server
	store *store.Store
	keys  *auth.KeyService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "hub.db"), "api-test-secret-0123456789")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	registry := pack.NewRegistry(true, nil)
	for _, m := range pack.Builtin() {
		require.NoError(t, registry.Register(m))
	}

	keys := auth.NewKeyService(st)
	sessions := auth.NewSessionService(st, auth.EnvAdmin{Username: "root", Password: "bootstrap-pw"}, false)
	provider := auth.NewProvider(st)
	authn := auth.NewAuthenticator(keys, sessions, provider)

	cfg := &config.Config{Host: "127.0.0.1", Port: 0}
	srv := NewServer(cfg, Deps{
		Store:      st,
		Dispatcher: dispatch.New(st),
		Executor:   integration.NewExecutor(st),
		Registry:   registry,
		Keys:       keys,
		Sessions:   sessions,
		SSO:        auth.NewSSOService(st, ""),
		Provider:   provider,
		Authn:      authn,
	})
	return &testServer{srv: srv, store: st, keys: keys}
}

func (ts *testServer) do(method, path string, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:52000"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	ts.srv.Echo().ServeHTTP(rec, req)
	return rec
}

// login authenticates as the bootstrap admin and returns the session cookie.
func (ts *testServer) login(t *testing.T) *http.Cookie {
	t.Helper()
	rec := ts.do(http.MethodPost, "/auth/login", `{"username":"root","password":"bootstrap-pw"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == auth.SessionCookieName {
			return cookie
		}
	}
	t.Fatal("no session cookie in login response")
	return nil
}

func withCookie(cookie *http.Cookie) func(*http.Request) {
	return func(r *http.Request) { r.AddCookie(cookie) }
}

func withBearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestAPIRequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/v1/agents", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginLogoutFlow(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.login(t)

	rec := ts.do(http.MethodGet, "/api/v1/agents", "", withCookie(cookie))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodPost, "/auth/logout", "", withCookie(cookie))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/api/v1/agents", "", withCookie(cookie))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/auth/login", `{"username":"root","password":"wrong"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMemberCannotManageKeys(t *testing.T) {
	ts := newTestServer(t)

	_, secret, err := ts.keys.CreateKey(context.Background(),
		"reader", models.RoleMember, models.KeyPolicy{}, nil, "test")
	require.NoError(t, err)

	rec := ts.do(http.MethodGet, "/api/v1/agents", "", withBearer(secret))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodGet, "/api/v1/api-keys", "", withBearer(secret))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodPut, "/api/v1/settings/sso", `{"enabled":false}`, withBearer(secret))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPIKeyLifecycle(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.login(t)

	rec := ts.do(http.MethodPost, "/api/v1/api-keys",
		`{"name":"ci","role":"member","policy":{"allowedAgents":["web-*"]}}`, withCookie(cookie))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Key    *models.APIKey `json:"key"`
		Secret string         `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.Secret, "sk_"))
	assert.Equal(t, "ci", created.Key.Name)

	// The raw secret authenticates.
	rec = ts.do(http.MethodGet, "/api/v1/agents", "", withBearer(created.Secret))
	require.Equal(t, http.StatusOK, rec.Code)

	// Listing never exposes the secret.
	rec = ts.do(http.MethodGet, "/api/v1/api-keys", "", withCookie(cookie))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), created.Secret)

	rec = ts.do(http.MethodDelete, "/api/v1/api-keys/"+created.Key.ID, "", withCookie(cookie))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(http.MethodGet, "/api/v1/agents", "", withBearer(created.Secret))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIntegrationResponsesOmitCredentials(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.login(t)

	body := `{
		"type": "proxmox",
		"name": "pve-main",
		"config": {
			"endpoint": "https://pve.internal:8006",
			"credentials": {"method": "bearer_token", "token": "PVEAPIToken=root@pam!sonde=supersecret"}
		}
	}`
	rec := ts.do(http.MethodPost, "/api/v1/integrations", body, withCookie(cookie))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "supersecret")

	rec = ts.do(http.MethodGet, "/api/v1/integrations", "", withCookie(cookie))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pve-main")
	assert.Contains(t, rec.Body.String(), "https://pve.internal:8006")
	assert.NotContains(t, rec.Body.String(), "supersecret")
}

func TestCriticalPathValidation(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.login(t)

	rec := ts.do(http.MethodPost, "/api/v1/critical-paths", `{"name":"empty","steps":[]}`, withCookie(cookie))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := `{
		"name": "web-stack",
		"steps": [
			{"label": "frontend", "target_type": "agent", "target_id": "web-01",
			 "probes": ["system.service.status", "nginx.config.test"]}
		]
	}`
	rec = ts.do(http.MethodPost, "/api/v1/critical-paths", body, withCookie(cookie))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var saved models.CriticalPath
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	assert.NotEmpty(t, saved.ID)

	rec = ts.do(http.MethodGet, "/api/v1/critical-paths/"+saved.ID, "", withCookie(cookie))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "web-stack")
}

func TestAuditQueryParams(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.login(t)

	rec := ts.do(http.MethodGet, "/api/v1/audit?limit=0", "", withCookie(cookie))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/api/v1/audit?since=yesterday", "", withCookie(cookie))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/api/v1/audit?limit=10", "", withCookie(cookie))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total"`)
}

func TestListPacks(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.login(t)

	rec := ts.do(http.MethodGet, "/api/v1/packs", "", withCookie(cookie))
	require.Equal(t, http.StatusOK, rec.Code)
	for _, name := range []string{"system", "docker", "systemd", "nginx", "proxmox", "keeper"} {
		assert.Contains(t, rec.Body.String(), `"`+name+`"`)
	}
}

func TestSSOConfigSecretIsWriteOnly(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.login(t)

	body := `{"tenant_id":"tid","client_id":"cid","client_secret":"sso-secret-value","enabled":true}`
	rec := ts.do(http.MethodPut, "/api/v1/settings/sso", body, withCookie(cookie))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodGet, "/api/v1/settings/sso", "", withCookie(cookie))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sso-secret-value")
	assert.Contains(t, rec.Body.String(), `"secret_is_set":true`)

	// Updating without a secret keeps the stored one.
	rec = ts.do(http.MethodPut, "/api/v1/settings/sso",
		`{"tenant_id":"tid","client_id":"cid","enabled":true}`, withCookie(cookie))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(http.MethodGet, "/api/v1/settings/sso", "", withCookie(cookie))
	assert.Contains(t, rec.Body.String(), `"secret_is_set":true`)
}

func TestOAuthAuthorizationCodeFlow(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.login(t)

	rec := ts.do(http.MethodGet, "/.well-known/oauth-authorization-server", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/oauth/authorize")

	rec = ts.do(http.MethodPost, "/oauth/register",
		`{"client_name":"mcp-inspector","redirect_uris":["http://localhost:6274/callback"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var client struct {
		ClientID string `json:"client_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &client))

	// Unauthenticated browsers get bounced to the login page.
	authorize := "/oauth/authorize?client_id=" + client.ClientID +
		"&redirect_uri=" + url.QueryEscape("http://localhost:6274/callback") +
		"&code_challenge=" + testChallenge + "&code_challenge_method=S256&state=xyz"
	rec = ts.do(http.MethodGet, authorize, "")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "/login")

	rec = ts.do(http.MethodGet, authorize, "", withCookie(cookie))
	require.Equal(t, http.StatusFound, rec.Code)
	redirect, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	code := redirect.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "xyz", redirect.Query().Get("state"))

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {client.ClientID},
		"redirect_uri":  {"http://localhost:6274/callback"},
		"code":          {code},
		"code_verifier": {testVerifier},
	}
	rec = ts.do(http.MethodPost, "/oauth/token", form.Encode(), func(r *http.Request) {
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var token struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &token))
	assert.Equal(t, "Bearer", token.TokenType)
	assert.True(t, strings.HasPrefix(token.AccessToken, "st_"))

	// The issued token works against the protected API.
	rec = ts.do(http.MethodGet, "/api/v1/agents", "", withBearer(token.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Codes are single use.
	rec = ts.do(http.MethodPost, "/oauth/token", form.Encode(), func(r *http.Request) {
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")
}

func TestOAuthTokenRejectsOtherGrants(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/oauth/token", "grant_type=client_credentials", func(r *http.Request) {
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported_grant_type")
}

func TestAgentCredentialIssuance(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.login(t)

	require.NoError(t, ts.store.CreateAgent(context.Background(), &models.Agent{
		ID: "a-1", Name: "web-01", OS: "linux", Status: models.AgentStatusOnline,
	}))

	rec := ts.do(http.MethodGet, "/api/v1/ca", "", withCookie(cookie))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "BEGIN CERTIFICATE")
	caPEM := rec.Body.String()

	rec = ts.do(http.MethodPost, "/api/v1/agents/a-1/credentials", "", withCookie(cookie))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var creds struct {
		Agent       string `json:"agent"`
		CACert      string `json:"ca_cert"`
		Certificate string `json:"certificate"`
		PrivateKey  string `json:"private_key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &creds))
	assert.Equal(t, "web-01", creds.Agent)
	assert.Contains(t, creds.Certificate, "BEGIN CERTIFICATE")
	assert.Contains(t, creds.PrivateKey, "BEGIN RSA PRIVATE KEY")

	// The CA is persisted: issuing again reuses the same root.
	assert.Equal(t, caPEM, creds.CACert)
}
