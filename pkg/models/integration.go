package models

import "time"

// AuthMethod is how an integration authenticates against its remote API.
type AuthMethod string

const (
	AuthMethodAPIKey      AuthMethod = "api_key"
	AuthMethodBearerToken AuthMethod = "bearer_token"
	AuthMethodOAuth2      AuthMethod = "oauth2"
)

// Integration is the persisted row for a hub-side integration. The config
// blob is AES-GCM-encrypted at rest; the store decrypts it into an
// IntegrationConfig on read.
type Integration struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	LastTestResult string     `json:"last_test_result,omitempty"`
	LastTestedAt   *time.Time `json:"last_tested_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`

	// Config is populated from the decrypted blob. Never serialised back
	// to API clients wholesale; handlers project the safe subset.
	Config *IntegrationConfig `json:"-"`
}

// IntegrationConfig is the decrypted shape of an integration blob.
type IntegrationConfig struct {
	Endpoint    string            `json:"endpoint"`
	Headers     map[string]string `json:"headers,omitempty"`
	InsecureTLS bool              `json:"insecure_tls,omitempty"`
	Credentials Credentials       `json:"credentials"`
}

// Credentials is an integration's credentials bundle. String fields may be
// Keeper references of the form keeper://<integrationId>/<recordUid>/field/<name>,
// resolved lazily before each probe.
type Credentials struct {
	Method   AuthMethod         `json:"method"`
	APIKey   string             `json:"api_key,omitempty"`
	Token    string             `json:"token,omitempty"`
	Username string             `json:"username,omitempty"`
	Password string             `json:"password,omitempty"`
	OAuth    *OAuth2Credentials `json:"oauth,omitempty"`
}

// OAuth2Credentials carries OAuth2 token state for integrations using
// the oauth2 auth method.
type OAuth2Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	TokenURL     string    `json:"token_url,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	ClientSecret string    `json:"client_secret,omitempty"`
}

// IntegrationEvent is an append-only log row for integration failures and
// lifecycle events.
type IntegrationEvent struct {
	ID            int64     `json:"id"`
	IntegrationID string    `json:"integration_id"`
	Timestamp     time.Time `json:"timestamp"`
	Kind          string    `json:"kind"`
	ErrorName     string    `json:"error_name,omitempty"`
	CauseName     string    `json:"cause_name,omitempty"`
	CauseCode     string    `json:"cause_code,omitempty"`
	Detail        string    `json:"detail,omitempty"`
}
