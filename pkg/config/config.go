// Package config loads and validates hub configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

// SecretSource selects where SONDE_SECRET is materialised from.
type SecretSource string

const (
	SecretSourceLocal    SecretSource = "local"
	SecretSourceKeyVault SecretSource = "keyvault"
)

// MinSecretLength is the minimum accepted length of SONDE_SECRET.
// The secret feeds the AES-GCM blob key and the session-cookie secret,
// so short values are rejected outright.
const MinSecretLength = 16

// DefaultPort is the hub listen port when PORT is unset.
const DefaultPort = 3000

// ErrInvalid is wrapped by all configuration validation failures.
var ErrInvalid = errors.New("invalid configuration")

// Config is the hub's runtime configuration.
type Config struct {
	Secret             string
	SecretSource       SecretSource
	KeyVaultURL        string
	KeyVaultSecretName string
	Host               string
	Port               int
	DBPath             string
	TLS                bool
	HubURL             string
	AdminUser          string
	AdminPassword      string
	AllowUnsignedPacks bool
}

// Addr returns the host:port the hub listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads configuration from the environment and validates it.
// The caller is expected to have loaded any .env file beforehand
// (cmd/sonde-hub does this with godotenv).
func Load() (*Config, error) {
	cfg := &Config{
		Host:               getEnv("HOST", "0.0.0.0"),
		DBPath:             getEnv("SONDE_DB_PATH", "sonde.db"),
		HubURL:             os.Getenv("SONDE_HUB_URL"),
		AdminUser:          os.Getenv("SONDE_ADMIN_USER"),
		AdminPassword:      os.Getenv("SONDE_ADMIN_PASSWORD"),
		AllowUnsignedPacks: getEnvBool("SONDE_ALLOW_UNSIGNED_PACKS", true),
		TLS:                getEnvBool("SONDE_TLS", false),
	}

	cfg.Secret = os.Getenv("SONDE_SECRET")
	if cfg.Secret == "" {
		if legacy := os.Getenv("SONDE_API_KEY"); legacy != "" {
			slog.Warn("SONDE_API_KEY is deprecated, use SONDE_SECRET instead")
			cfg.Secret = legacy
		}
	}
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: SONDE_SECRET must be at least %d characters", ErrInvalid, MinSecretLength)
	}

	switch src := SecretSource(getEnv("SONDE_SECRET_SOURCE", string(SecretSourceLocal))); src {
	case SecretSourceLocal:
		cfg.SecretSource = src
	case SecretSourceKeyVault:
		cfg.SecretSource = src
		cfg.KeyVaultURL = os.Getenv("AZURE_KEYVAULT_URL")
		cfg.KeyVaultSecretName = os.Getenv("AZURE_KEYVAULT_SECRET_NAME")
		if cfg.KeyVaultURL == "" || cfg.KeyVaultSecretName == "" {
			return nil, fmt.Errorf("%w: secret source keyvault requires AZURE_KEYVAULT_URL and AZURE_KEYVAULT_SECRET_NAME", ErrInvalid)
		}
	default:
		return nil, fmt.Errorf("%w: unknown SONDE_SECRET_SOURCE %q", ErrInvalid, src)
	}

	port := DefaultPort
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: PORT %q is not a number", ErrInvalid, v)
		}
		port = p
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: PORT %d out of range 1..65535", ErrInvalid, port)
	}
	cfg.Port = port

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("Ignoring non-boolean environment value", "key", key, "value", v)
		return fallback
	}
	return b
}
