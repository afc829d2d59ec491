package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sonde-dev/sonde/pkg/crypto"
	"github.com/sonde-dev/sonde/pkg/models"
)

// LocalAdmin is a dashboard admin account stored in the database.
type LocalAdmin struct {
	Username     string
	PasswordHash string
	Role         models.Role
	CreatedAt    time.Time
}

// CreateLocalAdmin inserts a local admin account. PasswordHash must already
// be a bcrypt hash.
func (s *Store) CreateLocalAdmin(ctx context.Context, admin *LocalAdmin) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO local_admins (username, password_hash, role, created_at)
		VALUES (?, ?, ?, ?)`,
		admin.Username, admin.PasswordHash, string(admin.Role), admin.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert local admin: %w", err)
	}
	return nil
}

// GetLocalAdmin fetches one admin account by username.
func (s *Store) GetLocalAdmin(ctx context.Context, username string) (*LocalAdmin, error) {
	var (
		admin LocalAdmin
		role  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password_hash, role, created_at
		FROM local_admins WHERE username = ?`, username).
		Scan(&admin.Username, &admin.PasswordHash, &role, &admin.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get local admin: %w", err)
	}
	admin.Role = models.Role(role)
	return &admin, nil
}

// CountLocalAdmins reports how many admin accounts exist. Zero means the
// env-var bootstrap credentials are still in effect.
func (s *Store) CountLocalAdmins(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM local_admins`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count local admins: %w", err)
	}
	return n, nil
}

// SSOConfig is the Entra ID single-sign-on configuration. The client secret
// is encrypted at rest like integration credentials.
type SSOConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Enabled      bool
}

// GetSSOConfig returns the SSO configuration, or ErrNotFound when none has
// been saved.
func (s *Store) GetSSOConfig(ctx context.Context) (*SSOConfig, error) {
	var (
		cfg        SSOConfig
		secretBlob string
		enabled    int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, client_id, client_secret_blob, enabled
		FROM sso_config WHERE id = 1`).
		Scan(&cfg.TenantID, &cfg.ClientID, &secretBlob, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sso config: %w", err)
	}
	if secretBlob != "" {
		raw, err := crypto.DecryptBlob(secretBlob, s.secret)
		if err != nil {
			return nil, fmt.Errorf("decrypt sso client secret: %w", err)
		}
		cfg.ClientSecret = string(raw)
	}
	cfg.Enabled = enabled != 0
	return &cfg, nil
}

// SetSSOConfig saves the SSO configuration, replacing any previous one.
func (s *Store) SetSSOConfig(ctx context.Context, cfg *SSOConfig) error {
	var secretBlob string
	if cfg.ClientSecret != "" {
		var err error
		secretBlob, err = crypto.EncryptBlob([]byte(cfg.ClientSecret), s.secret)
		if err != nil {
			return fmt.Errorf("encrypt sso client secret: %w", err)
		}
	}
	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sso_config (id, tenant_id, client_id, client_secret_blob, enabled)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			client_id = excluded.client_id,
			client_secret_blob = excluded.client_secret_blob,
			enabled = excluded.enabled`,
		cfg.TenantID, cfg.ClientID, secretBlob, enabled)
	if err != nil {
		return fmt.Errorf("set sso config: %w", err)
	}
	return nil
}

// UpsertAuthorizedUser grants (or updates) a dashboard role for one UPN.
func (s *Store) UpsertAuthorizedUser(ctx context.Context, upn string, role models.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorized_users (upn, role) VALUES (?, ?)
		ON CONFLICT (upn) DO UPDATE SET role = excluded.role`, upn, string(role))
	if err != nil {
		return fmt.Errorf("upsert authorized user: %w", err)
	}
	return nil
}

// RemoveAuthorizedUser revokes a UPN's direct authorization.
func (s *Store) RemoveAuthorizedUser(ctx context.Context, upn string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM authorized_users WHERE upn = ?`, upn)
	if err != nil {
		return fmt.Errorf("remove authorized user: %w", err)
	}
	return requireRowAffected(res)
}

// AuthorizedUserRole returns the role granted directly to a UPN, or
// ErrNotFound when the user has no direct grant.
func (s *Store) AuthorizedUserRole(ctx context.Context, upn string) (models.Role, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM authorized_users WHERE upn = ?`, upn).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("authorized user role: %w", err)
	}
	return models.Role(role), nil
}

// ListAuthorizedUsers returns all direct user grants as upn to role.
func (s *Store) ListAuthorizedUsers(ctx context.Context) (map[string]models.Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT upn, role FROM authorized_users`)
	if err != nil {
		return nil, fmt.Errorf("list authorized users: %w", err)
	}
	defer rows.Close()

	users := make(map[string]models.Role)
	for rows.Next() {
		var upn, role string
		if err := rows.Scan(&upn, &role); err != nil {
			return nil, fmt.Errorf("scan authorized user: %w", err)
		}
		users[upn] = models.Role(role)
	}
	return users, rows.Err()
}

// UpsertAuthorizedGroup grants (or updates) a dashboard role for one Entra
// group object ID.
func (s *Store) UpsertAuthorizedGroup(ctx context.Context, groupID string, role models.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorized_groups (group_id, role) VALUES (?, ?)
		ON CONFLICT (group_id) DO UPDATE SET role = excluded.role`, groupID, string(role))
	if err != nil {
		return fmt.Errorf("upsert authorized group: %w", err)
	}
	return nil
}

// RemoveAuthorizedGroup revokes a group grant.
func (s *Store) RemoveAuthorizedGroup(ctx context.Context, groupID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM authorized_groups WHERE group_id = ?`, groupID)
	if err != nil {
		return fmt.Errorf("remove authorized group: %w", err)
	}
	return requireRowAffected(res)
}

// RolesForGroups returns the roles granted to any of the given group IDs.
func (s *Store) RolesForGroups(ctx context.Context, groupIDs []string) ([]models.Role, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	query := `SELECT role FROM authorized_groups WHERE group_id IN (?` +
		strings.Repeat(", ?", len(groupIDs)-1) + `)`
	args := make([]any, len(groupIDs))
	for i, id := range groupIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("roles for groups: %w", err)
	}
	defer rows.Close()

	var roles []models.Role
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("scan group role: %w", err)
		}
		roles = append(roles, models.Role(role))
	}
	return roles, rows.Err()
}
