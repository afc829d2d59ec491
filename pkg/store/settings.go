package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sonde-dev/sonde/pkg/crypto"
	"github.com/sonde-dev/sonde/pkg/models"
)

// GetSetting returns one hub setting value, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM hub_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting upserts one hub setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hub_settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// GetSecretSetting returns a sealed hub setting, decrypted.
func (s *Store) GetSecretSetting(ctx context.Context, key string) ([]byte, error) {
	blob, err := s.GetSetting(ctx, key)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.DecryptBlob(blob, s.secret)
	if err != nil {
		return nil, fmt.Errorf("decrypt setting %s: %w", key, err)
	}
	return raw, nil
}

// SetSecretSetting seals and upserts a hub setting.
func (s *Store) SetSecretSetting(ctx context.Context, key string, value []byte) error {
	blob, err := crypto.EncryptBlob(value, s.secret)
	if err != nil {
		return fmt.Errorf("encrypt setting %s: %w", key, err)
	}
	return s.SetSetting(ctx, key, blob)
}

// SaveAccessGroup inserts or replaces an access group and its memberships.
func (s *Store) SaveAccessGroup(ctx context.Context, group *models.AccessGroup) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO access_groups (id, name) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`,
		group.ID, group.Name); err != nil {
		return fmt.Errorf("upsert access group: %w", err)
	}

	for _, table := range []string{"access_group_agents", "access_group_integrations", "access_group_users"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE group_id = ?`, group.ID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, agentID := range group.Agents {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO access_group_agents (group_id, agent_id) VALUES (?, ?)`,
			group.ID, agentID); err != nil {
			return fmt.Errorf("insert group agent: %w", err)
		}
	}
	for _, integrationID := range group.Integrations {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO access_group_integrations (group_id, integration_id) VALUES (?, ?)`,
			group.ID, integrationID); err != nil {
			return fmt.Errorf("insert group integration: %w", err)
		}
	}
	for _, upn := range group.Users {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO access_group_users (group_id, upn) VALUES (?, ?)`,
			group.ID, upn); err != nil {
			return fmt.Errorf("insert group user: %w", err)
		}
	}

	return tx.Commit()
}

// GetAccessGroup fetches one access group with memberships.
func (s *Store) GetAccessGroup(ctx context.Context, id string) (*models.AccessGroup, error) {
	var group models.AccessGroup
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name FROM access_groups WHERE id = ?`, id).Scan(&group.ID, &group.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get access group: %w", err)
	}
	if err := s.fillGroupMembers(ctx, &group); err != nil {
		return nil, err
	}
	return &group, nil
}

// ListAccessGroups returns all access groups with memberships.
func (s *Store) ListAccessGroups(ctx context.Context) ([]*models.AccessGroup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM access_groups ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list access groups: %w", err)
	}
	defer rows.Close()

	var groups []*models.AccessGroup
	for rows.Next() {
		var group models.AccessGroup
		if err := rows.Scan(&group.ID, &group.Name); err != nil {
			return nil, fmt.Errorf("scan access group: %w", err)
		}
		groups = append(groups, &group)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, group := range groups {
		if err := s.fillGroupMembers(ctx, group); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// DeleteAccessGroup removes a group; memberships cascade.
func (s *Store) DeleteAccessGroup(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM access_groups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete access group: %w", err)
	}
	return requireRowAffected(res)
}

// AgentsForUser returns the agent IDs a UPN may see through group
// membership. An empty result with ok=false means the user is in no group
// and sees everything.
func (s *Store) AgentsForUser(ctx context.Context, upn string) (agentIDs []string, scoped bool, err error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM access_group_users WHERE upn = ?`, upn).Scan(&n); err != nil {
		return nil, false, fmt.Errorf("count group memberships: %w", err)
	}
	if n == 0 {
		return nil, false, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT a.agent_id
		FROM access_group_agents a
		JOIN access_group_users u ON u.group_id = a.group_id
		WHERE u.upn = ?`, upn)
	if err != nil {
		return nil, false, fmt.Errorf("agents for user: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, false, fmt.Errorf("scan agent id: %w", err)
		}
		agentIDs = append(agentIDs, id)
	}
	return agentIDs, true, rows.Err()
}

// SetRolePermissions upserts the permission list for a custom role.
func (s *Store) SetRolePermissions(ctx context.Context, role string, permissions []string) error {
	perms, err := json.Marshal(permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO roles (name, permissions_json) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET permissions_json = excluded.permissions_json`,
		role, string(perms))
	if err != nil {
		return fmt.Errorf("set role permissions: %w", err)
	}
	return nil
}

// GetRolePermissions returns the permission list for a custom role.
func (s *Store) GetRolePermissions(ctx context.Context, role string) ([]string, error) {
	var perms string
	err := s.db.QueryRowContext(ctx,
		`SELECT permissions_json FROM roles WHERE name = ?`, role).Scan(&perms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get role permissions: %w", err)
	}
	var out []string
	if err := json.Unmarshal([]byte(perms), &out); err != nil {
		return nil, fmt.Errorf("unmarshal permissions: %w", err)
	}
	return out, nil
}

func (s *Store) fillGroupMembers(ctx context.Context, group *models.AccessGroup) error {
	var err error
	group.Agents, err = s.groupColumn(ctx,
		`SELECT agent_id FROM access_group_agents WHERE group_id = ? ORDER BY agent_id`, group.ID)
	if err != nil {
		return err
	}
	group.Integrations, err = s.groupColumn(ctx,
		`SELECT integration_id FROM access_group_integrations WHERE group_id = ? ORDER BY integration_id`, group.ID)
	if err != nil {
		return err
	}
	group.Users, err = s.groupColumn(ctx,
		`SELECT upn FROM access_group_users WHERE group_id = ? ORDER BY upn`, group.ID)
	return err
}

func (s *Store) groupColumn(ctx context.Context, query, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("group members: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
