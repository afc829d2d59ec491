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

// CreateIntegration persists a new integration. The config is serialised
// and encrypted before it touches the database.
func (s *Store) CreateIntegration(ctx context.Context, integ *models.Integration) error {
	blob, err := s.sealConfig(integ.Config)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO integrations (id, type, name, config_blob, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		integ.ID, integ.Type, integ.Name, blob, integ.Status, integ.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert integration: %w", err)
	}
	return nil
}

// GetIntegration fetches one integration by ID with its config decrypted.
func (s *Store) GetIntegration(ctx context.Context, id string) (*models.Integration, error) {
	row := s.db.QueryRowContext(ctx, integrationSelect+` WHERE id = ?`, id)
	return s.scanIntegration(row)
}

// GetIntegrationByName fetches one integration by its unique name.
func (s *Store) GetIntegrationByName(ctx context.Context, name string) (*models.Integration, error) {
	row := s.db.QueryRowContext(ctx, integrationSelect+` WHERE name = ?`, name)
	return s.scanIntegration(row)
}

// ListIntegrations returns all integrations with configs decrypted,
// ordered by name.
func (s *Store) ListIntegrations(ctx context.Context) ([]*models.Integration, error) {
	rows, err := s.db.QueryContext(ctx, integrationSelect+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()

	var integrations []*models.Integration
	for rows.Next() {
		integ, err := s.scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		integrations = append(integrations, integ)
	}
	return integrations, rows.Err()
}

// UpdateIntegrationConfig replaces an integration's config blob. Used both
// for dashboard edits and for persisting refreshed OAuth tokens.
func (s *Store) UpdateIntegrationConfig(ctx context.Context, id string, cfg *models.IntegrationConfig) error {
	blob, err := s.sealConfig(cfg)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET config_blob = ? WHERE id = ?`, blob, id)
	if err != nil {
		return fmt.Errorf("update integration config: %w", err)
	}
	return requireRowAffected(res)
}

// UpdateIntegrationStatus records the outcome of a connectivity test.
func (s *Store) UpdateIntegrationStatus(ctx context.Context, id, status, testResult string, testedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE integrations SET status = ?, last_test_result = ?, last_tested_at = ?
		WHERE id = ?`,
		status, testResult, testedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("update integration status: %w", err)
	}
	return requireRowAffected(res)
}

// DeleteIntegration removes an integration and its event log.
func (s *Store) DeleteIntegration(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM integration_events WHERE integration_id = ?`, id); err != nil {
		return fmt.Errorf("delete integration events: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM integrations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete integration: %w", err)
	}
	return requireRowAffected(res)
}

// AppendIntegrationEvent appends one event row and fills in its ID.
func (s *Store) AppendIntegrationEvent(ctx context.Context, ev *models.IntegrationEvent) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO integration_events (integration_id, ts, kind, error_name, cause_name, cause_code, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.IntegrationID, ev.Timestamp.UTC(), ev.Kind, ev.ErrorName, ev.CauseName, ev.CauseCode, ev.Detail)
	if err != nil {
		return fmt.Errorf("insert integration event: %w", err)
	}
	ev.ID, err = res.LastInsertId()
	return err
}

// ListIntegrationEvents returns the most recent events for one integration.
func (s *Store) ListIntegrationEvents(ctx context.Context, integrationID string, limit int) ([]*models.IntegrationEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, integration_id, ts, kind, error_name, cause_name, cause_code, detail
		FROM integration_events WHERE integration_id = ?
		ORDER BY ts DESC, id DESC LIMIT ?`, integrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list integration events: %w", err)
	}
	defer rows.Close()

	var events []*models.IntegrationEvent
	for rows.Next() {
		var ev models.IntegrationEvent
		if err := rows.Scan(&ev.ID, &ev.IntegrationID, &ev.Timestamp, &ev.Kind,
			&ev.ErrorName, &ev.CauseName, &ev.CauseCode, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan integration event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

const integrationSelect = `
	SELECT id, type, name, config_blob, status, last_test_result, last_tested_at, created_at
	FROM integrations`

func (s *Store) scanIntegration(row rowScanner) (*models.Integration, error) {
	var (
		integ    models.Integration
		blob     string
		testedAt sql.NullTime
	)
	err := row.Scan(&integ.ID, &integ.Type, &integ.Name, &blob,
		&integ.Status, &integ.LastTestResult, &testedAt, &integ.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan integration: %w", err)
	}
	integ.LastTestedAt = timePtr(testedAt)

	cfg, err := s.openConfig(blob)
	if err != nil {
		return nil, fmt.Errorf("integration %s: %w", integ.ID, err)
	}
	integ.Config = cfg
	return &integ, nil
}

func (s *Store) sealConfig(cfg *models.IntegrationConfig) (string, error) {
	if cfg == nil {
		return "", errors.New("integration config is required")
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal integration config: %w", err)
	}
	blob, err := crypto.EncryptBlob(raw, s.secret)
	if err != nil {
		return "", fmt.Errorf("encrypt integration config: %w", err)
	}
	return blob, nil
}

func (s *Store) openConfig(blob string) (*models.IntegrationConfig, error) {
	raw, err := crypto.DecryptBlob(blob, s.secret)
	if err != nil {
		return nil, fmt.Errorf("decrypt integration config: %w", err)
	}
	var cfg models.IntegrationConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal integration config: %w", err)
	}
	return &cfg, nil
}
