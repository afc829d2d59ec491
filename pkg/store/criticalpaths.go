package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sonde-dev/sonde/pkg/models"
)

// SaveCriticalPath inserts or replaces a critical path and its steps in one
// transaction. Step order follows slice order.
func (s *Store) SaveCriticalPath(ctx context.Context, path *models.CriticalPath) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO critical_paths (id, name) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`,
		path.ID, path.Name); err != nil {
		return fmt.Errorf("upsert critical path: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM critical_path_steps WHERE path_id = ?`, path.ID); err != nil {
		return fmt.Errorf("clear critical path steps: %w", err)
	}

	for i, step := range path.Steps {
		probes, err := json.Marshal(step.Probes)
		if err != nil {
			return fmt.Errorf("marshal step probes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO critical_path_steps (path_id, position, label, target_type, target_id, probes_json)
			VALUES (?, ?, ?, ?, ?, ?)`,
			path.ID, i, step.Label, string(step.TargetType), step.TargetID, string(probes)); err != nil {
			return fmt.Errorf("insert critical path step: %w", err)
		}
	}

	return tx.Commit()
}

// GetCriticalPath fetches one critical path with its steps in order.
func (s *Store) GetCriticalPath(ctx context.Context, id string) (*models.CriticalPath, error) {
	var path models.CriticalPath
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name FROM critical_paths WHERE id = ?`, id).Scan(&path.ID, &path.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get critical path: %w", err)
	}

	path.Steps, err = s.pathSteps(ctx, path.ID)
	if err != nil {
		return nil, err
	}
	return &path, nil
}

// GetCriticalPathByName fetches one critical path by its unique name.
func (s *Store) GetCriticalPathByName(ctx context.Context, name string) (*models.CriticalPath, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM critical_paths WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get critical path by name: %w", err)
	}
	return s.GetCriticalPath(ctx, id)
}

// ListCriticalPaths returns all critical paths with steps, ordered by name.
func (s *Store) ListCriticalPaths(ctx context.Context) ([]*models.CriticalPath, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM critical_paths ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list critical paths: %w", err)
	}
	defer rows.Close()

	var paths []*models.CriticalPath
	for rows.Next() {
		var path models.CriticalPath
		if err := rows.Scan(&path.ID, &path.Name); err != nil {
			return nil, fmt.Errorf("scan critical path: %w", err)
		}
		paths = append(paths, &path)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, path := range paths {
		path.Steps, err = s.pathSteps(ctx, path.ID)
		if err != nil {
			return nil, err
		}
	}
	return paths, nil
}

// DeleteCriticalPath removes a path; steps go with it via cascade.
func (s *Store) DeleteCriticalPath(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM critical_paths WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete critical path: %w", err)
	}
	return requireRowAffected(res)
}

func (s *Store) pathSteps(ctx context.Context, pathID string) ([]models.CriticalPathStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT label, target_type, target_id, probes_json
		FROM critical_path_steps WHERE path_id = ? ORDER BY position`, pathID)
	if err != nil {
		return nil, fmt.Errorf("list critical path steps: %w", err)
	}
	defer rows.Close()

	var steps []models.CriticalPathStep
	for rows.Next() {
		var (
			step       models.CriticalPathStep
			targetType string
			probes     string
		)
		if err := rows.Scan(&step.Label, &targetType, &step.TargetID, &probes); err != nil {
			return nil, fmt.Errorf("scan critical path step: %w", err)
		}
		step.TargetType = models.PathTargetType(targetType)
		if err := json.Unmarshal([]byte(probes), &step.Probes); err != nil {
			return nil, fmt.Errorf("unmarshal step probes: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}
