package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sonde-dev/sonde/pkg/models"
)

// CreateAgent inserts a new agent record.
func (s *Store) CreateAgent(ctx context.Context, agent *models.Agent) error {
	packs, err := json.Marshal(agent.Packs)
	if err != nil {
		return fmt.Errorf("marshal packs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, os, agent_version, packs_json, status, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.Name, agent.OS, agent.AgentVersion, string(packs),
		string(agent.Status), agent.LastSeen.UTC(), agent.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// GetAgent fetches one agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, os, agent_version, packs_json, status, last_seen, created_at
		FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// GetAgentByName fetches one agent by its unique name.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, os, agent_version, packs_json, status, last_seen, created_at
		FROM agents WHERE name = ?`, name)
	return scanAgent(row)
}

// ListAgents returns all agents ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, os, agent_version, packs_json, status, last_seen, created_at
		FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateAgentRegistration records a successful registration: inventory
// refresh, status online, heartbeat bumped.
func (s *Store) UpdateAgentRegistration(ctx context.Context, agent *models.Agent) error {
	packs, err := json.Marshal(agent.Packs)
	if err != nil {
		return fmt.Errorf("marshal packs: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET os = ?, agent_version = ?, packs_json = ?, status = ?, last_seen = ?
		WHERE id = ?`,
		agent.OS, agent.AgentVersion, string(packs), string(models.AgentStatusOnline),
		agent.LastSeen.UTC(), agent.ID)
	if err != nil {
		return fmt.Errorf("update agent registration: %w", err)
	}
	return requireRowAffected(res)
}

// UpdateAgentStatus sets an agent's status and, when lastSeen is non-zero,
// its heartbeat timestamp.
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status models.AgentStatus, lastSeen time.Time) error {
	var res sql.Result
	var err error
	if lastSeen.IsZero() {
		res, err = s.db.ExecContext(ctx,
			`UPDATE agents SET status = ? WHERE id = ?`, string(status), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE agents SET status = ?, last_seen = ? WHERE id = ?`,
			string(status), lastSeen.UTC(), id)
	}
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	return requireRowAffected(res)
}

// MarkStaleAgentsDegraded flips online agents whose last heartbeat is older
// than cutoff to degraded, returning how many were flipped.
func (s *Store) MarkStaleAgentsDegraded(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?
		WHERE status = ? AND last_seen < ?`,
		string(models.AgentStatusDegraded), string(models.AgentStatusOnline), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("mark stale agents: %w", err)
	}
	return res.RowsAffected()
}

// DeleteAgent removes an agent record. Audit rows referencing it are kept.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return requireRowAffected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var (
		agent    models.Agent
		packs    string
		status   string
		lastSeen sql.NullTime
	)
	err := row.Scan(&agent.ID, &agent.Name, &agent.OS, &agent.AgentVersion,
		&packs, &status, &lastSeen, &agent.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	if err := json.Unmarshal([]byte(packs), &agent.Packs); err != nil {
		return nil, fmt.Errorf("unmarshal packs: %w", err)
	}
	agent.Status = models.AgentStatus(status)
	if lastSeen.Valid {
		agent.LastSeen = lastSeen.Time
	}
	return &agent, nil
}

func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
