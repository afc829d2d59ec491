package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sonde-dev/sonde/pkg/models"
)

// AppendAudit appends one audit row and fills in its ID. Audit rows are
// never updated or deleted by hub code.
func (s *Store) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (ts, api_key_id, agent_id, probe, status, duration_ms, request_json, response_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp.UTC(), nullString(entry.APIKeyID), entry.AgentID, entry.Probe,
		entry.Status, entry.DurationMs, nullRaw(entry.Request), nullRaw(entry.Response))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	entry.ID, err = res.LastInsertId()
	return err
}

// AuditFilter narrows an audit query. Zero values mean no constraint.
type AuditFilter struct {
	AgentID string
	Probe   string
	Since   time.Time
	Limit   int
}

// ListAudit returns matching audit rows, newest first.
func (s *Store) ListAudit(ctx context.Context, f AuditFilter) ([]*models.AuditEntry, error) {
	query := `
		SELECT id, ts, api_key_id, agent_id, probe, status, duration_ms, request_json, response_json
		FROM audit WHERE 1=1`
	var args []any
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.Probe != "" {
		query += ` AND probe = ?`
		args = append(args, f.Probe)
	}
	if !f.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, f.Since.UTC())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var (
			entry    models.AuditEntry
			keyID    sql.NullString
			request  sql.NullString
			response sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &keyID, &entry.AgentID,
			&entry.Probe, &entry.Status, &entry.DurationMs, &request, &response); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if keyID.Valid {
			v := keyID.String
			entry.APIKeyID = &v
		}
		if request.Valid {
			entry.Request = []byte(request.String)
		}
		if response.Valid {
			entry.Response = []byte(response.String)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// CountAudit returns the total number of audit rows.
func (s *Store) CountAudit(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return n, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullRaw(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
