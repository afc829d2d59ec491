package models

import (
	"encoding/json"
	"time"
)

// AuditEntry is one append-only audit row. Exactly one row is written per
// probe invocation that passed policy; rows are never mutated.
type AuditEntry struct {
	ID         int64           `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	APIKeyID   *string         `json:"api_key_id,omitempty"`
	AgentID    string          `json:"agent_id"` // agent ID or integration source
	Probe      string          `json:"probe"`
	Status     string          `json:"status"`
	DurationMs int64           `json:"duration_ms"`
	Request    json.RawMessage `json:"request,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
}
