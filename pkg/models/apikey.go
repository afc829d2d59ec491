package models

import "time"

// KeyPolicy restricts what a caller may touch. The zero value allows
// everything; each field narrows independently.
type KeyPolicy struct {
	// AllowedAgents lists agent names (exact match). Empty means any agent.
	AllowedAgents []string `json:"allowedAgents,omitempty"`
	// AllowedProbes lists glob patterns where '*' matches any run of
	// non-dot characters. Empty means any probe.
	AllowedProbes []string `json:"allowedProbes,omitempty"`
	// MaxCapabilityLevel caps the declared capability of probes this
	// caller may run. Empty means no ceiling.
	MaxCapabilityLevel CapabilityLevel `json:"maxCapabilityLevel,omitempty"`
}

// IsEmpty reports whether the policy imposes no restrictions.
func (p KeyPolicy) IsEmpty() bool {
	return len(p.AllowedAgents) == 0 && len(p.AllowedProbes) == 0 && p.MaxCapabilityLevel == ""
}

// APIKey is the stored record of an issued API key. Only the SHA-256 hash
// of the secret is persisted; the raw key is shown once at creation.
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	Role       Role       `json:"role"`
	Policy     KeyPolicy  `json:"policy"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Usable reports whether the key may authenticate at the given instant.
func (k *APIKey) Usable(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	return true
}
