package models

// Role is a dashboard RBAC role. Roles form a strict hierarchy:
// member < admin < owner. Permissions are a union after role levelling.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// Level returns the numeric ordering of a role. Unknown roles rank below
// member so a corrupted row can never escalate.
func (r Role) Level() int {
	switch r {
	case RoleMember:
		return 1
	case RoleAdmin:
		return 2
	case RoleOwner:
		return 3
	default:
		return 0
	}
}

// HasMinimumRole reports whether r meets or exceeds min.
func (r Role) HasMinimumRole(min Role) bool {
	return r.Level() >= min.Level()
}

// ResolveHighestRole returns the higher-privileged of two roles.
// Commutative and associative, so it folds cleanly over any number
// of role sources (user row, group mappings).
func ResolveHighestRole(a, b Role) Role {
	if b.Level() > a.Level() {
		return b
	}
	return a
}

// AuthType identifies which authentication path produced an AuthContext.
type AuthType string

const (
	AuthTypeAPIKey  AuthType = "api_key"
	AuthTypeOAuth   AuthType = "oauth"
	AuthTypeSession AuthType = "session"
)

// AuthContext is the resolved caller identity and policy bundle carried
// through every probe call.
type AuthContext struct {
	Type    AuthType  `json:"type"`
	KeyID   string    `json:"key_id"`
	KeyName string    `json:"key_name,omitempty"`
	Policy  KeyPolicy `json:"policy"`
	Role    Role      `json:"role,omitempty"`
	Scopes  []string  `json:"scopes,omitempty"`
}
