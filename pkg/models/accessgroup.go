package models

// AccessGroup scopes a set of dashboard users to a subset of agents and
// integrations. Membership is additive across groups.
type AccessGroup struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Agents       []string `json:"agents"`
	Integrations []string `json:"integrations"`
	Users        []string `json:"users"`
}
