package models

import "time"

// AgentStatus is the hub's view of an agent's connection state.
type AgentStatus string

const (
	AgentStatusOnline   AgentStatus = "online"
	AgentStatusOffline  AgentStatus = "offline"
	AgentStatusDegraded AgentStatus = "degraded"
)

// Agent is the persisted record of an enrolled agent. Created on first
// successful registration, mutated on every reconnect and heartbeat,
// never deleted automatically.
type Agent struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	OS           string       `json:"os"`
	AgentVersion string       `json:"agent_version"`
	Packs        []PackStatus `json:"packs"`
	LastSeen     time.Time    `json:"last_seen"`
	Status       AgentStatus  `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
}

// PackStatus describes one pack loaded on an agent.
type PackStatus struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Status  string `json:"status"`
}
