package models

import "encoding/json"

// CapabilityLevel is a probe's blast-radius tier. Policy ceilings compare
// levels with observe < interact < manage.
type CapabilityLevel string

const (
	CapabilityObserve  CapabilityLevel = "observe"
	CapabilityInteract CapabilityLevel = "interact"
	CapabilityManage   CapabilityLevel = "manage"
)

// Level returns the numeric ordering of a capability level.
// Unknown levels sort above manage so a typo in a manifest never
// widens access.
func (c CapabilityLevel) Level() int {
	switch c {
	case CapabilityObserve:
		return 0
	case CapabilityInteract:
		return 1
	case CapabilityManage:
		return 2
	default:
		return 3
	}
}

// Valid reports whether c is one of the three known levels.
func (c CapabilityLevel) Valid() bool {
	return c == CapabilityObserve || c == CapabilityInteract || c == CapabilityManage
}

// ProbeStatus is the terminal state of a single probe execution.
type ProbeStatus string

const (
	ProbeStatusSuccess ProbeStatus = "success"
	ProbeStatusError   ProbeStatus = "error"
	ProbeStatusTimeout ProbeStatus = "timeout"
)

// ProbeMetadata carries provenance for a probe result.
type ProbeMetadata struct {
	Source          string          `json:"source,omitempty"` // agent name or integration name
	AgentVersion    string          `json:"agent_version,omitempty"`
	PackName        string          `json:"pack_name"`
	PackVersion     string          `json:"pack_version"`
	CapabilityLevel CapabilityLevel `json:"capability_level"`
}

// ProbeResponse is the uniform result shape returned by the probe router
// regardless of whether the probe ran on an agent or an integration.
// Errors surface as Status=error with Data=nil; timeouts as Status=timeout.
type ProbeResponse struct {
	Probe      string          `json:"probe"`
	Status     ProbeStatus     `json:"status"`
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Metadata   ProbeMetadata   `json:"metadata"`
}
