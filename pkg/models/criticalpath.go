package models

// PathTargetType is the kind of target a critical-path step probes.
type PathTargetType string

const (
	PathTargetAgent       PathTargetType = "agent"
	PathTargetIntegration PathTargetType = "integration"
)

// CriticalPath is a named ordered sequence of probe steps representing an
// end-to-end business flow.
type CriticalPath struct {
	ID    string             `json:"id"`
	Name  string             `json:"name"`
	Steps []CriticalPathStep `json:"steps"`
}

// CriticalPathStep is one step of a critical path. Probes within a step run
// in parallel; steps run in order.
type CriticalPathStep struct {
	Label      string         `json:"label"`
	TargetType PathTargetType `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Probes     []string       `json:"probes"`
}
