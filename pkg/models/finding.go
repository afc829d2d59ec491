package models

// FindingSeverity orders diagnostic findings: info < warning < critical.
type FindingSeverity string

const (
	SeverityInfo     FindingSeverity = "info"
	SeverityWarning  FindingSeverity = "warning"
	SeverityCritical FindingSeverity = "critical"
)

// Rank returns the sort weight of a severity (higher is more severe).
func (s FindingSeverity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Finding is one structured observation produced by a diagnostic runbook.
type Finding struct {
	Severity      FindingSeverity `json:"severity"`
	Title         string          `json:"title"`
	Detail        string          `json:"detail"`
	Remediation   string          `json:"remediation,omitempty"`
	RelatedProbes []string        `json:"related_probes,omitempty"`
}
