// Package pack defines probe pack manifests and the registry that resolves
// fully-qualified probe names against them.
package pack

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sonde-dev/sonde/pkg/models"
)

// DefaultProbeTimeout applies when a probe definition omits timeout_ms.
const DefaultProbeTimeout = 30 * time.Second

var semverRe = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?$`)

// Manifest is a static pack manifest: a versioned bundle of probe
// definitions plus an optional simple runbook and detection rules.
type Manifest struct {
	Name         string          `yaml:"name" json:"name"`
	Version      string          `yaml:"version" json:"version"`
	Description  string          `yaml:"description,omitempty" json:"description,omitempty"`
	Probes       []ProbeDef      `yaml:"probes" json:"probes"`
	Runbook      *RunbookDef     `yaml:"runbook,omitempty" json:"runbook,omitempty"`
	Detections   []DetectionRule `yaml:"detections,omitempty" json:"detections,omitempty"`
	Requirements Requirements    `yaml:"requirements,omitempty" json:"requirements,omitempty"`
}

// ProbeDef declares one probe. Name is relative to the pack ("disk.usage"
// inside pack "system"); the wire name is pack.name.
type ProbeDef struct {
	Name        string                 `yaml:"name" json:"name"`
	Description string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Capability  models.CapabilityLevel `yaml:"capability" json:"capability"`
	TimeoutMs   int                    `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	Params      map[string]any         `yaml:"params,omitempty" json:"params,omitempty"`
}

// Timeout returns the probe's declared timeout, or DefaultProbeTimeout.
func (p *ProbeDef) Timeout() time.Duration {
	if p.TimeoutMs > 0 {
		return time.Duration(p.TimeoutMs) * time.Millisecond
	}
	return DefaultProbeTimeout
}

// ParamSchema returns the probe's parameter schema as JSON, or nil when the
// probe takes no parameters.
func (p *ProbeDef) ParamSchema() (json.RawMessage, error) {
	if len(p.Params) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(p.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal param schema for %q: %w", p.Name, err)
	}
	return raw, nil
}

// RunbookDef declares a simple runbook: a fixed probe list fanned out under
// one category against a single agent.
type RunbookDef struct {
	Category string   `yaml:"category" json:"category"`
	Probes   []string `yaml:"probes" json:"probes"`
	// Parallel defaults to true when omitted.
	Parallel *bool `yaml:"parallel,omitempty" json:"parallel,omitempty"`
}

// IsParallel reports whether the runbook's probes fan out concurrently.
func (r *RunbookDef) IsParallel() bool {
	return r.Parallel == nil || *r.Parallel
}

// DetectionRule is a pack-declared anomaly rule, evaluated against probe
// results when a runbook for the pack runs.
type DetectionRule struct {
	Name      string                 `yaml:"name" json:"name"`
	Probe     string                 `yaml:"probe" json:"probe"`
	Field     string                 `yaml:"field" json:"field"`
	Operator  string                 `yaml:"operator" json:"operator"`
	Threshold float64                `yaml:"threshold" json:"threshold"`
	Severity  models.FindingSeverity `yaml:"severity" json:"severity"`
}

// Requirements restricts where a pack may load.
type Requirements struct {
	OS              []string `yaml:"os,omitempty" json:"os,omitempty"`
	MinAgentVersion string   `yaml:"min_agent_version,omitempty" json:"min_agent_version,omitempty"`
}

// Parse decodes a YAML manifest and validates it.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks a manifest for structural correctness.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("pack name must not be empty")
	}
	if strings.Contains(m.Name, ".") {
		return fmt.Errorf("pack name %q must not contain dots", m.Name)
	}
	if !semverRe.MatchString(m.Version) {
		return fmt.Errorf("pack %q: version %q is not semver", m.Name, m.Version)
	}
	if len(m.Probes) == 0 {
		return fmt.Errorf("pack %q declares no probes", m.Name)
	}

	seen := make(map[string]struct{}, len(m.Probes))
	for i, p := range m.Probes {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("pack %q: probes[%d] has no name", m.Name, i)
		}
		if !p.Capability.Valid() {
			return fmt.Errorf("pack %q: probe %q has unknown capability %q", m.Name, p.Name, p.Capability)
		}
		if p.TimeoutMs < 0 {
			return fmt.Errorf("pack %q: probe %q has negative timeout", m.Name, p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("pack %q: duplicate probe %q", m.Name, p.Name)
		}
		seen[p.Name] = struct{}{}
	}

	if m.Runbook != nil {
		if strings.TrimSpace(m.Runbook.Category) == "" {
			return fmt.Errorf("pack %q: runbook category must not be empty", m.Name)
		}
		if len(m.Runbook.Probes) == 0 {
			return fmt.Errorf("pack %q: runbook %q lists no probes", m.Name, m.Runbook.Category)
		}
	}

	return nil
}
