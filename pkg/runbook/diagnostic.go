package runbook

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sonde-dev/sonde/pkg/models"
	"github.com/sonde-dev/sonde/pkg/probe"
)

const (
	// DiagnosticBudget caps a whole diagnostic run. Steps that would start
	// after the budget is spent are skipped, not queued.
	DiagnosticBudget = 45 * time.Second

	// maxStepData caps per-step probe output inside a diagnostic report so
	// one chatty probe cannot drown the findings.
	maxStepData = 10 * 1024
)

// diagnosticDef is a built-in diagnostic: an ordered probe sequence plus an
// analyzer that turns raw results into findings.
type diagnosticDef struct {
	description string
	targetType  models.PathTargetType
	steps       []string
	analyze     func(results []StepResult) []models.Finding
}

var diagnostics = map[string]diagnosticDef{
	"proxmox-cluster": {
		description: "Quorum, node health, and recent task failures of a Proxmox VE cluster",
		targetType:  models.PathTargetIntegration,
		steps: []string{
			"proxmox.cluster.status",
			"proxmox.nodes.list",
			"proxmox.tasks.recent",
		},
		analyze: analyzeProxmoxCluster,
	},
}

// Diagnostics lists built-in diagnostic names with their descriptions.
func (e *Engine) Diagnostics() map[string]string {
	out := make(map[string]string, len(diagnostics))
	for name, def := range diagnostics {
		out[name] = def.description
	}
	return out
}

// RunDiagnostic executes a built-in diagnostic sequence against one target
// under the diagnostic time budget. Step order matters: later steps may be
// skipped when the budget runs out, never reordered.
func (e *Engine) RunDiagnostic(ctx context.Context, name string, target probe.Target) (*Report, error) {
	def, ok := diagnostics[name]
	if !ok {
		return nil, fmt.Errorf("unknown diagnostic %q", name)
	}
	if target.Type != def.targetType {
		return nil, fmt.Errorf("diagnostic %q targets %s, got %s", name, def.targetType, target.Type)
	}

	runCtx, cancel := context.WithTimeout(ctx, DiagnosticBudget)
	defer cancel()

	start := time.Now()
	report := &Report{
		Runbook:    name,
		Target:     target.Name,
		TargetType: string(target.Type),
		StartedAt:  start.UTC(),
	}

	for _, step := range def.steps {
		if runCtx.Err() != nil {
			report.TimedOut = true
			report.Results = append(report.Results, StepResult{
				Probe: step,
				Response: &models.ProbeResponse{
					Probe:  step,
					Status: models.ProbeStatusError,
					Error:  "skipped: diagnostic budget exhausted",
				},
			})
			continue
		}
		result := e.runStep(runCtx, target, step)
		if result.Response.Status == models.ProbeStatusTimeout && runCtx.Err() != nil {
			report.TimedOut = true
		}
		report.Results = append(report.Results, capStepData(result))
	}

	report.DurationMs = time.Since(start).Milliseconds()
	report.Findings = def.analyze(report.Results)
	sortFindings(report.Findings)
	return report, nil
}

// capStepData truncates oversized probe output, preserving a valid-JSON
// preview and marking the step truncated.
func capStepData(result StepResult) StepResult {
	resp := result.Response
	if resp == nil || len(resp.Data) <= maxStepData {
		return result
	}
	preview, err := json.Marshal(map[string]any{
		"truncated":      true,
		"original_bytes": len(resp.Data),
		"preview":        string(resp.Data[:maxStepData]),
	})
	if err != nil {
		return result
	}
	resp.Data = preview
	result.Truncated = true
	return result
}

// analyzeProxmoxCluster distills quorum state, node availability, and task
// failures into findings.
func analyzeProxmoxCluster(results []StepResult) []models.Finding {
	var findings []models.Finding

	for _, result := range results {
		resp := result.Response
		if resp == nil {
			continue
		}
		if resp.Status != models.ProbeStatusSuccess {
			findings = append(findings, models.Finding{
				Severity:      models.SeverityWarning,
				Title:         "Probe failed during diagnostic",
				Detail:        fmt.Sprintf("%s: %s", result.Probe, resp.Error),
				RelatedProbes: []string{result.Probe},
			})
			continue
		}

		switch result.Probe {
		case "proxmox.cluster.status":
			findings = append(findings, analyzeQuorum(resp.Data)...)
		case "proxmox.nodes.list":
			findings = append(findings, analyzeNodes(resp.Data)...)
		case "proxmox.tasks.recent":
			findings = append(findings, analyzeTasks(resp.Data)...)
		}
	}
	return findings
}

func analyzeQuorum(data json.RawMessage) []models.Finding {
	var parsed struct {
		Data []struct {
			Type    string `json:"type"`
			Name    string `json:"name"`
			Quorate *int   `json:"quorate"`
			Online  *int   `json:"online"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil
	}

	var findings []models.Finding
	for _, entry := range parsed.Data {
		switch entry.Type {
		case "cluster":
			if entry.Quorate != nil && *entry.Quorate == 0 {
				findings = append(findings, models.Finding{
					Severity:      models.SeverityCritical,
					Title:         "Cluster has lost quorum",
					Detail:        "cluster.status reports quorate=0; HA and config writes are blocked",
					Remediation:   "Check corosync links and bring quorum nodes back online",
					RelatedProbes: []string{"proxmox.cluster.status"},
				})
			}
		case "node":
			if entry.Online != nil && *entry.Online == 0 {
				findings = append(findings, models.Finding{
					Severity:      models.SeverityWarning,
					Title:         "Cluster member offline",
					Detail:        fmt.Sprintf("node %q is not participating in the cluster", entry.Name),
					RelatedProbes: []string{"proxmox.cluster.status"},
				})
			}
		}
	}
	return findings
}

func analyzeNodes(data json.RawMessage) []models.Finding {
	var parsed struct {
		Data []struct {
			Node   string  `json:"node"`
			Status string  `json:"status"`
			CPU    float64 `json:"cpu"`
			Mem    float64 `json:"mem"`
			MaxMem float64 `json:"maxmem"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil
	}

	var findings []models.Finding
	for _, node := range parsed.Data {
		if node.Status != "online" {
			findings = append(findings, models.Finding{
				Severity:      models.SeverityWarning,
				Title:         "Node not online",
				Detail:        fmt.Sprintf("node %q reports status %q", node.Node, node.Status),
				RelatedProbes: []string{"proxmox.nodes.list"},
			})
			continue
		}
		if node.MaxMem > 0 && node.Mem/node.MaxMem > 0.9 {
			findings = append(findings, models.Finding{
				Severity:      models.SeverityWarning,
				Title:         "Node memory pressure",
				Detail:        fmt.Sprintf("node %q memory at %.0f%%", node.Node, 100*node.Mem/node.MaxMem),
				RelatedProbes: []string{"proxmox.nodes.list"},
			})
		}
	}
	return findings
}

func analyzeTasks(data json.RawMessage) []models.Finding {
	var parsed struct {
		Data []struct {
			Type   string `json:"type"`
			Status string `json:"status"`
			Node   string `json:"node"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil
	}

	failed := 0
	var sample string
	for _, task := range parsed.Data {
		if task.Status != "" && task.Status != "OK" {
			failed++
			if sample == "" {
				sample = fmt.Sprintf("%s on %s: %s", task.Type, task.Node, task.Status)
			}
		}
	}
	if failed == 0 {
		return nil
	}
	return []models.Finding{{
		Severity:      models.SeverityInfo,
		Title:         "Recent task failures",
		Detail:        fmt.Sprintf("%d recent task(s) did not finish OK, e.g. %s", failed, sample),
		RelatedProbes: []string{"proxmox.tasks.recent"},
	}}
}

// DiagnosticNames returns the sorted list of built-in diagnostics.
func DiagnosticNames() []string {
	names := make([]string, 0, len(diagnostics))
	for name := range diagnostics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DiagnosticInfo describes one built-in diagnostic for catalogue callers.
type DiagnosticInfo struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	TargetType  models.PathTargetType `json:"target_type"`
	Pack        string                `json:"pack"`
}

// DiagnosticCatalog returns the built-in diagnostics sorted by name. Pack is
// derived from the first step's pack prefix.
func DiagnosticCatalog() []DiagnosticInfo {
	out := make([]DiagnosticInfo, 0, len(diagnostics))
	for _, name := range DiagnosticNames() {
		def := diagnostics[name]
		var packName string
		if len(def.steps) > 0 {
			packName, _, _ = strings.Cut(def.steps[0], ".")
		}
		out = append(out, DiagnosticInfo{
			Name:        name,
			Description: def.description,
			TargetType:  def.targetType,
			Pack:        packName,
		})
	}
	return out
}
