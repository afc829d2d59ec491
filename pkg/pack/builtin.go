package pack

import "github.com/sonde-dev/sonde/pkg/models"

func boolPtr(b bool) *bool { return &b }

// Builtin returns the manifests shipped with the hub. Agent-side packs
// (system, docker, systemd, nginx) execute remotely; integration packs
// (proxmox, keeper) execute in-process against remote HTTP APIs.
func Builtin() []*Manifest {
	return []*Manifest{
		systemPack(),
		dockerPack(),
		systemdPack(),
		nginxPack(),
		proxmoxPack(),
		keeperPack(),
	}
}

func systemPack() *Manifest {
	return &Manifest{
		Name:        "system",
		Version:     "1.2.0",
		Description: "Base operating system probes",
		Probes: []ProbeDef{
			{Name: "disk.usage", Description: "Filesystem usage per mount", Capability: models.CapabilityObserve, TimeoutMs: 10000},
			{Name: "memory.usage", Description: "Memory and swap usage", Capability: models.CapabilityObserve, TimeoutMs: 5000},
			{Name: "cpu.load", Description: "Load averages and core count", Capability: models.CapabilityObserve, TimeoutMs: 5000},
			{Name: "uptime", Description: "Host uptime and boot time", Capability: models.CapabilityObserve, TimeoutMs: 5000},
			{
				Name: "service.status", Description: "State of one service",
				Capability: models.CapabilityObserve, TimeoutMs: 10000,
				Params: map[string]any{
					"type":                 "object",
					"required":             []any{"service"},
					"properties":           map[string]any{"service": map[string]any{"type": "string", "minLength": 1}},
					"additionalProperties": false,
				},
			},
			{
				Name: "service.restart", Description: "Restart one service",
				Capability: models.CapabilityManage, TimeoutMs: 60000,
				Params: map[string]any{
					"type":                 "object",
					"required":             []any{"service"},
					"properties":           map[string]any{"service": map[string]any{"type": "string", "minLength": 1}},
					"additionalProperties": false,
				},
			},
		},
		Runbook: &RunbookDef{
			Category: "system-health",
			Probes:   []string{"system.disk.usage", "system.memory.usage", "system.cpu.load", "system.uptime"},
		},
		Detections: []DetectionRule{
			{Name: "disk-nearly-full", Probe: "disk.usage", Field: "used_percent", Operator: ">", Threshold: 90, Severity: models.SeverityCritical},
			{Name: "load-high", Probe: "cpu.load", Field: "load1_per_core", Operator: ">", Threshold: 2, Severity: models.SeverityWarning},
		},
	}
}

func dockerPack() *Manifest {
	return &Manifest{
		Name:        "docker",
		Version:     "1.1.0",
		Description: "Docker daemon and container probes",
		Probes: []ProbeDef{
			{Name: "containers.list", Description: "Running and stopped containers", Capability: models.CapabilityObserve, TimeoutMs: 15000},
			{
				Name: "logs.tail", Description: "Tail of one container's logs",
				Capability: models.CapabilityObserve, TimeoutMs: 15000,
				Params: map[string]any{
					"type":     "object",
					"required": []any{"container"},
					"properties": map[string]any{
						"container": map[string]any{"type": "string", "minLength": 1},
						"lines":     map[string]any{"type": "integer", "minimum": 1, "maximum": 1000},
					},
					"additionalProperties": false,
				},
			},
			{
				Name: "container.restart", Description: "Restart one container",
				Capability: models.CapabilityInteract, TimeoutMs: 60000,
				Params: map[string]any{
					"type":                 "object",
					"required":             []any{"container"},
					"properties":           map[string]any{"container": map[string]any{"type": "string", "minLength": 1}},
					"additionalProperties": false,
				},
			},
		},
		Runbook: &RunbookDef{
			Category: "docker-health",
			Probes:   []string{"docker.containers.list"},
			Parallel: boolPtr(false),
		},
		Requirements: Requirements{OS: []string{"linux"}},
	}
}

func systemdPack() *Manifest {
	return &Manifest{
		Name:        "systemd",
		Version:     "1.0.1",
		Description: "systemd journal probes",
		Probes: []ProbeDef{
			{
				Name: "journal.query", Description: "Query the systemd journal",
				Capability: models.CapabilityObserve, TimeoutMs: 20000,
				Params: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"unit":     map[string]any{"type": "string"},
						"since":    map[string]any{"type": "string"},
						"priority": map[string]any{"type": "string"},
						"lines":    map[string]any{"type": "integer", "minimum": 1, "maximum": 5000},
					},
					"additionalProperties": false,
				},
			},
		},
		Requirements: Requirements{OS: []string{"linux"}},
	}
}

func nginxPack() *Manifest {
	return &Manifest{
		Name:        "nginx",
		Version:     "1.0.0",
		Description: "nginx log and status probes",
		Probes: []ProbeDef{
			{
				Name: "access.log.tail", Description: "Tail of the access log",
				Capability: models.CapabilityObserve, TimeoutMs: 15000,
				Params: map[string]any{
					"type":                 "object",
					"properties":           map[string]any{"lines": map[string]any{"type": "integer", "minimum": 1, "maximum": 1000}},
					"additionalProperties": false,
				},
			},
			{
				Name: "error.log.tail", Description: "Tail of the error log",
				Capability: models.CapabilityObserve, TimeoutMs: 15000,
				Params: map[string]any{
					"type":                 "object",
					"properties":           map[string]any{"lines": map[string]any{"type": "integer", "minimum": 1, "maximum": 1000}},
					"additionalProperties": false,
				},
			},
			{Name: "status", Description: "stub_status counters", Capability: models.CapabilityObserve, TimeoutMs: 5000},
		},
	}
}

func proxmoxPack() *Manifest {
	return &Manifest{
		Name:        "proxmox",
		Version:     "1.3.0",
		Description: "Proxmox VE cluster probes (integration)",
		Probes: []ProbeDef{
			{Name: "cluster.status", Description: "Quorum and cluster membership", Capability: models.CapabilityObserve, TimeoutMs: 15000},
			{Name: "nodes.list", Description: "Node resource usage", Capability: models.CapabilityObserve, TimeoutMs: 15000},
			{
				Name: "vms.list", Description: "Guests across the cluster",
				Capability: models.CapabilityObserve, TimeoutMs: 20000,
				Params: map[string]any{
					"type":                 "object",
					"properties":           map[string]any{"node": map[string]any{"type": "string"}},
					"additionalProperties": false,
				},
			},
			{Name: "tasks.recent", Description: "Recent cluster task log", Capability: models.CapabilityObserve, TimeoutMs: 15000},
		},
	}
}

func keeperPack() *Manifest {
	return &Manifest{
		Name:        "keeper",
		Version:     "1.0.0",
		Description: "Keeper Secrets Manager record access (integration)",
		Probes: []ProbeDef{
			{
				Name: "records.get", Description: "Fetch secret records by UID",
				Capability: models.CapabilityObserve, TimeoutMs: 15000,
				Params: map[string]any{
					"type":     "object",
					"required": []any{"uids"},
					"properties": map[string]any{
						"uids": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "minItems": 1},
					},
					"additionalProperties": false,
				},
			},
		},
	}
}
