package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonde-dev/sonde/pkg/audit"
	"github.com/sonde-dev/sonde/pkg/models"
	"github.com/sonde-dev/sonde/pkg/pack"
	"github.com/sonde-dev/sonde/pkg/probe"
	"github.com/sonde-dev/sonde/pkg/store"
)

type fakeHub struct {
	mu           sync.Mutex
	agents       []*models.Agent
	connected    map[string]string // name -> id
	integrations []*models.Integration
	paths        map[string]*models.CriticalPath

	agentResponses map[string]*models.ProbeResponse // probe -> canned
	integResponses map[string]*models.ProbeResponse

	auditRows []*models.AuditEntry
}

func (f *fakeHub) ListAgents(context.Context) ([]*models.Agent, error) { return f.agents, nil }

func (f *fakeHub) GetAgentByName(_ context.Context, name string) (*models.Agent, error) {
	for _, a := range f.agents {
		if a.Name == name {
			return a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeHub) ListIntegrations(context.Context) ([]*models.Integration, error) {
	return f.integrations, nil
}

func (f *fakeHub) GetCriticalPathByName(_ context.Context, name string) (*models.CriticalPath, error) {
	p, ok := f.paths[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeHub) ListAudit(_ context.Context, filter store.AuditFilter) ([]*models.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.AuditEntry
	for _, row := range f.auditRows {
		if filter.AgentID != "" && row.AgentID != filter.AgentID {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (f *fakeHub) AppendAudit(_ context.Context, entry *models.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auditRows = append(f.auditRows, entry)
	return nil
}

func (f *fakeHub) auditCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.auditRows)
}

func (f *fakeHub) Connected(agentID string) bool {
	for _, id := range f.connected {
		if id == agentID {
			return true
		}
	}
	return false
}

func (f *fakeHub) ConnectedIDByName(name string) (string, bool) {
	id, ok := f.connected[name]
	return id, ok
}

func (f *fakeHub) SendProbe(_ context.Context, _, probeName string, _ json.RawMessage, _ time.Duration) (*models.ProbeResponse, error) {
	if resp, ok := f.agentResponses[probeName]; ok {
		clone := *resp
		return &clone, nil
	}
	return &models.ProbeResponse{Status: models.ProbeStatusError, Error: "unscripted probe"}, nil
}

func (f *fakeHub) ExecuteProbe(_ context.Context, _, probeName string, _ map[string]any) (*models.ProbeResponse, error) {
	if resp, ok := f.integResponses[probeName]; ok {
		clone := *resp
		return &clone, nil
	}
	return &models.ProbeResponse{Status: models.ProbeStatusError, Error: "unscripted probe"}, nil
}

func success(data string) *models.ProbeResponse {
	return &models.ProbeResponse{
		Status:     models.ProbeStatusSuccess,
		Data:       json.RawMessage(data),
		DurationMs: 5,
	}
}

func newTestHub() *fakeHub {
	return &fakeHub{
		agents: []*models.Agent{
			{ID: "a-1", Name: "srv1", OS: "linux", Status: models.AgentStatusOnline, LastSeen: time.Now()},
			{ID: "a-2", Name: "srv2", OS: "linux", Status: models.AgentStatusOffline, LastSeen: time.Now().Add(-time.Hour)},
		},
		connected: map[string]string{"srv1": "a-1"},
		paths:     map[string]*models.CriticalPath{},
		agentResponses: map[string]*models.ProbeResponse{
			"system.disk.usage": success(`{"used_percent": 42}`),
		},
		integResponses: map[string]*models.ProbeResponse{},
	}
}

func callTool(t *testing.T, deps Deps, authCtx *models.AuthContext, tool string, args map[string]any) *mcpsdk.CallToolResult {
	t.Helper()

	server := NewServer(deps, authCtx)
	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = server.Run(ctx, serverTransport) }()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test", Version: "test"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer session.Close()

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: tool, Arguments: args})
	require.NoError(t, err)
	return result
}

func resultText(t *testing.T, result *mcpsdk.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok)
	return text.Text
}

func testDeps(t *testing.T, hub *fakeHub) Deps {
	t.Helper()
	registry := pack.NewRegistry(true, nil)
	for _, m := range pack.Builtin() {
		require.NoError(t, registry.Register(m))
	}
	router := probe.NewRouter(registry, hub, hub, hub)
	return Deps{
		Registry: registry,
		Router:   router,
		Store:    hub,
		Conns:    hub,
		Audit:    audit.NewRecorder(hub),
	}
}

func memberAuth(policy models.KeyPolicy) *models.AuthContext {
	return &models.AuthContext{
		Type:   models.AuthTypeAPIKey,
		KeyID:  "key-1",
		Role:   models.RoleMember,
		Policy: policy,
	}
}

func TestProbeToolSuccessWritesAudit(t *testing.T) {
	hub := newTestHub()
	deps := testDeps(t, hub)

	result := callTool(t, deps, memberAuth(models.KeyPolicy{}), "probe",
		map[string]any{"agent": "srv1", "probe": "system.disk.usage"})

	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, `"status": "success"`)
	assert.Contains(t, text, "used_percent")

	require.Equal(t, 1, hub.auditCount())
	row := hub.auditRows[0]
	assert.Equal(t, "system.disk.usage", row.Probe)
	assert.Equal(t, "srv1", row.AgentID)
	require.NotNil(t, row.APIKeyID)
	assert.Equal(t, "key-1", *row.APIKeyID)
}

func TestProbeToolPolicyDenyNoAudit(t *testing.T) {
	hub := newTestHub()
	deps := testDeps(t, hub)
	authCtx := memberAuth(models.KeyPolicy{AllowedAgents: []string{"srv1"}})

	result := callTool(t, deps, authCtx, "probe",
		map[string]any{"agent": "srv2", "probe": "system.disk.usage"})

	assert.True(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Access denied")
	assert.Contains(t, text, "srv2")
	assert.Equal(t, 0, hub.auditCount())
}

func TestProbeToolCapabilityCeiling(t *testing.T) {
	hub := newTestHub()
	deps := testDeps(t, hub)
	authCtx := memberAuth(models.KeyPolicy{MaxCapabilityLevel: models.CapabilityObserve})

	result := callTool(t, deps, authCtx, "probe",
		map[string]any{"agent": "srv1", "probe": "system.service.restart", "params": map[string]any{"service": "nginx"}})

	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Access denied")
	assert.Equal(t, 0, hub.auditCount())
}

func TestProbeToolOfflineAgentNoAudit(t *testing.T) {
	hub := newTestHub()
	deps := testDeps(t, hub)

	result := callTool(t, deps, memberAuth(models.KeyPolicy{}), "probe",
		map[string]any{"agent": "srv2", "probe": "system.disk.usage"})

	assert.True(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "offline")
	assert.Contains(t, text, "last seen")
	assert.Equal(t, 0, hub.auditCount())
}

func TestProbeToolUnknownProbe(t *testing.T) {
	hub := newTestHub()
	deps := testDeps(t, hub)

	result := callTool(t, deps, memberAuth(models.KeyPolicy{}), "probe",
		map[string]any{"agent": "srv1", "probe": "system.no.such"})

	assert.True(t, result.IsError)
	assert.Equal(t, 0, hub.auditCount())
}

func TestProbeToolRoutesIntegrationWithoutAgent(t *testing.T) {
	hub := newTestHub()
	hub.integrations = []*models.Integration{
		{ID: "i-1", Type: "proxmox", Name: "pve-main", Status: "active"},
	}
	hub.integResponses["proxmox.cluster.status"] = success(`{"data":[{"type":"cluster","quorate":1}]}`)
	deps := testDeps(t, hub)

	result := callTool(t, deps, memberAuth(models.KeyPolicy{}), "probe",
		map[string]any{"probe": "proxmox.cluster.status"})

	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "quorate")
	require.Equal(t, 1, hub.auditCount())
	assert.Equal(t, "pve-main", hub.auditRows[0].AgentID)
}

func TestListAgentsFilteredByPolicy(t *testing.T) {
	hub := newTestHub()
	deps := testDeps(t, hub)
	authCtx := memberAuth(models.KeyPolicy{AllowedAgents: []string{"srv1"}})

	result := callTool(t, deps, authCtx, "list_agents", nil)

	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "srv1")
	assert.NotContains(t, text, "srv2")
	assert.Contains(t, text, `"count": 1`)
}

func TestAgentOverview(t *testing.T) {
	hub := newTestHub()
	deps := testDeps(t, hub)

	result := callTool(t, deps, memberAuth(models.KeyPolicy{}), "agent_overview",
		map[string]any{"agent": "srv1"})

	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, `"connected": true`)
	assert.Contains(t, text, "a-1")
}

func TestListCapabilities(t *testing.T) {
	hub := newTestHub()
	hub.integrations = []*models.Integration{
		{ID: "i-1", Type: "proxmox", Name: "pve-main", Status: "active"},
	}
	deps := testDeps(t, hub)

	result := callTool(t, deps, memberAuth(models.KeyPolicy{}), "list_capabilities", nil)

	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "system.disk.usage")
	assert.Contains(t, text, "pve-main")
	assert.Contains(t, text, "system-health")
	assert.Contains(t, text, "proxmox-cluster")
}

func TestDiagnoseDiagnosticRunbook(t *testing.T) {
	hub := newTestHub()
	hub.integrations = []*models.Integration{
		{ID: "i-1", Type: "proxmox", Name: "pve-main", Status: "active"},
	}
	hub.integResponses["proxmox.cluster.status"] = success(`{"data":[{"type":"cluster","quorate":0}]}`)
	hub.integResponses["proxmox.nodes.list"] = success(`{"data":[]}`)
	hub.integResponses["proxmox.tasks.recent"] = success(`{"data":[]}`)
	deps := testDeps(t, hub)

	result := callTool(t, deps, memberAuth(models.KeyPolicy{}), "diagnose",
		map[string]any{"category": "proxmox-cluster", "agent": "ignored"})

	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Cluster has lost quorum")
	assert.Contains(t, text, `"target_type": "integration"`)
	// Three executed probes, three audit rows.
	assert.Equal(t, 3, hub.auditCount())
}

func TestDiagnoseHonorsProbePolicy(t *testing.T) {
	hub := newTestHub()
	hub.agentResponses["system.memory.usage"] = success(`{}`)
	hub.agentResponses["system.cpu.load"] = success(`{}`)
	hub.agentResponses["system.uptime"] = success(`{}`)
	deps := testDeps(t, hub)
	authCtx := memberAuth(models.KeyPolicy{AllowedProbes: []string{"system.disk.usage"}})

	result := callTool(t, deps, authCtx, "diagnose",
		map[string]any{"category": "system-health", "agent": "srv1"})

	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "access denied")

	// Only the allowed probe executed and was audited.
	require.Equal(t, 1, hub.auditCount())
	assert.Equal(t, "system.disk.usage", hub.auditRows[0].Probe)
}

func TestDiagnosticRunbookHonorsProbePolicy(t *testing.T) {
	hub := newTestHub()
	hub.integrations = []*models.Integration{
		{ID: "i-1", Type: "proxmox", Name: "pve-main", Status: "active"},
	}
	hub.integResponses["proxmox.cluster.status"] = success(`{"data":[]}`)
	hub.integResponses["proxmox.nodes.list"] = success(`{"data":[]}`)
	hub.integResponses["proxmox.tasks.recent"] = success(`{"data":[]}`)
	deps := testDeps(t, hub)
	authCtx := memberAuth(models.KeyPolicy{AllowedProbes: []string{"proxmox.cluster.status"}})

	result := callTool(t, deps, authCtx, "diagnose",
		map[string]any{"category": "proxmox-cluster"})

	assert.False(t, result.IsError)
	require.Equal(t, 1, hub.auditCount())
	assert.Equal(t, "proxmox.cluster.status", hub.auditRows[0].Probe)
}

func TestHealthCheckHonorsProbePolicy(t *testing.T) {
	hub := newTestHub()
	hub.agentResponses["system.memory.usage"] = success(`{}`)
	hub.agentResponses["system.cpu.load"] = success(`{}`)
	hub.agentResponses["system.uptime"] = success(`{}`)
	deps := testDeps(t, hub)
	authCtx := memberAuth(models.KeyPolicy{AllowedProbes: []string{"system.disk.usage"}})

	result := callTool(t, deps, authCtx, "health_check",
		map[string]any{"agent": "srv1", "categories": []string{"system-health"}})

	assert.False(t, result.IsError)
	require.Equal(t, 1, hub.auditCount())
	assert.Equal(t, "system.disk.usage", hub.auditRows[0].Probe)
}

func TestDiagnoseSimpleRunbookNeedsAgent(t *testing.T) {
	hub := newTestHub()
	deps := testDeps(t, hub)

	result := callTool(t, deps, memberAuth(models.KeyPolicy{}), "diagnose",
		map[string]any{"category": "system-health"})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "agent is required")

	result = callTool(t, deps, memberAuth(models.KeyPolicy{}), "diagnose",
		map[string]any{"category": "no-such-category", "agent": "srv1"})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "unknown runbook category")
}

func TestHealthCheckAggregatesFindings(t *testing.T) {
	hub := newTestHub()
	hub.integrations = []*models.Integration{
		{ID: "i-1", Type: "proxmox", Name: "pve-main", Status: "active"},
	}
	hub.agentResponses["system.disk.usage"] = success(`{"used_percent": 95}`)
	hub.agentResponses["system.memory.usage"] = success(`{}`)
	hub.agentResponses["system.cpu.load"] = success(`{"load1_per_core": 0.2}`)
	hub.agentResponses["system.uptime"] = success(`{}`)
	hub.integResponses["proxmox.cluster.status"] = success(`{"data":[{"type":"cluster","quorate":0}]}`)
	hub.integResponses["proxmox.nodes.list"] = success(`{"data":[]}`)
	hub.integResponses["proxmox.tasks.recent"] = success(`{"data":[]}`)
	deps := testDeps(t, hub)

	result := callTool(t, deps, memberAuth(models.KeyPolicy{}), "health_check",
		map[string]any{"agent": "srv1"})

	assert.False(t, result.IsError)
	var parsed struct {
		Runbooks []json.RawMessage `json:"runbooks"`
		Findings []models.Finding  `json:"findings"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &parsed))
	require.NotEmpty(t, parsed.Findings)
	// Severity ordering: critical findings first.
	assert.Equal(t, models.SeverityCritical, parsed.Findings[0].Severity)
}

func TestQueryLogsDispatch(t *testing.T) {
	hub := newTestHub()
	hub.agentResponses["systemd.journal.query"] = success(`{"lines":["ok"]}`)
	deps := testDeps(t, hub)

	result := callTool(t, deps, memberAuth(models.KeyPolicy{}), "query_logs",
		map[string]any{"source": "systemd", "agent": "srv1", "params": map[string]any{"unit": "nginx"}})
	assert.False(t, result.IsError)
	require.Equal(t, 1, hub.auditCount())
	assert.Equal(t, "systemd.journal.query", hub.auditRows[0].Probe)

	result = callTool(t, deps, memberAuth(models.KeyPolicy{}), "query_logs",
		map[string]any{"source": "no-such"})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "unknown log source")
}

func TestQueryLogsAuditSource(t *testing.T) {
	hub := newTestHub()
	hub.auditRows = []*models.AuditEntry{
		{ID: 1, AgentID: "srv1", Probe: "system.disk.usage", Status: "success", Timestamp: time.Now()},
		{ID: 2, AgentID: "srv2", Probe: "system.uptime", Status: "error", Timestamp: time.Now()},
	}
	deps := testDeps(t, hub)

	result := callTool(t, deps, memberAuth(models.KeyPolicy{}), "query_logs",
		map[string]any{"source": "audit", "agent": "srv1"})

	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "system.disk.usage")
	assert.NotContains(t, text, "system.uptime")
}

func TestCheckCriticalPathPartial(t *testing.T) {
	hub := newTestHub()
	hub.integrations = []*models.Integration{
		{ID: "i-1", Type: "proxmox", Name: "pve-main", Status: "active"},
	}
	hub.agentResponses["system.disk.usage"] = success(`{}`)
	hub.agentResponses["system.uptime"] = success(`{}`)
	hub.integResponses["proxmox.cluster.status"] = success(`{}`)
	hub.integResponses["proxmox.nodes.list"] = &models.ProbeResponse{
		Status: models.ProbeStatusError, Error: "upstream 502",
	}
	hub.paths["web-flow"] = &models.CriticalPath{
		ID: "p-1", Name: "web-flow",
		Steps: []models.CriticalPathStep{
			{Label: "frontend", TargetType: models.PathTargetAgent, TargetID: "srv1",
				Probes: []string{"system.disk.usage", "system.uptime"}},
			{Label: "virtualization", TargetType: models.PathTargetIntegration, TargetID: "pve-main",
				Probes: []string{"proxmox.cluster.status", "proxmox.nodes.list"}},
		},
	}
	deps := testDeps(t, hub)

	result := callTool(t, deps, memberAuth(models.KeyPolicy{}), "check_critical_path",
		map[string]any{"path": "web-flow"})

	assert.False(t, result.IsError)
	var parsed struct {
		Path   string        `json:"path"`
		Status string        `json:"status"`
		Steps  []stepOutcome `json:"steps"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &parsed))
	assert.Equal(t, "partial", parsed.Status)
	require.Len(t, parsed.Steps, 2)
	assert.Equal(t, "pass", parsed.Steps[0].Status)
	assert.Equal(t, "partial", parsed.Steps[1].Status)

	// Executed probes are audited; the failed one included.
	assert.Equal(t, 4, hub.auditCount())
}

func TestCheckCriticalPathUnknown(t *testing.T) {
	hub := newTestHub()
	deps := testDeps(t, hub)

	result := callTool(t, deps, memberAuth(models.KeyPolicy{}), "check_critical_path",
		map[string]any{"path": "missing"})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), fmt.Sprintf("unknown critical path %q", "missing"))
}
