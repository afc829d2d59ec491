// Package mcptools exposes the hub's diagnostics as MCP tools over the
// StreamableHTTP transport. Each session binds the AuthContext resolved at
// session creation; every tool call runs under that identity's policy.
package mcptools

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sonde-dev/sonde/pkg/audit"
	"github.com/sonde-dev/sonde/pkg/auth"
	"github.com/sonde-dev/sonde/pkg/metrics"
	"github.com/sonde-dev/sonde/pkg/models"
	"github.com/sonde-dev/sonde/pkg/pack"
	"github.com/sonde-dev/sonde/pkg/probe"
	"github.com/sonde-dev/sonde/pkg/runbook"
	"github.com/sonde-dev/sonde/pkg/store"
	"github.com/sonde-dev/sonde/pkg/version"
)

// Store is the persistence surface the tool set reads.
type Store interface {
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	GetAgentByName(ctx context.Context, name string) (*models.Agent, error)
	ListIntegrations(ctx context.Context) ([]*models.Integration, error)
	GetCriticalPathByName(ctx context.Context, name string) (*models.CriticalPath, error)
	ListAudit(ctx context.Context, f store.AuditFilter) ([]*models.AuditEntry, error)
}

// ConnState is the dispatcher surface the tool set needs: live connection
// state, not persistence.
type ConnState interface {
	Connected(agentID string) bool
	ConnectedIDByName(name string) (string, bool)
}

// Deps bundles everything the tool set calls into.
type Deps struct {
	Registry *pack.Registry
	Router   *probe.Router
	Store    Store
	Conns    ConnState
	Audit    *audit.Recorder
	Metrics  *metrics.Metrics // optional
}

// toolset is one session's bound tool implementations. Its runbook engine
// routes every probe through the session's policy, so runbooks can never
// reach a probe the direct probe tool would deny.
type toolset struct {
	deps   Deps
	auth   *models.AuthContext
	engine *runbook.Engine
	logger *slog.Logger
}

// NewServer builds an MCP server whose tools all act as authCtx.
func NewServer(deps Deps, authCtx *models.AuthContext) *mcpsdk.Server {
	ts := &toolset{
		deps:   deps,
		auth:   authCtx,
		logger: slog.With("component", "mcp-tools"),
	}
	ts.engine = runbook.NewEngine(deps.Registry, sessionRunner{ts})

	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	server.AddTool(&mcpsdk.Tool{
		Name:        "probe",
		Description: "Run a single probe against an agent or integration and return its result",
		InputSchema: probeSchema,
	}, ts.instrumented("probe", ts.probe))
	server.AddTool(&mcpsdk.Tool{
		Name:        "diagnose",
		Description: "Run a diagnostic or simple runbook and return findings ordered by severity",
		InputSchema: diagnoseSchema,
	}, ts.instrumented("diagnose", ts.diagnose))
	server.AddTool(&mcpsdk.Tool{
		Name:        "list_agents",
		Description: "List enrolled agents visible to the caller, with connection state",
		InputSchema: emptySchema,
	}, ts.instrumented("list_agents", ts.listAgents))
	server.AddTool(&mcpsdk.Tool{
		Name:        "agent_overview",
		Description: "Detail for one agent: status, loaded packs, last seen",
		InputSchema: agentOverviewSchema,
	}, ts.instrumented("agent_overview", ts.agentOverview))
	server.AddTool(&mcpsdk.Tool{
		Name:        "list_capabilities",
		Description: "Catalogue of visible agents, integrations, probes, and runbooks",
		InputSchema: emptySchema,
	}, ts.instrumented("list_capabilities", ts.listCapabilities))
	server.AddTool(&mcpsdk.Tool{
		Name:        "health_check",
		Description: "Fan out every applicable runbook and aggregate findings by severity",
		InputSchema: healthCheckSchema,
	}, ts.instrumented("health_check", ts.healthCheck))
	server.AddTool(&mcpsdk.Tool{
		Name:        "query_logs",
		Description: "Query logs from systemd, docker, nginx, or the hub audit trail",
		InputSchema: queryLogsSchema,
	}, ts.instrumented("query_logs", ts.queryLogs))
	server.AddTool(&mcpsdk.Tool{
		Name:        "check_critical_path",
		Description: "Run a named critical path step by step and report pass/partial/fail",
		InputSchema: checkCriticalPathSchema,
	}, ts.instrumented("check_critical_path", ts.checkCriticalPath))

	return server
}

// Handler serves the tool set over StreamableHTTP. The resolver
// authenticates each request; session creation captures the identity for
// the session's lifetime.
func Handler(deps Deps, authenticate func(ctx context.Context, r *http.Request) (*models.AuthContext, error)) http.Handler {
	streamable := mcpsdk.NewStreamableHTTPHandler(func(r *http.Request) *mcpsdk.Server {
		authCtx := auth.FromContext(r.Context())
		if authCtx == nil {
			return nil
		}
		return NewServer(deps, authCtx)
	}, nil)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx, err := authenticate(r.Context(), r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="sonde"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		streamable.ServeHTTP(w, r.WithContext(auth.WithContext(r.Context(), authCtx)))
	})
}

// instrumented wraps a tool handler with outcome metrics.
func (ts *toolset) instrumented(name string, fn mcpsdk.ToolHandler) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		result, err := fn(ctx, req)
		if ts.deps.Metrics != nil {
			outcome := "ok"
			switch {
			case err != nil:
				outcome = "error"
			case result != nil && result.IsError:
				outcome = "tool_error"
			}
			ts.deps.Metrics.ToolCallsTotal.WithLabelValues(name, outcome).Inc()
		}
		return result, err
	}
}

func jsonResult(v any) (*mcpsdk.CallToolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(raw)}},
	}, nil
}

func errorResult(text string) (*mcpsdk.CallToolResult, error) {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
		IsError: true,
	}, nil
}

func deniedResult(reason string) (*mcpsdk.CallToolResult, error) {
	return errorResult("Access denied: " + reason)
}

func decodeArgs(req *mcpsdk.CallToolRequest, v any) error {
	if len(req.Params.Arguments) == 0 {
		return nil
	}
	return json.Unmarshal(req.Params.Arguments, v)
}

func sortedFindings(findings []models.Finding) []models.Finding {
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Severity.Rank() > findings[j].Severity.Rank()
	})
	return findings
}

var (
	emptySchema = &jsonschema.Schema{Type: "object"}

	probeSchema = &jsonschema.Schema{
		Type:     "object",
		Required: []string{"probe"},
		Properties: map[string]*jsonschema.Schema{
			"probe":  {Type: "string", Description: "Fully qualified probe name, e.g. system.disk.usage"},
			"agent":  {Type: "string", Description: "Agent or integration name; optional for integration packs"},
			"params": {Type: "object", Description: "Probe parameters validated against the probe's schema"},
		},
	}

	diagnoseSchema = &jsonschema.Schema{
		Type:     "object",
		Required: []string{"category"},
		Properties: map[string]*jsonschema.Schema{
			"category": {Type: "string", Description: "Diagnostic name or simple runbook category"},
			"agent":    {Type: "string", Description: "Target agent; ignored for integration diagnostics"},
		},
	}

	agentOverviewSchema = &jsonschema.Schema{
		Type:     "object",
		Required: []string{"agent"},
		Properties: map[string]*jsonschema.Schema{
			"agent": {Type: "string"},
		},
	}

	healthCheckSchema = &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"agent": {Type: "string", Description: "Agent for agent-side runbooks"},
			"categories": {
				Type:        "array",
				Items:       &jsonschema.Schema{Type: "string"},
				Description: "Restrict to these runbook categories",
			},
		},
	}

	queryLogsSchema = &jsonschema.Schema{
		Type:     "object",
		Required: []string{"source"},
		Properties: map[string]*jsonschema.Schema{
			"source": {Type: "string", Enum: []any{"systemd", "docker", "nginx-access", "nginx-error", "audit"}},
			"agent":  {Type: "string"},
			"params": {Type: "object"},
		},
	}

	checkCriticalPathSchema = &jsonschema.Schema{
		Type:     "object",
		Required: []string{"path"},
		Properties: map[string]*jsonschema.Schema{
			"path": {Type: "string", Description: "Critical path name"},
		},
	}
)
