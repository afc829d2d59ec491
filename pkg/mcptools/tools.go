package mcptools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/sonde-dev/sonde/pkg/models"
	"github.com/sonde-dev/sonde/pkg/policy"
	"github.com/sonde-dev/sonde/pkg/probe"
	"github.com/sonde-dev/sonde/pkg/runbook"
	"github.com/sonde-dev/sonde/pkg/store"
)

// logSources maps query_logs sources to their probe. "audit" is handled
// separately against the audit store.
var logSources = map[string]string{
	"systemd":      "systemd.journal.query",
	"docker":       "docker.logs.tail",
	"nginx-access": "nginx.access.log.tail",
	"nginx-error":  "nginx.error.log.tail",
}

// deniedPrefix marks probe results that policy stopped before execution.
// Denied steps are never audited: no probe ran.
const deniedPrefix = "access denied: "

// sessionRunner is the toolset's runbook probe runner. It applies the
// session's per-probe policy before handing execution to the router, so a
// runbook step is gated exactly like a direct probe call.
type sessionRunner struct {
	ts *toolset
}

func (r sessionRunner) Execute(ctx context.Context, target probe.Target, probeName string, params map[string]any) (*models.ProbeResponse, error) {
	_, def, err := r.ts.deps.Registry.ResolveProbe(probeName)
	if err != nil {
		return nil, err
	}
	if d := policy.EvaluateProbeAccess(r.ts.auth, target.Name, probeName, def.Capability); !d.Allowed {
		return &models.ProbeResponse{
			Probe:  probeName,
			Status: models.ProbeStatusError,
			Error:  deniedPrefix + d.Reason,
		}, nil
	}
	return r.ts.deps.Router.Execute(ctx, target, probeName, params)
}

func (ts *toolset) probe(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Agent  string         `json:"agent"`
		Probe  string         `json:"probe"`
		Params map[string]any `json:"params"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return errorResult("malformed arguments: " + err.Error())
	}
	if args.Probe == "" {
		return errorResult("probe is required")
	}
	return ts.runProbe(ctx, args.Agent, args.Probe, args.Params)
}

// runProbe is the shared single-probe path: resolve, authorize, check agent
// state, execute, audit. Policy and validation failures return isError
// results without an audit row; executed probes always write one.
func (ts *toolset) runProbe(ctx context.Context, agentArg, probeName string, params map[string]any) (*mcpsdk.CallToolResult, error) {
	manifest, def, err := ts.deps.Registry.ResolveProbe(probeName)
	if err != nil {
		return errorResult(err.Error())
	}

	target, failure, err := ts.resolveTarget(ctx, manifest.Name, agentArg)
	if err != nil {
		return nil, err
	}
	if failure != nil {
		return failure, nil
	}

	if d := policy.EvaluateProbeAccess(ts.auth, target.Name, probeName, def.Capability); !d.Allowed {
		return deniedResult(d.Reason)
	}

	if target.Type == models.PathTargetAgent {
		if failure, err := ts.checkAgentOnline(ctx, target.Name); failure != nil || err != nil {
			return failure, err
		}
	}

	resp, err := ts.deps.Router.Execute(ctx, target, probeName, params)
	if err != nil {
		return errorResult(err.Error())
	}

	ts.recordProbe(ctx, target, probeName, params, resp)
	out, err := jsonResult(resp)
	if err != nil {
		return nil, err
	}
	out.IsError = resp.Status != models.ProbeStatusSuccess
	return out, nil
}

// resolveTarget picks where a probe runs. Integration packs run on the hub
// against a registered integration, ignoring any agent argument unless it
// names one of those integrations; everything else needs an agent.
func (ts *toolset) resolveTarget(ctx context.Context, packName, agentArg string) (probe.Target, *mcpsdk.CallToolResult, error) {
	integrations, err := ts.deps.Store.ListIntegrations(ctx)
	if err != nil {
		return probe.Target{}, nil, fmt.Errorf("list integrations: %w", err)
	}

	var candidates []*models.Integration
	for _, integ := range integrations {
		if integ.Type == packName {
			candidates = append(candidates, integ)
		}
	}
	if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
		chosen := candidates[0]
		for _, integ := range candidates {
			if integ.Name == agentArg {
				chosen = integ
				break
			}
		}
		return probe.Target{Type: models.PathTargetIntegration, Name: chosen.Name}, nil, nil
	}

	if agentArg == "" {
		failure, err := errorResult(fmt.Sprintf("probe pack %q runs on agents; agent is required", packName))
		return probe.Target{}, failure, err
	}
	return probe.Target{Type: models.PathTargetAgent, Name: agentArg}, nil, nil
}

// checkAgentOnline returns an isError result with a last-seen hint when the
// agent is known but disconnected, or an unknown-agent result. Neither is
// audited: no probe ran.
func (ts *toolset) checkAgentOnline(ctx context.Context, name string) (*mcpsdk.CallToolResult, error) {
	if _, connected := ts.deps.Conns.ConnectedIDByName(name); connected {
		return nil, nil
	}
	agent, err := ts.deps.Store.GetAgentByName(ctx, name)
	if err != nil {
		return errorResult(fmt.Sprintf("unknown agent %q", name))
	}
	return errorResult(fmt.Sprintf("agent %q is %s (last seen %s)",
		name, agent.Status, agent.LastSeen.UTC().Format(time.RFC3339)))
}

// recordProbe writes the audit row and probe metrics for one executed probe.
func (ts *toolset) recordProbe(ctx context.Context, target probe.Target, probeName string, params map[string]any, resp *models.ProbeResponse) {
	ts.deps.Audit.RecordProbe(ctx, ts.auth, target.Name, probeName, params, resp)
	if ts.deps.Metrics != nil {
		ts.deps.Metrics.ObserveProbe(string(target.Type), string(resp.Status),
			float64(resp.DurationMs)/1000)
	}
}

// recordReport audits every probe a runbook actually executed. Steps skipped
// by the diagnostic budget or stopped by policy never ran and are not audited.
func (ts *toolset) recordReport(ctx context.Context, target probe.Target, report *runbook.Report) {
	for _, result := range report.Results {
		if result.Response == nil ||
			strings.HasPrefix(result.Response.Error, "skipped:") ||
			strings.HasPrefix(result.Response.Error, deniedPrefix) {
			continue
		}
		ts.recordProbe(ctx, target, result.Probe, nil, result.Response)
	}
}

func (ts *toolset) diagnose(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Agent    string `json:"agent"`
		Category string `json:"category"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return errorResult("malformed arguments: " + err.Error())
	}
	if args.Category == "" {
		return errorResult("category is required")
	}

	// Diagnostic runbooks take precedence over simple runbook categories.
	for _, diag := range runbook.DiagnosticCatalog() {
		if diag.Name == args.Category {
			return ts.runDiagnostic(ctx, diag, args.Agent)
		}
	}

	if _, ok := ts.deps.Registry.FindRunbook(args.Category); !ok {
		return errorResult(fmt.Sprintf("unknown runbook category %q", args.Category))
	}
	if args.Agent == "" {
		return errorResult(fmt.Sprintf("runbook %q runs on agents; agent is required", args.Category))
	}

	target := probe.Target{Type: models.PathTargetAgent, Name: args.Agent}
	if d := policy.EvaluateAgentAccess(ts.auth, target.Name); !d.Allowed {
		return deniedResult(d.Reason)
	}
	if failure, err := ts.checkAgentOnline(ctx, target.Name); failure != nil || err != nil {
		return failure, err
	}

	report, err := ts.engine.RunSimple(ctx, args.Category, target)
	if err != nil {
		return errorResult(err.Error())
	}
	ts.recordReport(ctx, target, report)
	return jsonResult(report)
}

func (ts *toolset) runDiagnostic(ctx context.Context, diag runbook.DiagnosticInfo, agentArg string) (*mcpsdk.CallToolResult, error) {
	var target probe.Target
	switch diag.TargetType {
	case models.PathTargetIntegration:
		resolved, failure, err := ts.resolveTarget(ctx, diag.Pack, agentArg)
		if err != nil {
			return nil, err
		}
		if failure != nil || resolved.Type != models.PathTargetIntegration {
			return errorResult(fmt.Sprintf("diagnostic %q needs a registered %s integration", diag.Name, diag.Pack))
		}
		target = resolved
	default:
		if agentArg == "" {
			return errorResult(fmt.Sprintf("diagnostic %q runs on agents; agent is required", diag.Name))
		}
		target = probe.Target{Type: models.PathTargetAgent, Name: agentArg}
	}

	if d := policy.EvaluateAgentAccess(ts.auth, target.Name); !d.Allowed {
		return deniedResult(d.Reason)
	}

	report, err := ts.engine.RunDiagnostic(ctx, diag.Name, target)
	if err != nil {
		return errorResult(err.Error())
	}
	ts.recordReport(ctx, target, report)
	return jsonResult(report)
}

type agentSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OS        string    `json:"os"`
	Version   string    `json:"agent_version"`
	Status    string    `json:"status"`
	Connected bool      `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

func (ts *toolset) listAgents(ctx context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	agents, err := ts.deps.Store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	visible := make([]agentSummary, 0, len(agents))
	for _, agent := range agents {
		if d := policy.EvaluateAgentAccess(ts.auth, agent.Name); !d.Allowed {
			continue
		}
		visible = append(visible, agentSummary{
			ID:        agent.ID,
			Name:      agent.Name,
			OS:        agent.OS,
			Version:   agent.AgentVersion,
			Status:    string(agent.Status),
			Connected: ts.deps.Conns.Connected(agent.ID),
			LastSeen:  agent.LastSeen,
		})
	}
	return jsonResult(map[string]any{"agents": visible, "count": len(visible)})
}

func (ts *toolset) agentOverview(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Agent string `json:"agent"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return errorResult("malformed arguments: " + err.Error())
	}
	if args.Agent == "" {
		return errorResult("agent is required")
	}
	if d := policy.EvaluateAgentAccess(ts.auth, args.Agent); !d.Allowed {
		return deniedResult(d.Reason)
	}

	agent, err := ts.deps.Store.GetAgentByName(ctx, args.Agent)
	if err != nil {
		return errorResult(fmt.Sprintf("unknown agent %q", args.Agent))
	}
	return jsonResult(map[string]any{
		"agent":     agent,
		"connected": ts.deps.Conns.Connected(agent.ID),
	})
}

func (ts *toolset) listCapabilities(ctx context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	agents, err := ts.deps.Store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	integrations, err := ts.deps.Store.ListIntegrations(ctx)
	if err != nil {
		return nil, err
	}

	var agentNames []string
	for _, agent := range agents {
		if d := policy.EvaluateAgentAccess(ts.auth, agent.Name); d.Allowed {
			agentNames = append(agentNames, agent.Name)
		}
	}
	type integrationSummary struct {
		Name   string `json:"name"`
		Type   string `json:"type"`
		Status string `json:"status"`
	}
	var visibleIntegrations []integrationSummary
	for _, integ := range integrations {
		if d := policy.EvaluateAgentAccess(ts.auth, integ.Name); d.Allowed {
			visibleIntegrations = append(visibleIntegrations, integrationSummary{
				Name: integ.Name, Type: integ.Type, Status: integ.Status,
			})
		}
	}

	type probeInfo struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Capability  string         `json:"capability"`
		Params      map[string]any `json:"params,omitempty"`
	}
	type packInfo struct {
		Name        string      `json:"name"`
		Version     string      `json:"version"`
		Description string      `json:"description,omitempty"`
		Probes      []probeInfo `json:"probes"`
	}
	var packs []packInfo
	for _, m := range ts.deps.Registry.List() {
		info := packInfo{Name: m.Name, Version: m.Version, Description: m.Description}
		for _, p := range m.Probes {
			info.Probes = append(info.Probes, probeInfo{
				Name:        m.Name + "." + p.Name,
				Description: p.Description,
				Capability:  string(p.Capability),
				Params:      p.Params,
			})
		}
		packs = append(packs, info)
	}

	return jsonResult(map[string]any{
		"agents":       agentNames,
		"integrations": visibleIntegrations,
		"packs":        packs,
		"runbooks":     ts.engine.Categories(),
		"diagnostics":  ts.engine.Diagnostics(),
	})
}

func (ts *toolset) healthCheck(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Agent      string   `json:"agent"`
		Categories []string `json:"categories"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return errorResult("malformed arguments: " + err.Error())
	}

	wanted := func(category string) bool {
		if len(args.Categories) == 0 {
			return true
		}
		for _, c := range args.Categories {
			if c == category {
				return true
			}
		}
		return false
	}

	type job struct {
		category   string
		diagnostic bool
		target     probe.Target
	}
	var jobs []job

	if args.Agent != "" {
		if d := policy.EvaluateAgentAccess(ts.auth, args.Agent); !d.Allowed {
			return deniedResult(d.Reason)
		}
		target := probe.Target{Type: models.PathTargetAgent, Name: args.Agent}
		for category := range ts.engine.Categories() {
			if wanted(category) {
				jobs = append(jobs, job{category: category, target: target})
			}
		}
	}
	for _, diag := range runbook.DiagnosticCatalog() {
		if !wanted(diag.Name) || diag.TargetType != models.PathTargetIntegration {
			continue
		}
		target, failure, err := ts.resolveTarget(ctx, diag.Pack, "")
		if err != nil {
			return nil, err
		}
		if failure != nil || target.Type != models.PathTargetIntegration {
			continue // no integration registered for this diagnostic
		}
		if d := policy.EvaluateAgentAccess(ts.auth, target.Name); !d.Allowed {
			continue
		}
		jobs = append(jobs, job{category: diag.Name, diagnostic: true, target: target})
	}

	if len(jobs) == 0 {
		return errorResult("no applicable runbooks; pass an agent or register an integration")
	}

	type outcome struct {
		Category string          `json:"category"`
		Target   string          `json:"target"`
		Error    string          `json:"error,omitempty"`
		Report   *runbook.Report `json:"report,omitempty"`
	}
	outcomes := make([]outcome, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			var (
				report *runbook.Report
				err    error
			)
			if j.diagnostic {
				report, err = ts.engine.RunDiagnostic(gctx, j.category, j.target)
			} else {
				report, err = ts.engine.RunSimple(gctx, j.category, j.target)
			}
			out := outcome{Category: j.category, Target: j.target.Name}
			if err != nil {
				out.Error = err.Error()
			} else {
				out.Report = report
				ts.recordReport(gctx, j.target, report)
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()

	var findings []models.Finding
	for _, out := range outcomes {
		if out.Report != nil {
			findings = append(findings, out.Report.Findings...)
		}
	}

	return jsonResult(map[string]any{
		"runbooks": outcomes,
		"findings": sortedFindings(findings),
	})
}

func (ts *toolset) queryLogs(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Source string         `json:"source"`
		Agent  string         `json:"agent"`
		Params map[string]any `json:"params"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return errorResult("malformed arguments: " + err.Error())
	}

	if args.Source == "audit" {
		return ts.queryAudit(ctx, args.Agent, args.Params)
	}

	probeName, ok := logSources[args.Source]
	if !ok {
		return errorResult(fmt.Sprintf("unknown log source %q", args.Source))
	}
	if args.Agent == "" {
		return errorResult(fmt.Sprintf("log source %q runs on agents; agent is required", args.Source))
	}
	return ts.runProbe(ctx, args.Agent, probeName, args.Params)
}

func (ts *toolset) queryAudit(ctx context.Context, agent string, params map[string]any) (*mcpsdk.CallToolResult, error) {
	filter := store.AuditFilter{AgentID: agent}
	if probeName, ok := params["probe"].(string); ok {
		filter.Probe = probeName
	}
	if since, ok := params["since"].(string); ok {
		parsed, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return errorResult("since must be RFC 3339")
		}
		filter.Since = parsed
	}
	if limit, ok := params["limit"].(float64); ok {
		filter.Limit = int(limit)
	}

	entries, err := ts.deps.Store.ListAudit(ctx, filter)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"entries": entries, "count": len(entries)})
}

type stepOutcome struct {
	Label   string                  `json:"label"`
	Target  string                  `json:"target"`
	Status  string                  `json:"status"`
	Results []*models.ProbeResponse `json:"results"`
}

func (ts *toolset) checkCriticalPath(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return errorResult("malformed arguments: " + err.Error())
	}
	if args.Path == "" {
		return errorResult("path is required")
	}

	path, err := ts.deps.Store.GetCriticalPathByName(ctx, args.Path)
	if err != nil {
		return errorResult(fmt.Sprintf("unknown critical path %q", args.Path))
	}

	steps := make([]stepOutcome, 0, len(path.Steps))
	passed, failed := 0, 0
	for _, step := range path.Steps {
		out := ts.runPathStep(ctx, step)
		switch out.Status {
		case "pass":
			passed++
		case "fail":
			failed++
		}
		steps = append(steps, out)
	}

	status := "partial"
	switch {
	case passed == len(steps):
		status = "pass"
	case failed == len(steps):
		status = "fail"
	}

	return jsonResult(map[string]any{
		"path":   path.Name,
		"status": status,
		"steps":  steps,
	})
}

// runPathStep executes one step's probes in parallel. A probe denied by
// policy counts as failed without running or being audited.
func (ts *toolset) runPathStep(ctx context.Context, step models.CriticalPathStep) stepOutcome {
	target := probe.Target{Type: step.TargetType, Name: step.TargetID}
	out := stepOutcome{
		Label:   step.Label,
		Target:  step.TargetID,
		Results: make([]*models.ProbeResponse, len(step.Probes)),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, probeName := range step.Probes {
		i, probeName := i, probeName
		g.Go(func() error {
			resp := ts.runPathProbe(gctx, target, probeName)
			out.Results[i] = resp
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, resp := range out.Results {
		if resp.Status == models.ProbeStatusSuccess {
			succeeded++
		}
	}
	switch {
	case succeeded == len(out.Results):
		out.Status = "pass"
	case succeeded == 0:
		out.Status = "fail"
	default:
		out.Status = "partial"
	}
	return out
}

func (ts *toolset) runPathProbe(ctx context.Context, target probe.Target, probeName string) *models.ProbeResponse {
	failure := func(msg string) *models.ProbeResponse {
		return &models.ProbeResponse{Probe: probeName, Status: models.ProbeStatusError, Error: msg}
	}

	_, def, err := ts.deps.Registry.ResolveProbe(probeName)
	if err != nil {
		return failure(err.Error())
	}
	if d := policy.EvaluateProbeAccess(ts.auth, target.Name, probeName, def.Capability); !d.Allowed {
		return failure("access denied: " + d.Reason)
	}

	resp, err := ts.deps.Router.Execute(ctx, target, probeName, nil)
	if err != nil {
		return failure(err.Error())
	}
	ts.recordProbe(ctx, target, probeName, nil, resp)
	return resp
}
