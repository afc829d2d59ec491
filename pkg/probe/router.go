// Package probe routes probe executions to their target: connected agents
// over the dispatcher, or hub-side integrations through the integration
// executor. Every path returns the same response shape.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sonde-dev/sonde/pkg/dispatch"
	"github.com/sonde-dev/sonde/pkg/models"
	"github.com/sonde-dev/sonde/pkg/pack"
)

// ErrUnknownTarget is returned when the target names neither a known agent
// nor a known integration.
var ErrUnknownTarget = errors.New("unknown target")

// AgentDispatcher is the dispatcher surface the router needs.
type AgentDispatcher interface {
	SendProbe(ctx context.Context, agentID, probe string, params json.RawMessage, timeout time.Duration) (*models.ProbeResponse, error)
	ConnectedIDByName(name string) (string, bool)
}

// IntegrationExecutor is the integration surface the router needs.
type IntegrationExecutor interface {
	ExecuteProbe(ctx context.Context, integrationName, probe string, params map[string]any) (*models.ProbeResponse, error)
}

// AgentLookup resolves agent names for disconnected agents.
type AgentLookup interface {
	GetAgentByName(ctx context.Context, name string) (*models.Agent, error)
}

// Target identifies where a probe should run.
type Target struct {
	Type models.PathTargetType
	Name string
}

// Router validates and executes probes.
type Router struct {
	registry     *pack.Registry
	dispatcher   AgentDispatcher
	integrations IntegrationExecutor
	agents       AgentLookup
	logger       *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(registry *pack.Registry, dispatcher AgentDispatcher, integrations IntegrationExecutor, agents AgentLookup) *Router {
	return &Router{
		registry:     registry,
		dispatcher:   dispatcher,
		integrations: integrations,
		agents:       agents,
		logger:       slog.With("component", "probe-router"),
	}
}

// Resolve returns the pack and definition for a fully qualified probe name.
func (r *Router) Resolve(probeName string) (*pack.Manifest, *pack.ProbeDef, error) {
	return r.registry.ResolveProbe(probeName)
}

// Execute validates params and runs one probe on its target. Validation
// failures return an error; execution failures come back inside the
// response with status error or timeout.
func (r *Router) Execute(ctx context.Context, target Target, probeName string, params map[string]any) (*models.ProbeResponse, error) {
	manifest, def, err := r.registry.ResolveProbe(probeName)
	if err != nil {
		return nil, err
	}
	if err := r.registry.ValidateParams(probeName, params); err != nil {
		return nil, err
	}

	var resp *models.ProbeResponse
	switch target.Type {
	case models.PathTargetIntegration:
		// The executor turns deadline expiry into a timeout-status response,
		// so the probe's declared timeout binds this path too.
		probeCtx, cancel := context.WithTimeout(ctx, def.Timeout())
		resp, err = r.integrations.ExecuteProbe(probeCtx, target.Name, probeName, params)
		cancel()
		if err != nil {
			return nil, err
		}
	case models.PathTargetAgent:
		resp, err = r.executeOnAgent(ctx, target.Name, probeName, def, params)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: target type %q", ErrUnknownTarget, target.Type)
	}

	resp.Probe = probeName
	resp.Metadata.Source = target.Name
	resp.Metadata.PackName = manifest.Name
	resp.Metadata.PackVersion = manifest.Version
	resp.Metadata.CapabilityLevel = def.Capability
	return resp, nil
}

func (r *Router) executeOnAgent(ctx context.Context, agentName, probeName string, def *pack.ProbeDef, params map[string]any) (*models.ProbeResponse, error) {
	agentID, connected := r.dispatcher.ConnectedIDByName(agentName)
	if !connected {
		agent, err := r.agents.GetAgentByName(ctx, agentName)
		if err != nil {
			return nil, fmt.Errorf("%w: agent %q", ErrUnknownTarget, agentName)
		}
		// Known but disconnected: uniform offline result, not an error.
		return &models.ProbeResponse{
			Status: models.ProbeStatusError,
			Error:  fmt.Sprintf("agent %q is %s", agentName, agent.Status),
		}, nil
	}

	var raw json.RawMessage
	if len(params) > 0 {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
	}

	start := time.Now()
	resp, err := r.dispatcher.SendProbe(ctx, agentID, probeName, raw, def.Timeout())
	if err != nil {
		out := &models.ProbeResponse{DurationMs: time.Since(start).Milliseconds()}
		switch {
		case errors.Is(err, dispatch.ErrProbeTimeout):
			out.Status = models.ProbeStatusTimeout
			out.Error = err.Error()
		case errors.Is(err, dispatch.ErrAgentOffline), errors.Is(err, dispatch.ErrTransport):
			out.Status = models.ProbeStatusError
			out.Error = err.Error()
		default:
			return nil, err
		}
		return out, nil
	}
	return resp, nil
}
