// Package policy decides whether an authenticated caller may touch a given
// (agent, probe) pair. Evaluation is pure: no I/O, no clock.
package policy

import (
	"fmt"
	"slices"

	"github.com/gobwas/glob"

	"github.com/sonde-dev/sonde/pkg/models"
)

// Decision is the outcome of a policy evaluation. Reason is set only on deny.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// EvaluateProbeAccess checks auth's policy against a probe on an agent or
// integration source. An empty policy allows everything. Each set clause
// narrows independently: allowedAgents is an exact-name match,
// allowedProbes is a glob match where '*' spans any run of non-dot
// characters, and maxCapabilityLevel caps the probe's declared capability.
func EvaluateProbeAccess(auth *models.AuthContext, agentOrSource, probeName string, capability models.CapabilityLevel) Decision {
	if d := EvaluateAgentAccess(auth, agentOrSource); !d.Allowed {
		return d
	}

	p := auth.Policy
	if len(p.AllowedProbes) > 0 && !matchAnyProbe(p.AllowedProbes, probeName) {
		return deny("probe %q is not permitted by this key's policy", probeName)
	}

	if p.MaxCapabilityLevel != "" && capability.Level() > p.MaxCapabilityLevel.Level() {
		return deny("probe %q requires capability %s above this key's ceiling %s",
			probeName, capability, p.MaxCapabilityLevel)
	}

	return allow()
}

// EvaluateAgentAccess checks only the allowedAgents clause of the policy.
func EvaluateAgentAccess(auth *models.AuthContext, agentOrSource string) Decision {
	p := auth.Policy
	if len(p.AllowedAgents) > 0 && !slices.Contains(p.AllowedAgents, agentOrSource) {
		return deny("agent %q is not permitted by this key's policy", agentOrSource)
	}
	return allow()
}

// matchAnyProbe reports whether probeName matches at least one pattern.
// Patterns compile without a separator, so 'system.*' covers every probe in
// the system pack including nested names like system.disk.usage. A
// malformed pattern never matches.
func matchAnyProbe(patterns []string, probeName string) bool {
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			continue
		}
		if g.Match(probeName) {
			return true
		}
	}
	return false
}
