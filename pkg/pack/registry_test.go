package pack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonde-dev/sonde/pkg/crypto"
	"github.com/sonde-dev/sonde/pkg/models"
)

const sampleManifest = `
name: custom
version: 2.0.1
description: Custom probes
probes:
  - name: ping
    capability: observe
    timeout_ms: 5000
  - name: flush.cache
    capability: interact
    params:
      type: object
      required: [scope]
      properties:
        scope:
          type: string
          enum: [all, stale]
      additionalProperties: false
runbook:
  category: custom-health
  probes: [custom.ping]
`

func TestParseManifest(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	assert.Equal(t, "custom", m.Name)
	assert.Equal(t, "2.0.1", m.Version)
	require.Len(t, m.Probes, 2)
	assert.Equal(t, models.CapabilityObserve, m.Probes[0].Capability)
	assert.Equal(t, "5s", m.Probes[0].Timeout().String())
	assert.Equal(t, DefaultProbeTimeout, m.Probes[1].Timeout())
	require.NotNil(t, m.Runbook)
	assert.True(t, m.Runbook.IsParallel())
}

func TestManifestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Manifest)
	}{
		{"empty name", func(m *Manifest) { m.Name = "" }},
		{"dotted name", func(m *Manifest) { m.Name = "a.b" }},
		{"bad version", func(m *Manifest) { m.Version = "two" }},
		{"no probes", func(m *Manifest) { m.Probes = nil }},
		{"bad capability", func(m *Manifest) { m.Probes[0].Capability = "root" }},
		{"duplicate probe", func(m *Manifest) { m.Probes = append(m.Probes, m.Probes[0]) }},
		{"negative timeout", func(m *Manifest) { m.Probes[0].TimeoutMs = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse([]byte(sampleManifest))
			require.NoError(t, err)
			tt.mutate(m)
			assert.Error(t, m.Validate())
		})
	}
}

func TestRegistryResolveProbe(t *testing.T) {
	r := NewRegistry(true, nil)
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)
	require.NoError(t, r.Register(m))

	pk, def, err := r.ResolveProbe("custom.ping")
	require.NoError(t, err)
	assert.Equal(t, "custom", pk.Name)
	assert.Equal(t, "ping", def.Name)

	pk, def, err = r.ResolveProbe("custom.flush.cache")
	require.NoError(t, err)
	assert.Equal(t, "flush.cache", def.Name)
	_ = pk

	_, _, err = r.ResolveProbe("unqualified")
	assert.Error(t, err)
	_, _, err = r.ResolveProbe("nosuch.probe")
	assert.Error(t, err)
	_, _, err = r.ResolveProbe("custom.nosuch")
	assert.Error(t, err)
}

func TestRegistryValidateParams(t *testing.T) {
	r := NewRegistry(true, nil)
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)
	require.NoError(t, r.Register(m))

	// No schema: anything goes.
	assert.NoError(t, r.ValidateParams("custom.ping", map[string]any{"whatever": 1}))

	assert.NoError(t, r.ValidateParams("custom.flush.cache", map[string]any{"scope": "all"}))
	assert.Error(t, r.ValidateParams("custom.flush.cache", map[string]any{"scope": "everything"}))
	assert.Error(t, r.ValidateParams("custom.flush.cache", map[string]any{}))
	assert.Error(t, r.ValidateParams("custom.flush.cache", map[string]any{"scope": "all", "extra": true}))
}

func TestRegistrySignedPacks(t *testing.T) {
	pub, priv, err := crypto.GenerateSigningKey()
	require.NoError(t, err)

	data := []byte(sampleManifest)
	sig := crypto.SignPayload(priv, data)

	t.Run("valid signature accepted", func(t *testing.T) {
		r := NewRegistry(false, pub)
		require.NoError(t, r.LoadSigned(data, sig))
		assert.True(t, r.Has("custom"))
	})

	t.Run("tampered manifest rejected", func(t *testing.T) {
		r := NewRegistry(false, pub)
		tampered := append([]byte("# x\n"), data...)
		assert.Error(t, r.LoadSigned(tampered, sig))
	})

	t.Run("unsigned rejected when disallowed", func(t *testing.T) {
		r := NewRegistry(false, pub)
		assert.Error(t, r.LoadSigned(data, ""))
	})

	t.Run("unsigned accepted when allowed", func(t *testing.T) {
		r := NewRegistry(true, nil)
		require.NoError(t, r.LoadSigned(data, ""))
	})
}

func TestBuiltinPacksLoad(t *testing.T) {
	r := NewRegistry(true, nil)
	for _, m := range Builtin() {
		require.NoError(t, r.Register(m), "builtin pack %q must validate", m.Name)
	}

	for _, name := range []string{"system", "docker", "systemd", "nginx", "proxmox", "keeper"} {
		assert.True(t, r.Has(name), "builtin pack %q missing", name)
	}

	// Spot-check the probes the log tools depend on.
	for _, probe := range []string{
		"systemd.journal.query",
		"docker.logs.tail",
		"nginx.access.log.tail",
		"nginx.error.log.tail",
		"system.disk.usage",
	} {
		_, _, err := r.ResolveProbe(probe)
		assert.NoError(t, err, probe)
	}

	cats := r.RunbookCategories()
	assert.Equal(t, "system", cats["system-health"])
	assert.Equal(t, "docker", cats["docker-health"])
}
