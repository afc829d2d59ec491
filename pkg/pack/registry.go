package pack

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sonde-dev/sonde/pkg/crypto"
)

// Registry holds loaded pack manifests and their compiled parameter
// schemas. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	packs   map[string]*Manifest
	schemas map[string]*jsonschema.Schema // "pack.probe" → compiled schema

	allowUnsigned bool
	signingKey    ed25519.PublicKey
}

// NewRegistry creates a registry. signingKey may be nil when only unsigned
// packs are loaded (allowUnsigned must then be true).
func NewRegistry(allowUnsigned bool, signingKey ed25519.PublicKey) *Registry {
	return &Registry{
		packs:         make(map[string]*Manifest),
		schemas:       make(map[string]*jsonschema.Schema),
		allowUnsigned: allowUnsigned,
		signingKey:    signingKey,
	}
}

// Register validates and adds a manifest, replacing any previous version of
// the same pack. Parameter schemas are compiled eagerly so a bad schema is
// rejected at load time, not at probe time.
func (r *Registry) Register(m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}

	compiled := make(map[string]*jsonschema.Schema)
	for i := range m.Probes {
		p := &m.Probes[i]
		raw, err := p.ParamSchema()
		if err != nil {
			return err
		}
		if raw == nil {
			continue
		}
		full := m.Name + "." + p.Name
		sch, err := jsonschema.CompileString(full+".json", string(raw))
		if err != nil {
			return fmt.Errorf("pack %q: probe %q param schema: %w", m.Name, p.Name, err)
		}
		compiled[full] = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.packs[m.Name]; ok {
		for _, p := range old.Probes {
			delete(r.schemas, old.Name+"."+p.Name)
		}
	}
	r.packs[m.Name] = m
	for full, sch := range compiled {
		r.schemas[full] = sch
	}
	return nil
}

// LoadSigned parses a YAML manifest with a detached base64 Ed25519
// signature over the raw bytes. An empty signature is accepted only when
// the registry allows unsigned packs.
func (r *Registry) LoadSigned(data []byte, signature string) error {
	if signature == "" {
		if !r.allowUnsigned {
			return fmt.Errorf("unsigned pack rejected by configuration")
		}
	} else {
		if r.signingKey == nil || !crypto.VerifyPayload(r.signingKey, data, signature) {
			return fmt.Errorf("pack signature verification failed")
		}
	}

	m, err := Parse(data)
	if err != nil {
		return err
	}
	return r.Register(m)
}

// Get returns a pack by name.
func (r *Registry) Get(name string) (*Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.packs[name]
	return m, ok
}

// Has reports whether a pack is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns all packs sorted by name.
func (r *Registry) List() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Manifest, 0, len(r.packs))
	for _, m := range r.packs {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResolveProbe splits a fully-qualified probe name on its first dot and
// returns the owning manifest and probe definition.
func (r *Registry) ResolveProbe(fullName string) (*Manifest, *ProbeDef, error) {
	packName, probeName, ok := strings.Cut(fullName, ".")
	if !ok {
		return nil, nil, fmt.Errorf("probe name %q is not pack-qualified", fullName)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.packs[packName]
	if !ok {
		return nil, nil, fmt.Errorf("unknown pack %q", packName)
	}
	for i := range m.Probes {
		if m.Probes[i].Name == probeName {
			return m, &m.Probes[i], nil
		}
	}
	return nil, nil, fmt.Errorf("unknown probe %q in pack %q", probeName, packName)
}

// ValidateParams checks params against the probe's compiled schema.
// Probes without a schema accept any params.
func (r *Registry) ValidateParams(fullName string, params map[string]any) error {
	r.mu.RLock()
	sch, ok := r.schemas[fullName]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	// Round-trip through JSON so the value shape matches what the schema
	// library expects (json.Number-free plain decoding).
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("unmarshal params: %w", err)
	}

	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("params for %q: %w", fullName, err)
	}
	return nil
}

// RunbookCategories returns category → pack name for all packs declaring a
// simple runbook.
func (r *Registry) RunbookCategories() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string)
	for name, m := range r.packs {
		if m.Runbook != nil {
			out[m.Runbook.Category] = name
		}
	}
	return out
}

// FindRunbook returns the manifest declaring the given runbook category.
func (r *Registry) FindRunbook(category string) (*Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.packs {
		if m.Runbook != nil && m.Runbook.Category == category {
			return m, true
		}
	}
	return nil, false
}
