package integration

import (
	"fmt"

	"dario.cat/mergo"

	"github.com/sonde-dev/sonde/pkg/models"
)

// typeDefaults are per-type config defaults merged under the stored config.
// User-provided values always win; only empty fields are filled in.
var typeDefaults = map[string]models.IntegrationConfig{
	"proxmox": {
		Headers: map[string]string{"Accept": "application/json"},
	},
	"keeper": {
		Endpoint: "https://keepersecurity.com",
		Headers:  map[string]string{"Accept": "application/json"},
	},
}

// applyDefaults fills empty config fields from the integration type's
// defaults.
func applyDefaults(integType string, cfg *models.IntegrationConfig) error {
	defaults, ok := typeDefaults[integType]
	if !ok {
		return nil
	}
	if err := mergo.Merge(cfg, defaults); err != nil {
		return fmt.Errorf("merge %s defaults: %w", integType, err)
	}
	return nil
}
