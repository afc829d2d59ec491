package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sonde-dev/sonde/pkg/models"
)

// proxmoxProbe executes probes against the Proxmox VE HTTP API.
func (e *Executor) proxmoxProbe(ctx context.Context, client *http.Client, cfg *models.IntegrationConfig, probe string, params map[string]any) (json.RawMessage, error) {
	var path string
	query := url.Values{}

	switch probe {
	case "proxmox.cluster.status":
		path = "/api2/json/cluster/status"
	case "proxmox.nodes.list":
		path = "/api2/json/nodes"
	case "proxmox.vms.list":
		path = "/api2/json/cluster/resources"
		query.Set("type", "vm")
		if node, ok := params["node"].(string); ok && node != "" {
			path = "/api2/json/nodes/" + url.PathEscape(node) + "/qemu"
			query = url.Values{}
		}
	case "proxmox.tasks.recent":
		path = "/api2/json/cluster/tasks"
	default:
		return nil, fmt.Errorf("unknown proxmox probe %q", probe)
	}

	endpoint := strings.TrimRight(cfg.Endpoint, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	applyAuth(req, cfg)

	return doJSON(ctx, client, req)
}

// applyAuth sets the authentication header for an integration request.
// Proxmox API tokens go verbatim into Authorization; bearer and OAuth
// tokens use the standard Bearer scheme; username/password uses basic auth.
func applyAuth(req *http.Request, cfg *models.IntegrationConfig) {
	creds := cfg.Credentials
	switch creds.Method {
	case models.AuthMethodAPIKey:
		req.Header.Set("Authorization", creds.APIKey)
	case models.AuthMethodBearerToken:
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	case models.AuthMethodOAuth2:
		if creds.OAuth != nil {
			req.Header.Set("Authorization", "Bearer "+creds.OAuth.AccessToken)
		}
	default:
		if creds.Username != "" {
			req.SetBasicAuth(creds.Username, creds.Password)
		}
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
}
